package heap

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"github.com/joshuapare/hstore/heap/alloc"
	"github.com/joshuapare/hstore/internal/format"
)

// DefaultGrainSize is the unit grow rounds increments up to.
const DefaultGrainSize = 32 << 20

// Config defines externally configurable heap options.
type Config struct {
	// GrainSize is written into new heaps; a reopened heap keeps the grain it
	// was created with. Must be a multiple of the page size.
	GrainSize uint64

	// LogAlloc traces every allocation and free, like HSTORE_LOG_ALLOC.
	LogAlloc bool

	// SizeClasses names the free index strategy: "balanced" or "fine".
	SizeClasses string

	// Histogram bounds, in bytes, and precision in significant figures.
	HistogramMax     int64
	HistogramSigFigs int
}

func NewDefaultConfig() *Config {
	return &Config{
		GrainSize:        DefaultGrainSize,
		SizeClasses:      "balanced",
		HistogramMax:     1 << 40,
		HistogramSigFigs: 2,
	}
}

func (cfg *Config) DefineFlags(flags *pflag.FlagSet) {
	default0 := NewDefaultConfig()
	flags.Uint64Var(&cfg.GrainSize, "heap-grain", default0.GrainSize, "Heap growth unit in bytes; new regions are a multiple of it")
	flags.BoolVar(&cfg.LogAlloc, "heap-log-alloc", default0.LogAlloc, "Heap: log every allocation and free")
	flags.StringVar(&cfg.SizeClasses, "heap-size-classes", default0.SizeClasses, "Heap free index size classes: balanced or fine")
	flags.Int64Var(&cfg.HistogramMax, "heap-hist-max", default0.HistogramMax, "Largest size in bytes tracked exactly by the heap histograms")
	flags.IntVar(&cfg.HistogramSigFigs, "heap-hist-sigfigs", default0.HistogramSigFigs, "Significant figures kept by the heap histograms (1-5)")
}

func (cfg *Config) validate() error {
	if cfg.GrainSize == 0 || cfg.GrainSize%format.PageSize != 0 {
		return fmt.Errorf("%w: grain %d is not a positive multiple of %d", ErrInvalidArgument, cfg.GrainSize, format.PageSize)
	}
	if cfg.HistogramMax < 2 || cfg.HistogramSigFigs < 1 || cfg.HistogramSigFigs > 5 {
		return fmt.Errorf("%w: histogram bounds max=%d sigfigs=%d", ErrInvalidArgument, cfg.HistogramMax, cfg.HistogramSigFigs)
	}
	_, err := cfg.sizeClasses()
	return err
}

func (cfg *Config) sizeClasses() (alloc.SizeClassConfig, error) {
	switch strings.ToLower(cfg.SizeClasses) {
	case "", "balanced":
		return alloc.ConfigBalanced, nil
	case "fine", "finegrained":
		return alloc.ConfigFineGrained, nil
	default:
		return alloc.SizeClassConfig{}, fmt.Errorf("%w: unknown size classes %q", ErrInvalidArgument, cfg.SizeClasses)
	}
}

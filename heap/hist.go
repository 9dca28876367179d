package heap

import (
	"context"
	"log/slog"
	"sync"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/dustin/go-humanize"
)

// HistogramSummary describes one of the heap's size histograms.
type HistogramSummary struct {
	Name  string
	Count int64
	Min   int64
	Max   int64
	Mean  float64
	P50   int64
	P99   int64
	Bars  []hdrhistogram.Bar // non-empty buckets only
}

// histograms records the sizes of allocations, frees, and runs recovered at
// reconstitution ("inject").
type histograms struct {
	mu     sync.Mutex
	max    int64
	alloc  *hdrhistogram.Histogram
	inject *hdrhistogram.Histogram
	free   *hdrhistogram.Histogram
}

func newHistograms(cfg *Config) *histograms {
	return &histograms{
		max:    cfg.HistogramMax,
		alloc:  hdrhistogram.New(1, cfg.HistogramMax, cfg.HistogramSigFigs),
		inject: hdrhistogram.New(1, cfg.HistogramMax, cfg.HistogramSigFigs),
		free:   hdrhistogram.New(1, cfg.HistogramMax, cfg.HistogramSigFigs),
	}
}

func (hs *histograms) record(h *hdrhistogram.Histogram, size uint64) {
	v := int64(min(size, uint64(hs.max)))
	hs.mu.Lock()
	_ = h.RecordValue(max(v, 1))
	hs.mu.Unlock()
}

// summaries returns alloc, inject and free summaries in that order.
func (hs *histograms) summaries() []HistogramSummary {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	out := make([]HistogramSummary, 0, 3)
	for _, e := range []struct {
		name string
		h    *hdrhistogram.Histogram
	}{{"alloc", hs.alloc}, {"inject", hs.inject}, {"free", hs.free}} {
		s := HistogramSummary{Name: e.name, Count: e.h.TotalCount()}
		if s.Count > 0 {
			s.Min, s.Max, s.Mean = e.h.Min(), e.h.Max(), e.h.Mean()
			s.P50, s.P99 = e.h.ValueAtQuantile(50), e.h.ValueAtQuantile(99)
			for _, b := range e.h.Distribution() {
				if b.Count > 0 {
					s.Bars = append(s.Bars, b)
				}
			}
		}
		out = append(out, s)
	}
	return out
}

// log writes every non-empty histogram at level.
func (hs *histograms) log(l *slog.Logger, level slog.Level, msg string) {
	ctx := context.Background()
	if !l.Enabled(ctx, level) {
		return
	}
	for _, s := range hs.summaries() {
		if s.Count == 0 {
			continue
		}
		l.Log(ctx, level, msg,
			"histogram", s.Name,
			"count", s.Count,
			"min", humanize.IBytes(uint64(s.Min)),
			"p50", humanize.IBytes(uint64(s.P50)),
			"p99", humanize.IBytes(uint64(s.P99)),
			"max", humanize.IBytes(uint64(s.Max)),
		)
		for _, b := range s.Bars {
			l.Log(ctx, slog.LevelDebug, msg, "histogram", s.Name, "from", b.From, "to", b.To, "count", b.Count)
		}
	}
}

func (hs *histograms) reset() {
	hs.mu.Lock()
	hs.alloc.Reset()
	hs.inject.Reset()
	hs.free.Reset()
	hs.mu.Unlock()
}

package heap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/joshuapare/hstore/heap/alloc"
	"github.com/joshuapare/hstore/heap/devdax"
	"github.com/joshuapare/hstore/heap/persist"
	"github.com/joshuapare/hstore/heap/region"
	"github.com/joshuapare/hstore/heap/state"
	"github.com/joshuapare/hstore/internal/format"
)

// Options configures Create, Format, Reconstitute and Open.
type Options struct {
	// Config, if nil, is NewDefaultConfig().
	Config *Config

	// Logger receives diagnostics. Nil discards them.
	Logger *slog.Logger

	// Persister flushes the span given to Create. Nil is persist.Volatile.
	// Regions from a device carry their own.
	Persister persist.Persister

	// Owns is the consumer's ownership predicate, consulted only during
	// reconstitution for allocations no armed record accounts for.
	Owns alloc.OwnershipFunc
}

func (o *Options) resolve() (*Config, *slog.Logger, error) {
	cfg := o.Config
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}
	l := o.Logger
	if l == nil {
		l = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return cfg, l, nil
}

// Heap is a crash-consistent allocator over a set of persistent regions.
// Region 0 ("pool 0") carries the heap header, the allocation-state records
// and the identifier slots of every further region.
type Heap struct {
	cfg   *Config
	log   *slog.Logger
	grain uint64
	numa  int

	regions *region.Set
	pool0   *region.Region
	hdr     []byte // pool 0 header pages
	states  *state.States
	alloc   *alloc.Allocator
	hist    *histograms

	growMu    sync.Mutex
	capacity  atomic.Uint64
	allocated atomic.Uint64
	quiesced  atomic.Bool

	// closePool0 is set when the heap mapped pool 0 itself.
	closePool0 bool
}

// Create builds a new heap over span: the span is aligned up to a page
// boundary and the aligned remainder becomes region 0.
func Create(span []byte, numaNode int, opts Options) (*Heap, error) {
	aligned := region.AlignSpan(span)
	if len(aligned) < format.HeapHeaderSize {
		return nil, fmt.Errorf("%w: span of %d bytes holds no heap", ErrInvalidArgument, len(span))
	}
	r, err := region.New(aligned, 0, numaNode, opts.Persister, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return Format(r, opts)
}

// Format builds a new heap in an existing region, which becomes region 0.
// Any previous content is lost.
func Format(r *region.Region, opts Options) (*Heap, error) {
	cfg, l, err := opts.resolve()
	if err != nil {
		return nil, err
	}
	if r.Len() < format.HeapHeaderSize {
		return nil, fmt.Errorf("%w: region %#x of %d bytes holds no heap", ErrInvalidArgument, r.ID(), r.Len())
	}
	h := newHeap(cfg, l, r)
	h.grain = cfg.GrainSize
	h.numa = r.NumaNode()

	// Everything but the magic first, so a torn create never opens.
	clear(h.hdr)
	if err := r.Persister().Persist(h.hdr); err != nil {
		return nil, err
	}
	format.PutU32(h.hdr, format.HeapVersionOffset, format.HeapVersion)
	format.PutU32(h.hdr, format.HeapNumaOffset, uint32(h.numa))
	format.PutU64(h.hdr, format.HeapGrainOffset, h.grain)
	format.PutU64(h.hdr, format.HeapPool0LenOffset, r.Len())
	if err := r.Persister().Persist(h.hdr[:format.CacheLine]); err != nil {
		return nil, err
	}
	if err := state.Format(h.hdr[format.HeapRecordsOffset:], r.Persister()); err != nil {
		return nil, err
	}
	if err := h.alloc.Format(0, r, format.HeapHeaderSize); err != nil {
		return nil, fmt.Errorf("heap: format region 0: %w", err)
	}
	copy(h.hdr[format.HeapMagicOffset:], format.HeapMagic)
	if err := r.Persister().Persist(h.hdr[:format.HeapMagicLen]); err != nil {
		return nil, err
	}

	h.capacity.Store(h.regions.Capacity())
	h.allocated.Store(h.alloc.DataBytes() - h.alloc.Remaining())
	h.log.Info("heap: created",
		"region", r.String(),
		"capacity", humanize.IBytes(h.Capacity()),
		"usable", humanize.IBytes(h.alloc.Remaining()),
		"grain", humanize.IBytes(h.grain),
	)
	return h, nil
}

func newHeap(cfg *Config, l *slog.Logger, pool0 *region.Region) *Heap {
	classes, _ := cfg.sizeClasses()
	hdr := pool0.Bytes()[:format.HeapHeaderSize]
	return &Heap{
		cfg:     cfg,
		log:     l,
		regions: region.NewSet(pool0),
		pool0:   pool0,
		hdr:     hdr,
		states:  state.New(hdr[format.HeapRecordsOffset:], pool0.Persister()),
		alloc: alloc.New(
			alloc.WithSizeClasses(classes),
			alloc.WithLogger(l),
			alloc.WithTrace(cfg.LogAlloc),
		),
		hist: newHistograms(cfg),
	}
}

// Open maps pool 0 from dev and reconstitutes the heap stored in it.
func Open(ctx context.Context, dev devdax.Device, pool0ID uint64, numaNode int, opts Options) (*Heap, error) {
	r, err := dev.OpenRegion(ctx, pool0ID, numaNode)
	if err != nil {
		return nil, fmt.Errorf("%w: pool 0 %#x: %w", ErrRegionOpen, pool0ID, err)
	}
	h, err := Reconstitute(ctx, r, dev, opts)
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	h.closePool0 = true
	return h, nil
}

// Reconstitute rebuilds a heap from an already mapped pool 0: every region
// named in the slot array is reopened through dev, then the allocator state
// is rebuilt from the persisted bitmaps. Allocations that armed records were
// tracking are kept if an armed record or opts.Owns says the map owns them,
// and released otherwise. All records are disarmed afterwards.
func Reconstitute(ctx context.Context, pool0 *region.Region, dev devdax.Device, opts Options) (*Heap, error) {
	cfg, l, err := opts.resolve()
	if err != nil {
		return nil, err
	}
	if pool0.Len() < format.HeapHeaderSize {
		return nil, fmt.Errorf("%w: pool 0 of %d bytes", ErrCorrupt, pool0.Len())
	}
	h := newHeap(cfg, l, pool0)
	if err := h.readHeader(); err != nil {
		return nil, err
	}
	if err := h.alloc.Load(0, pool0, format.HeapHeaderSize); err != nil {
		return nil, fmt.Errorf("%w: region 0: %w", ErrCorrupt, err)
	}

	count := h.regionCount()
	opened := make([]*region.Region, 0, count)
	fail := func(err error) (*Heap, error) {
		for _, r := range opened {
			_ = r.Close()
		}
		return nil, err
	}
	for i := range count {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		id := h.slot(i)
		r, err := dev.OpenRegion(ctx, id, h.numa)
		if err == nil && r == nil {
			err = errors.New("device returned no region")
		}
		if err != nil {
			return fail(fmt.Errorf("%w: region %#x: %w", ErrRegionOpen, id, err))
		}
		opened = append(opened, r)
		ord, err := h.regions.Add(r)
		if err != nil {
			return fail(fmt.Errorf("%w: region %#x: %w", ErrRegionOpen, id, err))
		}
		if err := h.alloc.Load(ord, r, 0); err != nil {
			return fail(fmt.Errorf("%w: region %#x: %w", ErrCorrupt, id, err))
		}
	}

	var pending []alloc.Span
	armed := h.states.Pending()
	for _, k := range state.Kinds {
		for _, e := range armed[k] {
			h.log.Info("heap: pending entry", "record", k.String(), "op", e.Op.String(), "ptr", e.Ptr, "size", e.Size)
			pending = append(pending, alloc.Span{
				Ptr:  e.Ptr,
				Size: e.Size,
				Live: !e.Dest.IsNil() && h.loadCell(e.Dest) == e.Ptr,
			})
		}
	}
	owns := func(p region.Ptr) bool {
		return h.states.IsInUse(p, h.loadCell) || (opts.Owns != nil && opts.Owns(p))
	}
	var used uint64
	err = h.alloc.Reconstitute(pending, owns, func(s alloc.Span) {
		used += s.Size
		h.hist.record(h.hist.inject, s.Size)
	})
	if err != nil {
		return fail(err)
	}
	if err := h.states.DisarmAll(); err != nil {
		return fail(err)
	}

	h.capacity.Store(h.regions.Capacity())
	h.allocated.Store(used)
	h.log.Info("heap: reconstituted",
		"regions", h.regions.Len(),
		"capacity", humanize.IBytes(h.Capacity()),
		"allocated", humanize.IBytes(used),
		"pending", len(pending),
	)
	return h, nil
}

func (h *Heap) readHeader() error {
	if !bytes.Equal(h.hdr[format.HeapMagicOffset:format.HeapMagicOffset+format.HeapMagicLen], format.HeapMagic) {
		return fmt.Errorf("%w: %w", ErrCorrupt, format.ErrSignatureMismatch)
	}
	if v := format.ReadU32(h.hdr, format.HeapVersionOffset); v != format.HeapVersion {
		return fmt.Errorf("%w: version %d: %w", ErrCorrupt, v, format.ErrUnsupported)
	}
	h.numa = int(format.ReadU32(h.hdr, format.HeapNumaOffset))
	h.grain = format.ReadU64(h.hdr, format.HeapGrainOffset)
	if h.grain == 0 || h.grain%format.PageSize != 0 {
		return fmt.Errorf("%w: grain %d", ErrCorrupt, h.grain)
	}
	if n := format.ReadU64(h.hdr, format.HeapPool0LenOffset); n != h.pool0.Len() {
		return fmt.Errorf("%w: pool 0 length %d, mapped %d", ErrCorrupt, n, h.pool0.Len())
	}
	if c := h.regionCount(); c > format.RegionSlots {
		return fmt.Errorf("%w: region count %d", ErrCorrupt, c)
	}
	return nil
}

func (h *Heap) regionCount() int {
	return int(format.ReadU64(h.hdr, format.HeapRegionCountOffset))
}

func (h *Heap) slot(i int) uint64 {
	return format.ReadU64(h.hdr, format.HeapRegionSlotsOffset+i*format.WordSize)
}

// loadCell reads a pointer cell, returning Nil for cells that do not
// resolve.
func (h *Heap) loadCell(cell region.Ptr) region.Ptr {
	p, err := h.LoadPtr(cell)
	if err != nil {
		return region.Nil
	}
	return p
}

// Quiesce logs the histograms and a summary, then releases the ephemeral
// allocator state and clears the histograms. Later allocations fail with ErrQuiesced. Calling it again
// does nothing.
func (h *Heap) Quiesce() {
	if !h.quiesced.CompareAndSwap(false, true) {
		return
	}
	h.hist.log(h.log, slog.LevelInfo, "heap: quiesce histogram")
	h.log.Info("heap: quiesced",
		"regions", h.regions.Len(),
		"capacity", humanize.IBytes(h.Capacity()),
		"allocated", humanize.IBytes(h.Allocated()),
		"overhead", humanize.IBytes(h.Overhead()),
	)
	h.alloc.Release()
	h.hist.reset()
}

// Close quiesces the heap and unmaps the regions it opened.
func (h *Heap) Close() error {
	h.Quiesce()
	var first error
	for i, r := range h.regions.All() {
		if i == 0 && !h.closePool0 {
			continue
		}
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Regions returns the heap's regions in ordinal order.
func (h *Heap) Regions() []*region.Region { return h.regions.All() }

// NumaNode returns the NUMA node recorded at creation.
func (h *Heap) NumaNode() int { return h.numa }

// Grain returns the growth unit.
func (h *Heap) Grain() uint64 { return h.grain }

// Capacity returns the sum of region lengths.
func (h *Heap) Capacity() uint64 { return h.capacity.Load() }

// Allocated returns the bytes handed to clients and not yet freed.
func (h *Heap) Allocated() uint64 { return h.allocated.Load() }

// Overhead returns the bytes of capacity no allocation can use: the pool 0
// header and every area's header and bitmaps. It is zero once quiesced.
func (h *Heap) Overhead() uint64 {
	data := h.alloc.DataBytes()
	if data == 0 {
		return 0
	}
	return h.Capacity() - data
}

// AllocStats returns the allocator counters.
func (h *Heap) AllocStats() alloc.Stats { return h.alloc.Stats() }

// Histograms returns summaries of the alloc, inject and free histograms.
func (h *Heap) Histograms() []HistogramSummary { return h.hist.summaries() }

// Root returns the pointer cell reserved for the consumer's root object.
func (h *Heap) Root() region.Ptr {
	return region.MakePtr(0, format.HeapRootOffset)
}

// Bytes returns the n bytes at p in this run's mappings.
func (h *Heap) Bytes(p region.Ptr, n int) ([]byte, error) {
	return h.regions.Resolve(p, n)
}

// UsableSize returns the bytes reserved for the allocation at p, which is
// the size it was allocated with rounded up to its alignment.
func (h *Heap) UsableSize(p region.Ptr) (uint64, error) {
	return h.alloc.RunSize(p)
}

// LoadPtr reads the pointer stored in cell.
func (h *Heap) LoadPtr(cell region.Ptr) (region.Ptr, error) {
	b, err := h.regions.Resolve(cell, format.WordSize)
	if err != nil {
		return region.Nil, err
	}
	return region.Ptr(format.ReadU64(b, 0)), nil
}

// StorePtr stores p into cell and persists it.
func (h *Heap) StorePtr(cell, p region.Ptr) error {
	b, err := h.regions.Resolve(cell, format.WordSize)
	if err != nil {
		return err
	}
	format.PutU64(b, 0, uint64(p))
	return h.regions.At(cell.Ordinal()).Persister().Persist(b)
}

// Persist makes the n bytes at p durable.
func (h *Heap) Persist(p region.Ptr, n int) error {
	return h.regions.Persist(p, n)
}

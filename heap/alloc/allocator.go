package alloc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/joshuapare/hstore/heap/persist"
	"github.com/joshuapare/hstore/heap/region"
	"github.com/joshuapare/hstore/internal/format"
)

// Runtime debug flag for allocation logging - controlled by HSTORE_LOG_ALLOC env var.
var logAlloc = os.Getenv("HSTORE_LOG_ALLOC") != ""

// Option configures an Allocator.
type Option func(*Allocator)

// WithSizeClasses selects the size class strategy of the free index.
func WithSizeClasses(cfg SizeClassConfig) Option {
	return func(a *Allocator) { a.table = newSizeClassTable(cfg) }
}

// WithTrace logs every pick and free at info level, as HSTORE_LOG_ALLOC does.
func WithTrace(on bool) Option {
	return func(a *Allocator) { a.trace = a.trace || on }
}

// WithLogger sets the logger for allocation tracing and recovery messages.
func WithLogger(l *slog.Logger) Option {
	return func(a *Allocator) {
		if l != nil {
			a.log = l
		}
	}
}

// Allocator hands out granule runs from the areas of a heap's regions.
type Allocator struct {
	mu     sync.Mutex
	areas  []*area
	table  *sizeClassTable
	index  *freeIndex
	picked map[region.Ptr]uint64 // granules picked but not yet committed
	log    *slog.Logger
	trace  bool
	stats  Stats
}

// New returns an allocator with no areas.
func New(opts ...Option) *Allocator {
	a := &Allocator{
		table:  newSizeClassTable(DefaultConfig),
		picked: make(map[region.Ptr]uint64),
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		trace:  logAlloc,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.index = newFreeIndex(a.table, func(ord int, g uint64) uint64 {
		return a.areas[ord].regionOffset(g)
	})
	return a
}

// FormatArea lays out a fresh, all-free area in r starting at byte base and
// flushes it. The area is not attached to any allocator.
func FormatArea(r *region.Region, base uint64) error {
	_, err := formatArea(-1, r, base)
	return err
}

// Format lays out a fresh area in r starting at byte base and attaches it.
// ordinal must be the next area ordinal.
func (a *Allocator) Format(ordinal int, r *region.Region, base uint64) error {
	if err := FormatArea(r, base); err != nil {
		return err
	}
	return a.Attach(ordinal, r, base)
}

// Attach adds a freshly formatted area in r at byte base and makes all of it
// available without scanning its bitmaps.
func (a *Allocator) Attach(ordinal int, r *region.Region, base uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ordinal != len(a.areas) {
		return fmt.Errorf("alloc: area ordinal %d out of sequence (have %d)", ordinal, len(a.areas))
	}
	ar, err := loadArea(ordinal, r, base)
	if err != nil {
		return err
	}
	a.areas = append(a.areas, ar)
	a.index.insert(ordinal, 0, ar.granules)
	if a.trace {
		a.log.Info("alloc: area attached", "region", r.String(), "ordinal", ordinal, "granules", ar.granules)
	}
	return nil
}

// Load attaches an existing area in r at byte base. Its free runs become
// available only after Reconstitute.
func (a *Allocator) Load(ordinal int, r *region.Region, base uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ordinal != len(a.areas) {
		return fmt.Errorf("alloc: area ordinal %d out of sequence (have %d)", ordinal, len(a.areas))
	}
	ar, err := loadArea(ordinal, r, base)
	if err != nil {
		return err
	}
	a.areas = append(a.areas, ar)
	return nil
}

// Reconstitute rebuilds the free index from the persisted bitmaps of every
// loaded area. Spans in pending are resolved per pointer, in order: the
// pointer's bits are cleared over the widest size recorded for it, then the
// run is forced allocated if owns reports the map owns it, or left free
// otherwise. A kept run takes the size of the last live span for the
// pointer, or of its last span when none is live. visit, when non-nil, is
// called with every committed run found.
func (a *Allocator) Reconstitute(pending []Span, owns OwnershipFunc, visit func(Span)) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Release unowned pointers first so a run forced allocated afterwards
	// always ends with its full run of bits.
	var keep []pendingRun
	for _, pr := range groupPending(pending) {
		ar, g, err := a.locate(pr.ptr)
		if err != nil {
			a.log.Warn("alloc: pending span outside heap", "ptr", pr.ptr, "size", pr.extent)
			continue
		}
		n := granulesFor(pr.extent)
		if n == 0 || g+n > ar.granules {
			a.log.Warn("alloc: pending span overruns area", "ptr", pr.ptr, "size", pr.extent)
			continue
		}
		if owns != nil && owns(pr.ptr) {
			keep = append(keep, pr)
			continue
		}
		if ar.covered(g) {
			// g lies inside a live run that starts earlier; not ours to free.
			continue
		}
		if err := ar.release(g, n); err != nil {
			return err
		}
		a.log.Debug("alloc: pending span released", "ptr", pr.ptr, "size", pr.extent)
	}
	for _, pr := range keep {
		ar, g, _ := a.locate(pr.ptr)
		if err := ar.release(g, granulesFor(pr.extent)); err != nil {
			return err
		}
		if err := ar.markAllocated(g, max(granulesFor(pr.size), 1)); err != nil {
			return err
		}
		a.log.Debug("alloc: pending span kept", "ptr", pr.ptr, "size", pr.size)
	}

	a.index.reset()
	clear(a.picked)
	for _, ar := range a.areas {
		dirty := persist.NewTracker(ar.buf, ar.r.Persister())
		debris := ar.scan(dirty,
			func(g, n uint64) {
				if visit != nil {
					visit(Span{Ptr: ar.ptr(g), Size: n * Granule})
				}
			},
			func(g, n uint64) { a.index.insert(ar.ordinal, g, n) },
		)
		if err := dirty.Flush(context.Background()); err != nil {
			return err
		}
		if debris > 0 {
			a.log.Info("alloc: cleared orphaned bitmap bits", "region", ar.r.String(), "ranges", debris)
		}
	}
	return nil
}

// pendingRun is every pending span recorded for one pointer, folded.
type pendingRun struct {
	ptr    region.Ptr
	size   uint64 // size the run is kept at
	extent uint64 // widest size recorded
}

// groupPending folds spans sharing a pointer into one pendingRun, in order
// of first appearance.
func groupPending(pending []Span) []pendingRun {
	var out []pendingRun
	at := make(map[region.Ptr]int)
	live := make(map[region.Ptr]bool)
	for _, s := range pending {
		i, ok := at[s.Ptr]
		if !ok {
			at[s.Ptr] = len(out)
			out = append(out, pendingRun{ptr: s.Ptr, size: s.Size, extent: s.Size})
			live[s.Ptr] = s.Live
			continue
		}
		pr := &out[i]
		pr.extent = max(pr.extent, s.Size)
		if s.Live || !live[s.Ptr] {
			pr.size = s.Size
			live[s.Ptr] = live[s.Ptr] || s.Live
		}
	}
	return out
}

// granulesFor rounds size up to whole granules.
func granulesFor(size uint64) uint64 {
	return format.RoundUpMultiple(size, Granule) / Granule
}

// locate maps p to its area and granule.
func (a *Allocator) locate(p region.Ptr) (*area, uint64, error) {
	ord := p.Ordinal()
	if p.IsNil() || ord < 0 || ord >= len(a.areas) {
		return nil, 0, fmt.Errorf("%w: %v", ErrBadPtr, p)
	}
	ar := a.areas[ord]
	g, ok := ar.granule(p)
	if !ok {
		return nil, 0, fmt.Errorf("%w: %v", ErrBadPtr, p)
	}
	return ar, g, nil
}

// Pick chooses a run of size bytes aligned to align without changing any
// persisted state. The run stays reserved until Commit or Unpick. align must
// be a power of two of at least Granule; size must be non-zero.
func (a *Allocator) Pick(size, align uint64) (region.Ptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.PickCalls++
	if size == 0 || align < Granule || !format.IsPowerOfTwo(align) {
		return region.Nil, fmt.Errorf("%w: size %d align %d", ErrBadRequest, size, align)
	}
	n := granulesFor(size)
	ord, g, ok := a.index.take(n, align)
	if !ok {
		return region.Nil, fmt.Errorf("%w: %d bytes at alignment %d", ErrNoSpace, size, align)
	}
	p := a.areas[ord].ptr(g)
	a.picked[p] = n
	if a.trace {
		a.log.Info("alloc: pick", "ptr", p, "size", size, "align", align)
	}
	return p, nil
}

// Unpick returns a picked run to the index without touching the bitmaps.
func (a *Allocator) Unpick(p region.Ptr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.picked[p]
	if !ok {
		return
	}
	delete(a.picked, p)
	a.stats.UnpickCalls++
	_, g, err := a.locate(p)
	if err != nil {
		return
	}
	a.index.release(p.Ordinal(), g, n)
}

// Commit durably marks a picked run allocated: alloc bits first, then the
// start bit.
func (a *Allocator) Commit(p region.Ptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.picked[p]
	if !ok {
		return fmt.Errorf("%w: %v was not picked", ErrBadPtr, p)
	}
	ar, g, err := a.locate(p)
	if err != nil {
		return err
	}
	if err := ar.markAllocated(g, n); err != nil {
		return err
	}
	delete(a.picked, p)
	a.stats.CommitCalls++
	return nil
}

// Free durably releases the committed run at p: start bit first, then the
// alloc and end bits. size must not exceed the run; the whole run is
// released, since alignment padding is not tracked separately.
func (a *Allocator) Free(p region.Ptr, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	ar, g, err := a.locate(p)
	if err != nil {
		return err
	}
	n, ok := ar.runLen(g)
	if !ok || granulesFor(size) > n {
		return fmt.Errorf("%w: %v (%d bytes)", ErrNotAllocated, p, size)
	}
	if err := ar.markFree(g, n); err != nil {
		return err
	}
	a.index.release(ar.ordinal, g, n)
	a.stats.FreeCalls++
	if a.trace {
		a.log.Info("alloc: free", "ptr", p, "size", size, "run", n*Granule)
	}
	return nil
}

// IsAllocated reports whether a committed run of at least size bytes starts
// at p.
func (a *Allocator) IsAllocated(p region.Ptr, size uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	ar, g, err := a.locate(p)
	if err != nil {
		return false
	}
	n, ok := ar.runLen(g)
	return ok && n*Granule >= size
}

// RunSize returns the length in bytes of the committed run starting at p.
func (a *Allocator) RunSize(p region.Ptr) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ar, g, err := a.locate(p)
	if err != nil {
		return 0, err
	}
	n, ok := ar.runLen(g)
	if !ok {
		return 0, fmt.Errorf("%w: %v", ErrNotAllocated, p)
	}
	return n * Granule, nil
}

// Remaining returns the bytes available to Pick.
func (a *Allocator) Remaining() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	free, _, _ := a.index.totals()
	return free * Granule
}

// DataBytes returns the bytes in data granules over all areas.
func (a *Allocator) DataBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var n uint64
	for _, ar := range a.areas {
		n += ar.dataBytes()
	}
	return n
}

// Areas returns the number of attached areas.
func (a *Allocator) Areas() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.areas)
}

// Stats returns a snapshot of the allocator counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stats
	s.SplitCount = a.index.splits
	s.CoalesceCount = a.index.coalesced
	s.Areas = len(a.areas)
	for _, ar := range a.areas {
		s.DataBytes += ar.dataBytes()
	}
	free, runs, longest := a.index.totals()
	s.FreeBytes = free * Granule
	s.FreeRuns = runs
	s.LargestFree = longest * Granule
	return s
}

// Release drops the ephemeral index and detaches all areas. The persisted
// bitmaps are untouched.
func (a *Allocator) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.index.reset()
	clear(a.picked)
	a.areas = nil
}

// String returns the size class configuration name.
func (a *Allocator) String() string {
	return "alloc(" + a.table.String() + ")"
}

package heap

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/joshuapare/hstore/heap/alloc"
	"github.com/joshuapare/hstore/heap/region"
	"github.com/joshuapare/hstore/heap/state"
	"github.com/joshuapare/hstore/internal/format"
	"github.com/joshuapare/hstore/internal/perishable"
)

// Alloc allocates size bytes aligned to alignment and returns the pointer.
//
// alignment is raised to the pointer width and must be a power of two; size
// is rounded up to a multiple of it (a zero size reserves one alignment
// unit). The allocation is charged to the armed record chosen by
// state.AllocPrecedence, which durably records {dest, ptr, size} before the
// allocator persists anything. If dest is not Nil, the new pointer is then
// stored into dest and persisted; that store is what makes the allocation
// owned on recovery. With no record armed the allocation is untracked and
// only logged.
func (h *Heap) Alloc(dest region.Ptr, size, alignment uint64) (region.Ptr, error) {
	if h.quiesced.Load() {
		return region.Nil, ErrQuiesced
	}
	alignment = max(alignment, format.WordSize)
	if !format.IsPowerOfTwo(alignment) {
		return region.Nil, fmt.Errorf("%w: alignment %d is not a power of two", ErrInvalidArgument, alignment)
	}
	if size > math.MaxUint64-alignment+1 {
		return region.Nil, fmt.Errorf("%w: %d bytes at alignment %d", ErrCapacityExceeded, size, alignment)
	}
	rounded := format.RoundUpMultiple(max(size, 1), alignment)
	if !dest.IsNil() {
		if _, err := h.regions.Resolve(dest, format.WordSize); err != nil {
			return region.Nil, fmt.Errorf("%w: dest: %w", ErrInvalidArgument, err)
		}
	}

	p, err := h.alloc.Pick(rounded, alignment)
	if err != nil {
		if errors.Is(err, alloc.ErrNoSpace) {
			h.hist.log(h.log, slog.LevelWarn, "heap: allocation failed histogram")
			h.log.Warn("heap: out of memory",
				"size", rounded, "alignment", alignment,
				"capacity", h.Capacity(), "allocated", h.Allocated())
			return region.Nil, fmt.Errorf("%w: %d bytes: %w", ErrCapacityExceeded, rounded, err)
		}
		return region.Nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	if rec := h.states.ForAlloc(); rec != nil {
		switch rec.Kind() {
		case state.PinData, state.PinKey, state.Extend, state.Emplace:
			if err := rec.RecordAllocation(dest, p, rounded); err != nil {
				h.alloc.Unpick(p)
				return region.Nil, err
			}
		case state.Idle:
			panic(fmt.Sprintf("heap: idle record %v chosen for allocation", rec.Kind()))
		}
	} else {
		h.log.Warn("heap: leaky allocation", "ptr", p, "size", rounded, "alignment", alignment)
	}

	if err := h.alloc.Commit(p); err != nil {
		h.alloc.Unpick(p)
		return region.Nil, err
	}
	if !dest.IsNil() {
		if err := h.StorePtr(dest, p); err != nil {
			return region.Nil, err
		}
	}
	perishable.Tick()
	h.allocated.Add(rounded)
	h.hist.record(h.hist.alloc, rounded)
	return p, nil
}

// Free releases the allocation at p of size bytes. size is the size that
// was requested (after rounding); it is not checked against the
// allocator's own record beyond fitting the run.
//
// A free while Extend governs is an allocation-state violation and panics.
// Under Emplace the deallocation is durably recorded first, with dest naming
// the cell that held p; callers clear dest before freeing so recovery sees p
// as unowned. With no record armed the free is untracked and only logged.
func (h *Heap) Free(dest, p region.Ptr, size uint64) error {
	if h.quiesced.Load() {
		return ErrQuiesced
	}
	if size > h.allocated.Load() {
		panic(fmt.Errorf("%w: free of %d bytes with %d allocated", ErrCounterUnderflow, size, h.allocated.Load()))
	}
	if rec := h.states.ForFree(); rec != nil {
		if err := rec.RecordDeallocation(dest, p, size); err != nil {
			return err
		}
	} else {
		h.log.Warn("heap: leaky deallocation", "ptr", p, "size", size)
	}
	if err := h.alloc.Free(p, size); err != nil {
		return fmt.Errorf("heap: free %v: %w", p, err)
	}
	perishable.Tick()
	for {
		cur := h.allocated.Load()
		if size > cur {
			panic(fmt.Errorf("%w: free of %d bytes with %d allocated", ErrCounterUnderflow, size, cur))
		}
		if h.allocated.CompareAndSwap(cur, cur-size) {
			break
		}
	}
	h.hist.record(h.hist.free, size)
	return nil
}

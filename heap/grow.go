package heap

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/joshuapare/hstore/heap/alloc"
	"github.com/joshuapare/hstore/heap/devdax"
	"github.com/joshuapare/hstore/heap/persist"
	"github.com/joshuapare/hstore/heap/region"
	"github.com/joshuapare/hstore/internal/format"
)

// GrowSize returns increment rounded up to a whole number of grains.
func GrowSize(increment, grain uint64) uint64 {
	if increment == 0 {
		return 0
	}
	return ((increment-1)/grain + 1) * grain
}

// Grow adds a region of at least increment bytes, rounded up to the grain,
// and returns the new capacity. An increment of 0 changes nothing.
//
// Identifiers are tried from the last one in the slot array (or seed, if the
// array is empty) plus one, skipping 0, until dev creates a region or the
// search wraps. The identifier is persisted into its slot before the slot
// count is incremented and persisted, so a crash in between leaks at most an
// unregistered region.
func (h *Heap) Grow(ctx context.Context, dev devdax.Device, seed, increment uint64) (uint64, error) {
	if increment == 0 {
		return h.Capacity(), nil
	}
	if h.quiesced.Load() {
		return 0, ErrQuiesced
	}
	h.growMu.Lock()
	defer h.growMu.Unlock()

	size := GrowSize(increment, h.grain)
	count := h.regionCount()
	if count >= format.RegionSlots {
		return 0, fmt.Errorf("%w: all %d region slots in use", ErrCapacityExceeded, format.RegionSlots)
	}
	start := seed
	if count > 0 {
		start = h.slot(count - 1)
	}

	r, err := h.createRegion(ctx, dev, start, size)
	if err != nil {
		return 0, err
	}
	if err := alloc.FormatArea(r, 0); err != nil {
		_ = r.Close()
		return 0, fmt.Errorf("%w: region %#x: %w", ErrCapacityExceeded, r.ID(), err)
	}

	p := h.pool0.Persister()
	slotOff := format.HeapRegionSlotsOffset + count*format.WordSize
	format.PutU64(h.hdr, slotOff, r.ID())
	if err := persist.Word(p, h.hdr, slotOff); err != nil {
		_ = r.Close()
		return 0, err
	}
	format.PutU64(h.hdr, format.HeapRegionCountOffset, uint64(count+1))
	if err := persist.Word(p, h.hdr, format.HeapRegionCountOffset); err != nil {
		_ = r.Close()
		return 0, err
	}

	ord, err := h.regions.Add(r)
	if err != nil {
		return 0, fmt.Errorf("heap: add region %#x: %w", r.ID(), err)
	}
	if err := h.alloc.Attach(ord, r, 0); err != nil {
		return 0, fmt.Errorf("heap: attach region %#x: %w", r.ID(), err)
	}
	capacity := h.capacity.Add(r.Len())
	h.log.Info("heap: grew",
		"region", r.String(),
		"size", humanize.IBytes(r.Len()),
		"capacity", humanize.IBytes(capacity),
	)
	return capacity, nil
}

// createRegion searches identifiers after start for one dev can create.
func (h *Heap) createRegion(ctx context.Context, dev devdax.Device, start, size uint64) (*region.Region, error) {
	for id := start + 1; id != start; id++ {
		if id == 0 {
			if start == 0 {
				break
			}
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := dev.CreateRegion(ctx, id, h.numa, size)
		switch {
		case err == nil && r != nil:
			return r, nil
		case errors.Is(err, devdax.ErrRegionExists):
			continue
		case err == nil:
			return nil, fmt.Errorf("%w: device returned no region for %#x", ErrCapacityExceeded, id)
		default:
			return nil, fmt.Errorf("%w: create region %#x: %w", ErrCapacityExceeded, id, err)
		}
	}
	return nil, fmt.Errorf("%w: region identifiers exhausted", ErrCapacityExceeded)
}

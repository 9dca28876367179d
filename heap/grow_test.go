package heap

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/hstore/heap/devdax"
	"github.com/joshuapare/hstore/heap/persist"
	"github.com/joshuapare/hstore/heap/region"
	"github.com/joshuapare/hstore/internal/format"
)

func TestGrowSize(t *testing.T) {
	const grain = 32 << 20
	tests := []struct {
		increment, want uint64
	}{
		{0, 0},
		{1, grain},
		{grain - 1, grain},
		{grain, grain},
		{grain + 1, 2 * grain},
		{5 * grain, 5 * grain},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, GrowSize(tt.increment, grain), "increment %d", tt.increment)
	}
}

func TestGrowZeroIsNoop(t *testing.T) {
	h, dev := newDeviceHeap(t, 1<<20, Options{})
	before := h.Capacity()
	got, err := h.Grow(context.Background(), dev, 7, 0)
	require.NoError(t, err)
	assert.Equal(t, before, got)
	assert.Equal(t, 1, dev.IDs())
	assert.Len(t, h.Regions(), 1)
}

func TestGrowArithmetic(t *testing.T) {
	ctx := context.Background()
	h, dev := newDeviceHeap(t, 1<<20, Options{})
	grain := h.Grain()

	for _, inc := range []uint64{1, grain, grain + 1, 3*grain - 5} {
		before := h.Capacity()
		got, err := h.Grow(ctx, dev, 100, inc)
		require.NoError(t, err)
		assert.Equal(t, before+GrowSize(inc, grain), got)
		assert.Equal(t, got, h.Capacity())
	}
	ids := make([]uint64, 0, 4)
	for _, r := range h.Regions()[1:] {
		ids = append(ids, r.ID())
	}
	assert.Equal(t, []uint64{101, 102, 103, 104}, ids, "search starts after the seed, then after the last slot")
	assert.Equal(t, 4, h.regionCount())
}

func TestGrowSkipsUsedIdentifiers(t *testing.T) {
	h, dev := newDeviceHeap(t, 1<<20, Options{})
	dev.Reserve(11)
	dev.Reserve(12)
	_, err := h.Grow(context.Background(), dev, 10, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 13, h.Regions()[1].ID())
}

func TestGrowSkipsIdentifierZero(t *testing.T) {
	h, dev := newDeviceHeap(t, 1<<20, Options{})
	_, err := h.Grow(context.Background(), dev, ^uint64(0), 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, h.Regions()[1].ID(), "0 is skipped and 1 is pool 0")
}

func TestGrowAllocatesFromNewRegion(t *testing.T) {
	h, dev := newDeviceHeap(t, 1<<20, Options{})
	big := h.AllocStats().FreeBytes + 8
	_, err := h.Alloc(region.Nil, big, 8)
	require.ErrorIs(t, err, ErrCapacityExceeded)

	_, err = h.Grow(context.Background(), dev, 0, 2*big)
	require.NoError(t, err)
	p, err := h.Alloc(region.Nil, big, 8)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Ordinal())
	assert.LessOrEqual(t, h.Allocated(), h.Capacity())
}

func TestGrowPersistsSlotBeforeCount(t *testing.T) {
	rec := persist.NewRecorder(persist.Volatile)
	dev := devdax.NewMemDevice(0)
	dev.SetPersister(rec)
	r, err := dev.CreateRegion(context.Background(), testPool0ID, 0, 1<<20)
	require.NoError(t, err)
	h, err := Format(r, Options{Config: testConfig()})
	require.NoError(t, err)

	rec.Reset()
	_, err = h.Grow(context.Background(), dev, 0, 1)
	require.NoError(t, err)

	var hdrOffs []int
	for _, off := range rec.Offsets(r.Bytes()) {
		if off < format.HeapHeaderSize {
			hdrOffs = append(hdrOffs, off)
		}
	}
	assert.Equal(t, []int{format.HeapRegionSlotsOffset, format.HeapRegionCountOffset}, hdrOffs)

	// The new area was formatted and flushed before the slot was written.
	calls := rec.Calls()
	require.Greater(t, len(calls), 2)
	assert.Len(t, rec.Offsets(h.Regions()[1].Bytes()), len(calls)-2)
	assert.Equal(t, rec.Offsets(r.Bytes()), hdrOffs)
}

func TestGrowSlotArrayFull(t *testing.T) {
	h, dev := newDeviceHeap(t, 1<<20, Options{})
	format.PutU64(h.hdr, format.HeapRegionCountOffset, format.RegionSlots)
	before := h.Capacity()
	_, err := h.Grow(context.Background(), dev, 0, 1)
	require.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, before, h.Capacity())
	assert.Equal(t, 1, dev.IDs())
}

func TestGrowDeviceFailures(t *testing.T) {
	ctx := context.Background()
	h, dev := newDeviceHeap(t, 1<<20, Options{})

	dev.FailCreate = func(uint64) error { return errors.New("device offline") }
	_, err := h.Grow(ctx, dev, 0, 1)
	require.ErrorIs(t, err, ErrCapacityExceeded)
	dev.FailCreate = nil

	limited := devdax.NewMemDevice(1 << 20)
	_, err = h.Grow(ctx, limited, 0, 2<<20)
	require.ErrorIs(t, err, ErrCapacityExceeded)
	require.ErrorIs(t, err, devdax.ErrNoSpace)

	assert.Equal(t, 0, h.regionCount())
	assert.EqualValues(t, 1<<20, h.Capacity())
}

func TestGrowHonorsCancellation(t *testing.T) {
	h, dev := newDeviceHeap(t, 1<<20, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Grow(ctx, dev, 0, 1)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, h.regionCount())
}

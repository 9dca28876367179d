package heap

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/hstore/heap/devdax"
	"github.com/joshuapare/hstore/heap/region"
	"github.com/joshuapare/hstore/heap/state"
	"github.com/joshuapare/hstore/internal/format"
	"github.com/joshuapare/hstore/internal/perishable"
)

func TestReopenRestoresState(t *testing.T) {
	ctx := context.Background()
	h, dev := newDeviceHeap(t, 1<<20, Options{})
	_, err := h.Grow(ctx, dev, 40, 1)
	require.NoError(t, err)

	require.NoError(t, h.EmplaceArm())
	p, err := h.Alloc(h.Root(), 200, 16)
	require.NoError(t, err)
	require.NoError(t, h.EmplaceDisarm())
	q, err := h.Alloc(region.Nil, h.AllocStats().LargestFree, 8)
	require.NoError(t, err)
	capacity, allocated := h.Capacity(), h.Allocated()
	require.NoError(t, h.Close())

	h2 := reopen(t, dev, Options{})
	assert.Equal(t, capacity, h2.Capacity())
	assert.Equal(t, allocated, h2.Allocated())
	assert.Len(t, h2.Regions(), 2)
	assert.EqualValues(t, 41, h2.Regions()[1].ID())
	got, err := h2.LoadPtr(h2.Root())
	require.NoError(t, err)
	assert.Equal(t, p, got)
	assert.True(t, h2.alloc.IsAllocated(q, 8))

	hs := h2.Histograms()
	assert.EqualValues(t, 2, hs[1].Count, "inject histogram holds the recovered runs")
	assert.Empty(t, h2.Armed())
}

func TestReconstituteRegionOpenFailure(t *testing.T) {
	ctx := context.Background()
	h, dev := newDeviceHeap(t, 1<<20, Options{})
	_, err := h.Grow(ctx, dev, 0, 1)
	require.NoError(t, err)

	// Point the slot at an identifier the device holds no memory for.
	dev.Reserve(99)
	format.PutU64(h.hdr, format.HeapRegionSlotsOffset, 99)

	_, err = Open(ctx, dev, testPool0ID, 0, Options{Config: testConfig()})
	require.ErrorIs(t, err, ErrRegionOpen)

	format.PutU64(h.hdr, format.HeapRegionSlotsOffset, 1234)
	_, err = Open(ctx, dev, testPool0ID, 0, Options{Config: testConfig()})
	require.ErrorIs(t, err, ErrRegionOpen)
	require.ErrorIs(t, err, devdax.ErrRegionNotFound)
}

func TestOpenRejectsCorruptHeader(t *testing.T) {
	ctx := context.Background()
	dev := devdax.NewMemDevice(0)
	_, err := dev.CreateRegion(ctx, testPool0ID, 0, 1<<20)
	require.NoError(t, err)
	_, err = Open(ctx, dev, testPool0ID, 0, Options{})
	require.ErrorIs(t, err, ErrCorrupt)
	require.ErrorIs(t, err, format.ErrSignatureMismatch)

	_, err = Open(ctx, dev, 77, 0, Options{})
	require.ErrorIs(t, err, ErrRegionOpen)
}

func TestReconstituteKeepsOwnedPendingAllocation(t *testing.T) {
	h, dev := newDeviceHeap(t, 1<<20, Options{})
	require.NoError(t, h.EmplaceArm())
	p, err := h.Alloc(h.Root(), 64, 8)
	require.NoError(t, err)
	// Crash with the record still armed: the root cell holds p.

	h2 := reopen(t, dev, Options{})
	assert.EqualValues(t, 64, h2.Allocated())
	assert.True(t, h2.alloc.IsAllocated(p, 64))
	assert.Empty(t, h2.Armed())
}

func TestReconstituteConsultsConsumerPredicate(t *testing.T) {
	h, dev := newDeviceHeap(t, 1<<20, Options{})
	require.NoError(t, h.EmplaceArm())
	p, err := h.Alloc(region.Nil, 64, 8)
	require.NoError(t, err)
	// No cell holds p, so only the consumer can claim it.

	owns := func(q region.Ptr) bool { return q == p }
	h2 := reopen(t, dev, Options{Owns: owns})
	assert.True(t, h2.alloc.IsAllocated(p, 64))
	require.NoError(t, h2.Close())

	h3 := reopen(t, dev, Options{})
	assert.True(t, h3.alloc.IsAllocated(p, 64), "records were disarmed by the previous open")
}

func TestReconstituteReleasesUnownedPendingAllocation(t *testing.T) {
	h, dev := newDeviceHeap(t, 1<<20, Options{})
	require.NoError(t, h.EmplaceArm())
	p, err := h.Alloc(region.Nil, 64, 8)
	require.NoError(t, err)

	h2 := reopen(t, dev, Options{})
	assert.Zero(t, h2.Allocated())
	assert.False(t, h2.alloc.IsAllocated(p, 64))
	assert.Equal(t, h2.AllocStats().DataBytes, h2.AllocStats().FreeBytes)
}

func TestReconstitutePinnedCell(t *testing.T) {
	h, dev := newDeviceHeap(t, 1<<20, Options{})
	cell, err := h.Alloc(region.Nil, 8, 8)
	require.NoError(t, err)

	require.NoError(t, h.PinDataArm(cell))
	p, err := h.Alloc(region.Nil, 64, 8)
	require.NoError(t, err)
	require.NoError(t, h.StorePtr(cell, p))

	h2 := reopen(t, dev, Options{})
	assert.True(t, h2.alloc.IsAllocated(p, 64), "the pinned cell holds p")
	assert.True(t, h2.alloc.IsAllocated(cell, 8))
	assert.EqualValues(t, 72, h2.Allocated())
}

func TestReconstituteReusedPointerKeepsLiveRun(t *testing.T) {
	h, dev := newDeviceHeap(t, 1<<20, Options{})
	cell, err := h.Alloc(region.Nil, 8, 8)
	require.NoError(t, err)

	// One emplace frees p and gets the same address back at a larger size.
	require.NoError(t, h.EmplaceArm())
	p, err := h.Alloc(h.Root(), 64, 8)
	require.NoError(t, err)
	require.NoError(t, h.StorePtr(h.Root(), region.Nil))
	require.NoError(t, h.Free(h.Root(), p, 64))
	q, err := h.Alloc(cell, 128, 8)
	require.NoError(t, err)
	require.Equal(t, p, q, "freed run is reused")

	h2 := reopen(t, dev, Options{})
	size, err := h2.UsableSize(q)
	require.NoError(t, err)
	assert.EqualValues(t, 128, size)
	assert.True(t, h2.alloc.IsAllocated(q, 128))
	assert.EqualValues(t, 136, h2.Allocated())
	st := h2.AllocStats()
	assert.Equal(t, st.DataBytes-st.FreeBytes, h2.Allocated())

	r, err := h2.Alloc(region.Nil, 64, 8)
	require.NoError(t, err)
	assert.True(t, r.Ordinal() != q.Ordinal() || r.Offset() >= q.Offset()+128 || r.Offset()+64 <= q.Offset(),
		"%v overlaps the live run at %v", r, q)
}

// crashScenario grows the heap, then allocates into the root cell and frees
// it again, each step under an armed emplace.
func crashScenario(ctx context.Context, t *testing.T, h *Heap, dev devdax.Device) {
	_, err := h.Grow(ctx, dev, 0, 1)
	require.NoError(t, err)

	require.NoError(t, h.EmplaceArm())
	p, err := h.Alloc(h.Root(), 64, 16)
	require.NoError(t, err)
	require.NoError(t, h.EmplaceDisarm())

	require.NoError(t, h.EmplaceArm())
	_, err = h.Alloc(region.Nil, 100, 8)
	require.NoError(t, err)
	require.NoError(t, h.StorePtr(h.Root(), region.Nil))
	require.NoError(t, h.Free(h.Root(), p, 64))
	require.NoError(t, h.EmplaceDisarm())
}

// checkRecovered asserts the invariants every restart must satisfy.
func checkRecovered(t *testing.T, h *Heap, step string) {
	t.Helper()
	assert.Empty(t, h.Armed(), step)
	assert.Equal(t, h.regions.Capacity(), h.Capacity(), step)
	assert.Contains(t, []int{1, 2}, len(h.Regions()), step)
	assert.LessOrEqual(t, h.Allocated(), h.Capacity(), step)

	s := h.AllocStats()
	assert.Equal(t, s.DataBytes-s.FreeBytes, h.Allocated(), "%s: counter matches bitmaps", step)

	root, err := h.LoadPtr(h.Root())
	require.NoError(t, err, step)
	var reachable uint64
	if !root.IsNil() {
		assert.True(t, h.alloc.IsAllocated(root, 64), "%s: root %v must be allocated", step, root)
		reachable = 64
	}
	// At most one in-flight allocation may be left unreachable.
	assert.LessOrEqual(t, h.Allocated()-reachable, uint64(104), step)
}

func TestCrashAtEveryPersist(t *testing.T) {
	ctx := context.Background()
	for n := int64(1); ; n++ {
		crash := &crashPersister{}
		dev := devdax.NewMemDevice(0)
		dev.SetPersister(crash)
		r, err := dev.CreateRegion(ctx, testPool0ID, 0, 1<<20)
		require.NoError(t, err)
		h, err := Format(r, Options{Config: testConfig()})
		require.NoError(t, err)

		crash.arm(n)
		expired := perishable.Run(func() { crashScenario(ctx, t, h, dev) })
		crash.disarm()

		h2 := reopen(t, dev, Options{})
		checkRecovered(t, h2, "persist "+strconv.FormatInt(n, 10))
		if !expired {
			root, err := h2.LoadPtr(h2.Root())
			require.NoError(t, err)
			assert.True(t, root.IsNil())
			assert.EqualValues(t, 104, h2.Allocated(), "only the unreferenced 100-byte allocation remains")
			require.Greater(t, n, int64(10), "the scenario persists many times")
			return
		}
	}
}

func TestCrashAtEveryTick(t *testing.T) {
	ctx := context.Background()
	for n := int64(1); ; n++ {
		h, dev := newDeviceHeap(t, 1<<20, Options{})
		perishable.Arm(n)
		expired := perishable.Run(func() { crashScenario(ctx, t, h, dev) })
		perishable.Disarm()

		h2 := reopen(t, dev, Options{})
		checkRecovered(t, h2, "tick "+strconv.FormatInt(n, 10))
		if !expired {
			return
		}
	}
}

func TestRecordedButUncommittedAllocationIsFree(t *testing.T) {
	h, dev := newDeviceHeap(t, 1<<20, Options{})
	require.NoError(t, h.EmplaceArm())
	// Record as Alloc would, then crash before the allocator changes.
	p, err := h.alloc.Pick(64, 16)
	require.NoError(t, err)
	require.NoError(t, h.states.Record(state.Emplace).RecordAllocation(h.Root(), p, 64))

	h2 := reopen(t, dev, Options{})
	assert.Zero(t, h2.Allocated())
	assert.False(t, h2.alloc.IsAllocated(p, 64))
	root, err := h2.LoadPtr(h2.Root())
	require.NoError(t, err)
	assert.True(t, root.IsNil())
}

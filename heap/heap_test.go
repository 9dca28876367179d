package heap

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/hstore/heap/region"
	"github.com/joshuapare/hstore/heap/state"
	"github.com/joshuapare/hstore/internal/format"
)

func TestOneMiBScenario(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	assert.EqualValues(t, 1<<20, h.Capacity())
	assert.Zero(t, h.Allocated())

	require.NoError(t, h.EmplaceArm())
	p, err := h.Alloc(region.Nil, 64, 16)
	require.NoError(t, err)
	require.NoError(t, h.EmplaceDisarm())
	assert.Zero(t, p.Offset()%16)
	assert.EqualValues(t, 64, h.Allocated())

	require.NoError(t, h.EmplaceArm())
	require.NoError(t, h.Free(region.Nil, p, 64))
	require.NoError(t, h.EmplaceDisarm())
	assert.Zero(t, h.Allocated())
}

func TestCreateAlignsSpan(t *testing.T) {
	raw := make([]byte, 1<<20+100)
	h, err := Create(raw, 0, Options{Config: testConfig()})
	require.NoError(t, err)
	r := h.Regions()[0]
	assert.Zero(t, r.Base()%format.PageSize)
	assert.Equal(t, r.Len(), h.Capacity())
	assert.Equal(t, h.Capacity(), h.Overhead()+h.AllocStats().DataBytes)

	_, err = Create(make([]byte, format.PageSize), 0, Options{})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCreateRejectsBadConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.GrainSize = 100
	_, err := Create(make([]byte, 1<<20), 0, Options{Config: cfg})
	require.ErrorIs(t, err, ErrInvalidArgument)

	cfg = NewDefaultConfig()
	cfg.SizeClasses = "bogus"
	_, err = Create(make([]byte, 1<<20), 0, Options{Config: cfg})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestAllocAlignmentAndRounding(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	tests := []struct {
		size, align, rounded uint64
	}{
		{1, 1, 8},
		{0, 8, 8},
		{24, 8, 24},
		{24, 16, 32},
		{64, 16, 64},
		{65, 64, 128},
		{100, 4096, 4096},
	}
	for _, tt := range tests {
		before := h.Allocated()
		p, err := h.Alloc(region.Nil, tt.size, tt.align)
		require.NoError(t, err, "size %d align %d", tt.size, tt.align)
		assert.Zero(t, p.Offset()%max(tt.align, format.WordSize))
		assert.Equal(t, before+tt.rounded, h.Allocated(), "size %d align %d", tt.size, tt.align)
		assert.True(t, h.alloc.IsAllocated(p, max(tt.size, 1)))
		n, err := h.UsableSize(p)
		require.NoError(t, err)
		assert.Equal(t, tt.rounded, n)
		assert.LessOrEqual(t, h.Allocated(), h.Capacity())
	}
}

func TestAllocInvalidAlignment(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	require.NoError(t, h.EmplaceArm())
	for _, align := range []uint64{24, 48, 100} {
		_, err := h.Alloc(region.Nil, 64, align)
		require.ErrorIs(t, err, ErrInvalidArgument)
	}
	assert.Zero(t, h.Allocated())
	assert.Zero(t, h.states.Record(state.Emplace).Len(), "nothing recorded")
	assert.Equal(t, h.AllocStats().DataBytes, h.AllocStats().FreeBytes)
}

func TestAllocRejectsUnresolvableDest(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	_, err := h.Alloc(region.MakePtr(5, 0), 64, 8)
	require.ErrorIs(t, err, ErrInvalidArgument)
	assert.Zero(t, h.Allocated())
}

func TestAllocStoresIntoDest(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	require.NoError(t, h.EmplaceArm())
	p, err := h.Alloc(h.Root(), 32, 8)
	require.NoError(t, err)
	got, err := h.LoadPtr(h.Root())
	require.NoError(t, err)
	assert.Equal(t, p, got)

	entries := h.states.Record(state.Emplace).Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, state.Entry{Op: state.OpAlloc, Dest: h.Root(), Ptr: p, Size: 32}, entries[0])
}

func TestAllocExhaustion(t *testing.T) {
	log, buf := logBuffer()
	span := region.AlignSpan(make([]byte, 32*format.PageSize))
	h, err := Create(span, 0, Options{Config: testConfig(), Logger: log})
	require.NoError(t, err)

	free := h.AllocStats().FreeBytes
	_, err = h.Alloc(region.Nil, free, 8)
	require.NoError(t, err)
	allocated := h.Allocated()

	require.NoError(t, h.EmplaceArm())
	_, err = h.Alloc(region.Nil, 8, 8)
	require.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, allocated, h.Allocated())
	assert.Zero(t, h.states.Record(state.Emplace).Len())
	assert.Contains(t, buf.String(), "allocation failed histogram")
	assert.Contains(t, buf.String(), "out of memory")

	// Sizes that cannot be rounded to their alignment are too large too.
	for _, tc := range []struct{ size, align uint64 }{
		{^uint64(0), 8},
		{1<<63 + 1, 1 << 63},
	} {
		_, err = h.Alloc(region.Nil, tc.size, tc.align)
		require.ErrorIs(t, err, ErrCapacityExceeded)
		require.NotErrorIs(t, err, ErrInvalidArgument)
	}
	assert.Equal(t, allocated, h.Allocated())
	assert.Zero(t, h.states.Record(state.Emplace).Len())
}

func TestAllocPrecedence(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	require.NoError(t, h.EmplaceArm())
	require.NoError(t, h.ExtendArm())

	_, err := h.Alloc(region.Nil, 64, 8)
	require.NoError(t, err)
	assert.Equal(t, 1, h.states.Record(state.Extend).Len(), "extend is checked before emplace")
	assert.Zero(t, h.states.Record(state.Emplace).Len())

	require.NoError(t, h.PinDataArm(h.Root()))
	_, err = h.Alloc(region.Nil, 64, 8)
	require.NoError(t, err)
	assert.Equal(t, 1, h.states.Record(state.PinData).Len())
	assert.Equal(t, h.Root(), h.PinDataCell())
	assert.Equal(t, region.Nil, h.PinKeyCell())

	assert.ElementsMatch(t, []state.Kind{state.Emplace, state.PinData, state.Extend}, h.Armed())
	require.NoError(t, h.PinDataDisarm())
	require.NoError(t, h.ExtendDisarm())
	require.NoError(t, h.EmplaceDisarm())
	assert.Empty(t, h.Armed())
	assert.Equal(t, region.Nil, h.PinDataCell())
}

func TestPinArmRejectsBadCell(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	require.ErrorIs(t, h.PinKeyArm(region.Nil), ErrInvalidArgument)
	require.NoError(t, h.PinKeyArm(h.Root()))
	assert.Equal(t, h.Root(), h.PinKeyCell())
	require.NoError(t, h.PinKeyDisarm())
}

func TestLeakyAllocationAndFree(t *testing.T) {
	log, buf := logBuffer()
	span := region.AlignSpan(make([]byte, 1<<20+format.PageSize))
	h, err := Create(span, 0, Options{Config: testConfig(), Logger: log})
	require.NoError(t, err)

	p, err := h.Alloc(region.Nil, 64, 8)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "leaky allocation")
	assert.EqualValues(t, 64, h.Allocated())

	require.NoError(t, h.Free(region.Nil, p, 64))
	assert.Contains(t, buf.String(), "leaky deallocation")
	assert.Zero(t, h.Allocated())
}

func TestFreeUnderEmplaceRecordsFirst(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	p, err := h.Alloc(region.Nil, 64, 8)
	require.NoError(t, err)

	require.NoError(t, h.EmplaceArm())
	require.NoError(t, h.Free(h.Root(), p, 64))
	entries := h.states.Record(state.Emplace).Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, state.OpFree, entries[0].Op)
	assert.Equal(t, p, entries[0].Ptr)
}

func TestFreeUnderExtendPanics(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	p, err := h.Alloc(region.Nil, 64, 8)
	require.NoError(t, err)
	require.NoError(t, h.ExtendArm())
	requirePanicIs(t, ErrStateViolation, func() { _ = h.Free(region.Nil, p, 64) })
	assert.EqualValues(t, 64, h.Allocated(), "nothing freed")
}

func TestFreeUnderflowPanics(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	p, err := h.Alloc(region.Nil, 64, 8)
	require.NoError(t, err)
	requirePanicIs(t, ErrCounterUnderflow, func() { _ = h.Free(region.Nil, p, 128) })
}

func TestFreeUnallocatedFails(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	p, err := h.Alloc(region.Nil, 64, 8)
	require.NoError(t, err)
	q, err := h.Alloc(region.Nil, 64, 8)
	require.NoError(t, err)
	require.NoError(t, h.Free(region.Nil, p, 64))
	require.Error(t, h.Free(region.Nil, p, 64))
	assert.EqualValues(t, 64, h.Allocated())
	require.NoError(t, h.Free(region.Nil, q, 64))
}

func TestQuiesce(t *testing.T) {
	log, buf := logBuffer()
	span := region.AlignSpan(make([]byte, 1<<20+format.PageSize))
	h, err := Create(span, 0, Options{Config: testConfig(), Logger: log})
	require.NoError(t, err)
	_, err = h.Alloc(region.Nil, 64, 8)
	require.NoError(t, err)

	assert.EqualValues(t, 1, h.Histograms()[0].Count)

	h.Quiesce()
	h.Quiesce()
	assert.Equal(t, 1, countOf(buf.String(), "heap: quiesced"))
	assert.Contains(t, buf.String(), "quiesce histogram")
	for _, hs := range h.Histograms() {
		assert.Zero(t, hs.Count, hs.Name)
	}

	_, err = h.Alloc(region.Nil, 64, 8)
	require.ErrorIs(t, err, ErrQuiesced)
	require.NoError(t, h.Close())
}

func countOf(s, sub string) int {
	n := 0
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			n++
		}
	}
	return n
}

func TestHistograms(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	p, err := h.Alloc(region.Nil, 64, 8)
	require.NoError(t, err)
	_, err = h.Alloc(region.Nil, 4096, 8)
	require.NoError(t, err)
	require.NoError(t, h.Free(region.Nil, p, 64))

	hs := h.Histograms()
	require.Len(t, hs, 3)
	assert.Equal(t, "alloc", hs[0].Name)
	assert.EqualValues(t, 2, hs[0].Count)
	assert.EqualValues(t, 64, hs[0].Min)
	assert.InDelta(t, 4096, hs[0].Max, 64)
	assert.Equal(t, "inject", hs[1].Name)
	assert.Zero(t, hs[1].Count)
	assert.EqualValues(t, 1, hs[2].Count)
	assert.NotEmpty(t, hs[0].Bars)
}

func TestBytesAndStorePtr(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	p, err := h.Alloc(region.Nil, 16, 8)
	require.NoError(t, err)
	b, err := h.Bytes(p, 16)
	require.NoError(t, err)
	copy(b, "persistent bytes")
	require.NoError(t, h.Persist(p, 16))

	require.NoError(t, h.StorePtr(p, p.Add(8)))
	got, err := h.LoadPtr(p)
	require.NoError(t, err)
	assert.Equal(t, p.Add(8), got)

	_, err = h.Bytes(region.MakePtr(0, h.Capacity()), 1)
	require.ErrorIs(t, err, region.ErrBadPtr)
}

func TestConfigFlags(t *testing.T) {
	cfg := NewDefaultConfig()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.DefineFlags(fs)
	require.NoError(t, fs.Parse([]string{"--heap-grain=65536", "--heap-size-classes=fine", "--heap-log-alloc"}))
	assert.EqualValues(t, 65536, cfg.GrainSize)
	assert.True(t, cfg.LogAlloc)
	require.NoError(t, cfg.validate())
	classes, err := cfg.sizeClasses()
	require.NoError(t, err)
	assert.Equal(t, "FineGrained", classes.Name)
}

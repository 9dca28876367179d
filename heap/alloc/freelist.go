package alloc

import (
	"container/heap"

	"github.com/joshuapare/hstore/internal/format"
)

// runKey names a granule boundary in one area.
type runKey struct {
	ord int
	g   uint64
}

// freeRun is a maximal run of free granules in one area.
type freeRun struct {
	ord       int    // area ordinal
	start     uint64 // first granule
	n         uint64 // granule count
	sc        int    // size class (numClasses for the large list)
	heapIndex int    // position in heap (for heap.Remove)
	next      *freeRun
}

func (r *freeRun) end() uint64 { return r.start + r.n }

// freeRunHeap implements heap.Interface for a min-heap keyed on run length.
// Shortest runs are at the top, giving best-fit allocation.
type freeRunHeap []*freeRun

func (h *freeRunHeap) Len() int { return len(*h) }

func (h *freeRunHeap) Less(i, j int) bool {
	return (*h)[i].n < (*h)[j].n
}

func (h *freeRunHeap) Swap(i, j int) {
	(*h)[i], (*h)[j] = (*h)[j], (*h)[i]
	(*h)[i].heapIndex = i
	(*h)[j].heapIndex = j
}

func (h *freeRunHeap) Push(x any) {
	r := x.(*freeRun) //nolint:errcheck // heap.Interface contract guarantees type
	r.heapIndex = len(*h)
	*h = append(*h, r)
}

func (h *freeRunHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	r.heapIndex = -1
	*h = old[0 : n-1]
	return r
}

// freeIndex is the ephemeral index of free runs: segregated size classes of
// min-heaps, a large list, and start/end maps for coalescing.
type freeIndex struct {
	table   *sizeClassTable
	lists   []freeRunHeap
	large   *freeRun
	byStart map[runKey]*freeRun
	byEnd   map[runKey]*freeRun

	// offset returns the region offset of granule g in area ord, for
	// alignment checks.
	offset func(ord int, g uint64) uint64

	coalesced int
	splits    int
}

func newFreeIndex(table *sizeClassTable, offset func(int, uint64) uint64) *freeIndex {
	return &freeIndex{
		table:   table,
		lists:   make([]freeRunHeap, table.numClasses),
		byStart: make(map[runKey]*freeRun),
		byEnd:   make(map[runKey]*freeRun),
		offset:  offset,
	}
}

// insert adds [start, start+n) of area ord without coalescing.
func (x *freeIndex) insert(ord int, start, n uint64) {
	if n == 0 {
		return
	}
	r := &freeRun{ord: ord, start: start, n: n, sc: x.table.getSizeClass(n)}
	if r.sc < x.table.numClasses {
		heap.Push(&x.lists[r.sc], r)
	} else {
		r.next = x.large
		x.large = r
	}
	x.byStart[runKey{ord, start}] = r
	x.byEnd[runKey{ord, r.end()}] = r
}

// remove unlinks r from its list and the coalescing maps.
func (x *freeIndex) remove(r *freeRun) {
	if r.sc < x.table.numClasses {
		heap.Remove(&x.lists[r.sc], r.heapIndex)
	} else {
		var prev *freeRun
		for curr := x.large; curr != nil; curr = curr.next {
			if curr == r {
				if prev == nil {
					x.large = curr.next
				} else {
					prev.next = curr.next
				}
				break
			}
			prev = curr
		}
		r.next = nil
	}
	delete(x.byStart, runKey{r.ord, r.start})
	delete(x.byEnd, runKey{r.ord, r.end()})
}

// release returns [start, start+n) to the index, merging with free
// neighbours in the same area.
func (x *freeIndex) release(ord int, start, n uint64) {
	if prev := x.byEnd[runKey{ord, start}]; prev != nil {
		x.remove(prev)
		start, n = prev.start, n+prev.n
		x.coalesced++
	}
	if next := x.byStart[runKey{ord, start + n}]; next != nil {
		x.remove(next)
		n += next.n
		x.coalesced++
	}
	x.insert(ord, start, n)
}

// pad returns the granules to skip at the front of r so the allocation
// starts on an align-byte boundary.
func (x *freeIndex) pad(r *freeRun, align uint64) uint64 {
	off := x.offset(r.ord, r.start)
	return (format.AlignUp(off, align) - off) / Granule
}

func (x *freeIndex) fits(r *freeRun, need, align uint64) bool {
	return r.n >= need+x.pad(r, align)
}

// take finds a run for need granules at align bytes and carves the
// allocation out of it, returning its area and first granule. Leftover head
// and tail granules go back to the index.
func (x *freeIndex) take(need, align uint64) (int, uint64, bool) {
	r := x.find(need, align)
	if r == nil {
		return 0, 0, false
	}
	x.remove(r)
	p := x.pad(r, align)
	g := r.start + p
	if p > 0 {
		x.insert(r.ord, r.start, p)
	}
	if tail := r.n - p - need; tail > 0 {
		x.insert(r.ord, g+need, tail)
		x.splits++
	}
	return r.ord, g, true
}

// find returns the best run it can locate cheaply, falling back to an
// exhaustive scan before reporting exhaustion.
func (x *freeIndex) find(need, align uint64) *freeRun {
	// Bounded "good-enough fit" scan per class, like the cell allocator.
	const (
		maxScan      = 32
		fitTolerance = 8 // granules
	)
	for sc := x.table.getSizeClass(need); sc < x.table.numClasses; sc++ {
		list := x.lists[sc]
		if len(list) == 0 {
			continue
		}
		if x.fits(list[0], need, align) {
			return list[0]
		}
		var best *freeRun
		for i := 1; i < min(len(list), maxScan); i++ {
			r := list[i]
			if !x.fits(r, need, align) {
				continue
			}
			if r.n <= need+fitTolerance {
				return r
			}
			if best == nil || r.n < best.n {
				best = r
			}
		}
		if best != nil {
			return best
		}
	}
	var best *freeRun
	for r := x.large; r != nil; r = r.next {
		if x.fits(r, need, align) && (best == nil || r.n < best.n) {
			best = r
		}
	}
	if best != nil {
		return best
	}
	// Slow path: every run, so heavy padding never reports a false
	// exhaustion.
	for _, list := range x.lists {
		for _, r := range list {
			if x.fits(r, need, align) && (best == nil || r.n < best.n) {
				best = r
			}
		}
	}
	return best
}

// totals returns free granules, free run count and the longest run.
func (x *freeIndex) totals() (free uint64, runs int, longest uint64) {
	for _, r := range x.byStart {
		free += r.n
		runs++
		longest = max(longest, r.n)
	}
	return free, runs, longest
}

// reset drops every run.
func (x *freeIndex) reset() {
	for i := range x.lists {
		x.lists[i] = nil
	}
	x.large = nil
	clear(x.byStart)
	clear(x.byEnd)
}

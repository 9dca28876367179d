package persist

import (
	"context"
	"sort"
)

const (
	// defaultRangeCapacity is the pre-allocated capacity for dirty ranges.
	defaultRangeCapacity = 64

	// standardPageSize is the flush granularity ranges are widened to.
	standardPageSize = 4096
)

// Range represents a dirty byte range relative to the tracked buffer.
type Range struct {
	Off int64
	Len int64
}

// Tracker accumulates dirty ranges of one buffer and persists them in a
// single pass. Recovery uses it for the bitmap words it clears, which need
// one durability point rather than one flush each.
//
// NOT thread-safe. Only one goroutine should use it at a time.
type Tracker struct {
	buf      []byte
	p        Persister
	ranges   []Range
	pageSize int64
}

// NewTracker creates a tracker for buf that flushes through p.
func NewTracker(buf []byte, p Persister) *Tracker {
	return &Tracker{
		buf:      buf,
		p:        p,
		ranges:   make([]Range, 0, defaultRangeCapacity),
		pageSize: standardPageSize,
	}
}

// Add records a dirty range.
func (t *Tracker) Add(off, length int) {
	if length <= 0 {
		return
	}
	t.ranges = append(t.ranges, Range{Off: int64(off), Len: int64(length)})
}

// Pending reports whether any range awaits a flush.
func (t *Tracker) Pending() bool { return len(t.ranges) > 0 }

// Flush persists every recorded range, coalesced to page boundaries, then
// clears the list. The context is checked before each range; if cancelled
// part-way, ranges not yet flushed stay recorded.
func (t *Tracker) Flush(ctx context.Context) error {
	if len(t.ranges) == 0 {
		return nil
	}
	coalesced := t.coalesce()
	for _, r := range coalesced {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := int(r.Off)
		end := int(r.Off + r.Len)
		if end > len(t.buf) {
			end = len(t.buf)
		}
		if start >= end {
			continue
		}
		if err := t.p.Persist(t.buf[start:end]); err != nil {
			return err
		}
	}
	t.ranges = t.ranges[:0]
	return nil
}

// Reset clears all tracked ranges.
func (t *Tracker) Reset() {
	t.ranges = t.ranges[:0]
}

// DebugCoalescedRanges returns the page-aligned, merged ranges a Flush would
// persist.
func (t *Tracker) DebugCoalescedRanges() []Range {
	return t.coalesce()
}

// coalesce page-aligns all ranges, sorts them, and merges overlapping/adjacent ranges.
func (t *Tracker) coalesce() []Range {
	if len(t.ranges) == 0 {
		return nil
	}

	aligned := make([]Range, len(t.ranges))
	for i, r := range t.ranges {
		start := (r.Off / t.pageSize) * t.pageSize
		end := r.Off + r.Len
		if end%t.pageSize != 0 {
			end = ((end / t.pageSize) + 1) * t.pageSize
		}
		aligned[i] = Range{Off: start, Len: end - start}
	}

	sort.Slice(aligned, func(i, j int) bool {
		return aligned[i].Off < aligned[j].Off
	})

	merged := make([]Range, 0, len(aligned))
	current := aligned[0]
	for _, next := range aligned[1:] {
		if next.Off <= current.Off+current.Len {
			end := max(current.Off+current.Len, next.Off+next.Len)
			current.Len = end - current.Off
		} else {
			merged = append(merged, current)
			current = next
		}
	}
	return append(merged, current)
}

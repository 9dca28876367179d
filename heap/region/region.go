// Package region describes spans of persistent memory and the region-relative
// pointers stored inside them.
//
// A Region is a page-aligned, writable byte span with an externally issued
// identifier. Regions are immutable once opened. Pointers persisted in a
// region never hold virtual addresses; they hold (ordinal, offset) pairs that
// are translated against the mappings of the current run, so a region file
// may be mapped at a different address after every restart.
package region

import (
	"fmt"
	"unsafe"

	"github.com/joshuapare/hstore/heap/persist"
	"github.com/joshuapare/hstore/internal/format"
)

// Region is one described span of persistent memory.
type Region struct {
	data     []byte
	id       uint64
	numaNode int
	p        persist.Persister
	closer   func() error
}

// New wraps data as a region. data must start on a page boundary and be a
// whole number of pages. closer, if non-nil, is called once by Close.
func New(data []byte, id uint64, numaNode int, p persist.Persister, closer func() error) (*Region, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("region %d: empty span", id)
	}
	if base(data)%format.PageSize != 0 {
		return nil, fmt.Errorf("region %d: base %#x not page aligned", id, base(data))
	}
	if len(data)%format.PageSize != 0 {
		return nil, fmt.Errorf("region %d: length %d not a multiple of %d", id, len(data), format.PageSize)
	}
	if p == nil {
		p = persist.Volatile
	}
	return &Region{data: data, id: id, numaNode: numaNode, p: p, closer: closer}, nil
}

// AlignSpan returns the part of span that starts at the first page boundary
// at or after its base, truncated to whole pages. The result is empty if span
// does not contain a whole aligned page.
func AlignSpan(span []byte) []byte {
	if len(span) == 0 {
		return nil
	}
	b := uint64(base(span))
	skip := format.AlignPage(b) - b
	if skip >= uint64(len(span)) {
		return nil
	}
	rest := span[skip:]
	return rest[:format.AlignDown(uint64(len(rest)), format.PageSize)]
}

// Bytes returns the region's memory.
func (r *Region) Bytes() []byte { return r.data }

// Len returns the region length in bytes.
func (r *Region) Len() uint64 { return uint64(len(r.data)) }

// ID returns the identifier the device issued for this region.
func (r *Region) ID() uint64 { return r.id }

// NumaNode returns the NUMA node the region was opened on.
func (r *Region) NumaNode() int { return r.numaNode }

// Base returns the address the region is mapped at in this run. It is for
// diagnostics only and must never be persisted.
func (r *Region) Base() uintptr { return base(r.data) }

// Limit returns the address one past the region's last byte.
func (r *Region) Limit() uintptr { return base(r.data) + uintptr(len(r.data)) }

// Persister returns the persistence primitive for this region's memory.
func (r *Region) Persister() persist.Persister { return r.p }

// Persist makes bytes [off, off+n) durable.
func (r *Region) Persist(off, n int) error {
	return r.p.Persist(r.data[off : off+n])
}

// Overlaps reports whether r and o share any address.
func (r *Region) Overlaps(o *Region) bool {
	return r.Base() < o.Limit() && o.Base() < r.Limit()
}

// Close releases the mapping if the region owns one. It is safe to call more
// than once.
func (r *Region) Close() error {
	if r.closer == nil {
		return nil
	}
	c := r.closer
	r.closer = nil
	r.data = nil
	return c()
}

func (r *Region) String() string {
	return fmt.Sprintf("region %#x [%#x .. %#x) size %d numa %d", r.id, r.Base(), r.Limit(), r.Len(), r.numaNode)
}

func base(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

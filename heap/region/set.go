package region

import (
	"fmt"
	"sync"
)

// Set is the ordered collection of regions owned by one heap. Ordinal i in
// a Ptr refers to the ith region added. Regions are only ever appended.
//
// Set is safe for concurrent use: readers resolve pointers while a grow
// appends a new region.
type Set struct {
	mu      sync.RWMutex
	regions []*Region
}

// NewSet returns a set holding first as ordinal 0.
func NewSet(first *Region) *Set {
	return &Set{regions: []*Region{first}}
}

// Add appends r and returns its ordinal. r must not overlap any member.
func (s *Set) Add(r *Region) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.regions) > MaxOrdinal {
		return 0, fmt.Errorf("region: set full (%d regions)", len(s.regions))
	}
	for _, o := range s.regions {
		if r.Overlaps(o) {
			return 0, fmt.Errorf("region: %v overlaps %v", r, o)
		}
	}
	s.regions = append(s.regions, r)
	return len(s.regions) - 1, nil
}

// Len returns the number of regions.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.regions)
}

// At returns the region with the given ordinal.
func (s *Set) At(ordinal int) *Region {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.regions[ordinal]
}

// All returns a snapshot of the regions in ordinal order.
func (s *Set) All() []*Region {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Region, len(s.regions))
	copy(out, s.regions)
	return out
}

// Capacity returns the sum of region lengths.
func (s *Set) Capacity() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total uint64
	for _, r := range s.regions {
		total += r.Len()
	}
	return total
}

// Resolve returns the n bytes p points at in this run's mappings.
func (s *Set) Resolve(p Ptr, n int) ([]byte, error) {
	if p.IsNil() || n < 0 {
		return nil, fmt.Errorf("%w: %v", ErrBadPtr, p)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ord := p.Ordinal()
	if ord >= len(s.regions) {
		return nil, fmt.Errorf("%w: %v: no region %d", ErrBadPtr, p, ord)
	}
	data := s.regions[ord].Bytes()
	off := p.Offset()
	if off+uint64(n) > uint64(len(data)) {
		return nil, fmt.Errorf("%w: %v+%d beyond region length %d", ErrBadPtr, p, n, len(data))
	}
	return data[off : off+uint64(n)], nil
}

// Persist makes the n bytes at p durable.
func (s *Set) Persist(p Ptr, n int) error {
	b, err := s.Resolve(p, n)
	if err != nil {
		return err
	}
	return s.At(p.Ordinal()).Persister().Persist(b)
}

// Close closes every region, returning the first error.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for _, r := range s.regions {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

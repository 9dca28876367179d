package alloc

import "github.com/joshuapare/hstore/heap/region"

// Granule is the allocation unit. It equals pointer width, the minimum
// alignment, so sizes rounded to their alignment are reserved exactly.
const Granule = 8

// OwnershipFunc answers, during reconstitution only, whether the map
// currently owns the allocation starting at p.
type OwnershipFunc func(p region.Ptr) bool

// Span is an allocation that an interrupted operation may have been
// changing. Live reports that the cell the operation stored Ptr into still
// holds it.
type Span struct {
	Ptr  region.Ptr
	Size uint64
	Live bool
}

// Stats holds allocator counters for diagnostics.
type Stats struct {
	PickCalls     int
	CommitCalls   int
	FreeCalls     int
	UnpickCalls   int
	SplitCount    int
	CoalesceCount int
	Areas         int
	DataBytes     uint64 // bytes in data granules over all areas
	FreeBytes     uint64
	FreeRuns      int
	LargestFree   uint64
}

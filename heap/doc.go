// Package heap is the crash-consistent persistent-memory heap of hstore.
//
// A heap owns an ordered set of regions. Region 0 ("pool 0") starts with the
// heap header:
//
//	page 0  magic, version, NUMA node, grain, pool 0 length
//	        region count (own cache line), root cell (own cache line)
//	        allocation-state records: emplace, pin-data, pin-key, extend
//	page 1  identifiers of every further region
//	page 2  allocator area of region 0 (see package alloc)
//
// Every further region holds nothing but an allocator area. Pointers stored
// in the heap are region-relative (region.Ptr), so regions may be mapped at
// different addresses in every run.
//
// # Crash consistency
//
// A caller brackets every crash-sensitive mutation with an arm/disarm pair
// of one allocation-state record:
//
//	h.EmplaceArm()
//	p, err := h.Alloc(cell, size, align) // record, commit, store p into cell
//	...
//	h.EmplaceDisarm()
//
// Alloc durably records {cell, p, size} in the armed record before the
// allocator persists anything, and stores p into cell last. Free records
// the deallocation before the allocator clears anything. After a crash,
// Reconstitute keeps a recorded allocation if its cell still holds it (or
// the consumer's ownership predicate claims it) and releases it otherwise,
// so every in-flight range ends fully allocated or fully free.
//
// Capacity and allocated byte counts, the free index and the histograms are
// ephemeral; they are rebuilt from the persisted bitmaps at every open.
//
// # Errors
//
// Recoverable conditions are returned: ErrInvalidArgument,
// ErrCapacityExceeded, ErrRegionOpen, ErrCorrupt. Caller bugs panic with an
// error wrapping ErrStateViolation or ErrCounterUnderflow.
package heap

// Package alloc provides the crash-consistent free-space allocator behind an
// hstore heap.
//
// # Overview
//
// Every region handed to the allocator carries an area: a small header,
// three persisted bitmaps with one bit per 8-byte granule, and the data
// granules themselves.
//
//	alloc map  bit g set: granule g belongs to some allocation
//	start map  bit g set: an allocation begins at granule g
//	end map    bit g set: an allocation ends at granule g
//
// The bitmaps are the only persisted allocator state. The free index used to
// answer allocation requests (segregated size classes of min-heaps plus a
// list of large runs) is ephemeral and rebuilt from the bitmaps whenever a
// heap is opened.
//
// # Ordering
//
// Allocation is split in two so the heap can durably record what it is about
// to do before any persisted bit changes:
//
//	Pick(size, align)  choose a run in the ephemeral index (no persisted change)
//	Commit(ptr)        set alloc and end bits, flush, then set the start bit, flush
//
// The start bit is the commit point of an allocation. Free clears the start
// bit first, flushes, then clears the alloc and end bits. Alloc or end bits
// not covered by a run from a start bit to its end bit are therefore debris
// from an interrupted operation and are cleared at reconstitution.
//
// # Reconstitution
//
// Reconstitute is given the spans an interrupted operation may have been
// changing (taken from the heap's allocation-state records) and an ownership
// predicate. Spans sharing a pointer are folded first, since one operation
// may free a run and get the same address back at another size. Pointers
// the predicate does not claim are freed over their widest recorded size,
// unless a committed run that starts earlier covers them. Claimed pointers
// are then cleared the same way and forced allocated at the size of their
// live span (the one whose cell still holds the pointer), or of their last
// span. The index is rebuilt from the result.
//
// # Thread Safety
//
// Allocator methods are safe for concurrent use; a single mutex guards the
// ephemeral index and the read-modify-write of bitmap words.
package alloc

// Package state implements the allocation-state machine: four persisted
// records (emplace, pin-data, pin-key, extend) that bracket crash-sensitive
// multi-step mutations.
//
// # States
//
//	Idle -> {Emplace | PinData | PinKey | Extend} armed -> Idle
//
// A caller arms a record before a multi-step mutation, performs its heap
// allocations and frees, and disarms the record once the mutation is durable
// in its own structures. While armed, every allocation or deallocation the
// heap charges to the record is written into it, and flushed, before the
// allocator's persisted bitmaps change. After a crash the heap finds the
// armed records, resolves each recorded entry to "fully allocated" or "fully
// free" and disarms them.
//
// # Precedence
//
// Several records may be armed at once (an extend may run while an emplace
// is armed, never the reverse). Which record an allocation is charged to is
// decided by a fixed table, see AllocPrecedence and FreePrecedence.
//
// # Thread Safety
//
// Records are shared by every goroutine using a heap. Callers serialize
// operations that arm the same record, normally by holding the hash bucket
// lock for the logical operation.
package state

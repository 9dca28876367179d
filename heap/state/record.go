package state

import (
	"github.com/joshuapare/hstore/heap/persist"
	"github.com/joshuapare/hstore/heap/region"
	"github.com/joshuapare/hstore/internal/format"
)

// Entry is one allocation or deallocation charged to an armed record.
type Entry struct {
	Op   Op
	Dest region.Ptr // persisted cell that receives (or held) Ptr
	Ptr  region.Ptr
	Size uint64
}

// Record is one allocation-state record overlaid on persisted memory.
type Record struct {
	kind Kind
	buf  []byte
	p    persist.Persister
}

// NewRecord overlays a record of kind on buf, which must be at least
// format.RecordStride bytes of persisted memory.
func NewRecord(kind Kind, buf []byte, p persist.Persister) *Record {
	_ = kind.index()
	return &Record{kind: kind, buf: buf[:format.RecordStride], p: p}
}

// Kind returns the record's kind.
func (r *Record) Kind() Kind { return r.kind }

// IsArmed reports whether the record is armed.
func (r *Record) IsArmed() bool {
	return Kind(format.ReadU64(r.buf, format.RecordArmedOffset)) == r.kind
}

// Arm clears the record's entries, stores aux, and then durably marks the
// record armed. aux is the pinned cell for pin records and Nil otherwise.
func (r *Record) Arm(aux region.Ptr) error {
	if r.IsArmed() {
		panic(violation("%v armed twice", r.kind))
	}
	format.PutU64(r.buf, format.RecordCountOffset, 0)
	format.PutU64(r.buf, format.RecordAuxOffset, uint64(aux))
	if err := r.p.Persist(r.buf[:format.RecordEntriesOffset]); err != nil {
		return err
	}
	format.PutU64(r.buf, format.RecordArmedOffset, uint64(r.kind))
	return persist.Word(r.p, r.buf, format.RecordArmedOffset)
}

// Disarm durably marks the record done. Disarming an idle record is a no-op.
func (r *Record) Disarm() error {
	if !r.IsArmed() {
		return nil
	}
	format.PutU64(r.buf, format.RecordArmedOffset, uint64(Idle))
	return persist.Word(r.p, r.buf, format.RecordArmedOffset)
}

// Aux returns the pinned cell stored at arm time.
func (r *Record) Aux() region.Ptr {
	return region.Ptr(format.ReadU64(r.buf, format.RecordAuxOffset))
}

// Len returns the number of recorded entries.
func (r *Record) Len() int {
	return int(format.ReadU64(r.buf, format.RecordCountOffset))
}

// RecordAllocation durably notes that ptr (size bytes) is about to be
// allocated and stored into dest.
func (r *Record) RecordAllocation(dest, ptr region.Ptr, size uint64) error {
	return r.record(Entry{Op: OpAlloc, Dest: dest, Ptr: ptr, Size: size})
}

// RecordDeallocation durably notes that ptr (size bytes), referenced from
// dest, is about to be freed.
func (r *Record) RecordDeallocation(dest, ptr region.Ptr, size uint64) error {
	return r.record(Entry{Op: OpFree, Dest: dest, Ptr: ptr, Size: size})
}

// record writes e into the next entry slot, flushes it, then bumps and
// flushes the count. A crash between the two flushes leaves the entry
// invisible, which is safe because the allocator has not been touched yet.
func (r *Record) record(e Entry) error {
	if !r.IsArmed() {
		panic(violation("%v not armed", r.kind))
	}
	n := r.Len()
	if n >= format.RecordMaxEntries {
		panic(violation("%v: more than %d entries", r.kind, format.RecordMaxEntries))
	}
	off := format.RecordEntriesOffset + n*format.RecordEntrySize
	format.PutU64(r.buf, off+format.RecordEntryOpOffset, uint64(e.Op))
	format.PutU64(r.buf, off+format.RecordEntryDestOffset, uint64(e.Dest))
	format.PutU64(r.buf, off+format.RecordEntryPtrOffset, uint64(e.Ptr))
	format.PutU64(r.buf, off+format.RecordEntrySizeOffset, e.Size)
	if err := r.p.Persist(r.buf[off : off+format.RecordEntrySize]); err != nil {
		return err
	}
	format.PutU64(r.buf, format.RecordCountOffset, uint64(n+1))
	return persist.Word(r.p, r.buf, format.RecordCountOffset)
}

// Entries returns the recorded entries in order.
func (r *Record) Entries() []Entry {
	n := min(r.Len(), format.RecordMaxEntries)
	out := make([]Entry, 0, n)
	for i := range n {
		off := format.RecordEntriesOffset + i*format.RecordEntrySize
		out = append(out, Entry{
			Op:   Op(format.ReadU64(r.buf, off+format.RecordEntryOpOffset)),
			Dest: region.Ptr(format.ReadU64(r.buf, off+format.RecordEntryDestOffset)),
			Ptr:  region.Ptr(format.ReadU64(r.buf, off+format.RecordEntryPtrOffset)),
			Size: format.ReadU64(r.buf, off+format.RecordEntrySizeOffset),
		})
	}
	return out
}

// Mentions reports whether an armed record has an entry for p.
func (r *Record) Mentions(p region.Ptr) bool {
	if !r.IsArmed() {
		return false
	}
	for _, e := range r.Entries() {
		if e.Ptr == p {
			return true
		}
	}
	return false
}

// IsInUse reports whether the record shows p as owned by the map: the record
// is armed and a cell it names currently holds p. load reads a persisted
// pointer cell.
func (r *Record) IsInUse(p region.Ptr, load func(cell region.Ptr) region.Ptr) bool {
	if !r.IsArmed() || p.IsNil() {
		return false
	}
	switch r.kind {
	case PinData, PinKey:
		if aux := r.Aux(); !aux.IsNil() && load(aux) == p {
			return true
		}
	case Emplace, Extend:
	}
	for _, e := range r.Entries() {
		if e.Ptr == p && !e.Dest.IsNil() && load(e.Dest) == p {
			return true
		}
	}
	return false
}

package state

import (
	"fmt"

	"github.com/joshuapare/hstore/heap/persist"
	"github.com/joshuapare/hstore/heap/region"
	"github.com/joshuapare/hstore/internal/format"
)

// States is the set of the four records of one heap.
type States struct {
	records [len(Kinds)]*Record
}

// New overlays the four records on buf, which holds them back to back in
// Kinds order, format.RecordStride bytes each.
func New(buf []byte, p persist.Persister) *States {
	s := &States{}
	for i, k := range Kinds {
		off := i * format.RecordStride
		s.records[i] = NewRecord(k, buf[off:off+format.RecordStride], p)
	}
	return s
}

// Format zeroes every record in buf and flushes them. Used when a heap is
// created.
func Format(buf []byte, p persist.Persister) error {
	n := len(Kinds) * format.RecordStride
	clear(buf[:n])
	return p.Persist(buf[:n])
}

// Record returns the record for k.
func (s *States) Record(k Kind) *Record {
	return s.records[k.index()]
}

// Armed returns the kinds of all armed records.
func (s *States) Armed() []Kind {
	var out []Kind
	for _, r := range s.records {
		if r.IsArmed() {
			out = append(out, r.kind)
		}
	}
	return out
}

// ForAlloc returns the record an allocation is charged to, or nil if none is
// armed (a leaky allocation).
func (s *States) ForAlloc() *Record {
	for _, k := range AllocPrecedence {
		if r := s.Record(k); r.IsArmed() {
			return r
		}
	}
	return nil
}

// ForFree returns the record a deallocation is charged to, or nil if none
// can record it (a leaky deallocation). It panics if the governing record is
// Extend, which never frees.
func (s *States) ForFree() *Record {
	for _, k := range FreePrecedence {
		r := s.Record(k)
		if !r.IsArmed() {
			continue
		}
		switch k {
		case Extend:
			panic(violation("deallocation while %v is armed", k))
		case Emplace:
			return r
		case Idle, PinData, PinKey:
			panic(fmt.Sprintf("state: %v in free precedence", k))
		}
	}
	return nil
}

// IsInUse reports whether any armed record shows p as owned.
func (s *States) IsInUse(p region.Ptr, load func(cell region.Ptr) region.Ptr) bool {
	for _, r := range s.records {
		if r.IsInUse(p, load) {
			return true
		}
	}
	return false
}

// Pending returns, for every armed record, its entries.
func (s *States) Pending() map[Kind][]Entry {
	out := make(map[Kind][]Entry)
	for _, r := range s.records {
		if r.IsArmed() {
			out[r.kind] = r.Entries()
		}
	}
	return out
}

// DisarmAll disarms every armed record. Recovery calls it after resolving
// the pending entries.
func (s *States) DisarmAll() error {
	for _, r := range s.records {
		if err := r.Disarm(); err != nil {
			return fmt.Errorf("disarm %v: %w", r.kind, err)
		}
	}
	return nil
}

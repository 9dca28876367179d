package persist

import (
	"sync"
	"unsafe"
)

// Call is one recorded Persist call.
type Call struct {
	Addr uintptr // address of the first byte
	Len  int
}

// Recorder wraps a Persister and remembers every call in order. Tests use it
// to check flush ordering.
type Recorder struct {
	mu    sync.Mutex
	next  Persister
	calls []Call
}

// NewRecorder returns a Recorder forwarding to next (Volatile if nil).
func NewRecorder(next Persister) *Recorder {
	if next == nil {
		next = Volatile
	}
	return &Recorder{next: next}
}

// Persist records the call and forwards it.
func (r *Recorder) Persist(b []byte) error {
	if len(b) > 0 {
		r.mu.Lock()
		r.calls = append(r.calls, Call{Addr: uintptr(unsafe.Pointer(&b[0])), Len: len(b)})
		r.mu.Unlock()
	}
	return r.next.Persist(b)
}

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Reset forgets the recorded calls.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.calls = r.calls[:0]
	r.mu.Unlock()
}

// Offsets returns the recorded calls that fall inside base, as offsets
// relative to base, in call order.
func (r *Recorder) Offsets(base []byte) []int {
	if len(base) == 0 {
		return nil
	}
	lo := uintptr(unsafe.Pointer(&base[0]))
	hi := lo + uintptr(len(base))
	var out []int
	for _, c := range r.Calls() {
		if c.Addr >= lo && c.Addr < hi {
			out = append(out, int(c.Addr-lo))
		}
	}
	return out
}

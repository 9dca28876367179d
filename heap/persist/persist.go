// Package persist provides the persistence primitive hstore builds its
// crash-safe sequences from: a flush that makes a prior store durable before
// any store depending on it is issued.
//
// Persisted data lives in mapped region files, so the durable flush is
// msync(2) of the page-aligned span covering the store (FlushViewOfFile on
// Windows). Spans that are not file-backed use Volatile.
package persist

// Persister makes the bytes of b durable. When Persist returns nil, every
// store to b issued before the call survives a crash.
//
// b must be a sub-slice of memory the Persister knows how to flush; for
// Msync that is any slice of a shared file mapping.
type Persister interface {
	Persist(b []byte) error
}

// Func adapts an ordinary function to the Persister interface.
type Func func(b []byte) error

// Persist calls f(b).
func (f Func) Persist(b []byte) error { return f(b) }

// Volatile is a Persister for memory that has no backing store, such as a
// heap created over an ordinary Go byte slice. It only orders stores.
var Volatile Persister = Func(func([]byte) error {
	fence()
	return nil
})

// Msync is the Persister for shared file mappings.
var Msync Persister = Func(msyncPersist)

// Word persists the 8-byte word at off within b.
func Word(p Persister, b []byte, off int) error {
	return p.Persist(b[off : off+8])
}

// Package bucket provides the lock evidence hopscotch bucket mutators demand.
//
// A *UniqueLock proves the caller holds a bucket exclusively and a
// *SharedLock proves it holds the bucket for reading. Mutators take the
// evidence as a parameter, so calling one without the right lock does not
// compile. Read-only accessors accept any Lock.
//
// Locks come from a Table, which stripes bucket indexes over a fixed set of
// reader/writer mutexes. Single-threaded code such as restart recovery and
// diagnostic printing uses AssumeUnique and Bypass, which prove nothing and
// lock nothing.
package bucket

import (
	"fmt"
	"sync"
)

// Lock is evidence that the caller holds bucket Bucket() in some mode.
type Lock interface {
	// Bucket returns the index of the bucket the lock covers.
	Bucket() uint64
	// Exclusive reports whether the evidence permits writes.
	Exclusive() bool

	evidence()
}

// Table stripes bucket locks over a fixed number of mutexes.
type Table struct {
	stripes []sync.RWMutex
}

// NewTable returns a table of n stripes. n must be positive.
func NewTable(n int) *Table {
	if n <= 0 {
		panic(fmt.Sprintf("bucket: invalid stripe count %d", n))
	}
	return &Table{stripes: make([]sync.RWMutex, n)}
}

// Stripes returns the number of mutexes in the table.
func (t *Table) Stripes() int { return len(t.stripes) }

func (t *Table) stripe(b uint64) *sync.RWMutex {
	return &t.stripes[b%uint64(len(t.stripes))]
}

// Shared blocks until bucket b is held for reading.
func (t *Table) Shared(b uint64) *SharedLock {
	m := t.stripe(b)
	m.RLock()
	return &SharedLock{m: m, b: b}
}

// Unique blocks until bucket b is held exclusively.
func (t *Table) Unique(b uint64) *UniqueLock {
	m := t.stripe(b)
	m.Lock()
	return &UniqueLock{m: m, b: b}
}

// TryUnique takes bucket b exclusively if that is possible without waiting.
func (t *Table) TryUnique(b uint64) (*UniqueLock, bool) {
	m := t.stripe(b)
	if !m.TryLock() {
		return nil, false
	}
	return &UniqueLock{m: m, b: b}, true
}

// SameStripe reports whether a and b share a mutex. Holding one of them
// exclusively while asking for the other deadlocks when they do.
func (t *Table) SameStripe(a, b uint64) bool {
	return t.stripe(a) == t.stripe(b)
}

// SharedLock is evidence of a read hold on a bucket.
type SharedLock struct {
	m *sync.RWMutex
	b uint64
}

func (l *SharedLock) Bucket() uint64  { return l.b }
func (l *SharedLock) Exclusive() bool { return false }
func (l *SharedLock) evidence()       {}

// Unlock releases the hold. The evidence must not be used afterwards.
func (l *SharedLock) Unlock() {
	if l.m != nil {
		l.m.RUnlock()
		l.m = nil
	}
}

// UniqueLock is evidence of an exclusive hold on a bucket.
type UniqueLock struct {
	m *sync.RWMutex
	b uint64
}

func (l *UniqueLock) Bucket() uint64  { return l.b }
func (l *UniqueLock) Exclusive() bool { return true }
func (l *UniqueLock) evidence()       {}

// Unlock releases the hold. The evidence must not be used afterwards.
func (l *UniqueLock) Unlock() {
	if l.m != nil {
		l.m.Unlock()
		l.m = nil
	}
}

// AssumeUnique returns exclusive evidence for b without locking anything.
// Only code that runs while no other goroutine can reach the table, such as
// recovery after a restart, may use it.
func AssumeUnique(b uint64) *UniqueLock { return &UniqueLock{b: b} }

// AssumeShared is the read counterpart of AssumeUnique.
func AssumeShared(b uint64) *SharedLock { return &SharedLock{b: b} }

// BypassLock is read evidence that locks nothing. Diagnostic printing uses it
// to look at buckets without disturbing writers, accepting a stale view.
type BypassLock struct {
	b uint64
}

// Bypass returns bypass evidence for bucket b.
func Bypass(b uint64) BypassLock { return BypassLock{b: b} }

func (l BypassLock) Bucket() uint64  { return l.b }
func (l BypassLock) Exclusive() bool { return false }
func (l BypassLock) evidence()       {}

var (
	_ Lock = (*SharedLock)(nil)
	_ Lock = (*UniqueLock)(nil)
	_ Lock = BypassLock{}
)

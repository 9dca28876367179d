// Package owner implements the owner half of a hopscotch hash bucket: a
// 64-bit mask with one bit per slot of the bucket's neighborhood, set when
// the bucket owns the entry in that slot.
//
// The mask is a single aligned word, so every update is one store. A crash
// leaves either the old or the new mask and a reader never observes a
// partial update, which is why owner masks need no recovery bookkeeping of
// their own. Mutators demand lock evidence from package bucket.
package owner

import (
	"fmt"
	"math/bits"
	"strings"
	"sync/atomic"
	"unsafe"

	"github.com/joshuapare/hstore/bucket"
)

const (
	// Size is the number of neighborhood slots a mask covers.
	Size = 64

	// PosUndefined is the home position of an owner that has never had a
	// bit inserted.
	PosUndefined = ^uint64(0)
)

// Owner is a bucket's ownership mask. The zero value owns nothing.
type Owner struct {
	value atomic.Uint64
}

// At overlays an Owner on the first eight bytes of word, which must be
// eight-byte aligned. Use it to work on a mask that lives in persistent
// memory; flushing the word stays the caller's job.
func At(word []byte) *Owner {
	if len(word) < 8 {
		panic(fmt.Sprintf("owner: word of %d bytes", len(word)))
	}
	if uintptr(unsafe.Pointer(&word[0]))%8 != 0 {
		panic("owner: word is not eight-byte aligned")
	}
	return (*Owner)(unsafe.Pointer(&word[0]))
}

func maskFromPos(p uint) uint64 {
	if p >= Size {
		panic(fmt.Sprintf("owner: bit %d out of range", p))
	}
	return uint64(1) << p
}

// MaskAllOnes returns the mask owning every slot.
func MaskAllOnes() uint64 { return ^uint64(0) }

// RightmostOnePos returns the index of the lowest set bit of mask, or Size
// if mask is zero.
func RightmostOnePos(mask uint64) uint { return uint(bits.TrailingZeros64(mask)) }

// Insert sets bit p. pos is the owner's home position in the table; builds
// tagged hstore_trackpos check that every insert names the same one.
func (o *Owner) Insert(pos uint64, p uint, _ *bucket.UniqueLock) {
	m := maskFromPos(p)
	trackPos(o, pos)
	o.value.Store(o.value.Load() | m)
}

// Erase clears bit p.
func (o *Owner) Erase(p uint, _ *bucket.UniqueLock) {
	o.value.Store(o.value.Load() &^ maskFromPos(p))
}

// Move sets dst and clears src in one store, so a concurrent reader sees
// either the mask before the move or the mask after it.
func (o *Owner) Move(dst, src uint, _ *bucket.UniqueLock) {
	set, clr := maskFromPos(dst), maskFromPos(src)
	o.value.Store((o.value.Load() | set) &^ clr)
}

// ClearFrom clears every bit of o that is also set in junior. The caller
// holds o exclusively and any lock on junior, so junior cannot change
// underneath the read.
func (o *Owner) ClearFrom(junior *Owner, _ *bucket.UniqueLock, _ bucket.Lock) {
	o.value.Store(o.value.Load() &^ junior.value.Load())
}

// Value returns the raw mask. Any lock on the bucket will do.
func (o *Owner) Value(_ bucket.Lock) uint64 { return o.value.Load() }

// Owned renders the table slots the owner holds, in a table of hopHashSize
// slots, counting from the bucket the lock covers.
func (o *Owner) Owned(hopHashSize uint64, l bucket.Lock) string {
	v := o.Value(l)
	var sb strings.Builder
	sb.WriteByte('[')
	for first := true; v != 0; first = false {
		p := RightmostOnePos(v)
		v &^= uint64(1) << p
		if !first {
			sb.WriteByte(' ')
		}
		slot := l.Bucket() + uint64(p)
		if hopHashSize != 0 {
			slot %= hopHashSize
		}
		fmt.Fprintf(&sb, "%d", slot)
	}
	sb.WriteByte(']')
	return sb.String()
}

func (o *Owner) String() string {
	return fmt.Sprintf("owner(%#016x)", o.value.Load())
}

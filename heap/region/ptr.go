package region

import (
	"errors"
	"fmt"
)

// ErrBadPtr indicates a pointer that does not resolve inside the region set.
var ErrBadPtr = errors.New("region: bad pointer")

const (
	ordinalShift = 48
	offsetMask   = 1<<ordinalShift - 1

	// MaxOrdinal is the largest region ordinal a Ptr can address.
	MaxOrdinal = 1<<(64-ordinalShift) - 2
)

// Ptr is a persisted, region-relative pointer: the region's ordinal within
// its heap (0 for pool 0) in the high 16 bits and a byte offset in the low
// 48. The ordinal is stored biased by one so the zero value is Nil.
type Ptr uint64

// Nil is the null pointer.
const Nil Ptr = 0

// MakePtr builds the pointer to byte off of region ordinal.
func MakePtr(ordinal int, off uint64) Ptr {
	if ordinal < 0 || ordinal > MaxOrdinal || off > offsetMask {
		panic(fmt.Sprintf("region: pointer out of range: ordinal %d offset %#x", ordinal, off))
	}
	return Ptr(uint64(ordinal+1)<<ordinalShift | off)
}

// IsNil reports whether p is the null pointer.
func (p Ptr) IsNil() bool { return p == Nil }

// Ordinal returns the region ordinal. It is -1 for Nil.
func (p Ptr) Ordinal() int { return int(uint64(p)>>ordinalShift) - 1 }

// Offset returns the byte offset within the region.
func (p Ptr) Offset() uint64 { return uint64(p) & offsetMask }

// Add returns p advanced by n bytes within the same region.
func (p Ptr) Add(n uint64) Ptr {
	return MakePtr(p.Ordinal(), p.Offset()+n)
}

func (p Ptr) String() string {
	if p.IsNil() {
		return "nil"
	}
	return fmt.Sprintf("%d:%#x", p.Ordinal(), p.Offset())
}

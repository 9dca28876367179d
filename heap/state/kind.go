package state

import (
	"errors"
	"fmt"
)

// ErrStateViolation is the panic value (wrapped) raised when a record is
// used in a way no correct caller can produce: arming an armed record,
// overflowing its entries, or freeing while only an extend is armed.
var ErrStateViolation = errors.New("state: allocation-state violation")

// Kind tags an allocation-state record and, when persisted in a record's
// armed word, says that record is armed.
type Kind uint64

const (
	Idle Kind = iota
	Emplace
	PinData
	PinKey
	Extend
)

// Kinds lists the record kinds in persisted order.
var Kinds = [...]Kind{Emplace, PinData, PinKey, Extend}

// AllocPrecedence is the order in which armed records are consulted to
// charge an allocation. Extend precedes Emplace because an extend may
// allocate while an emplace is armed, but an emplace never runs inside an
// extend.
var AllocPrecedence = [...]Kind{PinData, PinKey, Extend, Emplace}

// FreePrecedence is the order for deallocations. Only Emplace records
// deallocations; a free charged to Extend is a violation, and pin records do
// not take part.
var FreePrecedence = [...]Kind{Extend, Emplace}

func (k Kind) String() string {
	switch k {
	case Idle:
		return "idle"
	case Emplace:
		return "emplace"
	case PinData:
		return "pin-data"
	case PinKey:
		return "pin-key"
	case Extend:
		return "extend"
	default:
		return fmt.Sprintf("kind(%d)", uint64(k))
	}
}

// index returns the record slot for k.
func (k Kind) index() int {
	switch k {
	case Emplace, PinData, PinKey, Extend:
		return int(k) - 1
	default:
		panic(fmt.Errorf("%w: no record for %v", ErrStateViolation, k))
	}
}

// Op says whether a record entry is an allocation or a deallocation.
type Op uint64

const (
	OpNone Op = iota
	OpAlloc
	OpFree
)

func (o Op) String() string {
	switch o {
	case OpAlloc:
		return "alloc"
	case OpFree:
		return "free"
	default:
		return "none"
	}
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrStateViolation}, args...)...)
}

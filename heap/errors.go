package heap

import (
	"errors"

	"github.com/joshuapare/hstore/heap/state"
)

var (
	// ErrInvalidArgument indicates a request rejected before any mutation,
	// such as an alignment that is not a power of two.
	ErrInvalidArgument = errors.New("heap: invalid argument")

	// ErrCapacityExceeded indicates the allocator, the device or the region
	// slot array is exhausted. The heap remains usable.
	ErrCapacityExceeded = errors.New("heap: capacity exceeded")

	// ErrRegionOpen indicates a persisted region could not be reopened.
	ErrRegionOpen = errors.New("heap: region open failed")

	// ErrCorrupt indicates a pool 0 header that does not describe a heap.
	ErrCorrupt = errors.New("heap: corrupt header")

	// ErrQuiesced indicates use of a heap after Quiesce or Close.
	ErrQuiesced = errors.New("heap: quiesced")

	// ErrCounterUnderflow is the panic value (wrapped) raised when a free
	// would take the allocated counter below zero.
	ErrCounterUnderflow = errors.New("heap: allocated counter underflow")

	// ErrStateViolation is the panic value (wrapped) raised on misuse of the
	// allocation-state records.
	ErrStateViolation = state.ErrStateViolation
)

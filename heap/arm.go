package heap

import (
	"fmt"

	"github.com/joshuapare/hstore/heap/region"
	"github.com/joshuapare/hstore/heap/state"
	"github.com/joshuapare/hstore/internal/format"
)

// EmplaceArm arms the emplace record around an insert of a new key/value.
func (h *Heap) EmplaceArm() error { return h.arm(state.Emplace, region.Nil) }

// EmplaceDisarm marks the emplace done.
func (h *Heap) EmplaceDisarm() error { return h.states.Record(state.Emplace).Disarm() }

// ExtendArm arms the extend record around growth of the bucket array.
func (h *Heap) ExtendArm() error { return h.arm(state.Extend, region.Nil) }

// ExtendDisarm marks the extend done.
func (h *Heap) ExtendDisarm() error { return h.states.Record(state.Extend).Disarm() }

// PinDataArm arms the pin-data record; cell is the value cell being
// replaced.
func (h *Heap) PinDataArm(cell region.Ptr) error { return h.arm(state.PinData, cell) }

// PinDataDisarm marks the pin-data operation done.
func (h *Heap) PinDataDisarm() error { return h.states.Record(state.PinData).Disarm() }

// PinDataCell returns the cell pinned by PinDataArm, or Nil if disarmed.
func (h *Heap) PinDataCell() region.Ptr { return h.pinned(state.PinData) }

// PinKeyArm arms the pin-key record; cell is the key cell being replaced.
func (h *Heap) PinKeyArm(cell region.Ptr) error { return h.arm(state.PinKey, cell) }

// PinKeyDisarm marks the pin-key operation done.
func (h *Heap) PinKeyDisarm() error { return h.states.Record(state.PinKey).Disarm() }

// PinKeyCell returns the cell pinned by PinKeyArm, or Nil if disarmed.
func (h *Heap) PinKeyCell() region.Ptr { return h.pinned(state.PinKey) }

// Armed returns the kinds of all armed records.
func (h *Heap) Armed() []state.Kind { return h.states.Armed() }

func (h *Heap) arm(k state.Kind, cell region.Ptr) error {
	switch k {
	case state.PinData, state.PinKey:
		if _, err := h.regions.Resolve(cell, format.WordSize); err != nil {
			return fmt.Errorf("%w: pin cell: %w", ErrInvalidArgument, err)
		}
	case state.Emplace, state.Extend:
	case state.Idle:
		panic(fmt.Errorf("%w: arm %v", ErrStateViolation, k))
	}
	return h.states.Record(k).Arm(cell)
}

func (h *Heap) pinned(k state.Kind) region.Ptr {
	r := h.states.Record(k)
	if !r.IsArmed() {
		return region.Nil
	}
	return r.Aux()
}

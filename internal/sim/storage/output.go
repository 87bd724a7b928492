package storage

import (
	"procarray.ai/internal/sim/catalogs"
)

// OutputBus receives item outputs. Inserts are all-or-nothing.
type OutputBus struct {
	slots []catalogs.ItemStack
}

func NewOutputBus(slots int) *OutputBus {
	return &OutputBus{slots: make([]catalogs.ItemStack, slots)}
}

func (o *OutputBus) Stacks() []catalogs.ItemStack { return cloneSlots(o.slots) }

func (o *OutputBus) Insert(items []catalogs.ItemStack, simulate bool) bool {
	work := cloneSlots(o.slots)
	for _, s := range items {
		if s.IsEmpty() {
			continue
		}
		if fill(work, s, MaxStack) > 0 {
			return false
		}
	}
	if !simulate {
		o.slots = work
	}
	return true
}

// Extract removes up to n items of a type, standing in for whatever empties
// the bus downstream.
func (o *OutputBus) Extract(item string, n int) int {
	return n - take(o.slots, catalogs.ItemInput{Ingredient: catalogs.Ingredient{Item: item}}, n)
}

func (o *OutputBus) Total(item string) int {
	n := 0
	for _, s := range o.slots {
		if s.Item == item {
			n += s.Count
		}
	}
	return n
}

// OutputHatch receives fluid outputs into a set of single-fluid tanks.
type OutputHatch struct {
	tanks []*Tank
}

func NewOutputHatch(tanks, capacity int) *OutputHatch {
	h := &OutputHatch{}
	for i := 0; i < tanks; i++ {
		h.tanks = append(h.tanks, NewTank("", capacity))
	}
	return h
}

func (h *OutputHatch) Insert(fluids []catalogs.FluidStack, simulate bool) bool {
	work := make([]*Tank, len(h.tanks))
	for i, t := range h.tanks {
		c := *t
		work[i] = &c
	}
	for _, f := range fluids {
		if f.IsEmpty() {
			continue
		}
		left := f.Amount
		// Top up tanks already holding the fluid before claiming empty ones.
		for _, pass := range []bool{true, false} {
			for _, t := range work {
				if left == 0 {
					break
				}
				if t.fluid.IsEmpty() == pass {
					continue
				}
				left -= t.fill(catalogs.FluidStack{Fluid: f.Fluid, Amount: left}, false)
			}
		}
		if left > 0 {
			return false
		}
	}
	if !simulate {
		h.tanks = work
	}
	return true
}

func (h *OutputHatch) Total(fluid string) int {
	n := 0
	for _, t := range h.tanks {
		if t.fluid.Fluid == fluid {
			n += t.fluid.Amount
		}
	}
	return n
}

// Fluids lists the contents of the non-empty output tanks.
func (h *OutputHatch) Fluids() []catalogs.FluidStack {
	var out []catalogs.FluidStack
	for _, t := range h.tanks {
		out = append(out, t.Fluids()...)
	}
	return out
}

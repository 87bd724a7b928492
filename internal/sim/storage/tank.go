package storage

import (
	"procarray.ai/internal/sim/catalogs"
)

// Tank is a single-fluid reservoir.
type Tank struct {
	id       string
	fluid    catalogs.FluidStack
	capacity int
	notify   notifyFunc
}

func NewTank(id string, capacity int) *Tank {
	return &Tank{id: id, capacity: capacity}
}

func (t *Tank) ID() string    { return t.id }
func (t *Tank) Capacity() int { return t.capacity }

func (t *Tank) Fluids() []catalogs.FluidStack {
	if t.fluid.IsEmpty() {
		return nil
	}
	return []catalogs.FluidStack{t.fluid}
}

// Fill adds f as an external change and returns the amount accepted.
func (t *Tank) Fill(f catalogs.FluidStack) int {
	n := t.fill(f, false)
	if n > 0 && t.notify != nil {
		t.notify(t.id, true)
	}
	return n
}

// Drain removes fluid as an external change.
func (t *Tank) Drain(amount int) int {
	n := min(amount, t.fluid.Amount)
	if n <= 0 {
		return 0
	}
	t.fluid.Amount -= n
	if t.fluid.Amount == 0 {
		t.fluid = catalogs.FluidStack{}
	}
	if t.notify != nil {
		t.notify(t.id, true)
	}
	return n
}

func (t *Tank) fill(f catalogs.FluidStack, simulate bool) int {
	if f.IsEmpty() {
		return 0
	}
	if !t.fluid.IsEmpty() && t.fluid.Fluid != f.Fluid {
		return 0
	}
	n := min(f.Amount, t.capacity-t.fluid.Amount)
	if n <= 0 {
		return 0
	}
	if !simulate {
		t.fluid.Fluid = f.Fluid
		t.fluid.Amount += n
	}
	return n
}

package storage

import (
	"procarray.ai/internal/sim/catalogs"
	"procarray.ai/internal/sim/pool"
)

// Hatches is the full I/O surface of one controller: input buses, input tanks,
// the output bus and the output hatch. Only external changes (Put, Set, Fill,
// Drain) land on the notification feed; consumption by the controller does not.
type Hatches struct {
	buses    []*Bus
	tanks    []*Tank
	out      *OutputBus
	fluidOut *OutputHatch

	changes []pool.Change
	pending map[pool.Change]bool
}

func NewHatches(buses []*Bus, tanks []*Tank, out *OutputBus, fluidOut *OutputHatch) *Hatches {
	h := &Hatches{
		buses:    buses,
		tanks:    tanks,
		out:      out,
		fluidOut: fluidOut,
		pending:  map[pool.Change]bool{},
	}
	if h.out == nil {
		h.out = NewOutputBus(0)
	}
	if h.fluidOut == nil {
		h.fluidOut = NewOutputHatch(0, 0)
	}
	for _, b := range buses {
		b.notify = h.record
	}
	for _, t := range tanks {
		t.notify = h.record
	}
	return h
}

func (h *Hatches) record(id string, fluid bool) {
	c := pool.Change{SourceID: id, Fluid: fluid}
	if h.pending[c] {
		return
	}
	h.pending[c] = true
	h.changes = append(h.changes, c)
}

func (h *Hatches) Buses() []*Bus             { return h.buses }
func (h *Hatches) Tanks() []*Tank            { return h.tanks }
func (h *Hatches) Output() *OutputBus        { return h.out }
func (h *Hatches) FluidOutput() *OutputHatch { return h.fluidOut }

func (h *Hatches) Bus(id string) *Bus {
	for _, b := range h.buses {
		if b.id == id {
			return b
		}
	}
	return nil
}

func (h *Hatches) ItemSources() []pool.ItemSource {
	out := make([]pool.ItemSource, len(h.buses))
	for i, b := range h.buses {
		out[i] = b
	}
	return out
}

func (h *Hatches) FluidSources() []pool.FluidSource {
	out := make([]pool.FluidSource, len(h.tanks))
	for i, t := range h.tanks {
		out[i] = t
	}
	return out
}

// Notified drains the change feed.
func (h *Hatches) Notified() []pool.Change {
	out := h.changes
	h.changes = nil
	clear(h.pending)
	return out
}

// ConsumeItems removes inputs from the named buses, or from every bus when ids
// is empty. Either every input is satisfied or nothing changes.
func (h *Hatches) ConsumeItems(ids []string, inputs []catalogs.ItemInput, simulate bool) bool {
	buses := h.selectBuses(ids)
	if len(ids) > 0 && len(buses) != len(ids) {
		return false
	}
	work := make([][]catalogs.ItemStack, len(buses))
	for i, b := range buses {
		work[i] = cloneSlots(b.slots)
	}
	for _, in := range inputs {
		need := in.Count
		for i := range work {
			need = take(work[i], in, need)
		}
		if need > 0 {
			return false
		}
	}
	if !simulate {
		for i, b := range buses {
			b.slots = work[i]
		}
	}
	return true
}

func (h *Hatches) selectBuses(ids []string) []*Bus {
	if len(ids) == 0 {
		return h.buses
	}
	out := make([]*Bus, 0, len(ids))
	for _, id := range ids {
		if b := h.Bus(id); b != nil {
			out = append(out, b)
		}
	}
	return out
}

// ConsumeFluids drains fluids across all input tanks, all-or-nothing.
func (h *Hatches) ConsumeFluids(fluids []catalogs.FluidStack, simulate bool) bool {
	work := make([]catalogs.FluidStack, len(h.tanks))
	for i, t := range h.tanks {
		work[i] = t.fluid
	}
	for _, f := range fluids {
		need := f.Amount
		for i := range work {
			if need == 0 {
				break
			}
			if work[i].Fluid != f.Fluid {
				continue
			}
			n := min(work[i].Amount, need)
			work[i].Amount -= n
			need -= n
		}
		if need > 0 {
			return false
		}
	}
	if !simulate {
		for i, t := range h.tanks {
			t.fluid = work[i]
			if t.fluid.Amount == 0 {
				t.fluid = catalogs.FluidStack{}
			}
		}
	}
	return true
}

func (h *Hatches) InsertItems(items []catalogs.ItemStack, simulate bool) bool {
	return h.out.Insert(items, simulate)
}

func (h *Hatches) InsertFluids(fluids []catalogs.FluidStack, simulate bool) bool {
	return h.fluidOut.Insert(fluids, simulate)
}

// Package storage is the in-memory inventory, reservoir and energy layer a
// controller's hatches are built from.
package storage

import (
	"procarray.ai/internal/sim/catalogs"
)

// MaxStack is the largest count one slot holds.
const MaxStack = 64

type notifyFunc func(id string, fluid bool)

// Bus is an item bus: a fixed number of slots.
type Bus struct {
	id     string
	slots  []catalogs.ItemStack
	notify notifyFunc
}

func NewBus(id string, slots int) *Bus {
	return &Bus{id: id, slots: make([]catalogs.ItemStack, slots)}
}

func (b *Bus) ID() string { return b.id }

// Stacks returns a copy of the slots, empty ones included.
func (b *Bus) Stacks() []catalogs.ItemStack { return cloneSlots(b.slots) }

// Put adds s to the bus as an external change, returning the count that fit.
func (b *Bus) Put(s catalogs.ItemStack) int {
	if s.IsEmpty() {
		return 0
	}
	left := fill(b.slots, s, MaxStack)
	moved := s.Count - left
	if moved > 0 {
		b.changed()
	}
	return moved
}

// Set overwrites one slot as an external change.
func (b *Bus) Set(slot int, s catalogs.ItemStack) {
	if slot < 0 || slot >= len(b.slots) {
		return
	}
	b.slots[slot] = s
	b.changed()
}

// Clear empties the bus as an external change.
func (b *Bus) Clear() {
	for i := range b.slots {
		b.slots[i] = catalogs.ItemStack{}
	}
	b.changed()
}

func (b *Bus) Total(item string) int {
	n := 0
	for _, s := range b.slots {
		if s.Item == item {
			n += s.Count
		}
	}
	return n
}

func (b *Bus) changed() {
	if b.notify != nil {
		b.notify(b.id, false)
	}
}

func cloneSlots(in []catalogs.ItemStack) []catalogs.ItemStack {
	out := make([]catalogs.ItemStack, len(in))
	for i, s := range in {
		if s.IsEmpty() {
			continue
		}
		out[i] = s.WithCount(s.Count)
	}
	return out
}

// fill merges s into slots, first onto matching stacks then into empty slots.
// It returns the count that did not fit.
func fill(slots []catalogs.ItemStack, s catalogs.ItemStack, limit int) int {
	left := s.Count
	for i := range slots {
		if left == 0 {
			return 0
		}
		if slots[i].IsEmpty() || !slots[i].SameType(s) {
			continue
		}
		room := limit - slots[i].Count
		if room <= 0 {
			continue
		}
		n := min(room, left)
		slots[i].Count += n
		left -= n
	}
	for i := range slots {
		if left == 0 {
			return 0
		}
		if !slots[i].IsEmpty() {
			continue
		}
		n := min(limit, left)
		slots[i] = s.WithCount(n)
		left -= n
	}
	return left
}

// take removes up to need items matching in from slots and returns the count
// still missing.
func take(slots []catalogs.ItemStack, in catalogs.ItemInput, need int) int {
	for i := range slots {
		if need == 0 {
			return 0
		}
		if !in.Matches(slots[i]) {
			continue
		}
		n := min(slots[i].Count, need)
		slots[i].Count -= n
		need -= n
		if slots[i].Count == 0 {
			slots[i] = catalogs.ItemStack{}
		}
	}
	return need
}

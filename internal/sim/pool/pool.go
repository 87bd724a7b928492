// Package pool coalesces input sources into per-resource counts. Pools are
// built fresh for every evaluation and never cached across ticks.
package pool

import (
	"sort"

	"procarray.ai/internal/sim/catalogs"
)

// ItemSource is a read-only view of one input bus.
type ItemSource interface {
	ID() string
	Stacks() []catalogs.ItemStack
}

// FluidSource is a read-only view of one fluid reservoir.
type FluidSource interface {
	ID() string
	Fluids() []catalogs.FluidStack
}

// Items is an ordered item pool: entries keep first-seen order so ingredient
// matching is deterministic.
type Items struct {
	entries []catalogs.ItemStack
	index   map[string]int
}

func NewItems() *Items {
	return &Items{index: map[string]int{}}
}

func (p *Items) Add(s catalogs.ItemStack) {
	if s.IsEmpty() {
		return
	}
	key := s.Key()
	if i, ok := p.index[key]; ok {
		p.entries[i].Count += s.Count
		return
	}
	p.index[key] = len(p.entries)
	e := s.WithCount(s.Count)
	e.Wear = 0
	p.entries = append(p.entries, e)
}

func (p *Items) Len() int { return len(p.entries) }

// Entries returns the coalesced stacks in first-seen order.
func (p *Items) Entries() []catalogs.ItemStack {
	out := make([]catalogs.ItemStack, len(p.entries))
	copy(out, p.entries)
	return out
}

func (p *Items) Count(key string) int {
	if i, ok := p.index[key]; ok {
		return p.entries[i].Count
	}
	return 0
}

// Match returns the first entry satisfying the ingredient.
func (p *Items) Match(in catalogs.Ingredient) (catalogs.ItemStack, bool) {
	for _, e := range p.entries {
		if in.Matches(e) {
			return e, true
		}
	}
	return catalogs.ItemStack{}, false
}

// Fluids maps fluid type to total amount. Fluids are always pooled.
type Fluids map[string]int

func (f Fluids) Add(s catalogs.FluidStack) {
	if s.IsEmpty() {
		return
	}
	f[s.Fluid] += s.Amount
}

// Names returns the pooled fluid types sorted.
func (f Fluids) Names() []string {
	out := make([]string, 0, len(f))
	for k, v := range f {
		if v > 0 {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Combined builds one item pool across every source.
func Combined[S ItemSource](sources []S) *Items {
	p := NewItems()
	for _, src := range sources {
		for _, s := range src.Stacks() {
			p.Add(s)
		}
	}
	return p
}

// Distinct builds one item pool per source, keyed by source id, in source order.
func Distinct[S ItemSource](sources []S) []Keyed {
	out := make([]Keyed, 0, len(sources))
	for _, src := range sources {
		p := NewItems()
		for _, s := range src.Stacks() {
			p.Add(s)
		}
		out = append(out, Keyed{SourceID: src.ID(), Items: p})
	}
	return out
}

type Keyed struct {
	SourceID string
	Items    *Items
}

// CollectFluids pools every reservoir by fluid type.
func CollectFluids[S FluidSource](sources []S) Fluids {
	f := Fluids{}
	for _, src := range sources {
		for _, s := range src.Fluids() {
			f.Add(s)
		}
	}
	return f
}

// Change is one entry of a storage change-notification feed.
type Change struct {
	SourceID string
	Fluid    bool
}

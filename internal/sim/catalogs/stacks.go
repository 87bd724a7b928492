package catalogs

import (
	"slices"
	"strconv"
)

// ItemStack is a quantity of one item. Wear is mutable state that never takes
// part in equality; Tier is only set on tiered items (installable units).
type ItemStack struct {
	Item  string   `json:"item" yaml:"item"`
	Count int      `json:"count" yaml:"count"`
	Wear  int      `json:"wear,omitempty" yaml:"wear,omitempty"`
	Tier  *int     `json:"tier,omitempty" yaml:"tier,omitempty"`
	Tags  []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

func (s ItemStack) IsEmpty() bool { return s.Item == "" || s.Count <= 0 }

// Key identifies the stack's resource type, ignoring Count and Wear.
func (s ItemStack) Key() string {
	if s.Tier == nil {
		return s.Item
	}
	return s.Item + "#" + strconv.Itoa(*s.Tier)
}

// SameType reports whether two stacks coalesce into one pool entry.
func (s ItemStack) SameType(o ItemStack) bool { return s.Key() == o.Key() }

func (s ItemStack) HasTag(tag string) bool { return slices.Contains(s.Tags, tag) }

// WithCount returns a copy of s holding n items.
func (s ItemStack) WithCount(n int) ItemStack {
	out := s
	out.Count = n
	if s.Tier != nil {
		t := *s.Tier
		out.Tier = &t
	}
	if s.Tags != nil {
		out.Tags = slices.Clone(s.Tags)
	}
	return out
}

// Ingredient matches stacks either by exact item id or by tag.
type Ingredient struct {
	Item string `json:"item,omitempty" yaml:"item,omitempty"`
	Tag  string `json:"tag,omitempty" yaml:"tag,omitempty"`
}

func (in Ingredient) Matches(s ItemStack) bool {
	if s.IsEmpty() {
		return false
	}
	if in.Item != "" {
		return s.Item == in.Item
	}
	if in.Tag != "" {
		return s.HasTag(in.Tag)
	}
	return false
}

func (in Ingredient) String() string {
	if in.Item != "" {
		return in.Item
	}
	return "#" + in.Tag
}

// ItemInput is one required item input. Count 0 marks a catalyst that must be
// present but is never consumed.
type ItemInput struct {
	Ingredient
	Count int `json:"count" yaml:"count"`
}

type FluidStack struct {
	Fluid  string `json:"fluid" yaml:"fluid"`
	Amount int    `json:"amount" yaml:"amount"`
}

func (f FluidStack) IsEmpty() bool { return f.Fluid == "" || f.Amount <= 0 }

// ChanceOutput is an item produced with probability Chance/10000, boosted by
// TierBoost/10000 per tier the unit runs above the recipe.
type ChanceOutput struct {
	Stack     ItemStack `json:"stack"`
	Chance    int       `json:"chance"`
	TierBoost int       `json:"tier_boost,omitempty"`
}

// ChanceScale is the denominator of ChanceOutput probabilities.
const ChanceScale = 10000

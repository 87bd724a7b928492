package parallel

import (
	"procarray.ai/internal/sim/catalogs"
	"procarray.ai/internal/sim/overclock"
)

// Recipe is a template scaled for one batch. EUt and Duration stay
// per-operation: all parallel copies share the same clock.
type Recipe struct {
	TemplateID    string                  `json:"template_id"`
	Family        string                  `json:"family"`
	Multiplier    int                     `json:"multiplier"`
	Inputs        []catalogs.ItemInput    `json:"inputs,omitempty"`
	FluidInputs   []catalogs.FluidStack   `json:"fluid_inputs,omitempty"`
	Outputs       []catalogs.ItemStack    `json:"outputs,omitempty"`
	ChanceOutputs []catalogs.ChanceOutput `json:"chance_outputs,omitempty"`
	FluidOutputs  []catalogs.FluidStack   `json:"fluid_outputs,omitempty"`
	EUt           int64                   `json:"eut"`
	Duration      int                     `json:"duration"`
	RequiredTier  int                     `json:"required_tier"`
}

// TotalEUt is the energy per tick of the whole batch.
func (r Recipe) TotalEUt() int64 { return r.EUt * int64(r.Multiplier) }

// ConsumedInputs drops catalysts, which are checked but never taken.
func (r Recipe) ConsumedInputs() []catalogs.ItemInput {
	out := make([]catalogs.ItemInput, 0, len(r.Inputs))
	for _, in := range r.Inputs {
		if in.Count > 0 {
			out = append(out, in)
		}
	}
	return out
}

// AllItemOutputs lists guaranteed outputs followed by every chance output at
// full size, for capacity checks.
func (r Recipe) AllItemOutputs() []catalogs.ItemStack {
	out := make([]catalogs.ItemStack, 0, len(r.Outputs)+len(r.ChanceOutputs))
	out = append(out, r.Outputs...)
	for _, c := range r.ChanceOutputs {
		out = append(out, c.Stack)
	}
	return out
}

// RequiredTier is the lowest unit tier able to run t.
func RequiredTier(t catalogs.Template) int {
	return max(t.MinTier, overclock.TierFor(t.EUt))
}

// Scale multiplies every count and amount of t by factor. Chance outputs keep
// their probability and boost; dropChance removes them entirely.
func Scale(t catalogs.Template, factor int, dropChance bool) Recipe {
	r := Recipe{
		TemplateID:   t.ID,
		Family:       t.Family,
		Multiplier:   factor,
		EUt:          t.EUt,
		Duration:     t.Duration,
		RequiredTier: RequiredTier(t),
	}
	for _, in := range t.Inputs {
		r.Inputs = append(r.Inputs, catalogs.ItemInput{Ingredient: in.Ingredient, Count: in.Count * factor})
	}
	for _, f := range t.FluidInputs {
		r.FluidInputs = append(r.FluidInputs, catalogs.FluidStack{Fluid: f.Fluid, Amount: f.Amount * factor})
	}
	for _, o := range t.Outputs {
		r.Outputs = append(r.Outputs, o.WithCount(o.Count*factor))
	}
	if !dropChance {
		for _, c := range t.ChanceOutputs {
			r.ChanceOutputs = append(r.ChanceOutputs, catalogs.ChanceOutput{
				Stack:     c.Stack.WithCount(c.Stack.Count * factor),
				Chance:    c.Chance,
				TierBoost: c.TierBoost,
			})
		}
	}
	for _, f := range t.FluidOutputs {
		r.FluidOutputs = append(r.FluidOutputs, catalogs.FluidStack{Fluid: f.Fluid, Amount: f.Amount * factor})
	}
	return r
}

// ChanceFor is the effective probability, out of catalogs.ChanceScale, of c for
// a unit running tiersAbove tiers over the recipe's requirement.
func ChanceFor(c catalogs.ChanceOutput, tiersAbove int) int {
	p := c.Chance + c.TierBoost*max(tiersAbove, 0)
	return min(p, catalogs.ChanceScale)
}

// Package parallel solves how many copies of a recipe a resource pool can feed
// and scales recipe templates by that factor.
package parallel

import (
	"errors"
	"math"

	"procarray.ai/internal/sim/catalogs"
	"procarray.ai/internal/sim/pool"
)

// ErrNoInputs marks a template with nothing to compute a ratio against.
var ErrNoInputs = errors.New("template has no matchable inputs")

// Solve returns the largest factor in [0, multiplicity] the pool can satisfy
// for every input of t. Zero means not even one operation fits.
func Solve(t catalogs.Template, items *pool.Items, fluids pool.Fluids, multiplicity int) (int, error) {
	if multiplicity <= 0 {
		return 0, nil
	}
	itemRatio, itemsMatched, ok := itemFactor(t.Inputs, items, multiplicity)
	if !ok {
		return 0, nil
	}
	fluidRatio, fluidsMatched := fluidFactor(t.FluidInputs, fluids, multiplicity)
	if !itemsMatched && !fluidsMatched {
		return 0, ErrNoInputs
	}
	return min(itemRatio, fluidRatio), nil
}

// itemFactor returns math.MaxInt for the ratio when no consumable input exists.
// ok is false when any input, catalysts included, has no pool entry at all.
func itemFactor(inputs []catalogs.ItemInput, items *pool.Items, multiplicity int) (ratio int, matched, ok bool) {
	ratio = math.MaxInt
	for _, in := range inputs {
		var e catalogs.ItemStack
		found := false
		if items != nil {
			e, found = items.Match(in.Ingredient)
		}
		if !found {
			return 0, false, false
		}
		if in.Count == 0 {
			continue
		}
		matched = true
		ratio = min(ratio, min(e.Count/in.Count, multiplicity))
	}
	return ratio, matched, true
}

func fluidFactor(inputs []catalogs.FluidStack, fluids pool.Fluids, multiplicity int) (int, bool) {
	ratio := math.MaxInt
	matched := false
	for _, in := range inputs {
		if in.Amount <= 0 {
			continue
		}
		matched = true
		ratio = min(ratio, min(fluids[in.Fluid]/in.Amount, multiplicity))
	}
	return ratio, matched
}

// Matches reports whether the pool can run t at least once without computing
// the full factor. It never errors: a template with no inputs does not match.
func Matches(t catalogs.Template, items *pool.Items, fluids pool.Fluids) bool {
	f, err := Solve(t, items, fluids, 1)
	return err == nil && f >= 1
}

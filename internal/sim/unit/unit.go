// Package unit derives a processing unit's signature from the item installed in
// a controller's unit slot.
package unit

import (
	"fmt"
	"strings"

	"procarray.ai/internal/sim/catalogs"
	"procarray.ai/internal/sim/tuning"
)

// Signature identifies what an installed unit can run and how many copies of it.
type Signature struct {
	Family       string `json:"family"`
	Tier         int    `json:"tier"`
	Multiplicity int    `json:"multiplicity"`
}

func (s Signature) String() string {
	return fmt.Sprintf("%s/t%d x%d", s.Family, s.Tier, s.Multiplicity)
}

var familyExceptions = map[string]string{
	"electric_furnace": "furnace",
	"ore_washer":       "orewasher",
	"brewery":          "brewer",
}

var tierPrefixes = []string{"ulv_", "lv_", "mv_", "hv_", "ev_", "iv_", "luv_", "zpm_", "uv_", "uhv_"}

// Resolver maps installed items to signatures against one catalog.
type Resolver struct {
	catalog *catalogs.Catalog
	tuning  tuning.Tuning
}

func NewResolver(c *catalogs.Catalog, t tuning.Tuning) *Resolver {
	return &Resolver{catalog: c, tuning: t}
}

// NormalizeFamily turns a raw item id such as "gregtech:hv_electric_furnace.mk2"
// into a process family name.
func (r *Resolver) NormalizeFamily(raw string) string {
	name := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.LastIndexByte(name, ':'); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}
	for _, p := range tierPrefixes {
		if strings.HasPrefix(name, p) && len(name) > len(p) {
			name = name[len(p):]
			break
		}
	}
	if alias, ok := r.tuning.FamilyAliases[name]; ok {
		return alias
	}
	if strings.Contains(name, "cutter") {
		return "cutting_saw"
	}
	if fam, ok := familyExceptions[name]; ok {
		return fam
	}
	return name
}

// Resolve returns the signature for the slot contents, or false when the item
// cannot act as a processing unit.
func (r *Resolver) Resolve(stack catalogs.ItemStack, present bool) (Signature, bool) {
	if !present || stack.IsEmpty() {
		return Signature{}, false
	}
	family := r.NormalizeFamily(stack.Item)
	if r.tuning.Excluded(family) {
		return Signature{}, false
	}
	def, ok := r.catalog.Family(family)
	if !ok || len(r.catalog.FindTemplates(family)) == 0 {
		return Signature{}, false
	}
	if !def.Builder.Parallelizable() {
		return Signature{}, false
	}
	if stack.Tier == nil || *stack.Tier < 0 {
		return Signature{}, false
	}
	return Signature{
		Family:       family,
		Tier:         *stack.Tier,
		Multiplicity: min(r.tuning.MaxParallel, stack.Count),
	}, true
}

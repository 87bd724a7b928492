package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	// MaxParallel caps the unit multiplicity regardless of stack size.
	MaxParallel int `yaml:"max_parallel"`

	// ExcludedFamilies can never be installed as a processing unit.
	ExcludedFamilies []string `yaml:"excluded_families"`

	// FamilyAliases extends the built-in name normalization table.
	FamilyAliases map[string]string `yaml:"family_aliases"`

	ChanceOutputs ChanceOutputs `yaml:"chance_outputs"`

	DistinctByDefault bool `yaml:"distinct_by_default"`
}

// ChanceOutputs suppresses chanced extras for slot-poor families below MinTier.
type ChanceOutputs struct {
	SlotPoorFamilies []string `yaml:"slot_poor_families"`
	MinTier          int      `yaml:"min_tier"`
}

func Default() Tuning {
	t := Tuning{}
	t.applyDefaults()
	return t
}

func (t *Tuning) applyDefaults() {
	if t.MaxParallel <= 0 {
		t.MaxParallel = 16
	}
	if t.ChanceOutputs.SlotPoorFamilies == nil {
		t.ChanceOutputs.SlotPoorFamilies = []string{"macerator", "orewasher", "thermal_centrifuge"}
	}
	if t.ChanceOutputs.MinTier <= 0 {
		t.ChanceOutputs.MinTier = 2
	}
}

func (t Tuning) Excluded(family string) bool {
	for _, f := range t.ExcludedFamilies {
		if f == family {
			return true
		}
	}
	return false
}

// SuppressChance reports whether chance outputs must be dropped for family at tier.
func (t Tuning) SuppressChance(family string, tier int) bool {
	if tier >= t.ChanceOutputs.MinTier {
		return false
	}
	for _, f := range t.ChanceOutputs.SlotPoorFamilies {
		if f == family {
			return true
		}
	}
	return false
}

func Load(path string) (Tuning, error) {
	var t Tuning
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.applyDefaults()
	return t, nil
}

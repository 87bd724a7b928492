package catalogs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

var ErrUnknownFamily = errors.New("unknown process family")

// Template is an immutable recipe definition. EUt is signed: negative values
// mark net energy producers.
type Template struct {
	ID            string         `json:"id"`
	Family        string         `json:"family"`
	Inputs        []ItemInput    `json:"inputs,omitempty"`
	FluidInputs   []FluidStack   `json:"fluid_inputs,omitempty"`
	Outputs       []ItemStack    `json:"outputs,omitempty"`
	ChanceOutputs []ChanceOutput `json:"chance_outputs,omitempty"`
	FluidOutputs  []FluidStack   `json:"fluid_outputs,omitempty"`
	EUt           int64          `json:"eut"`
	Duration      int            `json:"duration"`
	MinTier       int            `json:"min_tier,omitempty"`
}

func (t Template) IsGenerator() bool { return t.EUt < 0 }

func (t Template) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("recipe: empty id")
	}
	if t.Duration <= 0 {
		return fmt.Errorf("recipe %s: duration must be > 0", t.ID)
	}
	for _, in := range t.Inputs {
		if in.Count < 0 {
			return fmt.Errorf("recipe %s: negative count for %s", t.ID, in.Ingredient)
		}
	}
	for _, f := range t.FluidInputs {
		if f.Amount <= 0 {
			return fmt.Errorf("recipe %s: fluid %s amount must be > 0", t.ID, f.Fluid)
		}
	}
	for _, o := range t.Outputs {
		if o.Count <= 0 {
			return fmt.Errorf("recipe %s: output %s count must be > 0", t.ID, o.Item)
		}
	}
	return nil
}

type FamilyDef struct {
	Family  string      `json:"family"`
	Builder BuilderKind `json:"builder"`
}

// Catalog maps process families to their recipe templates, in file order.
type Catalog struct {
	Families map[string]FamilyDef
	ByFamily map[string][]Template

	FamiliesDigest string
	RecipesDigest  string
}

// New builds a catalog from in-memory definitions.
func New(families []FamilyDef, templates []Template) (*Catalog, error) {
	c := &Catalog{
		Families: map[string]FamilyDef{},
		ByFamily: map[string][]Template{},
	}
	for _, f := range families {
		if f.Family == "" {
			return nil, fmt.Errorf("families: empty family")
		}
		if _, dup := c.Families[f.Family]; dup {
			return nil, fmt.Errorf("families: duplicate family %q", f.Family)
		}
		c.Families[f.Family] = f
	}
	seen := map[string]bool{}
	for _, t := range templates {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("recipe %s: duplicate id", t.ID)
		}
		seen[t.ID] = true
		if _, ok := c.Families[t.Family]; !ok {
			return nil, fmt.Errorf("recipe %s: %w %q", t.ID, ErrUnknownFamily, t.Family)
		}
		c.ByFamily[t.Family] = append(c.ByFamily[t.Family], t)
	}
	return c, nil
}

// Load reads families.json and recipes.json from configDir.
func Load(configDir string) (*Catalog, error) {
	sc, err := compileSchemas()
	if err != nil {
		return nil, err
	}

	famRaw, err := os.ReadFile(filepath.Join(configDir, "families.json"))
	if err != nil {
		return nil, err
	}
	if err := validateRaw(sc.families, "families.json", famRaw); err != nil {
		return nil, err
	}
	var fams []FamilyDef
	if err := json.Unmarshal(famRaw, &fams); err != nil {
		return nil, fmt.Errorf("families.json: %w", err)
	}

	recRaw, err := os.ReadFile(filepath.Join(configDir, "recipes.json"))
	if err != nil {
		return nil, err
	}
	if err := validateRaw(sc.recipes, "recipes.json", recRaw); err != nil {
		return nil, err
	}
	var recs []Template
	if err := json.Unmarshal(recRaw, &recs); err != nil {
		return nil, fmt.Errorf("recipes.json: %w", err)
	}

	c, err := New(fams, recs)
	if err != nil {
		return nil, err
	}
	c.FamiliesDigest = sha256Hex(famRaw)
	c.RecipesDigest = sha256Hex(recRaw)
	return c, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// FindTemplates returns the family's templates in catalog order.
func (c *Catalog) FindTemplates(family string) []Template {
	if c == nil {
		return nil
	}
	return c.ByFamily[family]
}

func (c *Catalog) Family(family string) (FamilyDef, bool) {
	if c == nil {
		return FamilyDef{}, false
	}
	f, ok := c.Families[family]
	return f, ok
}

// FamilyNames returns the registered families sorted by name.
func (c *Catalog) FamilyNames() []string {
	out := make([]string, 0, len(c.Families))
	for f := range c.Families {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Package scenario describes controllers, their hatches and a timeline of
// external events in YAML, and builds runnable controllers from it.
package scenario

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"procarray.ai/internal/sim/catalogs"
	"procarray.ai/internal/sim/controller"
	"procarray.ai/internal/sim/engine"
	"procarray.ai/internal/sim/storage"
)

type Scenario struct {
	Name        string           `yaml:"name"`
	Controllers []ControllerSpec `yaml:"controllers"`
}

type ControllerSpec struct {
	ID       string              `yaml:"id"`
	Distinct *bool               `yaml:"distinct,omitempty"`
	Unit     *catalogs.ItemStack `yaml:"unit,omitempty"`
	Buses    []BusSpec           `yaml:"buses"`
	Tanks    []TankSpec          `yaml:"tanks,omitempty"`
	Output   OutputSpec          `yaml:"output"`
	Energy   EnergySpec          `yaml:"energy"`

	Feeds  []Feed  `yaml:"feeds,omitempty"`
	Events []Event `yaml:"events,omitempty"`
}

type BusSpec struct {
	ID       string               `yaml:"id"`
	Slots    int                  `yaml:"slots"`
	Contents []catalogs.ItemStack `yaml:"contents,omitempty"`
}

type TankSpec struct {
	ID       string `yaml:"id"`
	Capacity int    `yaml:"capacity"`
	Fluid    string `yaml:"fluid,omitempty"`
	Amount   int    `yaml:"amount,omitempty"`
}

type OutputSpec struct {
	Slots         int `yaml:"slots"`
	Tanks         int `yaml:"tanks"`
	TankCapacity  int `yaml:"tank_capacity"`
	DrainEvery    int `yaml:"drain_every,omitempty"`
	DrainPerCycle int `yaml:"drain_per_cycle,omitempty"`
}

type EnergySpec struct {
	Stored   int64 `yaml:"stored"`
	Capacity int64 `yaml:"capacity"`

	// Supply is added to the buffer every tick before the controller runs.
	Supply int64 `yaml:"supply,omitempty"`
}

// Feed restocks an input every Every ticks, starting at tick Every.
type Feed struct {
	Every  uint64 `yaml:"every"`
	Bus    string `yaml:"bus,omitempty"`
	Item   string `yaml:"item,omitempty"`
	Count  int    `yaml:"count,omitempty"`
	Tank   string `yaml:"tank,omitempty"`
	Fluid  string `yaml:"fluid,omitempty"`
	Amount int    `yaml:"amount,omitempty"`
}

type Action string

const (
	ActionInvalidate     Action = "invalidate"
	ActionForm           Action = "form"
	ActionInstallUnit    Action = "install_unit"
	ActionRemoveUnit     Action = "remove_unit"
	ActionToggleDistinct Action = "toggle_distinct"
	ActionPut            Action = "put"
	ActionFill           Action = "fill"
)

// Event is a one-off change applied at the start of tick Tick.
type Event struct {
	Tick   uint64              `yaml:"tick"`
	Action Action              `yaml:"action"`
	Unit   *catalogs.ItemStack `yaml:"unit,omitempty"`
	Bus    string              `yaml:"bus,omitempty"`
	Item   string              `yaml:"item,omitempty"`
	Count  int                 `yaml:"count,omitempty"`
	Tank   string              `yaml:"tank,omitempty"`
	Fluid  string              `yaml:"fluid,omitempty"`
	Amount int                 `yaml:"amount,omitempty"`
}

func Load(path string) (Scenario, error) {
	var s Scenario
	if strings.TrimSpace(path) == "" {
		return s, fmt.Errorf("scenario: empty path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := yaml.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("scenario %s: %w", path, err)
	}
	s.Normalize()
	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("scenario %s: %w", path, err)
	}
	return s, nil
}

func (s *Scenario) Normalize() {
	for i := range s.Controllers {
		c := &s.Controllers[i]
		for j := range c.Buses {
			if c.Buses[j].ID == "" {
				c.Buses[j].ID = fmt.Sprintf("in%d", j)
			}
			if c.Buses[j].Slots <= 0 {
				c.Buses[j].Slots = 16
			}
		}
		for j := range c.Tanks {
			if c.Tanks[j].ID == "" {
				c.Tanks[j].ID = fmt.Sprintf("tank%d", j)
			}
		}
		if c.Output.Slots <= 0 {
			c.Output.Slots = 16
		}
		if c.Output.TankCapacity <= 0 {
			c.Output.TankCapacity = 16000
		}
	}
}

func (s Scenario) Validate() error {
	if len(s.Controllers) == 0 {
		return fmt.Errorf("no controllers")
	}
	ids := map[string]bool{}
	for _, c := range s.Controllers {
		if strings.TrimSpace(c.ID) == "" {
			return fmt.Errorf("controller with empty id")
		}
		if ids[c.ID] {
			return fmt.Errorf("duplicate controller id %q", c.ID)
		}
		ids[c.ID] = true
		if err := c.validate(); err != nil {
			return fmt.Errorf("controller %s: %w", c.ID, err)
		}
	}
	return nil
}

func (c ControllerSpec) validate() error {
	buses := map[string]bool{}
	for _, b := range c.Buses {
		if buses[b.ID] {
			return fmt.Errorf("duplicate bus %q", b.ID)
		}
		buses[b.ID] = true
	}
	tanks := map[string]bool{}
	for _, t := range c.Tanks {
		if tanks[t.ID] {
			return fmt.Errorf("duplicate tank %q", t.ID)
		}
		if t.Capacity <= 0 {
			return fmt.Errorf("tank %s: capacity must be > 0", t.ID)
		}
		tanks[t.ID] = true
	}
	if c.Energy.Capacity < 0 || c.Energy.Stored < 0 {
		return fmt.Errorf("energy: negative values")
	}
	for i, f := range c.Feeds {
		if f.Every == 0 {
			return fmt.Errorf("feed %d: every must be > 0", i)
		}
		if err := checkTarget(f.Bus, f.Item, f.Tank, f.Fluid, buses, tanks); err != nil {
			return fmt.Errorf("feed %d: %w", i, err)
		}
	}
	for i, e := range c.Events {
		switch e.Action {
		case ActionInvalidate, ActionForm, ActionRemoveUnit, ActionToggleDistinct:
		case ActionInstallUnit:
			if e.Unit == nil || e.Unit.IsEmpty() {
				return fmt.Errorf("event %d: install_unit needs a unit", i)
			}
		case ActionPut:
			if !buses[e.Bus] || e.Item == "" {
				return fmt.Errorf("event %d: put needs a known bus and an item", i)
			}
		case ActionFill:
			if !tanks[e.Tank] || e.Fluid == "" {
				return fmt.Errorf("event %d: fill needs a known tank and a fluid", i)
			}
		default:
			return fmt.Errorf("event %d: unknown action %q", i, e.Action)
		}
	}
	return nil
}

func checkTarget(bus, item, tank, fluid string, buses, tanks map[string]bool) error {
	switch {
	case bus != "":
		if !buses[bus] || item == "" {
			return fmt.Errorf("unknown bus %q or empty item", bus)
		}
	case tank != "":
		if !tanks[tank] || fluid == "" {
			return fmt.Errorf("unknown tank %q or empty fluid", tank)
		}
	default:
		return fmt.Errorf("needs a bus or a tank")
	}
	return nil
}

// Build wires a controller for spec against eng. distinctDefault applies when
// the controller does not set distinct mode.
func Build(spec ControllerSpec, eng *engine.Engine, distinctDefault bool) *controller.Controller {
	buses := make([]*storage.Bus, 0, len(spec.Buses))
	for _, b := range spec.Buses {
		bus := storage.NewBus(b.ID, b.Slots)
		for _, s := range b.Contents {
			bus.Put(s)
		}
		buses = append(buses, bus)
	}
	tanks := make([]*storage.Tank, 0, len(spec.Tanks))
	for _, t := range spec.Tanks {
		tank := storage.NewTank(t.ID, t.Capacity)
		if t.Fluid != "" && t.Amount > 0 {
			tank.Fill(catalogs.FluidStack{Fluid: t.Fluid, Amount: t.Amount})
		}
		tanks = append(tanks, tank)
	}
	h := storage.NewHatches(buses, tanks,
		storage.NewOutputBus(spec.Output.Slots),
		storage.NewOutputHatch(spec.Output.Tanks, spec.Output.TankCapacity))
	h.Notified()

	distinct := distinctDefault
	if spec.Distinct != nil {
		distinct = *spec.Distinct
	}
	c := controller.New(spec.ID, eng, h, storage.NewEnergyBuffer(spec.Energy.Stored, spec.Energy.Capacity), distinct)
	if spec.Unit != nil {
		c.Slot().Install(*spec.Unit)
	}
	return c
}

// Apply performs everything scheduled for tick on c: energy supply, feeds,
// events and output draining, in that order.
func (spec ControllerSpec) Apply(tick uint64, c *controller.Controller) {
	if spec.Energy.Supply > 0 {
		c.Energy().Add(spec.Energy.Supply)
	}
	h := c.Hatches()
	for _, f := range spec.Feeds {
		if tick == 0 || tick%f.Every != 0 {
			continue
		}
		put(h, f.Bus, f.Item, f.Count, f.Tank, f.Fluid, f.Amount)
	}
	for _, e := range spec.Events {
		if e.Tick == tick {
			e.ApplyTo(c)
		}
	}
	if o := spec.Output; o.DrainEvery > 0 && tick > 0 && tick%uint64(o.DrainEvery) == 0 {
		drain(h.Output(), o.DrainPerCycle)
	}
}

// ApplyTo performs e on c, ignoring e.Tick.
func (e Event) ApplyTo(c *controller.Controller) {
	switch e.Action {
	case ActionInvalidate:
		c.Invalidate()
	case ActionForm:
		c.Form()
	case ActionInstallUnit:
		if e.Unit != nil {
			c.Slot().Install(*e.Unit)
		}
	case ActionRemoveUnit:
		c.Slot().Remove()
	case ActionToggleDistinct:
		c.ToggleDistinct()
	case ActionPut, ActionFill:
		put(c.Hatches(), e.Bus, e.Item, e.Count, e.Tank, e.Fluid, e.Amount)
	}
}

// ValidCommand reports whether a is an action operators may send at run time.
func ValidCommand(a Action) bool {
	switch a {
	case ActionInvalidate, ActionForm, ActionInstallUnit, ActionRemoveUnit, ActionToggleDistinct:
		return true
	}
	return false
}

func put(h *storage.Hatches, bus, item string, count int, tank, fluid string, amount int) {
	if b := h.Bus(bus); b != nil && item != "" {
		b.Put(catalogs.ItemStack{Item: item, Count: count})
	}
	if tank == "" {
		return
	}
	for _, t := range h.Tanks() {
		if t.ID() == tank {
			t.Fill(catalogs.FluidStack{Fluid: fluid, Amount: amount})
		}
	}
}

// drain empties up to n items from the output bus, or everything when n <= 0.
func drain(out *storage.OutputBus, n int) {
	limited := n > 0
	for _, s := range out.Stacks() {
		if s.IsEmpty() {
			continue
		}
		take := s.Count
		if limited {
			if n == 0 {
				return
			}
			take = min(take, n)
			n -= take
		}
		out.Extract(s.Item, take)
	}
}

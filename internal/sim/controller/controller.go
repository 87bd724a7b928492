// Package controller composes a processing-array controller: the unit slot,
// its hatches, its energy buffer and the allocation engine state.
package controller

import (
	"procarray.ai/internal/sim/catalogs"
	"procarray.ai/internal/sim/engine"
	"procarray.ai/internal/sim/storage"
	"procarray.ai/internal/sim/unit"
)

// Slot is the unit-holder slot. It holds at most one stack.
type Slot struct {
	stack   catalogs.ItemStack
	present bool
}

func (s *Slot) Contents() (catalogs.ItemStack, bool) {
	if !s.present {
		return catalogs.ItemStack{}, false
	}
	return s.stack.WithCount(s.stack.Count), true
}

func (s *Slot) Install(stack catalogs.ItemStack) {
	if stack.IsEmpty() {
		s.Remove()
		return
	}
	s.stack = stack.WithCount(stack.Count)
	s.present = true
}

func (s *Slot) Remove() (catalogs.ItemStack, bool) {
	old, ok := s.stack, s.present
	s.stack = catalogs.ItemStack{}
	s.present = false
	return old, ok
}

type Controller struct {
	id     string
	eng    *engine.Engine
	state  *engine.State
	slot   *Slot
	io     *storage.Hatches
	energy *storage.EnergyBuffer
	formed bool
}

func New(id string, eng *engine.Engine, io *storage.Hatches, energy *storage.EnergyBuffer, distinct bool) *Controller {
	return &Controller{
		id:     id,
		eng:    eng,
		state:  engine.NewState(distinct),
		slot:   &Slot{},
		io:     io,
		energy: energy,
		formed: true,
	}
}

func (c *Controller) ID() string                    { return c.id }
func (c *Controller) Slot() *Slot                   { return c.slot }
func (c *Controller) Hatches() *storage.Hatches     { return c.io }
func (c *Controller) Energy() *storage.EnergyBuffer { return c.energy }
func (c *Controller) State() *engine.State          { return c.state }
func (c *Controller) Formed() bool                  { return c.formed }

func (c *Controller) env() engine.Env {
	return engine.Env{Slot: c.slot, Storage: c.io, Energy: c.energy}
}

// Tick runs one engine step. A broken structure does nothing; its run, if any,
// waits for Form.
func (c *Controller) Tick() engine.RunState {
	if !c.formed {
		return c.state.Run
	}
	return c.eng.Tick(c.state, c.env())
}

func (c *Controller) ToggleDistinct() bool { return c.state.ToggleDistinct() }

// Invalidate marks the structure broken. The process cache goes with it; the
// active run is kept for Form to reconcile.
func (c *Controller) Invalidate() {
	if !c.formed {
		return
	}
	c.formed = false
	c.state.ResetProcessCache()
}

// Form marks the structure valid again and reconciles the active run against
// the unit now installed. It returns false when the run had to be aborted.
func (c *Controller) Form() bool {
	if c.formed {
		return true
	}
	c.formed = true
	return c.eng.Reconcile(c.state, c.slot)
}

func (c *Controller) Persisted() engine.Persisted { return c.state.Persist() }

func (c *Controller) Restore(p engine.Persisted) { c.state = engine.RestoreState(p) }

// Status is a point-in-time view of a controller for logs and observers.
type Status struct {
	ID            string              `json:"id"`
	Formed        bool                `json:"formed"`
	Run           engine.RunState     `json:"run"`
	Jam           engine.JamReason    `json:"jam,omitempty"`
	Blocked       engine.BlockReason  `json:"blocked,omitempty"`
	Distinct      bool                `json:"distinct"`
	PowerShortage bool                `json:"power_shortage,omitempty"`
	Unit          *unit.Signature     `json:"unit,omitempty"`
	Snapshot      *engine.RunSnapshot `json:"snapshot,omitempty"`
	Recipe        string              `json:"recipe,omitempty"`
	Progress      int                 `json:"progress,omitempty"`
	Duration      int                 `json:"duration,omitempty"`
	EUt           int64               `json:"eut,omitempty"`
	Invalid       int                 `json:"invalid_sources,omitempty"`
	EnergyStored  int64               `json:"energy_stored"`
	EnergyCap     int64               `json:"energy_capacity"`
}

func (c *Controller) Status() Status {
	s := Status{
		ID:            c.id,
		Formed:        c.formed,
		Run:           c.state.Run,
		Jam:           c.state.Jam,
		Blocked:       c.state.Blocked,
		Distinct:      c.state.Distinct,
		PowerShortage: c.state.PowerShortage,
		Invalid:       len(c.state.Invalid),
	}
	if c.state.Signature != nil {
		sig := *c.state.Signature
		s.Unit = &sig
	}
	if run := c.state.Active; run != nil {
		snap := run.Snapshot
		s.Snapshot = &snap
		s.Recipe = run.Recipe.TemplateID
		s.Progress = run.Progress
		s.Duration = run.Duration
		s.EUt = run.EUt * int64(run.Recipe.Multiplier)
	}
	if c.energy != nil {
		s.EnergyStored = c.energy.Stored()
		s.EnergyCap = c.energy.Capacity()
	}
	return s
}

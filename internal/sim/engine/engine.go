// Package engine runs a processing unit's recipes at the largest parallel
// multiple the installed unit and the controller's hatches allow. It is driven
// by one Tick call per simulation step and never blocks.
package engine

import (
	"math/rand/v2"

	"procarray.ai/internal/logger"
	"procarray.ai/internal/metrics"
	"procarray.ai/internal/sim/catalogs"
	"procarray.ai/internal/sim/overclock"
	"procarray.ai/internal/sim/pool"
	"procarray.ai/internal/sim/tuning"
	"procarray.ai/internal/sim/unit"
)

// ProcessSlot is the unit-holder slot of a controller.
type ProcessSlot interface {
	Contents() (catalogs.ItemStack, bool)
}

// Storage is the controller's I/O surface. Consume and Insert calls are
// all-or-nothing; simulate only reports whether the call would succeed.
type Storage interface {
	ItemSources() []pool.ItemSource
	FluidSources() []pool.FluidSource
	ConsumeItems(ids []string, inputs []catalogs.ItemInput, simulate bool) bool
	ConsumeFluids(fluids []catalogs.FluidStack, simulate bool) bool
	InsertItems(items []catalogs.ItemStack, simulate bool) bool
	InsertFluids(fluids []catalogs.FluidStack, simulate bool) bool
	// Notified drains the sources changed externally since the last call.
	Notified() []pool.Change
}

type EnergyBuffer interface {
	Stored() int64
	Capacity() int64
	Add(n int64) int64
	Remove(n int64) bool
}

// OverclockFunc maps a recipe's base rate and duration to what a unit of the
// given tier actually runs at.
type OverclockFunc func(baseRate int64, unitTier, baseDuration int) (int64, int)

// Env bundles the collaborators of one controller for a tick.
type Env struct {
	Slot    ProcessSlot
	Storage Storage
	Energy  EnergyBuffer
}

type Engine struct {
	catalog   *catalogs.Catalog
	tuning    tuning.Tuning
	resolver  *unit.Resolver
	overclock OverclockFunc
	rng       *rand.Rand
	log       logger.Logger
	metrics   metrics.Sink
}

type Option func(*Engine)

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithMetrics(m metrics.Sink) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithRand sets the source for chance-output rolls.
func WithRand(r *rand.Rand) Option {
	return func(e *Engine) {
		if r != nil {
			e.rng = r
		}
	}
}

func WithOverclock(f OverclockFunc) Option {
	return func(e *Engine) {
		if f != nil {
			e.overclock = f
		}
	}
}

func New(c *catalogs.Catalog, t tuning.Tuning, opts ...Option) *Engine {
	e := &Engine{
		catalog:   c,
		tuning:    t,
		resolver:  unit.NewResolver(c, t),
		overclock: overclock.Compute,
		rng:       rand.New(rand.NewPCG(1, 2)),
		log:       logger.NopLogger{},
		metrics:   metrics.NopSink{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Resolver() *unit.Resolver { return e.resolver }

// Tick advances one controller by one simulation step.
func (e *Engine) Tick(st *State, env Env) RunState {
	st.Blocked = BlockNone
	e.applyChanges(st, env.Storage.Notified())
	sig, ok := e.refreshSignature(st, env.Slot)

	if st.Active != nil {
		return e.tickActive(st, env, sig, ok)
	}
	st.Jam = JamNone
	st.PowerShortage = false
	if !ok {
		st.Run = StateIdle
		return st.Run
	}
	if st.Distinct {
		return e.searchDistinct(st, env, sig)
	}
	return e.searchCombined(st, env, sig)
}

// applyChanges unsticks invalid sources. Any fluid change clears the whole set
// since fluids are shared by every item source.
func (e *Engine) applyChanges(st *State, changes []pool.Change) {
	if st.Invalid == nil {
		st.Invalid = map[string]bool{}
	}
	for _, c := range changes {
		if c.Fluid {
			clear(st.Invalid)
			continue
		}
		delete(st.Invalid, c.SourceID)
	}
}

// refreshSignature resolves the installed unit and resets the process cache
// when the signature differs from the last tick's.
func (e *Engine) refreshSignature(st *State, slot ProcessSlot) (unit.Signature, bool) {
	var sig unit.Signature
	ok := false
	if slot != nil {
		sig, ok = e.resolver.Resolve(slot.Contents())
	}
	switch {
	case !ok && st.Signature != nil:
		st.Signature = nil
		st.ResetProcessCache()
	case ok && (st.Signature == nil || *st.Signature != sig):
		s := sig
		st.Signature = &s
		st.ResetProcessCache()
	}
	return sig, ok
}

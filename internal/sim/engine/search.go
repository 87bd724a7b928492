package engine

import (
	"errors"

	"procarray.ai/internal/sim/catalogs"
	"procarray.ai/internal/sim/parallel"
	"procarray.ai/internal/sim/pool"
	"procarray.ai/internal/sim/unit"
)

type selection struct {
	recipe    parallel.Recipe
	cached    bool
	found     bool
	malformed bool
}

func (e *Engine) searchCombined(st *State, env Env, sig unit.Signature) RunState {
	items := pool.Combined(env.Storage.ItemSources())
	fluids := pool.CollectFluids(env.Storage.FluidSources())

	sel := e.selectRecipe(st, sig, items, fluids)
	if !sel.found {
		e.metrics.RecordSearchMiss(sig.Family, sel.malformed)
		st.Run = StateIdle
		return st.Run
	}
	return e.commit(st, env, sig, sel, "")
}

// searchDistinct scans one bus at a time, round-robin from the last bus that
// produced a run. Buses without a match are remembered as invalid until a
// change notification names them.
func (e *Engine) searchDistinct(st *State, env Env, sig unit.Signature) RunState {
	st.Run = StateIdle
	pools := pool.Distinct(env.Storage.ItemSources())
	if len(pools) == 0 {
		return st.Run
	}
	fluids := pool.CollectFluids(env.Storage.FluidSources())
	start := st.NextSource
	if start < 0 || start >= len(pools) {
		start = 0
	}
	for k := range len(pools) {
		i := (start + k) % len(pools)
		src := pools[i]
		if st.Invalid[src.SourceID] {
			continue
		}
		sel := e.selectRecipe(st, sig, src.Items, fluids)
		if sel.malformed {
			e.metrics.RecordSearchMiss(sig.Family, true)
			return st.Run
		}
		if !sel.found {
			st.Invalid[src.SourceID] = true
			continue
		}
		st.NextSource = i
		return e.commit(st, env, sig, sel, src.SourceID)
	}
	e.metrics.RecordSearchMiss(sig.Family, false)
	return st.Run
}

// selectRecipe reuses the cached template while it still matches the pool at
// multiplier one, keeping its cached factor. Otherwise it takes the first
// template of the family, in catalog order, that the unit can run and the pool
// can feed at least once.
func (e *Engine) selectRecipe(st *State, sig unit.Signature, items *pool.Items, fluids pool.Fluids) selection {
	if p := st.Previous; p != nil && p.Template.Family == sig.Family && parallel.Matches(p.Template, items, fluids) {
		return selection{recipe: e.scale(p.Template, min(p.Factor, sig.Multiplicity), sig), cached: true, found: true}
	}
	for _, t := range e.catalog.FindTemplates(sig.Family) {
		if parallel.RequiredTier(t) > sig.Tier {
			continue
		}
		factor, err := parallel.Solve(t, items, fluids, sig.Multiplicity)
		if errors.Is(err, parallel.ErrNoInputs) {
			e.log.Warnf("recipe %s of %s: %v; treating as no recipe found", t.ID, t.Family, err)
			return selection{malformed: true}
		}
		if factor < 1 {
			continue
		}
		st.Previous = &Previous{Template: t, Factor: factor}
		return selection{recipe: e.scale(t, factor, sig), found: true}
	}
	return selection{}
}

func (e *Engine) scale(t catalogs.Template, factor int, sig unit.Signature) parallel.Recipe {
	return parallel.Scale(t, factor, e.tuning.SuppressChance(t.Family, sig.Tier))
}

// commit runs the feasibility gates in order (power, output space, inputs) and
// starts the batch only when all of them pass. Nothing is mutated on failure.
func (e *Engine) commit(st *State, env Env, sig unit.Signature, sel selection, sourceID string) RunState {
	rec := sel.recipe
	rate, duration := e.overclock(rec.EUt, sig.Tier, rec.Duration)
	st.Run = StateSearching

	if reason := powerGate(env.Energy, rate, duration, rec.Multiplier); reason != BlockNone {
		return e.block(st, rec, reason)
	}
	if !env.Storage.InsertItems(rec.AllItemOutputs(), true) || !env.Storage.InsertFluids(rec.FluidOutputs, true) {
		return e.block(st, rec, BlockOutputs)
	}

	var ids []string
	if sourceID != "" {
		ids = []string{sourceID}
	}
	consumed := rec.ConsumedInputs()
	if !env.Storage.ConsumeItems(ids, consumed, true) || !env.Storage.ConsumeFluids(rec.FluidInputs, true) {
		if sel.cached {
			st.Previous = nil
		}
		return e.block(st, rec, BlockInputs)
	}
	if !env.Storage.ConsumeItems(ids, consumed, false) || !env.Storage.ConsumeFluids(rec.FluidInputs, false) {
		e.log.Errorf("recipe %s: storage refused a consume it had just simulated", rec.TemplateID)
		return e.block(st, rec, BlockInputs)
	}

	st.Active = &ActiveRun{
		Snapshot: RunSnapshot{
			Family:     sig.Family,
			Tier:       min(rec.RequiredTier, sig.Tier),
			Multiplier: rec.Multiplier,
		},
		Recipe:   rec,
		SourceID: sourceID,
		Progress: 1,
		Duration: duration,
		EUt:      rate,
		UnitTier: sig.Tier,
	}
	st.Run = StateRunning
	st.Jam = JamNone
	e.metrics.RecordRunStarted(sig.Family, rec.Multiplier, sel.cached)
	e.log.Debugw("run started", map[string]any{
		"recipe":     rec.TemplateID,
		"multiplier": rec.Multiplier,
		"duration":   duration,
		"eut":        rate,
		"source":     sourceID,
		"cached":     sel.cached,
	})
	return st.Run
}

func (e *Engine) block(st *State, rec parallel.Recipe, reason BlockReason) RunState {
	st.Blocked = reason
	e.metrics.RecordBlocked(string(reason))
	e.log.Debugw("run blocked", map[string]any{"recipe": rec.TemplateID, "reason": string(reason)})
	return st.Run
}

// powerGate checks the energy buffer before a batch starts. Consumers need the
// whole batch's energy up front, or one tick's worth when the batch needs more
// than half the buffer. Producers need room for one tick's output.
func powerGate(buf EnergyBuffer, rate int64, duration, multiplier int) BlockReason {
	perTick := rate * int64(multiplier)
	total := perTick * int64(duration)
	if total >= 0 {
		required := total
		if total > buf.Capacity()/2 {
			required = perTick
		}
		if buf.Stored() < required {
			return BlockEnergy
		}
		return BlockNone
	}
	if buf.Stored()-perTick > buf.Capacity() {
		return BlockEnergyFull
	}
	return BlockNone
}

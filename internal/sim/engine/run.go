package engine

import (
	"procarray.ai/internal/sim/catalogs"
	"procarray.ai/internal/sim/parallel"
	"procarray.ai/internal/sim/unit"
)

func (e *Engine) tickActive(st *State, env Env, sig unit.Signature, ok bool) RunState {
	run := st.Active
	if run.Done {
		return e.deliver(st, env)
	}

	if !ok || !Satisfies(sig, run.Snapshot) {
		reason := JamUnitMismatch
		if !ok {
			reason = JamNoUnit
		}
		if st.Run == StateJammed && (st.Jam == JamNoUnit || st.Jam == JamUnitMismatch) {
			e.abandon(st, reason)
			return st.Run
		}
		st.Run = StateJammed
		st.Jam = reason
		e.metrics.RecordJam(run.Snapshot.Family, string(reason))
		e.log.Infof("run %s jammed: %s", run.Recipe.TemplateID, reason)
		return st.Run
	}

	st.Run = StateRunning
	st.Jam = JamNone
	perTick := run.EUt * int64(run.Recipe.Multiplier)
	switch {
	case perTick > 0:
		if !env.Energy.Remove(perTick) {
			if !st.PowerShortage {
				e.log.Debugw("power shortage", map[string]any{"recipe": run.Recipe.TemplateID, "need": perTick})
			}
			st.PowerShortage = true
			st.Blocked = BlockEnergy
			return st.Run
		}
	case perTick < 0:
		env.Energy.Add(-perTick)
	}
	st.PowerShortage = false

	run.Progress++
	if run.Progress <= run.Duration {
		return st.Run
	}
	run.Done = true
	run.Rolled = e.roll(run.Recipe, run.UnitTier)
	return e.deliver(st, env)
}

// deliver moves a finished batch into the output hatches. A full output jams
// the controller until space frees up; the rolled outputs are kept.
func (e *Engine) deliver(st *State, env Env) RunState {
	run := st.Active
	items := run.Rolled
	fluids := run.Recipe.FluidOutputs
	if !env.Storage.InsertItems(items, true) || !env.Storage.InsertFluids(fluids, true) {
		if st.Jam != JamOutputsFull {
			e.metrics.RecordJam(run.Snapshot.Family, string(JamOutputsFull))
			e.log.Infof("run %s jammed: %s", run.Recipe.TemplateID, JamOutputsFull)
		}
		st.Run = StateJammed
		st.Jam = JamOutputsFull
		return st.Run
	}
	env.Storage.InsertItems(items, false)
	env.Storage.InsertFluids(fluids, false)

	e.metrics.RecordRunCompleted(run.Snapshot.Family, run.Recipe.Multiplier)
	e.log.Debugw("run completed", map[string]any{
		"recipe":     run.Recipe.TemplateID,
		"multiplier": run.Recipe.Multiplier,
		"outputs":    len(items),
	})
	st.Active = nil
	st.Run = StateComplete
	st.Jam = JamNone
	return st.Run
}

// roll resolves chance outputs once for the whole batch.
func (e *Engine) roll(rec parallel.Recipe, unitTier int) []catalogs.ItemStack {
	out := make([]catalogs.ItemStack, 0, len(rec.Outputs)+len(rec.ChanceOutputs))
	for _, o := range rec.Outputs {
		out = append(out, o.WithCount(o.Count))
	}
	for _, c := range rec.ChanceOutputs {
		if e.rng.IntN(catalogs.ChanceScale) < parallel.ChanceFor(c, unitTier-rec.RequiredTier) {
			out = append(out, c.Stack.WithCount(c.Stack.Count))
		}
	}
	return out
}

// abandon drops a jammed run whose unit never came back. Progress is lost.
func (e *Engine) abandon(st *State, reason JamReason) {
	run := st.Active
	e.metrics.RecordRunAborted(run.Snapshot.Family, string(reason))
	e.log.Infof("run %s abandoned: %s", run.Recipe.TemplateID, reason)
	st.Active = nil
	st.Run = StateIdle
	st.Jam = JamNone
	st.PowerShortage = false
}

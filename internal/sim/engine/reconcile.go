package engine

import "procarray.ai/internal/sim/unit"

// Satisfies reports whether a unit with signature current can carry a run
// recorded as snap: same family, no lower tier, no fewer parallel copies.
func Satisfies(current unit.Signature, snap RunSnapshot) bool {
	return current.Family == snap.Family &&
		current.Tier >= snap.Tier &&
		current.Multiplicity >= snap.Multiplier
}

// Reconcile is called when the structure becomes valid again. The rebuild
// resets the process cache; an active run survives only if the unit now
// installed still satisfies its snapshot. Otherwise the run is aborted and the
// controller is left jammed until the next tick. Reconcile returns false when
// a run was aborted.
func (e *Engine) Reconcile(st *State, slot ProcessSlot) bool {
	st.ResetProcessCache()
	sig, ok := e.refreshSignature(st, slot)
	run := st.Active
	if run == nil || run.Done {
		return true
	}
	switch {
	case !ok:
		e.abort(st, JamNoUnit)
		return false
	case !Satisfies(sig, run.Snapshot):
		e.abort(st, JamUnitMismatch)
		return false
	}
	return true
}

func (e *Engine) abort(st *State, reason JamReason) {
	run := st.Active
	e.metrics.RecordRunAborted(run.Snapshot.Family, string(reason))
	e.metrics.RecordJam(run.Snapshot.Family, string(reason))
	e.log.Warnf("run %s aborted after rebuild: %s (snapshot %s/t%d x%d)",
		run.Recipe.TemplateID, reason, run.Snapshot.Family, run.Snapshot.Tier, run.Snapshot.Multiplier)
	st.Active = nil
	st.Run = StateJammed
	st.Jam = reason
	st.PowerShortage = false
}

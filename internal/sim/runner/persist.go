package runner

import (
	"fmt"
	"path/filepath"

	"procarray.ai/internal/persistence/archive"
	"procarray.ai/internal/persistence/snapshot"
	"procarray.ai/internal/sim/controller"
)

// Snapshot captures every controller: engine state, unit slot, hatch contents
// and stored energy.
func (r *Runner) Snapshot() snapshot.SnapshotV1 {
	snap := snapshot.SnapshotV1{
		Header:   snapshot.Header{Version: snapshot.Version, RunID: r.runID, Tick: r.Tick()},
		Scenario: r.scenario.Name,
	}
	if r.catalog != nil {
		snap.FamiliesDigest = r.catalog.FamiliesDigest
		snap.RecipesDigest = r.catalog.RecipesDigest
	}
	for _, c := range r.controllers {
		snap.Controllers = append(snap.Controllers, controllerSnapshot(c))
	}
	return snap
}

func controllerSnapshot(c *controller.Controller) snapshot.ControllerV1 {
	out := snapshot.ControllerV1{
		ID:           c.ID(),
		Formed:       c.Formed(),
		Engine:       c.Persisted(),
		EnergyStored: c.Energy().Stored(),
	}
	if u, ok := c.Slot().Contents(); ok {
		out.Unit = &u
	}
	h := c.Hatches()
	for _, b := range h.Buses() {
		out.Buses = append(out.Buses, snapshot.BusV1{ID: b.ID(), Slots: b.Stacks()})
	}
	for _, t := range h.Tanks() {
		tv := snapshot.TankV1{ID: t.ID()}
		if fs := t.Fluids(); len(fs) > 0 {
			tv.Fluid = fs[0]
		}
		out.Tanks = append(out.Tanks, tv)
	}
	for _, s := range h.Output().Stacks() {
		if !s.IsEmpty() {
			out.Output = append(out.Output, s)
		}
	}
	out.Fluids = h.FluidOutput().Fluids()
	return out
}

// WriteSnapshot writes <DataDir>/snapshots/<tick>.snap.zst, indexes it and
// hands it to the mirror.
func (r *Runner) WriteSnapshot() (string, error) {
	path, _, err := r.writeSnapshot()
	return path, err
}

func (r *Runner) writeSnapshot() (string, snapshot.SnapshotV1, error) {
	snap := r.Snapshot()
	if r.opts.DataDir == "" {
		return "", snap, fmt.Errorf("no data dir")
	}
	path := filepath.Join(r.opts.DataDir, "snapshots", fmt.Sprintf("%d.snap.zst", snap.Header.Tick))
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return "", snap, err
	}
	r.opts.Index.RecordSnapshot(path, snap)
	if r.opts.Mirror != nil {
		r.opts.Mirror.Enqueue(path)
	}
	return path, snap, nil
}

// archiveRun copies the final snapshot into the run archive.
func (r *Runner) archiveRun(path string, snap snapshot.SnapshotV1) {
	files, err := archive.ArchiveRun(r.opts.DataDir, path, snap)
	if err != nil {
		r.log.Errorf("archive run %s: %v", r.runID, err)
		return
	}
	if r.opts.Mirror != nil {
		for _, f := range files {
			r.opts.Mirror.Enqueue(f)
		}
	}
	r.log.Infof("archived run %s at tick %d", r.runID, snap.Header.Tick)
}

// Restore loads snap into a runner that has not ticked yet. The snapshot must
// describe the same controllers, buses and tanks as the scenario.
func (r *Runner) Restore(snap snapshot.SnapshotV1) error {
	if r.Tick() != 0 {
		return fmt.Errorf("restore after tick %d", r.Tick())
	}
	if len(snap.Controllers) != len(r.controllers) {
		return fmt.Errorf("snapshot has %d controllers, scenario %d", len(snap.Controllers), len(r.controllers))
	}
	for _, cv := range snap.Controllers {
		c := r.byID[cv.ID]
		if c == nil {
			return fmt.Errorf("snapshot controller %q not in scenario", cv.ID)
		}
		if err := restoreController(c, cv); err != nil {
			return fmt.Errorf("controller %s: %w", cv.ID, err)
		}
	}

	if snap.Header.RunID != "" {
		r.runID = snap.Header.RunID
	}
	r.tick.Store(snap.Header.Tick)
	r.prev = make([]controller.Status, len(r.controllers))
	for i, c := range r.controllers {
		r.prev[i] = c.Status()
		r.tracks[i] = batchTrack{run: c.State().Active}
		if run := c.State().Active; run != nil && uint64(run.Progress) <= snap.Header.Tick {
			r.tracks[i].started = snap.Header.Tick - uint64(run.Progress) + 1
		}
	}
	r.log.Infof("restored run %s at tick %d", r.runID, snap.Header.Tick)
	return nil
}

func restoreController(c *controller.Controller, cv snapshot.ControllerV1) error {
	if cv.Unit != nil {
		c.Slot().Install(*cv.Unit)
	} else {
		c.Slot().Remove()
	}
	c.Restore(cv.Engine)
	if !cv.Formed {
		c.Invalidate()
	}

	e := c.Energy()
	e.Remove(e.Stored())
	e.Add(cv.EnergyStored)

	h := c.Hatches()
	for _, bv := range cv.Buses {
		b := h.Bus(bv.ID)
		if b == nil {
			return fmt.Errorf("unknown bus %q", bv.ID)
		}
		b.Clear()
		for i, s := range bv.Slots {
			if !s.IsEmpty() {
				b.Set(i, s)
			}
		}
	}
	for _, tv := range cv.Tanks {
		found := false
		for _, t := range h.Tanks() {
			if t.ID() != tv.ID {
				continue
			}
			found = true
			t.Drain(t.Capacity())
			if !tv.Fluid.IsEmpty() {
				t.Fill(tv.Fluid)
			}
		}
		if !found {
			return fmt.Errorf("unknown tank %q", tv.ID)
		}
	}

	out := h.Output()
	for _, s := range out.Stacks() {
		if !s.IsEmpty() {
			out.Extract(s.Item, s.Count)
		}
	}
	if !out.Insert(cv.Output, false) {
		return fmt.Errorf("output bus too small for saved contents")
	}
	if !h.FluidOutput().Insert(cv.Fluids, false) {
		return fmt.Errorf("output hatch too small for saved contents")
	}
	h.Notified()
	return nil
}

package runner

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"procarray.ai/internal/observerproto"
	"procarray.ai/internal/persistence/archive"
	"procarray.ai/internal/persistence/indexdb"
	"procarray.ai/internal/persistence/snapshot"
	"procarray.ai/internal/sim/catalogs"
	"procarray.ai/internal/sim/engine"
	"procarray.ai/internal/sim/scenario"
	"procarray.ai/internal/sim/tuning"
	"procarray.ai/internal/transport/observer"
)

func testCatalog(t *testing.T) *catalogs.Catalog {
	t.Helper()
	cat, err := catalogs.New(
		[]catalogs.FamilyDef{{Family: "furnace", Builder: catalogs.BuilderSimple}},
		[]catalogs.Template{{
			ID:       "smelt_gold",
			Family:   "furnace",
			Inputs:   []catalogs.ItemInput{{Ingredient: catalogs.Ingredient{Item: "gold_dust"}, Count: 1}},
			Outputs:  []catalogs.ItemStack{{Item: "gold_ingot", Count: 1}},
			EUt:      2,
			Duration: 3,
		}},
	)
	require.NoError(t, err)
	return cat
}

func smelter(gold int) scenario.Scenario {
	tier := 0
	return scenario.Scenario{
		Name: "smelter",
		Controllers: []scenario.ControllerSpec{{
			ID:   "pa-1",
			Unit: &catalogs.ItemStack{Item: "electric_furnace", Count: 2, Tier: &tier},
			Buses: []scenario.BusSpec{{
				ID:       "in0",
				Slots:    4,
				Contents: []catalogs.ItemStack{{Item: "gold_dust", Count: gold}},
			}},
			Tanks:  []scenario.TankSpec{{ID: "tank0", Capacity: 1000}},
			Output: scenario.OutputSpec{Slots: 4, Tanks: 1, TankCapacity: 1000},
			Energy: scenario.EnergySpec{Stored: 1000, Capacity: 1000},
		}},
	}
}

func newRunner(t *testing.T, sc scenario.Scenario, opts Options) *Runner {
	t.Helper()
	cat := testCatalog(t)
	return New(sc, engine.New(cat, tuning.Default()), cat, opts)
}

func TestStepCompletesBatch(t *testing.T) {
	r := newRunner(t, smelter(2), Options{RunID: "run-1"})

	st := r.Step()
	require.Len(t, st, 1)
	assert.Equal(t, engine.StateRunning, st[0].Run)
	assert.Equal(t, 2, st[0].Snapshot.Multiplier)

	r.Step()
	r.Step()
	st = r.Step()
	assert.Equal(t, engine.StateComplete, st[0].Run)
	assert.Equal(t, uint64(4), r.Tick())

	c := r.Controller("pa-1")
	assert.Equal(t, 2, c.Hatches().Output().Total("gold_ingot"))
	assert.Equal(t, int64(1000-3*4), c.Energy().Stored())
}

func TestBatchesAreIndexed(t *testing.T) {
	dir := t.TempDir()
	idx, err := indexdb.OpenSQLite(filepath.Join(dir, "index.sqlite"))
	require.NoError(t, err)

	sc := smelter(2)
	sc.Controllers[0].Events = []scenario.Event{
		{Tick: 6, Action: scenario.ActionPut, Bus: "in0", Item: "gold_dust", Count: 2},
		{Tick: 7, Action: scenario.ActionInvalidate},
		{Tick: 8, Action: scenario.ActionRemoveUnit},
		{Tick: 8, Action: scenario.ActionForm},
	}
	r := newRunner(t, sc, Options{RunID: "run-1", Index: idx})
	for range 9 {
		r.Step()
	}
	require.NoError(t, idx.Close())

	idx, err = indexdb.OpenSQLite(filepath.Join(dir, "index.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	got, err := idx.Batches(context.Background(), "run-1", "pa-1")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, uint64(1), got[0].StartedTick)
	assert.Equal(t, uint64(4), got[0].EndedTick)
	assert.Equal(t, indexdb.OutcomeCompleted, got[0].Outcome)
	assert.Equal(t, "smelt_gold", got[0].Recipe)

	assert.Equal(t, uint64(6), got[1].StartedTick)
	assert.Equal(t, uint64(8), got[1].EndedTick)
	assert.Equal(t, indexdb.OutcomeAborted, got[1].Outcome)
}

func TestSubmitValidates(t *testing.T) {
	r := newRunner(t, smelter(0), Options{})
	cmd := func(ctrl, action string) observerproto.CommandMsg {
		return observerproto.CommandMsg{Type: observerproto.TypeCommand, ProtocolVersion: observerproto.Version, Controller: ctrl, Action: action}
	}
	assert.Error(t, r.Submit(cmd("nope", "form")))
	assert.Error(t, r.Submit(cmd("pa-1", "explode")))
	assert.Error(t, r.Submit(cmd("pa-1", "put")))
	assert.Error(t, r.Submit(cmd("pa-1", "install_unit")))

	require.NoError(t, r.Submit(cmd("pa-1", "toggle_distinct")))
	assert.False(t, r.Controller("pa-1").State().Distinct)
	r.Step()
	assert.True(t, r.Controller("pa-1").State().Distinct)
}

func TestSubmitQueueFull(t *testing.T) {
	r := newRunner(t, smelter(0), Options{})
	msg := observerproto.CommandMsg{Controller: "pa-1", Action: "invalidate"}
	for range cap(r.inbox) {
		require.NoError(t, r.Submit(msg))
	}
	assert.ErrorIs(t, r.Submit(msg), ErrQueueFull)
}

func TestSnapshotRestoreResumes(t *testing.T) {
	dir := t.TempDir()
	r := newRunner(t, smelter(6), Options{RunID: "run-1", DataDir: dir})
	r.Step()
	r.Step()
	r.Controller("pa-1").Hatches().Tanks()[0].Fill(catalogs.FluidStack{Fluid: "water", Amount: 300})

	path, err := r.WriteSnapshot()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "snapshots", "2.snap.zst"), path)

	snap, err := snapshot.ReadSnapshot(path)
	require.NoError(t, err)
	resumed := newRunner(t, smelter(0), Options{})
	require.NoError(t, resumed.Restore(snap))
	assert.Equal(t, "run-1", resumed.RunID())
	assert.Equal(t, uint64(2), resumed.Tick())

	c := resumed.Controller("pa-1")
	assert.Equal(t, 4, c.Hatches().Bus("in0").Total("gold_dust"))
	assert.Equal(t, 300, c.Hatches().Tanks()[0].Fluids()[0].Amount)
	require.NotNil(t, c.State().Active)
	assert.Equal(t, 2, c.State().Active.Progress)

	// Both runners finish the batch on the same tick with the same result.
	for range 2 {
		r.Step()
		resumed.Step()
	}
	assert.Equal(t, r.Controller("pa-1").Status(), c.Status())
	assert.Equal(t, 2, c.Hatches().Output().Total("gold_ingot"))
}

func TestRestoreRejectsMismatch(t *testing.T) {
	r := newRunner(t, smelter(0), Options{})
	err := r.Restore(snapshot.SnapshotV1{Controllers: []snapshot.ControllerV1{{ID: "other"}}})
	assert.Error(t, err)

	r.Step()
	assert.Error(t, r.Restore(r.Snapshot()))
}

func TestRunStopsAfterMaxTicks(t *testing.T) {
	dir := t.TempDir()
	r := newRunner(t, smelter(2), Options{DataDir: dir, SnapshotEvery: 100})
	require.NoError(t, r.Run(context.Background(), 5))
	assert.Equal(t, uint64(5), r.Tick())

	h, err := snapshot.ReadHeader(filepath.Join(dir, "snapshots", "5.snap.zst"))
	require.NoError(t, err)
	assert.Equal(t, r.RunID(), h.RunID)
}

type recordingMirror struct{ paths []string }

func (m *recordingMirror) Enqueue(p string) { m.paths = append(m.paths, p) }

func TestRunArchivesAndMirrors(t *testing.T) {
	dir := t.TempDir()
	m := &recordingMirror{}
	r := newRunner(t, smelter(2), Options{RunID: "run-9", DataDir: dir, SnapshotEvery: 2, Archive: true, Mirror: m})
	require.NoError(t, r.Run(context.Background(), 3))

	meta, err := archive.ReadMeta(dir, "run-9")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), meta.EndTick)
	assert.Equal(t, "smelter", meta.Scenario)

	assert.Equal(t, []string{
		filepath.Join(dir, "snapshots", "2.snap.zst"),
		filepath.Join(dir, "snapshots", "3.snap.zst"),
		filepath.Join(dir, "archives", "run-9", "3.snap.zst"),
		filepath.Join(dir, "archives", "run-9", "meta.json"),
	}, m.paths)
}

func TestRunStopsOnCancel(t *testing.T) {
	r := newRunner(t, smelter(2), Options{TickRateHz: 100})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := r.Run(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Positive(t, r.Tick())
}

func TestPublishesToHub(t *testing.T) {
	hub := observer.NewHub()
	r := newRunner(t, smelter(2), Options{Hub: hub})
	r.Step()
	assert.Equal(t, uint64(0), hub.Dropped())

	b := r.Bootstrap()
	assert.Equal(t, []string{"pa-1"}, b.Controllers)
	assert.Equal(t, uint64(1), b.Tick)
	assert.Equal(t, "smelter", b.Scenario)
}

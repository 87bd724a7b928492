package engine

import (
	"bytes"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"procarray.ai/internal/logger"
	"procarray.ai/internal/sim/catalogs"
	"procarray.ai/internal/sim/pool"
	"procarray.ai/internal/sim/storage"
	"procarray.ai/internal/sim/tuning"
)

type fakeSlot struct {
	stack   catalogs.ItemStack
	present bool
}

func (s *fakeSlot) Contents() (catalogs.ItemStack, bool) { return s.stack, s.present }

func tiered(item string, tier, count int) *fakeSlot {
	return &fakeSlot{stack: catalogs.ItemStack{Item: item, Count: count, Tier: &tier}, present: true}
}

// quietStorage lets a test change buses without the engine hearing about it.
type quietStorage struct {
	*storage.Hatches
	mute bool
}

func (q *quietStorage) Notified() []pool.Change {
	changes := q.Hatches.Notified()
	if q.mute {
		return nil
	}
	return changes
}

func in(item string, n int) catalogs.ItemInput {
	return catalogs.ItemInput{Ingredient: catalogs.Ingredient{Item: item}, Count: n}
}

func st(item string, n int) catalogs.ItemStack { return catalogs.ItemStack{Item: item, Count: n} }

func testCatalog(t *testing.T) *catalogs.Catalog {
	t.Helper()
	c, err := catalogs.New(
		[]catalogs.FamilyDef{
			{Family: "furnace", Builder: catalogs.BuilderSimple},
			{Family: "macerator", Builder: catalogs.BuilderSimple},
			{Family: "gas_turbine", Builder: catalogs.BuilderSimple},
			{Family: "broken", Builder: catalogs.BuilderSimple},
		},
		[]catalogs.Template{
			{
				ID:       "smelt_iron",
				Family:   "furnace",
				Inputs:   []catalogs.ItemInput{in("iron_dust", 2), in("coal", 1)},
				Outputs:  []catalogs.ItemStack{st("iron_ingot", 1)},
				EUt:      4,
				Duration: 4,
			},
			{
				ID:       "smelt_gold",
				Family:   "furnace",
				Inputs:   []catalogs.ItemInput{in("gold_dust", 1)},
				Outputs:  []catalogs.ItemStack{st("gold_ingot", 1)},
				EUt:      4,
				Duration: 4,
			},
			{
				ID:      "crush_ore",
				Family:  "macerator",
				Inputs:  []catalogs.ItemInput{in("iron_ore", 1)},
				Outputs: []catalogs.ItemStack{st("iron_dust", 2)},
				ChanceOutputs: []catalogs.ChanceOutput{
					{Stack: st("stone_dust", 1), Chance: catalogs.ChanceScale},
					{Stack: st("gem", 1), Chance: 0},
				},
				EUt:      2,
				Duration: 2,
			},
			{
				ID:          "burn_methane",
				Family:      "gas_turbine",
				FluidInputs: []catalogs.FluidStack{{Fluid: "methane", Amount: 100}},
				EUt:         -8,
				Duration:    2,
			},
			{
				ID:       "catalyst_only",
				Family:   "broken",
				Inputs:   []catalogs.ItemInput{in("circuit", 0)},
				Outputs:  []catalogs.ItemStack{st("nothing", 1)},
				EUt:      1,
				Duration: 1,
			},
		},
	)
	require.NoError(t, err)
	return c
}

func flat(rate int64, _ int, duration int) (int64, int) { return rate, duration }

type rig struct {
	eng    *Engine
	state  *State
	slot   *fakeSlot
	buses  []*storage.Bus
	tank   *storage.Tank
	store  *quietStorage
	energy *storage.EnergyBuffer
}

func newRig(t *testing.T, slot *fakeSlot, opts ...Option) *rig {
	t.Helper()
	buses := []*storage.Bus{storage.NewBus("in0", 4), storage.NewBus("in1", 4)}
	tank := storage.NewTank("tank0", 10000)
	h := storage.NewHatches(buses, []*storage.Tank{tank}, storage.NewOutputBus(4), storage.NewOutputHatch(1, 10000))
	opts = append([]Option{WithOverclock(flat)}, opts...)
	r := &rig{
		eng:    New(testCatalog(t), tuning.Default(), opts...),
		state:  NewState(false),
		slot:   slot,
		buses:  buses,
		tank:   tank,
		store:  &quietStorage{Hatches: h},
		energy: storage.NewEnergyBuffer(10000, 10000),
	}
	return r
}

func (r *rig) env() Env { return Env{Slot: r.slot, Storage: r.store, Energy: r.energy} }

func (r *rig) tick() RunState { return r.eng.Tick(r.state, r.env()) }

func (r *rig) ticks(n int) RunState {
	var s RunState
	for range n {
		s = r.tick()
	}
	return s
}

func TestCombinedSolvesScenarioFactor(t *testing.T) {
	r := newRig(t, tiered("gregtech:lv_electric_furnace", 1, 8))
	r.buses[0].Put(st("iron_dust", 64))
	r.buses[1].Put(st("coal", 10))

	require.Equal(t, StateRunning, r.tick())
	run := r.state.Active
	require.NotNil(t, run)
	assert.Equal(t, "smelt_iron", run.Recipe.TemplateID)
	assert.Equal(t, 8, run.Recipe.Multiplier)
	assert.Equal(t, 8, run.Recipe.Outputs[0].Count)
	assert.Equal(t, RunSnapshot{Family: "furnace", Tier: 0, Multiplier: 8}, run.Snapshot)
	assert.Equal(t, 1, run.Progress)
	assert.Equal(t, 48, r.buses[0].Total("iron_dust"))
	assert.Equal(t, 2, r.buses[1].Total("coal"))
	assert.Equal(t, int64(10000), r.energy.Stored(), "no drain on the commit tick")
}

func TestRunLifecycleDrainsEnergyAndDelivers(t *testing.T) {
	r := newRig(t, tiered("furnace", 1, 8))
	r.buses[0].Put(st("iron_dust", 16))
	r.buses[0].Put(st("coal", 8))

	require.Equal(t, StateRunning, r.tick())
	assert.Equal(t, StateRunning, r.ticks(3))
	assert.Equal(t, 4, r.state.Active.Progress)
	assert.Equal(t, StateComplete, r.tick())
	assert.Nil(t, r.state.Active)
	assert.Equal(t, 8, r.store.Output().Total("iron_ingot"))
	assert.Equal(t, int64(10000-4*32), r.energy.Stored())

	assert.Equal(t, StateIdle, r.tick(), "nothing left to run")
}

func TestOverclockUsesUnitTier(t *testing.T) {
	r := newRig(t, tiered("furnace", 2, 1))
	r.eng.overclock = func(rate int64, tier, duration int) (int64, int) {
		return rate * int64(tier) * 4, duration / 2
	}
	r.buses[0].Put(st("gold_dust", 1))

	require.Equal(t, StateRunning, r.tick())
	assert.Equal(t, int64(32), r.state.Active.EUt)
	assert.Equal(t, 2, r.state.Active.Duration)
	assert.Equal(t, 4, r.state.Active.Recipe.Duration, "recipe keeps its base duration")
}

func TestCommitIsAtomicWhenOutputsFull(t *testing.T) {
	r := newRig(t, tiered("furnace", 1, 8))
	r.buses[0].Put(st("gold_dust", 8))
	for range 4 {
		require.True(t, r.store.Output().Insert([]catalogs.ItemStack{st("junk", 64)}, false))
	}

	assert.Equal(t, StateSearching, r.tick())
	assert.Equal(t, BlockOutputs, r.state.Blocked)
	assert.Nil(t, r.state.Active)
	assert.Equal(t, 8, r.buses[0].Total("gold_dust"))
	assert.Equal(t, int64(10000), r.energy.Stored())
}

func TestCommitIsAtomicWhenEnergyShort(t *testing.T) {
	r := newRig(t, tiered("furnace", 1, 8))
	r.energy = storage.NewEnergyBuffer(127, 10000)
	r.buses[0].Put(st("gold_dust", 8))

	assert.Equal(t, StateSearching, r.tick())
	assert.Equal(t, BlockEnergy, r.state.Blocked)
	assert.Equal(t, 8, r.buses[0].Total("gold_dust"))

	r.energy.Add(1)
	assert.Equal(t, StateRunning, r.tick(), "whole batch energy available")
}

func TestPowerGateRules(t *testing.T) {
	cases := []struct {
		name     string
		stored   int64
		capacity int64
		rate     int64
		want     BlockReason
	}{
		{name: "small batch needs total", stored: 79, capacity: 1000, rate: 4, want: BlockEnergy},
		{name: "small batch covered", stored: 80, capacity: 1000, rate: 4, want: BlockNone},
		{name: "large batch needs one tick", stored: 40, capacity: 100, rate: 4, want: BlockNone},
		{name: "large batch short one tick", stored: 39, capacity: 100, rate: 4, want: BlockEnergy},
		{name: "producer with room", stored: 60, capacity: 100, rate: -4, want: BlockNone},
		{name: "producer would overflow", stored: 61, capacity: 100, rate: -4, want: BlockEnergyFull},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := storage.NewEnergyBuffer(tc.stored, tc.capacity)
			assert.Equal(t, tc.want, powerGate(buf, tc.rate, 2, 10))
		})
	}
}

func TestPowerShortageStallsProgress(t *testing.T) {
	r := newRig(t, tiered("furnace", 1, 1))
	r.energy = storage.NewEnergyBuffer(8, 20)
	r.buses[0].Put(st("gold_dust", 1))

	require.Equal(t, StateRunning, r.tick(), "batch needs more than half the buffer: one tick's worth is enough")
	r.ticks(2)
	assert.Equal(t, 3, r.state.Active.Progress)
	assert.Equal(t, int64(0), r.energy.Stored())

	assert.Equal(t, StateRunning, r.tick())
	assert.True(t, r.state.PowerShortage)
	assert.Equal(t, BlockEnergy, r.state.Blocked)
	assert.Equal(t, 3, r.state.Active.Progress)

	r.energy.Add(8)
	assert.Equal(t, StateRunning, r.tick())
	assert.False(t, r.state.PowerShortage)
	assert.Equal(t, StateComplete, r.tick())
}

func TestGeneratorFillsBuffer(t *testing.T) {
	r := newRig(t, tiered("gas_turbine", 1, 2))
	r.energy = storage.NewEnergyBuffer(0, 100)
	r.tank.Fill(catalogs.FluidStack{Fluid: "methane", Amount: 200})

	require.Equal(t, StateRunning, r.tick())
	assert.Equal(t, 2, r.state.Active.Recipe.Multiplier)
	assert.Empty(t, r.tank.Fluids())
	assert.Equal(t, StateRunning, r.tick())
	assert.Equal(t, int64(16), r.energy.Stored())
	assert.Equal(t, StateComplete, r.tick())
	assert.Equal(t, int64(32), r.energy.Stored())
}

func TestGeneratorBlockedWhenBufferFull(t *testing.T) {
	r := newRig(t, tiered("gas_turbine", 1, 1))
	r.energy = storage.NewEnergyBuffer(95, 100)
	r.tank.Fill(catalogs.FluidStack{Fluid: "methane", Amount: 100})

	assert.Equal(t, StateSearching, r.tick())
	assert.Equal(t, BlockEnergyFull, r.state.Blocked)
	assert.Equal(t, 100, r.tank.Fluids()[0].Amount)
}

func TestNoAvailableInputIsNoRecipe(t *testing.T) {
	r := newRig(t, tiered("furnace", 1, 8))
	r.buses[0].Put(st("coal", 10))

	assert.Equal(t, StateIdle, r.tick())
	assert.Nil(t, r.state.Active)
	assert.Nil(t, r.state.Previous)
	assert.Equal(t, 10, r.buses[0].Total("coal"))
}

func TestMalformedTemplateLoggedAsNoRecipe(t *testing.T) {
	var buf bytes.Buffer
	r := newRig(t, tiered("broken", 1, 1), WithLogger(logger.NewWithWriter("engine", &buf, "warn")))
	r.buses[0].Put(st("circuit", 1))

	assert.Equal(t, StateIdle, r.tick())
	assert.Nil(t, r.state.Active)
	assert.Contains(t, buf.String(), "catalyst_only")
	assert.Equal(t, 1, r.buses[0].Total("circuit"))
}

func TestUnitWithoutSignatureStaysIdle(t *testing.T) {
	r := newRig(t, &fakeSlot{stack: st("furnace", 1), present: true})
	r.buses[0].Put(st("gold_dust", 1))
	assert.Equal(t, StateIdle, r.tick(), "untiered unit")

	r.slot = tiered("assembly_line", 3, 1)
	assert.Equal(t, StateIdle, r.tick(), "unregistered family")
	assert.Nil(t, r.state.Signature)
}

func TestTemplatesAboveUnitTierAreSkipped(t *testing.T) {
	r := newRig(t, tiered("furnace", 0, 1))
	r.eng.catalog.ByFamily["furnace"][1].MinTier = 2
	r.buses[0].Put(st("gold_dust", 1))

	assert.Equal(t, StateIdle, r.tick())
}

func TestStickyCacheKeepsFactorUntilCommitFails(t *testing.T) {
	r := newRig(t, tiered("furnace", 1, 8))
	r.buses[0].Put(st("iron_dust", 20))
	r.buses[1].Put(st("coal", 10))

	require.Equal(t, StateRunning, r.tick())
	require.Equal(t, 8, r.state.Active.Recipe.Multiplier)
	require.Equal(t, StateComplete, r.ticks(4))
	require.NotNil(t, r.state.Previous)
	assert.Equal(t, 8, r.state.Previous.Factor)

	// 4 dust and 2 coal left: the cached template still matches at one, so
	// it is reused at its cached factor, which the pool cannot cover.
	assert.Equal(t, StateSearching, r.tick())
	assert.Equal(t, BlockInputs, r.state.Blocked)
	assert.Nil(t, r.state.Previous, "failed cached commit drops the cache")
	assert.Equal(t, 4, r.buses[0].Total("iron_dust"))

	require.Equal(t, StateRunning, r.tick())
	assert.Equal(t, 2, r.state.Active.Recipe.Multiplier)
}

func TestStickyCacheReusedWhileItCommits(t *testing.T) {
	r := newRig(t, tiered("furnace", 1, 4))
	r.buses[0].Put(st("gold_dust", 64))

	require.Equal(t, StateRunning, r.tick())
	prev := r.state.Previous
	require.NotNil(t, prev)
	require.Equal(t, StateComplete, r.ticks(4))
	require.Equal(t, StateRunning, r.tick())
	assert.Same(t, prev, r.state.Previous)
	assert.Equal(t, 4, r.state.Active.Recipe.Multiplier)
}

func TestCacheNotReusedWhenNoLongerMatching(t *testing.T) {
	r := newRig(t, tiered("furnace", 1, 8))
	r.buses[0].Put(st("iron_dust", 2))
	r.buses[0].Put(st("coal", 1))

	require.Equal(t, StateRunning, r.tick())
	require.Equal(t, StateComplete, r.ticks(4))
	require.Equal(t, "smelt_iron", r.state.Previous.Template.ID)

	r.buses[1].Put(st("gold_dust", 3))
	require.Equal(t, StateRunning, r.tick())
	assert.Equal(t, "smelt_gold", r.state.Active.Recipe.TemplateID)
	assert.Equal(t, 3, r.state.Active.Recipe.Multiplier)
	assert.Equal(t, "smelt_gold", r.state.Previous.Template.ID)
}

func TestSignatureChangeClearsProcessCache(t *testing.T) {
	r := newRig(t, tiered("furnace", 1, 8))
	r.tick()
	r.state.Previous = &Previous{Template: r.eng.catalog.FindTemplates("furnace")[0], Factor: 8}
	r.state.Invalid["in0"] = true

	r.tick()
	assert.NotNil(t, r.state.Previous, "same signature keeps the cache")

	r.slot = tiered("furnace", 1, 4)
	r.tick()
	assert.Nil(t, r.state.Previous)
	assert.Empty(t, r.state.Invalid)
	require.NotNil(t, r.state.Signature)
	assert.Equal(t, 4, r.state.Signature.Multiplicity)
}

func TestChanceOutputsRolledPerBatch(t *testing.T) {
	r := newRig(t, tiered("macerator", 2, 3), WithRand(rand.New(rand.NewPCG(7, 7))))
	r.buses[0].Put(st("iron_ore", 3))

	require.Equal(t, StateRunning, r.tick())
	require.Len(t, r.state.Active.Recipe.ChanceOutputs, 2)
	assert.Equal(t, 3, r.state.Active.Recipe.ChanceOutputs[0].Stack.Count)
	require.Equal(t, StateComplete, r.ticks(2))
	assert.Equal(t, 6, r.store.Output().Total("iron_dust"))
	assert.Equal(t, 3, r.store.Output().Total("stone_dust"))
	assert.Equal(t, 0, r.store.Output().Total("gem"))
}

func TestChanceOutputsSuppressedForSlotPoorLowTier(t *testing.T) {
	r := newRig(t, tiered("macerator", 1, 1))
	r.buses[0].Put(st("iron_ore", 1))

	require.Equal(t, StateRunning, r.tick())
	assert.Empty(t, r.state.Active.Recipe.ChanceOutputs)
	require.Equal(t, StateComplete, r.ticks(2))
	assert.Equal(t, 0, r.store.Output().Total("stone_dust"))
}

func TestOutputsFullAtDeliveryJamsUntilSpace(t *testing.T) {
	r := newRig(t, tiered("furnace", 1, 1))
	r.buses[0].Put(st("gold_dust", 1))

	require.Equal(t, StateRunning, r.tick())
	for range 4 {
		require.True(t, r.store.Output().Insert([]catalogs.ItemStack{st("junk", 64)}, false))
	}
	assert.Equal(t, StateJammed, r.ticks(4))
	assert.Equal(t, JamOutputsFull, r.state.Jam)
	assert.True(t, r.state.Active.Done)

	r.slot.present = false
	assert.Equal(t, StateJammed, r.tick(), "a finished batch does not need its unit")
	assert.NotNil(t, r.state.Active)

	r.store.Output().Extract("junk", 64)
	assert.Equal(t, StateComplete, r.tick())
	assert.Equal(t, 1, r.store.Output().Total("gold_ingot"))
	assert.Equal(t, JamNone, r.state.Jam)
}

func TestMidRunMismatchJamsThenRecovers(t *testing.T) {
	r := newRig(t, tiered("furnace", 1, 8))
	r.buses[0].Put(st("gold_dust", 8))

	require.Equal(t, StateRunning, r.tick())
	r.tick()
	require.Equal(t, 2, r.state.Active.Progress)

	r.slot = tiered("furnace", 1, 4)
	assert.Equal(t, StateJammed, r.tick())
	assert.Equal(t, JamUnitMismatch, r.state.Jam)
	assert.Equal(t, 2, r.state.Active.Progress, "progress kept while jammed")

	r.slot = tiered("furnace", 2, 8)
	assert.Equal(t, StateRunning, r.tick())
	assert.Equal(t, 3, r.state.Active.Progress)
	assert.Equal(t, JamNone, r.state.Jam)
}

func TestJammedRunAbandonedWhenUnitStaysAway(t *testing.T) {
	r := newRig(t, tiered("furnace", 1, 8))
	r.buses[0].Put(st("gold_dust", 8))
	require.Equal(t, StateRunning, r.tick())

	r.slot.present = false
	assert.Equal(t, StateJammed, r.tick())
	assert.Equal(t, JamNoUnit, r.state.Jam)

	assert.Equal(t, StateIdle, r.tick())
	assert.Nil(t, r.state.Active)
	assert.Equal(t, 0, r.store.Output().Total("gold_ingot"))
}

func TestPersistRestoreContinuesRun(t *testing.T) {
	r := newRig(t, tiered("furnace", 1, 2))
	r.buses[0].Put(st("gold_dust", 2))
	require.Equal(t, StateRunning, r.tick())
	r.tick()

	p := r.state.Persist()
	require.NotNil(t, p.Active)
	assert.Equal(t, RunSnapshot{Family: "furnace", Tier: 0, Multiplier: 2}, p.Active.Snapshot)

	r.state = RestoreState(p)
	assert.Nil(t, r.state.Signature)
	assert.Equal(t, StateRunning, r.ticks(2))
	assert.Equal(t, StateComplete, r.tick())
	assert.Equal(t, 2, r.store.Output().Total("gold_ingot"))
}

func TestRestoreWithoutRunIsIdle(t *testing.T) {
	s := RestoreState(Persisted{Distinct: true, Run: StateRunning})
	assert.Equal(t, StateIdle, s.Run)
	assert.True(t, s.Distinct)
	assert.NotNil(t, s.Invalid)
}

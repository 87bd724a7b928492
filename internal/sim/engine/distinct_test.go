package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"procarray.ai/internal/sim/catalogs"
)

func TestDistinctDoesNotPoolAcrossBuses(t *testing.T) {
	r := newRig(t, tiered("furnace", 1, 8))
	r.buses[0].Put(st("iron_dust", 2))
	r.buses[1].Put(st("coal", 1))

	r.state.Distinct = true
	assert.Equal(t, StateIdle, r.tick())
	assert.True(t, r.state.Invalid["in0"])
	assert.True(t, r.state.Invalid["in1"])

	r.state.ToggleDistinct()
	assert.Equal(t, StateRunning, r.tick(), "combined pool covers both inputs")
	assert.Empty(t, r.state.Active.SourceID)
}

func TestDistinctSkipsInvalidSourcesUntilNotified(t *testing.T) {
	r := newRig(t, tiered("furnace", 1, 8))
	r.state.Distinct = true
	r.buses[0].Put(st("coal", 4))
	r.buses[1].Put(st("gold_dust", 2))

	require.Equal(t, StateRunning, r.tick())
	assert.True(t, r.state.Invalid["in0"])
	assert.Equal(t, "in1", r.state.Active.SourceID)
	assert.Equal(t, 2, r.state.Active.Recipe.Multiplier)
	assert.Equal(t, 1, r.state.NextSource)
	require.Equal(t, StateComplete, r.ticks(4))

	r.store.mute = true
	r.buses[0].Put(st("iron_dust", 4))
	assert.Equal(t, StateIdle, r.tick(), "in0 stays invalid without a notification")
	assert.Equal(t, 4, r.buses[0].Total("iron_dust"))
	assert.True(t, r.state.Invalid["in1"])

	r.store.mute = false
	r.buses[0].Put(st("coal", 1))
	require.Equal(t, StateRunning, r.tick())
	assert.Equal(t, "in0", r.state.Active.SourceID)
	assert.Equal(t, "smelt_iron", r.state.Active.Recipe.TemplateID)
	assert.Equal(t, 0, r.state.NextSource)
	assert.True(t, r.state.Invalid["in1"], "an item change only clears its own source")
	assert.Equal(t, 0, r.buses[0].Total("iron_dust"))
	assert.Equal(t, 3, r.buses[0].Total("coal"))
}

func TestDistinctFluidChangeClearsWholeSet(t *testing.T) {
	r := newRig(t, tiered("furnace", 1, 8))
	r.state.Distinct = true
	r.buses[0].Put(st("coal", 1))
	r.buses[1].Put(st("coal", 1))
	require.Equal(t, StateIdle, r.tick())
	require.Len(t, r.state.Invalid, 2)

	r.store.mute = true
	r.buses[1].Put(st("gold_dust", 1))
	assert.Equal(t, StateIdle, r.tick())

	r.store.mute = false
	r.tank.Fill(catalogs.FluidStack{Fluid: "water", Amount: 10})
	require.Equal(t, StateRunning, r.tick())
	assert.Equal(t, "in1", r.state.Active.SourceID)
	assert.True(t, r.state.Invalid["in0"], "rescanned after the clear and still empty")
	assert.False(t, r.state.Invalid["in1"])
}

func TestDistinctResumesFromLastSuccessfulSource(t *testing.T) {
	r := newRig(t, tiered("furnace", 1, 1))
	r.state.Distinct = true
	r.buses[0].Put(st("gold_dust", 2))
	r.buses[1].Put(st("gold_dust", 2))

	var order []string
	for range 4 {
		require.Equal(t, StateRunning, r.tick())
		order = append(order, r.state.Active.SourceID)
		require.Equal(t, StateComplete, r.ticks(4))
	}
	assert.Equal(t, []string{"in0", "in0", "in1", "in1"}, order)
}

func TestToggleDistinctClearsProcessCache(t *testing.T) {
	s := NewState(false)
	s.Previous = &Previous{Factor: 3}
	s.Invalid["in0"] = true
	s.NextSource = 1

	assert.True(t, s.ToggleDistinct())
	assert.Nil(t, s.Previous)
	assert.Empty(t, s.Invalid)
	assert.Equal(t, 0, s.NextSource)
	assert.False(t, s.ToggleDistinct())
}

package engine

import (
	"procarray.ai/internal/sim/catalogs"
	"procarray.ai/internal/sim/parallel"
	"procarray.ai/internal/sim/unit"
)

type RunState string

const (
	StateIdle      RunState = "IDLE"
	StateSearching RunState = "SEARCHING"
	StateRunning   RunState = "RUNNING"
	StateJammed    RunState = "JAMMED"
	StateComplete  RunState = "COMPLETE"
)

type JamReason string

const (
	JamNone         JamReason = ""
	JamNoUnit       JamReason = "no_unit"
	JamUnitMismatch JamReason = "unit_mismatch"
	JamOutputsFull  JamReason = "outputs_full"
)

// BlockReason names the feasibility gate that held back a matched recipe.
type BlockReason string

const (
	BlockNone       BlockReason = ""
	BlockEnergy     BlockReason = "energy"
	BlockEnergyFull BlockReason = "energy_full"
	BlockOutputs    BlockReason = "outputs"
	BlockInputs     BlockReason = "inputs"
)

// RunSnapshot describes an in-flight batch well enough to decide, after the
// structure is rebuilt, whether the installed unit can still carry it.
type RunSnapshot struct {
	Family     string `json:"family"`
	Tier       int    `json:"tier"`
	Multiplier int    `json:"multiplier"`
}

// ActiveRun is a committed batch. Inputs are already consumed.
type ActiveRun struct {
	Snapshot RunSnapshot     `json:"snapshot"`
	Recipe   parallel.Recipe `json:"recipe"`
	SourceID string          `json:"source_id,omitempty"`
	Progress int             `json:"progress"`
	Duration int             `json:"duration"`
	EUt      int64           `json:"eut"`
	UnitTier int             `json:"unit_tier"`

	// Done is set once processing ends; Rolled then holds the item outputs
	// until the output bus accepts them.
	Done   bool                 `json:"done,omitempty"`
	Rolled []catalogs.ItemStack `json:"rolled,omitempty"`
}

// Previous is the sticky recipe cache: the unscaled template and the factor it
// was last solved at.
type Previous struct {
	Template catalogs.Template
	Factor   int
}

// State is everything the engine keeps for one controller across ticks. The
// controller owns it and passes it into every Tick.
type State struct {
	Run     RunState
	Jam     JamReason
	Blocked BlockReason

	Distinct  bool
	Signature *unit.Signature
	Active    *ActiveRun

	Previous   *Previous
	Invalid    map[string]bool
	NextSource int

	PowerShortage bool
}

func NewState(distinct bool) *State {
	return &State{
		Run:      StateIdle,
		Distinct: distinct,
		Invalid:  map[string]bool{},
	}
}

// ResetProcessCache forgets the cached recipe and the invalidity set. The
// active run and its snapshot are untouched.
func (s *State) ResetProcessCache() {
	s.Previous = nil
	if s.Invalid == nil {
		s.Invalid = map[string]bool{}
	}
	clear(s.Invalid)
	s.NextSource = 0
}

// ToggleDistinct flips the resource-selection policy and returns the new mode.
func (s *State) ToggleDistinct() bool {
	s.Distinct = !s.Distinct
	s.ResetProcessCache()
	return s.Distinct
}

// Snapshot returns the snapshot of the active run, if any.
func (s *State) Snapshot() (RunSnapshot, bool) {
	if s.Active == nil {
		return RunSnapshot{}, false
	}
	return s.Active.Snapshot, true
}

// Persisted is the part of State that survives a process restart.
type Persisted struct {
	Distinct bool       `json:"distinct"`
	Run      RunState   `json:"run"`
	Jam      JamReason  `json:"jam,omitempty"`
	Active   *ActiveRun `json:"active,omitempty"`
}

func (s *State) Persist() Persisted {
	p := Persisted{Distinct: s.Distinct, Run: s.Run, Jam: s.Jam}
	if s.Active != nil {
		a := *s.Active
		p.Active = &a
	}
	return p
}

// RestoreState rebuilds a State from its persisted form. Caches start empty and
// the signature is re-derived on the first tick.
func RestoreState(p Persisted) *State {
	s := NewState(p.Distinct)
	s.Run = p.Run
	if s.Run == "" {
		s.Run = StateIdle
	}
	s.Jam = p.Jam
	if p.Active != nil {
		a := *p.Active
		s.Active = &a
	} else if s.Run == StateRunning {
		s.Run = StateIdle
	}
	return s
}

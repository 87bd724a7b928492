// Package runner hosts a scenario's controllers: it ticks them at a fixed
// rate and fans every tick out to the logs, the index and observers.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"procarray.ai/internal/logger"
	"procarray.ai/internal/observerproto"
	"procarray.ai/internal/persistence/indexdb"
	plog "procarray.ai/internal/persistence/log"
	"procarray.ai/internal/sim/catalogs"
	"procarray.ai/internal/sim/controller"
	"procarray.ai/internal/sim/engine"
	"procarray.ai/internal/sim/scenario"
	"procarray.ai/internal/transport/observer"
)

var ErrQueueFull = errors.New("command queue full")

// Options wires the optional outputs of a Runner. Nil members are skipped.
type Options struct {
	RunID           string
	TickRateHz      int
	DistinctDefault bool

	// DataDir receives snapshots; SnapshotEvery > 0 writes one every that
	// many ticks and a final one when Run returns.
	DataDir       string
	SnapshotEvery int
	// Archive copies the final snapshot to DataDir/archives/<run id>.
	Archive       bool
	Mirror        Mirror

	TickLog     *plog.TickLogger
	Transitions *plog.TransitionLogger
	Index       *indexdb.SQLiteIndex
	Hub         *observer.Hub
	Logger      logger.Logger
}

// Mirror receives every file the runner writes under DataDir for upload.
type Mirror interface {
	Enqueue(localPath string)
}

type Runner struct {
	opts     Options
	scenario scenario.Scenario
	catalog  *catalogs.Catalog
	runID    string
	log      logger.Logger

	controllers []*controller.Controller
	byID        map[string]*controller.Controller
	tracks      []batchTrack
	prev        []controller.Status

	tick  atomic.Uint64
	inbox chan command
}

// batchTrack follows the active run of one controller so that its end can be
// indexed with the tick it started on.
type batchTrack struct {
	run     *engine.ActiveRun
	started uint64
}

type command struct {
	controller string
	event      scenario.Event
}

func New(sc scenario.Scenario, eng *engine.Engine, cat *catalogs.Catalog, opts Options) *Runner {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = logger.NopLogger{}
	}
	r := &Runner{
		opts:     opts,
		scenario: sc,
		catalog:  cat,
		runID:    opts.RunID,
		log:      opts.Logger,
		byID:     map[string]*controller.Controller{},
		inbox:    make(chan command, 256),
	}
	for _, spec := range sc.Controllers {
		c := scenario.Build(spec, eng, opts.DistinctDefault)
		r.controllers = append(r.controllers, c)
		r.byID[spec.ID] = c
	}
	r.tracks = make([]batchTrack, len(r.controllers))
	return r
}

func (r *Runner) RunID() string                         { return r.runID }
func (r *Runner) Tick() uint64                          { return r.tick.Load() }
func (r *Runner) Controllers() []*controller.Controller { return r.controllers }

func (r *Runner) Controller(id string) *controller.Controller { return r.byID[id] }

// Bootstrap describes the run for observers joining mid-way.
func (r *Runner) Bootstrap() observerproto.BootstrapResponse {
	resp := observerproto.BootstrapResponse{
		RunID:      r.runID,
		Scenario:   r.scenario.Name,
		Tick:       r.Tick(),
		TickRateHz: r.opts.TickRateHz,
	}
	for _, c := range r.controllers {
		resp.Controllers = append(resp.Controllers, c.ID())
	}
	if r.catalog != nil {
		resp.FamiliesDigest = r.catalog.FamiliesDigest
		resp.RecipesDigest = r.catalog.RecipesDigest
	}
	return resp
}

// Submit queues an operator command for the next tick. It is safe to call
// from any goroutine.
func (r *Runner) Submit(cmd observerproto.CommandMsg) error {
	if r.byID[cmd.Controller] == nil {
		return fmt.Errorf("unknown controller %q", cmd.Controller)
	}
	action := scenario.Action(cmd.Action)
	if !scenario.ValidCommand(action) {
		return fmt.Errorf("unknown action %q", cmd.Action)
	}
	if action == scenario.ActionInstallUnit && (cmd.Unit == nil || cmd.Unit.IsEmpty()) {
		return fmt.Errorf("install_unit needs a unit")
	}
	select {
	case r.inbox <- command{controller: cmd.Controller, event: scenario.Event{Action: action, Unit: cmd.Unit}}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (r *Runner) applyCommands() {
	for {
		select {
		case cmd := <-r.inbox:
			if c := r.byID[cmd.controller]; c != nil {
				r.log.Infof("command %s on %s", cmd.event.Action, cmd.controller)
				cmd.event.ApplyTo(c)
			}
		default:
			return
		}
	}
}

// Step advances every controller by one tick: queued commands, then each
// controller's scenario timeline and engine tick, then logging and
// publishing. It returns the statuses after the tick.
func (r *Runner) Step() []controller.Status {
	tick := r.tick.Add(1)
	r.applyCommands()

	statuses := make([]controller.Status, len(r.controllers))
	for i, c := range r.controllers {
		r.scenario.Controllers[i].Apply(tick, c)
		// A rebuild can abort the run before the engine ticks.
		r.trackBatch(i, tick, c)
		c.Tick()
		r.trackBatch(i, tick, c)
		statuses[i] = c.Status()
	}
	r.emit(tick, statuses)
	r.prev = statuses

	if r.opts.SnapshotEvery > 0 && r.opts.DataDir != "" && tick%uint64(r.opts.SnapshotEvery) == 0 {
		if _, err := r.WriteSnapshot(); err != nil {
			r.log.Errorf("snapshot at tick %d: %v", tick, err)
		}
	}
	return statuses
}

func (r *Runner) trackBatch(i int, tick uint64, c *controller.Controller) {
	t := &r.tracks[i]
	st := c.State()
	if st.Active == t.run {
		return
	}
	if prev := t.run; prev != nil {
		r.opts.Index.RecordBatch(indexdb.Batch{
			RunID:       r.runID,
			Controller:  c.ID(),
			StartedTick: t.started,
			EndedTick:   tick,
			Recipe:      prev.Recipe.TemplateID,
			Family:      prev.Snapshot.Family,
			Multiplier:  prev.Recipe.Multiplier,
			Source:      prev.SourceID,
			Outcome:     outcomeOf(prev, st),
		})
	}
	t.run = st.Active
	t.started = tick
}

// outcomeOf classifies a run that has left the controller. Finished runs only
// leave by delivering; an unfinished one was either abandoned after a jam or
// aborted by a rebuild.
func outcomeOf(run *engine.ActiveRun, st *engine.State) indexdb.Outcome {
	switch {
	case run.Done:
		return indexdb.OutcomeCompleted
	case st.Run == engine.StateIdle:
		return indexdb.OutcomeAbandoned
	default:
		return indexdb.OutcomeAborted
	}
}

func (r *Runner) emit(tick uint64, statuses []controller.Status) {
	if r.opts.TickLog != nil {
		if err := r.opts.TickLog.WriteTick(plog.TickEntry{RunID: r.runID, Tick: tick, Controllers: statuses}); err != nil {
			r.log.Warnf("tick log: %v", err)
		}
	}
	for i, s := range statuses {
		from := engine.StateIdle
		var prev controller.Status
		if r.prev != nil {
			prev = r.prev[i]
			from = prev.Run
		}
		if s.Run == from && s.Jam == prev.Jam && s.Blocked == prev.Blocked {
			continue
		}
		tr := plog.Transition{
			RunID:      r.runID,
			Tick:       tick,
			Controller: s.ID,
			From:       from,
			To:         s.Run,
			Jam:        s.Jam,
			Blocked:    s.Blocked,
			Recipe:     s.Recipe,
		}
		if s.Snapshot != nil {
			tr.Multiplier = s.Snapshot.Multiplier
		}
		if r.opts.Transitions != nil {
			if err := r.opts.Transitions.WriteTransition(tr); err != nil {
				r.log.Warnf("transition log: %v", err)
			}
		}
		_ = r.opts.Index.WriteTransition(tr)
	}
	if r.opts.Hub != nil {
		r.opts.Hub.Publish(r.runID, tick, statuses)
	}
}

// Run ticks at TickRateHz, or back to back when the rate is zero, until ctx
// is done or maxTicks ticks have run (0 means no limit). A final snapshot is
// written when a data dir is configured, and archived when Archive is set.
func (r *Runner) Run(ctx context.Context, maxTicks uint64) error {
	var tickC <-chan time.Time
	if r.opts.TickRateHz > 0 {
		ticker := time.NewTicker(time.Second / time.Duration(r.opts.TickRateHz))
		defer ticker.Stop()
		tickC = ticker.C
	}
	start := r.Tick()
	r.log.Infof("run %s: %d controllers from tick %d", r.runID, len(r.controllers), start)

	for {
		if maxTicks > 0 && r.Tick()-start >= maxTicks {
			return r.finish(nil)
		}
		if tickC == nil {
			select {
			case <-ctx.Done():
				return r.finish(ctx.Err())
			default:
			}
			r.Step()
			continue
		}
		select {
		case <-ctx.Done():
			return r.finish(ctx.Err())
		case <-tickC:
			r.Step()
		}
	}
}

func (r *Runner) finish(err error) error {
	if r.opts.DataDir == "" || (r.opts.SnapshotEvery <= 0 && !r.opts.Archive) {
		return err
	}
	path, snap, serr := r.writeSnapshot()
	if serr != nil {
		r.log.Errorf("final snapshot: %v", serr)
		return err
	}
	r.log.Infof("final snapshot %s at tick %d", path, r.Tick())
	if r.opts.Archive {
		r.archiveRun(path, snap)
	}
	return err
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"procarray.ai/internal/config"
	"procarray.ai/internal/logger"
	"procarray.ai/internal/metrics"
	"procarray.ai/internal/persistence/indexdb"
	plog "procarray.ai/internal/persistence/log"
	"procarray.ai/internal/persistence/r2s3"
	"procarray.ai/internal/persistence/snapshot"
	"procarray.ai/internal/sim/catalogs"
	"procarray.ai/internal/sim/engine"
	"procarray.ai/internal/sim/runner"
	"procarray.ai/internal/sim/scenario"
	"procarray.ai/internal/sim/tuning"
	"procarray.ai/internal/transport/observer"
)

type runFlags struct {
	scenario string
	ticks    uint64
	resume   string
	dataDir  string
	distinct bool
}

func runCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a scenario",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runScenario(ctx, f, cmd.Flags().Changed("distinct"), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&f.scenario, "scenario", "", "scenario file (overrides sim.scenario)")
	cmd.Flags().Uint64Var(&f.ticks, "ticks", 0, "stop after this many ticks (0 runs until interrupted)")
	cmd.Flags().StringVar(&f.resume, "resume", "", "snapshot to resume from")
	cmd.Flags().StringVar(&f.dataDir, "data", "", "data directory (overrides persistence.data_dir)")
	cmd.Flags().BoolVar(&f.distinct, "distinct", false, "default distinct-bus mode for controllers that do not set it")
	return cmd
}

func loadConfig() (*config.Config, error) {
	if cfgPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func loadTuning(path string, log logger.Logger) (tuning.Tuning, error) {
	t, err := tuning.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Warnf("no tuning at %s, using defaults", path)
		return tuning.Default(), nil
	}
	return t, err
}

func runScenario(ctx context.Context, f runFlags, distinctSet bool, out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if f.dataDir != "" {
		cfg.Persistence.DataDir = f.dataDir
	}
	if f.scenario != "" {
		cfg.Sim.Scenario = f.scenario
	}
	if cfg.Sim.Scenario == "" {
		return fmt.Errorf("no scenario: pass --scenario or set sim.scenario")
	}
	log := logger.NewLevel("procarray", cfg.Log.Level)

	cat, err := catalogs.Load(cfg.Sim.ConfigDir)
	if err != nil {
		return fmt.Errorf("load catalogs: %w", err)
	}
	tune, err := loadTuning(cfg.Sim.TuningPath, log)
	if err != nil {
		return fmt.Errorf("load tuning: %w", err)
	}
	sc, err := scenario.Load(cfg.Sim.Scenario)
	if err != nil {
		return err
	}

	var sink metrics.Sink = metrics.NopSink{}
	if cfg.Metrics.PrometheusEnabled {
		ps, err := metrics.NewPromSink(nil)
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		sink = ps
		go func() {
			if err := metrics.StartPromServer(ctx, cfg.Metrics.Addr); err != nil {
				log.Errorf("metrics server: %v", err)
			}
		}()
	}
	eng := engine.New(cat, tune,
		engine.WithLogger(logger.NewLevel("engine", cfg.Log.Level)),
		engine.WithMetrics(sink),
	)

	distinct := tune.DistinctByDefault
	if distinctSet {
		distinct = f.distinct
	}
	opts := runner.Options{
		TickRateHz:      cfg.Sim.TickRateHz,
		DistinctDefault: distinct,
		DataDir:         cfg.Persistence.DataDir,
		SnapshotEvery:   cfg.Persistence.SnapshotEveryTicks,
		Logger:          log,
	}
	if dir := cfg.Persistence.DataDir; dir != "" {
		// Must close after the loggers, which enqueue their last segment on
		// Close.
		var mirror *r2s3.Mirror
		if mc := cfg.Persistence.Mirror; mc.Enabled {
			client, err := r2s3.New(ctx, mc.S3)
			if err != nil {
				return fmt.Errorf("mirror: %w", err)
			}
			mirror = r2s3.NewMirror(client, dir, mc.S3.Prefix, mc.S3.Workers, mc.S3.QueueCapacity, logger.NewLevel("mirror", cfg.Log.Level))
			defer mirror.Close()
			opts.Mirror = mirror
		}
		if cfg.Persistence.TickLog {
			ticks := plog.NewTickLogger(dir)
			defer ticks.Close()
			transitions := plog.NewTransitionLogger(dir)
			defer transitions.Close()
			if mirror != nil {
				ticks.OnSegmentClosed(mirror.Enqueue)
				transitions.OnSegmentClosed(mirror.Enqueue)
			}
			opts.TickLog = ticks
			opts.Transitions = transitions
		}
		if cfg.Persistence.IndexDB {
			idx, err := indexdb.OpenSQLite(filepath.Join(dir, "index.sqlite"))
			if err != nil {
				return fmt.Errorf("index db: %w", err)
			}
			defer idx.Close()
			if err := idx.UpsertCatalogs(cfg.Sim.ConfigDir, cat, tune); err != nil {
				log.Warnf("index catalogs: %v", err)
			}
			opts.Index = idx
		}
		opts.Archive = cfg.Persistence.Archive
	}
	if cfg.Observer.Enabled {
		opts.Hub = observer.NewHub()
	}

	var snap *snapshot.SnapshotV1
	if f.resume != "" {
		s, err := snapshot.ReadSnapshot(f.resume)
		if err != nil {
			return fmt.Errorf("resume: %w", err)
		}
		if s.RecipesDigest != "" && s.RecipesDigest != cat.RecipesDigest {
			log.Warnf("snapshot was taken with a different recipes.json (%s)", s.RecipesDigest)
		}
		opts.RunID = s.Header.RunID
		snap = &s
	}

	r := runner.New(sc, eng, cat, opts)
	if snap != nil {
		if err := r.Restore(*snap); err != nil {
			return fmt.Errorf("resume: %w", err)
		}
	}
	if opts.Hub != nil {
		srv := observer.NewServer(opts.Hub, r.Bootstrap, r, logger.NewLevel("observer", cfg.Log.Level))
		go func() {
			if err := observer.ListenAndServe(ctx, cfg.Observer.Addr, srv.Handler()); err != nil {
				log.Errorf("observer server: %v", err)
			}
		}()
		log.Infof("observer listening on %s", cfg.Observer.Addr)
	}

	err = r.Run(ctx, f.ticks)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	statuses := make([]any, 0, len(r.Controllers()))
	for _, c := range r.Controllers() {
		statuses = append(statuses, c.Status())
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"run_id":      r.RunID(),
		"tick":        r.Tick(),
		"controllers": statuses,
	})
}

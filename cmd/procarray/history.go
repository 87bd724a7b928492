package main

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"procarray.ai/internal/persistence/indexdb"
	plog "procarray.ai/internal/persistence/log"
)

type historyFlags struct {
	dataDir    string
	runID      string
	controller string
	from, to   uint64
	batches    bool
}

func historyCmd() *cobra.Command {
	var f historyFlags
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List logged state transitions, or indexed batches with --batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.dataDir == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				f.dataDir = cfg.Persistence.DataDir
			}
			if f.dataDir == "" {
				return fmt.Errorf("no data dir: pass --data or set persistence.data_dir")
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			var err error
			if f.batches {
				err = printBatches(cmd, tw, f)
			} else {
				err = printTransitions(tw, f)
			}
			if err != nil {
				return err
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&f.dataDir, "data", "", "data directory (default persistence.data_dir)")
	cmd.Flags().StringVar(&f.runID, "run", "", "only this run (required with --batches)")
	cmd.Flags().StringVar(&f.controller, "controller", "", "only this controller")
	cmd.Flags().Uint64Var(&f.from, "from", 0, "first tick (inclusive)")
	cmd.Flags().Uint64Var(&f.to, "to", 0, "last tick (inclusive, 0 for no limit)")
	cmd.Flags().BoolVar(&f.batches, "batches", false, "list finished batches from the index")
	return cmd
}

func (f historyFlags) match(runID, controller string, tick uint64) bool {
	if f.runID != "" && runID != f.runID {
		return false
	}
	if f.controller != "" && controller != f.controller {
		return false
	}
	return tick >= f.from && (f.to == 0 || tick <= f.to)
}

func printTransitions(tw *tabwriter.Writer, f historyFlags) error {
	fmt.Fprintln(tw, "TICK\tCONTROLLER\tFROM\tTO\tREASON\tRECIPE\tX")
	return plog.ReadTransitions(f.dataDir, func(tr plog.Transition) error {
		if !f.match(tr.RunID, tr.Controller, tr.Tick) {
			return nil
		}
		reason := string(tr.Jam)
		if reason == "" {
			reason = string(tr.Blocked)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%d\n", tr.Tick, tr.Controller, tr.From, tr.To, reason, tr.Recipe, tr.Multiplier)
		return nil
	})
}

func printBatches(cmd *cobra.Command, tw *tabwriter.Writer, f historyFlags) error {
	if f.runID == "" {
		return fmt.Errorf("--batches needs --run")
	}
	idx, err := indexdb.OpenSQLite(filepath.Join(f.dataDir, "index.sqlite"))
	if err != nil {
		return err
	}
	defer idx.Close()
	batches, err := idx.Batches(cmd.Context(), f.runID, f.controller)
	if err != nil {
		return err
	}
	fmt.Fprintln(tw, "STARTED\tENDED\tCONTROLLER\tRECIPE\tX\tOUTCOME")
	for _, b := range batches {
		if !f.match(b.RunID, b.Controller, b.StartedTick) {
			continue
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%d\t%s\n", b.StartedTick, b.EndedTick, b.Controller, b.Recipe, b.Multiplier, b.Outcome)
	}
	return nil
}

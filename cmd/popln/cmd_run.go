package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nvandessel/popln/internal/config"
	"github.com/nvandessel/popln/internal/logging"
	"github.com/nvandessel/popln/internal/simulation"
	"github.com/nvandessel/popln/internal/snapshot"
	"github.com/nvandessel/popln/internal/treatment"
	"github.com/nvandessel/popln/internal/tumour"
	"github.com/spf13/cobra"
)

// Output files inside the results directory.
const (
	resultsFile  = "results.csv"
	dropDataFile = "enddropdata.csv"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a simulation",
		Long: `Run one simulation and append its summary to <results_dir>/results.csv.

Parameters come from the YAML file given with --config (or
~/.popln/config.yaml), then POPLN_* environment variables, then flags.
A tumour that dies before treatment is restarted up to max_restarts times.

Examples:
  popln run --max-cycles 5000 --select-time 2000
  popln run --config params.yaml --snapshot-at-crash --db runs.db
  popln run --seed-file seeds.csv --archive-to s3://bucket/popln --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			atCrash, _ := cmd.Flags().GetBool("snapshot-at-crash")
			atEnd, _ := cmd.Flags().GetBool("snapshot-at-end")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			applyParamFlags(cmd, cfg)
			applyStorageFlags(cmd, &cfg.Storage)
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx := cmdContext(cmd)
			log := logging.NewLogger(cfg.Logging.Level, os.Stderr)
			events := logging.NewEventLog(cfg.Output.ResultsDir, cfg.Logging.Level)
			defer events.Close()

			p, err := openPersister(ctx, cfg.Storage, log)
			if err != nil {
				return err
			}
			defer p.close()
			if (atCrash || atEnd) && !p.enabled() {
				return fmt.Errorf("snapshots need --db or --archive-to")
			}

			label := runLabel(cmd, cfg)
			opts := []simulation.Option{
				simulation.WithLogger(log),
				simulation.WithEventLog(events),
			}
			if atCrash {
				opts = append(opts, simulation.WithIntroductionHook(func(t int, tm *tumour.Tumour, tr *treatment.Treatment) error {
					return p.save(ctx, label+"-crash", snapshot.Capture(tm, tr, cfg, t))
				}))
			}

			sim, res, err := simulation.Execute(cfg, opts...)
			if err != nil {
				return err
			}
			if atEnd {
				st := snapshot.Capture(sim.Tumour(), sim.Treatment(), cfg, resumeCycle(res))
				if err := p.save(ctx, label+"-end", st); err != nil {
					return err
				}
			}
			return finishRun(cmd, cfg, sim, res, jsonOut)
		},
	}

	addParamFlags(cmd)
	addStorageFlags(cmd)
	cmd.Flags().String("label", "", "Snapshot label (default <param_set>-<run_number>)")
	cmd.Flags().Bool("snapshot-at-crash", false, "Snapshot the tumour when treatment is introduced")
	cmd.Flags().Bool("snapshot-at-end", false, "Snapshot the tumour when the run ends")
	return cmd
}

// resumeCycle is the first cycle a run ending with res has not simulated.
func resumeCycle(res *simulation.Result) int {
	if res.EndCondition == simulation.MaxCyclesReached {
		return res.TotalCycles
	}
	return res.TotalCycles + 1
}

func addStorageFlags(cmd *cobra.Command) {
	cmd.Flags().String("db", "", "SQLite database for snapshots")
	cmd.Flags().String("archive-to", "", "Directory or s3://bucket/prefix for snapshot archives")
}

func applyStorageFlags(cmd *cobra.Command, st *config.StorageConfig) {
	if v, _ := cmd.Flags().GetString("db"); v != "" {
		st.DBPath = v
	}
	if v, _ := cmd.Flags().GetString("archive-to"); v != "" {
		st.ArchiveURI = v
	}
}

// finishRun appends the summary (and per-colour totals for heterogeneous
// tumours) to the results directory and reports the result.
func finishRun(cmd *cobra.Command, cfg *config.SimConfig, sim *simulation.Simulator, res *simulation.Result, jsonOut bool) error {
	dir := cfg.Output.ResultsDir
	if err := simulation.AppendSummary(filepath.Join(dir, resultsFile), res.Summary); err != nil {
		return err
	}
	if cfg.InitDiversity {
		if err := simulation.AppendDropData(filepath.Join(dir, dropDataFile), sim.Tumour().SizesByTag()); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if jsonOut {
		return json.NewEncoder(out).Encode(res)
	}

	s := res.Summary
	fmt.Fprintln(out, res.Message)
	fmt.Fprintf(out, "  Cycles:          %d\n", res.TotalCycles)
	if res.Restarts > 0 {
		fmt.Fprintf(out, "  Restarts:        %d\n", res.Restarts)
	}
	fmt.Fprintf(out, "  Tumour size:     %d\n", s.PopSize)
	fmt.Fprintf(out, "  Clones:          %d\n", s.NumClones)
	fmt.Fprintf(out, "  Crash:           %s\n", yesNo(s.WentThroughCrash))
	fmt.Fprintf(out, "  Recovery:        %s (%.1f%% of limit)\n", s.RecoveryType, s.RecoveryPercent*100)
	fmt.Fprintf(out, "  Elapsed:         %s\n", s.ElapsedTime)
	fmt.Fprintf(out, "  Results:         %s\n", filepath.Join(dir, resultsFile))
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

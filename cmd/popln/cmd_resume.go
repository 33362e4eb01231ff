package main

import (
	"fmt"
	"os"

	"github.com/nvandessel/popln/internal/config"
	"github.com/nvandessel/popln/internal/logging"
	"github.com/nvandessel/popln/internal/sampling"
	"github.com/nvandessel/popln/internal/simulation"
	"github.com/nvandessel/popln/internal/snapshot"
	"github.com/nvandessel/popln/internal/tumour"
	"github.com/spf13/cobra"
)

func newResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <archive|label>",
		Short: "Continue a simulation from a snapshot",
		Long: `Restore a tumour from a snapshot and simulate it from the cycle it was
taken at. The snapshot is read from the database given with --db, from a
local archive file, or from the configured archive store.

Parameters default to those recorded in the snapshot. A parameter file
given with --config replaces them; flags override either. Treatment carries
on from where the snapshot left it, so a crash snapshot continues the
treatment it was taken under. --fresh-treatment discards the saved
treatment instead: it starts dormant and is introduced at the configured
select time if that lies ahead. Resistance is drawn at most once per
tumour either way.

Examples:
  popln resume results/1-1-crash.popln --select-time 500 --treatment adaptive
  popln resume 1-1-crash --db runs.db --json
  popln resume 1-1-crash --db runs.db --fresh-treatment --select-time 60`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			dbPath, _ := cmd.Flags().GetString("db")
			fresh, _ := cmd.Flags().GetBool("fresh-treatment")
			ctx := cmdContext(cmd)

			base, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			applyStorageFlags(cmd, &base.Storage)
			st, err := loadState(ctx, base.Storage, dbPath, args[0])
			if err != nil {
				return err
			}

			cfg := resumeConfig(cmd, base, st)
			applyParamFlags(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			log := logging.NewLogger(cfg.Logging.Level, os.Stderr)
			events := logging.NewEventLog(cfg.Output.ResultsDir, cfg.Logging.Level)
			defer events.Close()

			s := sampling.NewSampler(cfg.Seed)
			tm, err := snapshot.Restore(cfg, s, st, tumour.WithLogger(log))
			if err != nil {
				return fmt.Errorf("failed to restore %s: %w", args[0], err)
			}
			log.Info("snapshot restored", "cycle", st.Cycle, "tumour_size", tm.TumourSize(), "clones", tm.CloneCount())

			opts := []simulation.Option{
				simulation.WithSampler(s),
				simulation.WithLogger(log),
				simulation.WithEventLog(events),
			}
			if st.Treatment != nil && !fresh {
				opts = append(opts, simulation.WithTreatmentState(*st.Treatment))
			}
			sim, err := simulation.Resume(cfg, tm, st.Cycle, opts...)
			if err != nil {
				return err
			}
			res, err := sim.Run()
			if err != nil {
				return err
			}
			return finishRun(cmd, cfg, sim, res, jsonOut)
		},
	}

	addParamFlags(cmd)
	addStorageFlags(cmd)
	cmd.Flags().Bool("fresh-treatment", false, "Ignore the saved treatment state and start treatment dormant")
	return cmd
}

// resumeConfig picks the parameters for a resumed run: the --config file
// when given, else the snapshot's own, else the defaults.
func resumeConfig(cmd *cobra.Command, base *config.SimConfig, st *snapshot.State) *config.SimConfig {
	if cmd.Flags().Changed("config") || st.Config == nil {
		return base
	}
	cfg := *st.Config
	cfg.Storage = base.Storage
	cfg.Logging = base.Logging
	return &cfg
}

package main

import (
	"fmt"

	"github.com/nvandessel/popln/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// addParamFlags registers the parameter overrides shared by run and resume.
func addParamFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Uint64("seed", 0, "Random seed")
	f.Int("max-cycles", 0, "Maximum number of cycles")
	f.Int("init-size", 0, "Cells in each founding clone")
	f.Int("max-size-lim", 0, "Tumour size limit")
	f.Float64("pro", 0, "Base proliferation rate")
	f.Float64("die", 0, "Death rate")
	f.Float64("mut", 0, "Base mutation rate")
	f.Float64("scale", 0, "Proliferation effect scale relative to pro")
	f.Float64("mscale", 0, "Mutation-rate effect scale relative to mut")
	f.Float64("prob-mut-pos", 0, "Probability a mutation is beneficial")
	f.Float64("prob-mut-neg", 0, "Probability a mutation is deleterious")
	f.Float64("prob-inc-mut", 0, "Probability a mutation raises the mutation rate")
	f.Float64("prob-dec-mut", 0, "Probability a mutation lowers the mutation rate")
	f.String("neutral-policy", "", "Neutral mutations: spawn or absorb")
	f.Float64("neutral-threshold", 0, "Largest effect still treated as neutral")
	f.String("treatment", "", "Treatment regime: single, metronomic or adaptive")
	f.String("decay", "", "Pressure decay: constant, linear or exp")
	f.Float64("decay-rate", 0, "Pressure decay rate")
	f.Int("select-time", 0, "Cycle at which treatment is introduced")
	f.Float64("select-pressure", 0, "Initial selective pressure")
	f.Float64("mutagenic-pressure", 0, "Initial mutagenic pressure")
	f.Int("treatment-freq", 0, "Cycles between doses for repeated regimes")
	f.Float64("adaptive-increment", 0, "Dose step for the adaptive regime")
	f.Float64("adaptive-threshold", 0, "Relative size change that moves the adaptive dose")
	f.Bool("auto-treatment", false, "Introduce treatment once the tumour reaches its size limit")
	f.Bool("resistance", false, "Generate resistance mutations at treatment introduction")
	f.Int("num-resist-mutns", 0, "Resistance mutations to generate; -1 scales with tumour size")
	f.Float64("resist-strength", 0, "Fraction of selective pressure a resistant clone ignores")
	f.Float64("min-resistant-pop-size", 0, "Tumour size per resistance mutation when num-resist-mutns is -1")
	f.Bool("prune", false, "Prune dead-end clones every cycle")
	f.String("seed-file", "", "Heterogeneous seed file; enables init_diversity")
	f.Int("max-restarts", 0, "Restarts allowed when the tumour dies before treatment")
	f.String("results-dir", "", "Directory receiving results.csv")
	f.String("param-set", "", "Parameter set label for results.csv")
	f.Int("run-number", 0, "Run number for results.csv")
	f.Int("status-interval", 0, "Cycles between progress lines; 0 disables them")
}

// loadConfig reads the parameter file named by --config (or the default
// location) and applies --log-level.
func loadConfig(cmd *cobra.Command) (*config.SimConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadPath(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	return cfg, nil
}

// applyParamFlags copies every explicitly set parameter flag onto cfg.
func applyParamFlags(cmd *cobra.Command, cfg *config.SimConfig) {
	f := cmd.Flags()
	f.Visit(func(fl *pflag.Flag) {
		switch fl.Name {
		case "seed":
			cfg.Seed, _ = f.GetUint64(fl.Name)
		case "max-cycles":
			cfg.MaxCycles, _ = f.GetInt(fl.Name)
		case "init-size":
			cfg.InitSize, _ = f.GetInt(fl.Name)
		case "max-size-lim":
			cfg.MaxSizeLim, _ = f.GetInt(fl.Name)
		case "pro":
			cfg.Pro, _ = f.GetFloat64(fl.Name)
		case "die":
			cfg.Die, _ = f.GetFloat64(fl.Name)
		case "mut":
			cfg.Mut, _ = f.GetFloat64(fl.Name)
		case "scale":
			cfg.Scale, _ = f.GetFloat64(fl.Name)
		case "mscale":
			cfg.MScale, _ = f.GetFloat64(fl.Name)
		case "prob-mut-pos":
			cfg.ProbMutPos, _ = f.GetFloat64(fl.Name)
		case "prob-mut-neg":
			cfg.ProbMutNeg, _ = f.GetFloat64(fl.Name)
		case "prob-inc-mut":
			cfg.ProbIncMut, _ = f.GetFloat64(fl.Name)
		case "prob-dec-mut":
			cfg.ProbDecMut, _ = f.GetFloat64(fl.Name)
		case "neutral-policy":
			cfg.NeutralPolicy, _ = f.GetString(fl.Name)
		case "neutral-threshold":
			cfg.NeutralThreshold, _ = f.GetFloat64(fl.Name)
		case "treatment":
			cfg.TreatmentType, _ = f.GetString(fl.Name)
		case "decay":
			cfg.DecayType, _ = f.GetString(fl.Name)
		case "decay-rate":
			cfg.DecayRate, _ = f.GetFloat64(fl.Name)
		case "select-time":
			cfg.SelectTime, _ = f.GetInt(fl.Name)
		case "select-pressure":
			cfg.SelectPressure, _ = f.GetFloat64(fl.Name)
		case "mutagenic-pressure":
			cfg.MutagenicPressure, _ = f.GetFloat64(fl.Name)
		case "treatment-freq":
			cfg.TreatmentFreq, _ = f.GetInt(fl.Name)
		case "adaptive-increment":
			cfg.AdaptiveIncrement, _ = f.GetFloat64(fl.Name)
		case "adaptive-threshold":
			cfg.AdaptiveThreshold, _ = f.GetFloat64(fl.Name)
		case "auto-treatment":
			cfg.AutoTreatment, _ = f.GetBool(fl.Name)
		case "resistance":
			cfg.Resistance, _ = f.GetBool(fl.Name)
		case "num-resist-mutns":
			cfg.NumResistMutns, _ = f.GetInt(fl.Name)
		case "resist-strength":
			cfg.ResistStrength, _ = f.GetFloat64(fl.Name)
		case "min-resistant-pop-size":
			cfg.MinResistantPopSize, _ = f.GetFloat64(fl.Name)
		case "prune":
			cfg.PruneClones, _ = f.GetBool(fl.Name)
		case "seed-file":
			cfg.SeedFile, _ = f.GetString(fl.Name)
			cfg.InitDiversity = cfg.SeedFile != ""
		case "max-restarts":
			cfg.MaxRestarts, _ = f.GetInt(fl.Name)
		case "results-dir":
			cfg.Output.ResultsDir, _ = f.GetString(fl.Name)
		case "param-set":
			cfg.Output.ParamSet, _ = f.GetString(fl.Name)
		case "run-number":
			cfg.Output.RunNumber, _ = f.GetInt(fl.Name)
		case "status-interval":
			cfg.Output.StatusInterval, _ = f.GetInt(fl.Name)
		}
	})
}

// runLabel names the snapshots of one run.
func runLabel(cmd *cobra.Command, cfg *config.SimConfig) string {
	if l, _ := cmd.Flags().GetString("label"); l != "" {
		return l
	}
	return fmt.Sprintf("%s-%d", cfg.Output.ParamSet, cfg.Output.RunNumber)
}

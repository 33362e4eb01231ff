// Package config provides unified configuration loading for popln.
// It supports loading from YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidParameter marks a configuration that cannot be simulated.
var ErrInvalidParameter = errors.New("invalid parameter")

// Treatment regimes.
const (
	TreatmentSingle     = "single"
	TreatmentMetronomic = "metronomic"
	TreatmentAdaptive   = "adaptive"
)

// Pressure decay curves.
const (
	DecayConstant    = "constant"
	DecayLinear      = "linear"
	DecayExponential = "exp"
)

// Neutral mutation policies.
const (
	NeutralSpawn  = "spawn"
	NeutralAbsorb = "absorb"
)

// SimConfig contains every simulation parameter.
type SimConfig struct {
	// Initial rates of the founding clone. Die is shared by every clone.
	Pro float64 `json:"pro" yaml:"pro"`
	Die float64 `json:"die" yaml:"die"`
	Mut float64 `json:"mut" yaml:"mut"`

	InitSize   int `json:"init_size" yaml:"init_size"`
	MaxSizeLim int `json:"max_size_lim" yaml:"max_size_lim"`
	MaxCycles  int `json:"max_cycles" yaml:"max_cycles"`

	// Scale and MScale size mutation effects relative to pro and mut.
	Scale  float64 `json:"scale" yaml:"scale"`
	MScale float64 `json:"mscale" yaml:"mscale"`

	ProbMutPos float64 `json:"prob_mut_pos" yaml:"prob_mut_pos"`
	ProbMutNeg float64 `json:"prob_mut_neg" yaml:"prob_mut_neg"`
	ProbIncMut float64 `json:"prob_inc_mut" yaml:"prob_inc_mut"`
	ProbDecMut float64 `json:"prob_dec_mut" yaml:"prob_dec_mut"`

	TreatmentType     string  `json:"treatment_type" yaml:"treatment_type"`
	DecayType         string  `json:"decay_type" yaml:"decay_type"`
	DecayRate         float64 `json:"decay_rate" yaml:"decay_rate"`
	SelectTime        int     `json:"select_time" yaml:"select_time"`
	SelectPressure    float64 `json:"select_pressure" yaml:"select_pressure"`
	MutagenicPressure float64 `json:"mutagenic_pressure" yaml:"mutagenic_pressure"`
	TreatmentFreq     int     `json:"treatment_freq" yaml:"treatment_freq"`
	AdaptiveIncrement float64 `json:"adaptive_increment" yaml:"adaptive_increment"`
	AdaptiveThreshold float64 `json:"adaptive_threshold" yaml:"adaptive_threshold"`

	// AutoTreatment introduces treatment as soon as the tumour exceeds
	// MaxSizeLim, if the scheduled SelectTime has not come first.
	AutoTreatment bool `json:"auto_treatment" yaml:"auto_treatment"`

	Resistance bool `json:"resistance" yaml:"resistance"`
	// NumResistMutns fixes the number of resistance mutations generated at
	// introduction. A negative value draws it at random.
	NumResistMutns      int     `json:"num_resist_mutns" yaml:"num_resist_mutns"`
	ResistStrength      float64 `json:"resist_strength" yaml:"resist_strength"`
	MinResistantPopSize float64 `json:"min_resistant_pop_size" yaml:"min_resistant_pop_size"`

	PruneClones bool `json:"prune_clones" yaml:"prune_clones"`

	NeutralPolicy    string  `json:"neutral_policy" yaml:"neutral_policy"`
	NeutralThreshold float64 `json:"neutral_threshold" yaml:"neutral_threshold"`

	InitDiversity bool   `json:"init_diversity" yaml:"init_diversity"`
	SeedFile      string `json:"seed_file,omitempty" yaml:"seed_file,omitempty"`

	// Seed seeds the random source. Zero seeds from the clock.
	Seed uint64 `json:"seed" yaml:"seed"`

	// MaxRestarts reruns a simulation whose tumour dies out before
	// treatment, up to this many times.
	MaxRestarts int `json:"max_restarts" yaml:"max_restarts"`

	Output  OutputConfig  `json:"output" yaml:"output"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// OutputConfig configures where run results go.
type OutputConfig struct {
	// ResultsDir receives results.csv and, at debug level, events.jsonl.
	ResultsDir string `json:"results_dir" yaml:"results_dir"`

	// ParamSet and RunNumber label rows in results.csv.
	ParamSet  string `json:"param_set" yaml:"param_set"`
	RunNumber int    `json:"run_number" yaml:"run_number"`

	// StatusInterval is the number of cycles between progress lines.
	StatusInterval int `json:"status_interval" yaml:"status_interval"`
}

// StorageConfig configures snapshot persistence.
type StorageConfig struct {
	// DBPath is a SQLite database holding labelled snapshots.
	DBPath string `json:"db_path,omitempty" yaml:"db_path,omitempty"`

	// ArchiveURI is a directory or s3://bucket/prefix receiving snapshot
	// archives.
	ArchiveURI string `json:"archive_uri,omitempty" yaml:"archive_uri,omitempty"`

	// S3Region and S3Endpoint override the AWS defaults for s3:// URIs.
	S3Region   string `json:"s3_region,omitempty" yaml:"s3_region,omitempty"`
	S3Endpoint string `json:"s3_endpoint,omitempty" yaml:"s3_endpoint,omitempty"`
}

// LoggingConfig configures popln's logging behavior.
type LoggingConfig struct {
	// Level sets the log verbosity: "info" (default), "debug", or "trace".
	// "debug" enables the event log in the results directory.
	// "trace" additionally logs per-cycle aggregates.
	Level string `json:"level" yaml:"level"`
}

// Default returns a SimConfig with sensible defaults.
func Default() *SimConfig {
	return &SimConfig{
		Pro:        0.04,
		Die:        0.03,
		Mut:        0.001,
		InitSize:   25,
		MaxSizeLim: 100000,
		MaxCycles:  100000,

		Scale:  0.5,
		MScale: 0.5,

		ProbMutPos: 0.1,
		ProbMutNeg: 0.4,
		ProbIncMut: 0.1,
		ProbDecMut: 0.1,

		TreatmentType:     TreatmentSingle,
		DecayType:         DecayConstant,
		DecayRate:         0,
		SelectTime:        400000,
		SelectPressure:    0.01,
		MutagenicPressure: 0,
		TreatmentFreq:     100,
		AdaptiveIncrement: 0.001,
		AdaptiveThreshold: 0.025,

		NumResistMutns:      -1,
		ResistStrength:      1.0,
		MinResistantPopSize: 1e6,

		NeutralPolicy:    NeutralSpawn,
		NeutralThreshold: 0.1,

		Output: OutputConfig{
			ResultsDir:     "results",
			ParamSet:       "1",
			RunNumber:      1,
			StatusInterval: 1000,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// ProlifLim is the density-dependent damping term: base proliferation
// minus death.
func (c *SimConfig) ProlifLim() float64 {
	return c.Pro - c.Die
}

// Load loads configuration from the default locations and environment variables.
// Order: defaults -> ~/.popln/config.yaml -> environment variables
func Load() (*SimConfig, error) {
	config := Default()

	homeDir, err := os.UserHomeDir()
	if err == nil {
		configPath := filepath.Join(homeDir, ".popln", "config.yaml")
		if _, statErr := os.Stat(configPath); statErr == nil {
			fileConfig, loadErr := LoadFromFile(configPath)
			if loadErr != nil {
				return nil, fmt.Errorf("loading config file: %w", loadErr)
			}
			config = fileConfig
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// LoadPath loads defaults, then the file at path, then environment
// overrides. An empty path behaves like Load.
func LoadPath(path string) (*SimConfig, error) {
	if path == "" {
		return Load()
	}
	config, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	applyEnvOverrides(config)
	return config, nil
}

// LoadFromFile loads configuration from a specific YAML file. Keys not
// present in the file keep their defaults.
func LoadFromFile(path string) (*SimConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Expand environment variables in paths
	config.SeedFile = expandEnvVars(config.SeedFile)
	config.Output.ResultsDir = expandEnvVars(config.Output.ResultsDir)
	config.Storage.DBPath = expandEnvVars(config.Storage.DBPath)
	config.Storage.ArchiveURI = expandEnvVars(config.Storage.ArchiveURI)

	return config, nil
}

// Marshal renders the configuration as YAML.
func (c *SimConfig) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidParameter, fmt.Sprintf(format, args...))
}

func unitInterval(name string, v float64) error {
	if v < 0 || v > 1 {
		return invalid("%s must be between 0 and 1, got %g", name, v)
	}
	return nil
}

// Validate checks that the configuration describes a simulation that can
// run. Every failure wraps ErrInvalidParameter.
func (c *SimConfig) Validate() error {
	for _, p := range []struct {
		name string
		v    float64
	}{
		{"pro", c.Pro},
		{"die", c.Die},
		{"mut", c.Mut},
		{"prob_mut_pos", c.ProbMutPos},
		{"prob_mut_neg", c.ProbMutNeg},
		{"prob_inc_mut", c.ProbIncMut},
		{"prob_dec_mut", c.ProbDecMut},
		{"resist_strength", c.ResistStrength},
	} {
		if err := unitInterval(p.name, p.v); err != nil {
			return err
		}
	}
	if c.Mut < 1e-10 {
		return invalid("mut must be at least 1e-10, got %g", c.Mut)
	}
	if c.ProbMutPos+c.ProbMutNeg > 1 {
		return invalid("prob_mut_pos + prob_mut_neg must not exceed 1, got %g", c.ProbMutPos+c.ProbMutNeg)
	}
	if c.ProbIncMut+c.ProbDecMut > 1 {
		return invalid("prob_inc_mut + prob_dec_mut must not exceed 1, got %g", c.ProbIncMut+c.ProbDecMut)
	}
	if c.Scale < 0 || c.MScale < 0 {
		return invalid("scale and mscale must be non-negative, got %g and %g", c.Scale, c.MScale)
	}

	if c.InitSize <= 0 {
		return invalid("init_size must be positive, got %d", c.InitSize)
	}
	if c.MaxSizeLim <= 0 {
		return invalid("max_size_lim must be positive, got %d", c.MaxSizeLim)
	}
	if c.MaxCycles <= 0 {
		return invalid("max_cycles must be positive, got %d", c.MaxCycles)
	}

	switch c.TreatmentType {
	case TreatmentSingle:
	case TreatmentMetronomic, TreatmentAdaptive:
		if c.TreatmentFreq < 1 {
			return invalid("treatment_freq must be at least 1 for %s treatment, got %d", c.TreatmentType, c.TreatmentFreq)
		}
	default:
		return invalid("unknown treatment_type %q (valid: single, metronomic, adaptive)", c.TreatmentType)
	}

	switch c.DecayType {
	case DecayConstant, DecayLinear, DecayExponential, "exponential":
	default:
		return invalid("unknown decay_type %q (valid: constant, linear, exp)", c.DecayType)
	}

	if c.DecayRate < 0 {
		return invalid("decay_rate must be non-negative, got %g", c.DecayRate)
	}
	if c.SelectPressure < 0 {
		return invalid("select_pressure must be non-negative, got %g", c.SelectPressure)
	}
	if c.MutagenicPressure < 0 {
		return invalid("mutagenic_pressure must be non-negative, got %g", c.MutagenicPressure)
	}
	if c.SelectTime < 0 {
		return invalid("select_time must be non-negative, got %d", c.SelectTime)
	}
	if c.AdaptiveThreshold < 0 || c.AdaptiveThreshold >= 1 {
		return invalid("adaptive_threshold must be in [0, 1), got %g", c.AdaptiveThreshold)
	}
	if c.AdaptiveIncrement < 0 {
		return invalid("adaptive_increment must be non-negative, got %g", c.AdaptiveIncrement)
	}
	if c.Resistance && c.MinResistantPopSize <= 0 {
		return invalid("min_resistant_pop_size must be positive, got %g", c.MinResistantPopSize)
	}

	switch c.NeutralPolicy {
	case "", NeutralSpawn, NeutralAbsorb:
	default:
		return invalid("unknown neutral_policy %q (valid: spawn, absorb)", c.NeutralPolicy)
	}
	if c.NeutralThreshold < 0 {
		return invalid("neutral_threshold must be non-negative, got %g", c.NeutralThreshold)
	}

	if c.InitDiversity && c.SeedFile == "" {
		return invalid("init_diversity requires seed_file")
	}
	if c.MaxRestarts < 0 {
		return invalid("max_restarts must be non-negative, got %d", c.MaxRestarts)
	}
	if c.Output.StatusInterval < 0 {
		return invalid("status_interval must be non-negative, got %d", c.Output.StatusInterval)
	}

	validLevels := map[string]bool{"info": true, "debug": true, "trace": true}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		return invalid("invalid log level: %s (valid: info, debug, trace, or empty for default)", c.Logging.Level)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(config *SimConfig) {
	if v := os.Getenv("POPLN_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}

	if v := os.Getenv("POPLN_SEED"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			config.Seed = n
		}
	}

	if v := os.Getenv("POPLN_MAX_CYCLES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.MaxCycles = n
		}
	}

	if v := os.Getenv("POPLN_MAX_SIZE_LIM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.MaxSizeLim = n
		}
	}

	if v := os.Getenv("POPLN_TREATMENT_TYPE"); v != "" {
		config.TreatmentType = v
	}

	if v := os.Getenv("POPLN_PRUNE_CLONES"); v != "" {
		config.PruneClones = v == "true" || v == "1"
	}

	if v := os.Getenv("POPLN_RESULTS_DIR"); v != "" {
		config.Output.ResultsDir = v
	}

	if v := os.Getenv("POPLN_DB_PATH"); v != "" {
		config.Storage.DBPath = v
	}

	if v := os.Getenv("POPLN_ARCHIVE_URI"); v != "" {
		config.Storage.ArchiveURI = v
	}

	// Standard AWS variables apply to s3:// archive URIs
	if v := os.Getenv("AWS_REGION"); v != "" && config.Storage.S3Region == "" {
		config.Storage.S3Region = v
	}
	if v := os.Getenv("POPLN_S3_ENDPOINT"); v != "" {
		config.Storage.S3Endpoint = v
	}
}

// expandEnvVars expands ${VAR} patterns in a string with environment variable values.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}

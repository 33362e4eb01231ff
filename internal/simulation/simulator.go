// Package simulation drives a tumour and its treatment through time,
// records per-cycle analytics and produces the end-of-run summary.
package simulation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nvandessel/popln/internal/config"
	"github.com/nvandessel/popln/internal/logging"
	"github.com/nvandessel/popln/internal/sampling"
	"github.com/nvandessel/popln/internal/treatment"
	"github.com/nvandessel/popln/internal/tumour"
)

// SizeTolerance is the fraction by which a treated tumour may exceed its
// size limit before the run ends as recovered.
const SizeTolerance = 0.05

// EndCondition is the reason a run stopped.
type EndCondition int

const (
	MaxCyclesReached EndCondition = iota
	SizeLimitExceeded
	DiedOut
)

// Message returns the end-of-run message for c.
func (c EndCondition) Message() string {
	switch c {
	case SizeLimitExceeded:
		return "Population exceeded size limit."
	case DiedOut:
		return "Population died out."
	default:
		return "Simulation reached maximum cycle limit."
	}
}

func (c EndCondition) String() string {
	switch c {
	case SizeLimitExceeded:
		return "size_limit_exceeded"
	case DiedOut:
		return "died_out"
	default:
		return "max_cycles"
	}
}

// Result describes a finished run.
type Result struct {
	EndCondition EndCondition  `json:"-"`
	Condition    string        `json:"end_condition"`
	Message      string        `json:"message"`
	Recovered    bool          `json:"recovered"`
	TotalCycles  int           `json:"total_cycles"`
	Elapsed      time.Duration `json:"-"`
	Restarts     int           `json:"restarts"`
	Summary      Summary       `json:"summary"`
}

// IntroductionHook is called once treatment has been introduced, before
// the tumour is updated for that cycle.
type IntroductionHook func(t int, tm *tumour.Tumour, tr *treatment.Treatment) error

// Simulator runs one tumour under one treatment.
type Simulator struct {
	cfg       *config.SimConfig
	sampler   sampling.Sampler
	tumour    *tumour.Tumour
	treatment *treatment.Treatment
	analytics *Analytics

	start    int
	log      *slog.Logger
	events   *logging.EventLog
	onIntro  IntroductionHook
	introErr error
	restored *treatment.State
	now      func() time.Time
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithLogger sets the logger for status lines and treatment events.
func WithLogger(l *slog.Logger) Option {
	return func(s *Simulator) {
		if l != nil {
			s.log = l
		}
	}
}

// WithEventLog records treatment and end-of-run events.
func WithEventLog(el *logging.EventLog) Option {
	return func(s *Simulator) { s.events = el }
}

// WithSampler replaces the seeded random source.
func WithSampler(smp sampling.Sampler) Option {
	return func(s *Simulator) { s.sampler = smp }
}

// WithIntroductionHook registers fn to run when treatment is introduced.
func WithIntroductionHook(fn IntroductionHook) Option {
	return func(s *Simulator) { s.onIntro = fn }
}

// WithTreatmentState continues a resumed run from a saved treatment state
// rather than a dormant one.
func WithTreatmentState(st treatment.State) Option {
	return func(s *Simulator) { s.restored = &st }
}

// WithClock replaces the wall clock used for elapsed time.
func WithClock(now func() time.Time) Option {
	return func(s *Simulator) { s.now = now }
}

func newSimulator(cfg *config.SimConfig, opts []Option) *Simulator {
	s := &Simulator{
		cfg:       cfg,
		analytics: &Analytics{},
		log:       logging.Discard(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sampler == nil {
		s.sampler = sampling.NewSampler(cfg.Seed)
	}
	return s
}

// New creates a simulator with a fresh tumour built from cfg.
func New(cfg *config.SimConfig, opts ...Option) (*Simulator, error) {
	s := newSimulator(cfg, opts)
	tm, err := tumour.New(cfg, s.sampler, tumour.WithLogger(s.log))
	if err != nil {
		return nil, fmt.Errorf("creating tumour: %w", err)
	}
	if err := s.attach(tm, 0); err != nil {
		return nil, err
	}
	return s, nil
}

// Resume creates a simulator that continues tm from cycle start. The
// tumour's random source should be the one passed with WithSampler.
func Resume(cfg *config.SimConfig, tm *tumour.Tumour, start int, opts ...Option) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := newSimulator(cfg, opts)
	if err := s.attach(tm, start); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Simulator) attach(tm *tumour.Tumour, start int) error {
	topts := []treatment.Option{treatment.WithObserver(s)}
	if s.restored != nil {
		topts = append(topts, treatment.WithState(*s.restored))
	}
	tr, err := treatment.New(s.cfg, topts...)
	if err != nil {
		return fmt.Errorf("creating treatment: %w", err)
	}
	s.tumour = tm
	s.treatment = tr
	s.start = start
	return nil
}

// Tumour returns the simulated tumour.
func (s *Simulator) Tumour() *tumour.Tumour { return s.tumour }

// Treatment returns the treatment state machine.
func (s *Simulator) Treatment() *treatment.Treatment { return s.treatment }

// Analytics returns the per-cycle series recorded so far.
func (s *Simulator) Analytics() *Analytics { return s.analytics }

// TreatmentIntroduced implements treatment.Observer.
func (s *Simulator) TreatmentIntroduced(t int, selectPressure, mutPressure float64, resistant int) {
	s.log.Info("treatment introduced", "cycle", t, "tumour_size", s.tumour.TumourSize(),
		"select_pressure", selectPressure, "mutagenic_pressure", mutPressure)
	s.events.Record(logging.EventTreatmentIntroduced, t, map[string]any{
		"tumour_size":        s.tumour.TumourSize(),
		"select_pressure":    selectPressure,
		"mutagenic_pressure": mutPressure,
	})
	if s.cfg.Resistance {
		s.events.Record(logging.EventResistanceGenerated, t, map[string]any{"count": resistant})
	}
	if s.onIntro != nil && s.introErr == nil {
		s.introErr = s.onIntro(t, s.tumour, s.treatment)
	}
}

// TreatmentReintroduced implements treatment.Observer.
func (s *Simulator) TreatmentReintroduced(t int, selectPressure, mutPressure, dose float64) {
	s.log.Debug("treatment reintroduced", "cycle", t, "dose", dose, "select_pressure", selectPressure)
	s.events.Record(logging.EventTreatmentReintroduced, t, map[string]any{
		"dose":               dose,
		"select_pressure":    selectPressure,
		"mutagenic_pressure": mutPressure,
		"tumour_size":        s.tumour.TumourSize(),
	})
}

// Step simulates cycle t: treatment first, then the tumour under the
// resulting pressure, then the analytics entry.
func (s *Simulator) Step(t int) error {
	if err := s.treatment.Update(s.tumour, t); err != nil {
		return err
	}
	if s.introErr != nil {
		err := s.introErr
		s.introErr = nil
		return fmt.Errorf("treatment introduction hook: %w", err)
	}

	s.tumour.Update(s.treatment.Pressure(), t)
	s.analytics.Record(s.tumour, s.treatment, t)
	if n := s.tumour.LastPruned(); n > 0 {
		s.events.Record(logging.EventClonesPruned, t, map[string]any{"removed": n})
	}

	if s.log.Enabled(context.Background(), logging.LevelTrace) {
		s.log.Log(context.Background(), logging.LevelTrace, "cycle",
			"t", t,
			"tumour_size", s.tumour.TumourSize(),
			"clones", s.tumour.CloneCount(),
			"avg_mut", s.tumour.AvgMutationRate(),
			"avg_prolif", s.tumour.AvgProliferationRate(),
			"select_pressure", s.treatment.SelectPressure())
	}
	if iv := s.cfg.Output.StatusInterval; iv > 0 && t%iv == 0 {
		s.log.Info("running", "cycle", t, "max_cycles", s.cfg.MaxCycles, "tumour_size", s.tumour.TumourSize())
	}
	return nil
}

// Run simulates until one end condition holds: the treated tumour exceeds
// its size limit, the tumour dies out, or max_cycles is reached.
func (s *Simulator) Run() (*Result, error) {
	began := s.now()
	res := &Result{EndCondition: MaxCyclesReached, TotalCycles: s.cfg.MaxCycles}

	for t := s.start; t < s.cfg.MaxCycles; t++ {
		if err := s.Step(t); err != nil {
			return nil, fmt.Errorf("cycle %d: %w", t, err)
		}
		if s.treatment.IsIntroduced() && s.tumour.ExceedsSizeLimit(s.cfg.MaxSizeLim, SizeTolerance) {
			res.EndCondition = SizeLimitExceeded
			res.TotalCycles = t
			res.Recovered = true
			break
		}
		if s.tumour.IsDead() {
			res.EndCondition = DiedOut
			res.TotalCycles = t
			break
		}
	}

	res.Elapsed = s.now().Sub(began)
	res.Condition = res.EndCondition.String()
	res.Message = res.EndCondition.Message()
	res.Summary = s.Summary(res.TotalCycles, res.Elapsed)

	s.log.Info("simulation ended", "end_condition", res.Condition, "cycles", res.TotalCycles,
		"tumour_size", s.tumour.TumourSize(), "elapsed", FormatHMS(res.Elapsed))
	s.events.Record(logging.EventRunFinished, res.TotalCycles, map[string]any{
		"end_condition": res.Condition,
		"tumour_size":   s.tumour.TumourSize(),
		"clones":        s.tumour.CloneCount(),
	})
	return res, nil
}

// crashTime is the cycle treatment was introduced, or the scheduled
// select time if it never was.
func (s *Simulator) crashTime() int {
	if t, ok := s.treatment.CrashTime(); ok {
		return t
	}
	return s.cfg.SelectTime
}

// Summary builds the end-of-run record.
func (s *Simulator) Summary(totalCycles int, elapsed time.Duration) Summary {
	cfg := s.cfg
	crash := s.crashTime()
	crashed := s.treatment.IsIntroduced() && s.analytics.WentThroughCrash(crash)
	recovered, kind, percent := Classify(s.tumour.TumourSize(), cfg.MaxSizeLim, crashed)

	sum := Summary{
		ParamSet:         cfg.Output.ParamSet,
		RunNumber:        cfg.Output.RunNumber,
		WentThroughCrash: crashed,
		Recovered:        recovered,
		RecoveryType:     kind,
		RecoveryPercent:  percent,
		ProlifRate:       cfg.Pro,
		DeathRate:        cfg.Die,
		MutRate:          cfg.Mut,
		SelectTime:       crash,
		SelectPressure:   cfg.SelectPressure,
		ProbBenMut:       cfg.ProbMutPos,
		ProbDelMut:       cfg.ProbMutNeg,
		ProbMutIncr:      cfg.ProbIncMut,
		ProbMutDecr:      cfg.ProbDecMut,
		ElapsedTime:      FormatHMS(elapsed),
		ElapsedCycles:    totalCycles,
	}
	if n := s.analytics.Len(); n > 0 {
		sum.PopSize = s.analytics.Population[n-1]
		sum.NumClones = s.analytics.Clones[n-1]
		sum.AvgMutRateAtEnd = s.analytics.Mutation[n-1]
		sum.AvgProlifRateAtEnd = s.analytics.Proliferation[n-1]
	}
	sum.PreCrashMin, sum.PreCrashMax = s.analytics.PrecrashMinMax(crash)
	if crashed {
		sum.PostCrashMin, sum.PostCrashMax = s.analytics.PostcrashMinMax(crash)
	}
	return sum
}

// Execute builds and runs a simulation, starting over with a new tumour
// when one dies out before treatment, up to cfg.MaxRestarts times.
func Execute(cfg *config.SimConfig, opts ...Option) (*Simulator, *Result, error) {
	probe := newSimulator(cfg, opts)
	opts = append(opts, WithSampler(probe.sampler))

	for restarts := 0; ; restarts++ {
		sim, err := New(cfg, opts...)
		if err != nil {
			return nil, nil, err
		}
		res, err := sim.Run()
		if err != nil {
			return sim, nil, err
		}
		res.Restarts = restarts
		if res.EndCondition == DiedOut && !sim.treatment.IsIntroduced() && restarts < cfg.MaxRestarts {
			sim.log.Info("restarting simulation: tumour died out before treatment", "restart", restarts+1)
			continue
		}
		return sim, res, nil
	}
}

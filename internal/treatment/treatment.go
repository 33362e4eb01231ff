// Package treatment models the selective and mutagenic pressure applied to
// a tumour: when it is introduced, how it decays and when it is given again.
package treatment

import (
	"fmt"

	"github.com/nvandessel/popln/internal/clone"
	"github.com/nvandessel/popln/internal/config"
)

// Population is the view of the tumour a treatment needs.
type Population interface {
	TumourSize() int
	ExceedsSizeLimit(limit int, tolerance float64) bool
	RecordTreatmentIntroduction(t int) (int, error)
}

// Observer is notified of treatment events.
type Observer interface {
	TreatmentIntroduced(t int, selectPressure, mutPressure float64, resistant int)
	TreatmentReintroduced(t int, selectPressure, mutPressure, dose float64)
}

// Treatment is a state machine that starts dormant with zero pressure, is
// introduced once, and from then on decays and is optionally reintroduced.
type Treatment struct {
	regime regime
	decay  Decay

	initSelect float64
	initMut    float64
	currSelect float64
	currMut    float64

	selectTime int
	crashTime  int
	lastDose   int
	introSize  int
	introduced bool

	auto       bool
	maxSizeLim int

	observer Observer
	restored *State
}

// Option configures a Treatment.
type Option func(*Treatment)

// WithObserver registers an observer for introduction events.
func WithObserver(o Observer) Option {
	return func(tr *Treatment) { tr.observer = o }
}

// New builds a dormant treatment from cfg.
func New(cfg *config.SimConfig, opts ...Option) (*Treatment, error) {
	kind, err := ParseKind(cfg.TreatmentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidParameter, err)
	}
	decayKind, err := ParseDecayKind(cfg.DecayType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidParameter, err)
	}
	if kind != Single && cfg.TreatmentFreq < 1 {
		return nil, fmt.Errorf("%w: treatment_freq must be at least 1, got %d", config.ErrInvalidParameter, cfg.TreatmentFreq)
	}

	tr := &Treatment{
		decay:      Decay{Kind: decayKind, Rate: cfg.DecayRate},
		initSelect: cfg.SelectPressure,
		initMut:    cfg.MutagenicPressure,
		selectTime: cfg.SelectTime,
		crashTime:  -1,
		lastDose:   -1,
		auto:       cfg.AutoTreatment,
		maxSizeLim: cfg.MaxSizeLim,
	}
	switch kind {
	case Single:
		tr.regime = singleDose{}
	case Metronomic:
		tr.regime = metronomic{freq: cfg.TreatmentFreq}
	case Adaptive:
		tr.regime = &adaptive{
			freq:      cfg.TreatmentFreq,
			increment: cfg.AdaptiveIncrement,
			threshold: cfg.AdaptiveThreshold,
			prevDose:  cfg.SelectPressure,
		}
	}
	for _, opt := range opts {
		opt(tr)
	}
	if tr.restored != nil {
		tr.restore(*tr.restored)
		tr.restored = nil
	}
	return tr, nil
}

// Update advances the treatment to cycle t. A dormant treatment is
// introduced at the scheduled cycle, or earlier when auto treatment is on
// and the tumour is over its size limit. An active treatment decays while
// pressure remains and is then reintroduced if its regime says so.
func (tr *Treatment) Update(popn Population, t int) error {
	if !tr.introduced {
		if t == tr.selectTime || (tr.auto && popn.ExceedsSizeLimit(tr.maxSizeLim, 0)) {
			return tr.introduce(popn, t)
		}
		return nil
	}

	if tr.currSelect > 0 {
		tr.currSelect = tr.decay.At(t)
	}
	if tr.regime.due(tr, t) {
		dose := tr.regime.reintroduce(tr, popn)
		tr.lastDose = t
		tr.decay.Init = tr.currSelect
		tr.decay.Start = t
		if tr.observer != nil {
			tr.observer.TreatmentReintroduced(t, tr.currSelect, tr.currMut, dose)
		}
	}
	return nil
}

func (tr *Treatment) introduce(popn Population, t int) error {
	tr.introduced = true
	tr.crashTime = t
	tr.lastDose = t
	tr.introSize = popn.TumourSize()
	tr.currSelect = tr.initSelect
	tr.currMut = tr.initMut
	tr.decay.Init = tr.initSelect
	tr.decay.Start = t

	resistant, err := popn.RecordTreatmentIntroduction(t)
	if err != nil {
		return fmt.Errorf("introducing treatment at cycle %d: %w", t, err)
	}
	tr.regime.introduced(popn)
	if tr.observer != nil {
		tr.observer.TreatmentIntroduced(t, tr.currSelect, tr.currMut, resistant)
	}
	return nil
}

// Pressure returns the pressure to apply to the tumour this cycle.
func (tr *Treatment) Pressure() clone.Pressure {
	return clone.Pressure{Select: tr.currSelect, Mutagenic: tr.currMut}
}

// Kind returns the treatment regime.
func (tr *Treatment) Kind() Kind { return tr.regime.kind() }

// IsIntroduced reports whether treatment has started.
func (tr *Treatment) IsIntroduced() bool { return tr.introduced }

// CrashTime returns the cycle of first introduction and whether it
// happened.
func (tr *Treatment) CrashTime() (int, bool) {
	return tr.crashTime, tr.introduced
}

// LastDoseTime returns the cycle of the latest (re)introduction, or -1.
func (tr *Treatment) LastDoseTime() int { return tr.lastDose }

// SelectTime returns the scheduled introduction cycle.
func (tr *Treatment) SelectTime() int { return tr.selectTime }

// SelectPressure returns the current selective pressure.
func (tr *Treatment) SelectPressure() float64 { return tr.currSelect }

// MutagenicPressure returns the current mutagenic pressure.
func (tr *Treatment) MutagenicPressure() float64 { return tr.currMut }

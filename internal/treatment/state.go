package treatment

// State is the part of a treatment that changes over a run. It lets a
// resumed simulation carry on with the treatment it was interrupted in
// instead of introducing it a second time.
type State struct {
	Regime            string  `json:"regime"`
	Introduced        bool    `json:"introduced"`
	CrashTime         int     `json:"crash_time"`
	LastDose          int     `json:"last_dose"`
	IntroSize         int     `json:"intro_size"`
	SelectPressure    float64 `json:"select_pressure"`
	MutagenicPressure float64 `json:"mutagenic_pressure"`
	DecayInit         float64 `json:"decay_init"`
	DecayStart        int     `json:"decay_start"`

	// Adaptive readings; only meaningful when Regime is adaptive.
	AdaptiveDose float64 `json:"adaptive_dose,omitempty"`
	SizeMinus1   int     `json:"size_minus1,omitempty"`
	SizeMinus2   int     `json:"size_minus2,omitempty"`
}

// WithState resumes the treatment from st. A dormant st leaves the
// treatment dormant. Pressures and dose times are taken from st; the
// regime, decay curve and initial doses still come from the configuration,
// so a resumed run may change them. Adaptive readings carry over only
// between adaptive regimes; otherwise they restart from the tumour size at
// introduction.
func WithState(st State) Option {
	return func(tr *Treatment) { tr.restored = &st }
}

// State returns the current treatment state.
func (tr *Treatment) State() State {
	st := State{
		Regime:            tr.regime.kind().String(),
		Introduced:        tr.introduced,
		CrashTime:         tr.crashTime,
		LastDose:          tr.lastDose,
		IntroSize:         tr.introSize,
		SelectPressure:    tr.currSelect,
		MutagenicPressure: tr.currMut,
		DecayInit:         tr.decay.Init,
		DecayStart:        tr.decay.Start,
	}
	if a, ok := tr.regime.(*adaptive); ok {
		st.AdaptiveDose = a.prevDose
		st.SizeMinus1 = a.sizeMinus1
		st.SizeMinus2 = a.sizeMinus2
	}
	return st
}

func (tr *Treatment) restore(st State) {
	if !st.Introduced {
		return
	}
	tr.introduced = true
	tr.crashTime = st.CrashTime
	tr.lastDose = st.LastDose
	tr.introSize = st.IntroSize
	tr.currSelect = st.SelectPressure
	tr.currMut = st.MutagenicPressure
	tr.decay.Init = st.DecayInit
	tr.decay.Start = st.DecayStart

	a, ok := tr.regime.(*adaptive)
	if !ok {
		return
	}
	if st.Regime == Adaptive.String() {
		a.prevDose = st.AdaptiveDose
		a.sizeMinus1 = st.SizeMinus1
		a.sizeMinus2 = st.SizeMinus2
		return
	}
	a.sizeMinus1 = st.IntroSize
	a.sizeMinus2 = st.IntroSize
}

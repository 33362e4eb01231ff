package treatment

import (
	"fmt"
	"math"

	"github.com/nvandessel/popln/internal/config"
)

// Kind names a treatment regime.
type Kind int

const (
	Single Kind = iota
	Metronomic
	Adaptive
)

func (k Kind) String() string {
	switch k {
	case Single:
		return config.TreatmentSingle
	case Metronomic:
		return config.TreatmentMetronomic
	case Adaptive:
		return config.TreatmentAdaptive
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind accepts "single", "metronomic" and "adaptive".
func ParseKind(s string) (Kind, error) {
	switch s {
	case config.TreatmentSingle:
		return Single, nil
	case config.TreatmentMetronomic:
		return Metronomic, nil
	case config.TreatmentAdaptive:
		return Adaptive, nil
	default:
		return 0, fmt.Errorf("unknown treatment type %q", s)
	}
}

// regime decides when and how a treatment is topped up after introduction.
type regime interface {
	kind() Kind
	introduced(popn Population)
	due(tr *Treatment, t int) bool
	// reintroduce raises the pressures and returns the selective dose added.
	reintroduce(tr *Treatment, popn Population) float64
}

type singleDose struct{}

func (singleDose) kind() Kind { return Single }

func (singleDose) introduced(Population) {}

func (singleDose) due(*Treatment, int) bool { return false }

func (singleDose) reintroduce(*Treatment, Population) float64 { return 0 }

// metronomic adds the initial dose again every freq cycles.
type metronomic struct {
	freq int
}

func (metronomic) kind() Kind { return Metronomic }

func (metronomic) introduced(Population) {}

func (m metronomic) due(tr *Treatment, t int) bool {
	return t-tr.lastDose >= m.freq
}

func (metronomic) reintroduce(tr *Treatment, _ Population) float64 {
	tr.currSelect += tr.initSelect
	tr.currMut += tr.initMut
	return tr.initSelect
}

// adaptive checks the tumour every freq cycles and adjusts the dose by
// increment depending on whether it shrank or grew over the last two
// intervals. Mutagenic pressure is not topped up.
type adaptive struct {
	freq      int
	increment float64
	threshold float64

	prevDose   float64
	sizeMinus1 int
	sizeMinus2 int
}

func (*adaptive) kind() Kind { return Adaptive }

func (a *adaptive) introduced(popn Population) {
	a.sizeMinus1 = popn.TumourSize()
	a.sizeMinus2 = a.sizeMinus1
}

func (a *adaptive) due(tr *Treatment, t int) bool {
	return t-tr.lastDose >= a.freq
}

func (a *adaptive) reintroduce(tr *Treatment, popn Population) float64 {
	size := popn.TumourSize()
	delta1 := ratio(a.sizeMinus1, a.sizeMinus2)
	delta2 := ratio(size, a.sizeMinus1)

	dose := a.dose(delta1, delta2)
	tr.currSelect += dose
	a.prevDose = dose
	a.sizeMinus2 = a.sizeMinus1
	a.sizeMinus1 = size
	return dose
}

func (a *adaptive) dose(delta1, delta2 float64) float64 {
	grow := 1 + a.threshold
	shrink := 1 - a.threshold
	switch {
	case delta1 < shrink && delta2 < shrink:
		return math.Max(0, a.prevDose-a.increment)
	case delta1 > grow && delta2 > grow:
		return a.prevDose + a.increment
	default:
		return a.prevDose
	}
}

// ratio returns num/den, treating growth from an empty tumour as unbounded
// and an empty tumour staying empty as no change.
func ratio(num, den int) float64 {
	if den == 0 {
		if num == 0 {
			return 1
		}
		return math.Inf(1)
	}
	return float64(num) / float64(den)
}

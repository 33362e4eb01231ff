// Package mutation defines mutation events, how their effects are drawn,
// and the registry that indexes every mutation generated in a run.
package mutation

import (
	"fmt"
	"math"
	"strings"

	"github.com/nvandessel/popln/internal/sampling"
)

// Type classifies a mutation by its effect on proliferation.
type Type int

const (
	Beneficial Type = iota
	Neutral
	Deleterious
	Resistant
)

// Types lists every mutation type in bucket order.
var Types = [...]Type{Beneficial, Neutral, Deleterious, Resistant}

func (t Type) String() string {
	switch t {
	case Beneficial:
		return "beneficial"
	case Neutral:
		return "neutral"
	case Deleterious:
		return "deleterious"
	case Resistant:
		return "resistant"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// Code returns the one-letter code used in persisted snapshots.
func (t Type) Code() string {
	switch t {
	case Beneficial:
		return "b"
	case Neutral:
		return "n"
	case Deleterious:
		return "d"
	case Resistant:
		return "r"
	default:
		return "?"
	}
}

func (t Type) valid() bool {
	return t >= Beneficial && t <= Resistant
}

// ParseType accepts either the long name or the one-letter code.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "b", "beneficial":
		return Beneficial, nil
	case "n", "neutral":
		return Neutral, nil
	case "d", "deleterious":
		return Deleterious, nil
	case "r", "resistant":
		return Resistant, nil
	default:
		return 0, fmt.Errorf("unknown mutation type %q", s)
	}
}

// TypeForEffect classifies a proliferation-rate effect by its sign.
func TypeForEffect(prolifEffect float64) Type {
	switch {
	case prolifEffect > 0:
		return Beneficial
	case prolifEffect < 0:
		return Deleterious
	default:
		return Neutral
	}
}

// Mutation is a single mutation event. Its effects never change after
// creation; only its Type may move to Resistant, once.
type Mutation struct {
	ID               int64
	Type             Type
	ProlifRateEffect float64
	MutRateEffect    float64

	// ResistStrength is nil until the mutation becomes a resistance mutation.
	ResistStrength *float64

	// OriginalClone is the id of the clone this mutation founded (or was
	// absorbed into). It is a lookup key, not an owning reference.
	OriginalClone int64
}

// Strength returns the resistance strength, or 0 if the mutation does not
// confer resistance.
func (m *Mutation) Strength() float64 {
	if m.ResistStrength == nil {
		return 0
	}
	return *m.ResistStrength
}

// EffectParams holds the scale factors and direction probabilities used to
// draw mutation effects. Scales are already multiplied by the base rates.
type EffectParams struct {
	ProlifScale float64 // scale × base proliferation rate
	MutScale    float64 // mscale × base mutation rate
	ProbMutPos  float64
	ProbMutNeg  float64
	ProbIncMut  float64
	ProbDecMut  float64
}

// Effect draws a signed mutation effect.
//
// The magnitude is Beta(1,3) × scale, so most effects are small with a long
// tail. A uniform draw shifted by probNeg selects the sign: negative with
// probability probNeg, forced to zero with probability 1-probPos-probNeg,
// positive otherwise.
func Effect(s sampling.Sampler, scale, probPos, probNeg float64) float64 {
	magnitude := s.Beta(1, 3) * scale

	selector := s.Uniform() - probNeg
	probNeutral := 1 - probPos - probNeg
	if selector >= 0 && selector < probNeutral {
		magnitude = 0
	}
	return math.Copysign(magnitude, selector)
}

// New draws a mutation for clone cloneID. The proliferation and mutation
// rate effects are drawn independently; the type follows the sign of the
// proliferation effect.
func New(s sampling.Sampler, id int64, p EffectParams, cloneID int64) *Mutation {
	prolif := Effect(s, p.ProlifScale, p.ProbMutPos, p.ProbMutNeg)
	mut := Effect(s, p.MutScale, p.ProbIncMut, p.ProbDecMut)
	return &Mutation{
		ID:               id,
		Type:             TypeForEffect(prolif),
		ProlifRateEffect: prolif,
		MutRateEffect:    mut,
		OriginalClone:    cloneID,
	}
}

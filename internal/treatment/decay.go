package treatment

import (
	"fmt"
	"math"

	"github.com/nvandessel/popln/internal/config"
)

// DecayKind selects the curve selective pressure follows after each
// (re)introduction.
type DecayKind int

const (
	DecayConstant DecayKind = iota
	DecayLinear
	DecayExponential
)

func (k DecayKind) String() string {
	switch k {
	case DecayConstant:
		return config.DecayConstant
	case DecayLinear:
		return config.DecayLinear
	case DecayExponential:
		return config.DecayExponential
	default:
		return fmt.Sprintf("DecayKind(%d)", int(k))
	}
}

// ParseDecayKind accepts "constant", "linear", "exp" and "exponential".
func ParseDecayKind(s string) (DecayKind, error) {
	switch s {
	case config.DecayConstant:
		return DecayConstant, nil
	case config.DecayLinear:
		return DecayLinear, nil
	case config.DecayExponential, "exponential":
		return DecayExponential, nil
	default:
		return 0, fmt.Errorf("unknown decay type %q", s)
	}
}

// Decay is a pressure curve anchored at the cycle it was started.
type Decay struct {
	Kind  DecayKind
	Rate  float64
	Init  float64 // pressure at Start
	Start int
}

// At returns the pressure at cycle t. Linear decay bottoms out at zero.
func (d Decay) At(t int) float64 {
	elapsed := float64(t - d.Start)
	if elapsed <= 0 {
		return d.Init
	}

	switch d.Kind {
	case DecayLinear:
		return math.Max(0, d.Init-d.Rate*elapsed)
	case DecayExponential:
		return d.Init * math.Exp(-d.Rate*elapsed)
	default:
		return d.Init
	}
}

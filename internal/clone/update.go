package clone

import (
	"fmt"
	"math"
	"strings"

	"github.com/nvandessel/popln/internal/mutation"
)

// NeutralPolicy decides what happens to a mutation with a small effect.
type NeutralPolicy int

const (
	// SpawnAlways founds a new child clone for every mutation.
	SpawnAlways NeutralPolicy = iota
	// AbsorbSmall applies mutations whose relative effect on both rates is
	// under the threshold to the mutating clone itself.
	AbsorbSmall
)

func (p NeutralPolicy) String() string {
	switch p {
	case SpawnAlways:
		return "spawn"
	case AbsorbSmall:
		return "absorb"
	default:
		return fmt.Sprintf("NeutralPolicy(%d)", int(p))
	}
}

// ParseNeutralPolicy parses "spawn" or "absorb".
func ParseNeutralPolicy(s string) (NeutralPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "spawn":
		return SpawnAlways, nil
	case "absorb":
		return AbsorbSmall, nil
	default:
		return 0, fmt.Errorf("unknown neutral policy %q", s)
	}
}

// DefaultNeutralThreshold is the relative effect below which AbsorbSmall
// keeps a mutation in place.
const DefaultNeutralThreshold = 0.1

// Policy holds the run-wide parameters of mutation effects.
type Policy struct {
	// ProlifScale is scale × base proliferation rate.
	ProlifScale float64
	// BaseMutationRate is multiplied by each clone's MutScale to give the
	// scale of mutation-rate effects.
	BaseMutationRate float64

	Neutral          NeutralPolicy
	NeutralThreshold float64
}

func (p Policy) effectParams(c *Clone) mutation.EffectParams {
	return mutation.EffectParams{
		ProlifScale: p.ProlifScale,
		MutScale:    c.MutScale * p.BaseMutationRate,
		ProbMutPos:  c.Probs.MutPos,
		ProbMutNeg:  c.Probs.MutNeg,
		ProbIncMut:  c.Probs.IncMut,
		ProbDecMut:  c.Probs.DecMut,
	}
}

// absorbs reports whether m is small enough, relative to c's rates, to be
// kept in place.
func (p Policy) absorbs(c *Clone, m *mutation.Mutation) bool {
	if p.Neutral != AbsorbSmall {
		return false
	}
	return relative(m.ProlifRateEffect, c.ProliferationRate) < p.NeutralThreshold &&
		relative(m.MutRateEffect, c.MutationRate) < p.NeutralThreshold
}

func relative(effect, rate float64) float64 {
	if effect == 0 {
		return 0
	}
	if rate == 0 {
		return math.Inf(1)
	}
	return math.Abs(effect / rate)
}

// Pressure is the treatment pressure applied during one cycle.
type Pressure struct {
	Select    float64 // subtracted from proliferation
	Mutagenic float64 // multiplies the mutation rate when non-zero
}

// selectOn returns the selective pressure felt by c. Resistant clones are
// shielded in proportion to their resistance strength.
func (p Pressure) selectOn(c *Clone) float64 {
	if c.Resistant {
		return p.Select * (1 - c.ResistStrength)
	}
	return p.Select
}

// Totals aggregates one cycle's update over a subtree.
type Totals struct {
	Size      int     // live cells, spawned children included
	Clones    int     // live clones, spawned children included
	MutAgg    float64 // Σ mutation_rate × size over pre-existing live clones
	ProlifAgg float64 // Σ (proliferation_rate − prolifAdj) × size, same clones
}

// Update advances the whole tree by one cycle.
func (t *Tree) Update(p Pressure, cycle int, prolifAdj float64) Totals {
	return t.UpdateFrom(t.root, p, cycle, prolifAdj)
}

// UpdateFrom advances the subtree rooted at c by one cycle.
//
// The set of clones to update is fixed before any of them spawns, so a
// child founded this cycle starts updating on the next one. The traversal
// uses an explicit stack; tree depth is unbounded over long runs.
func (t *Tree) UpdateFrom(c *Clone, p Pressure, cycle int, prolifAdj float64) Totals {
	var pending []*Clone
	stack := []*Clone{c}
	for len(stack) > 0 {
		n := len(stack) - 1
		next := stack[n]
		stack = stack[:n]
		pending = append(pending, next)
		for i := len(next.Children) - 1; i >= 0; i-- {
			stack = append(stack, next.Children[i])
		}
	}

	var tot Totals
	for _, cl := range pending {
		t.updateOne(cl, p, cycle, prolifAdj, &tot)
	}
	return tot
}

func (t *Tree) updateOne(c *Clone, p Pressure, cycle int, prolifAdj float64, tot *Totals) {
	if c.IsDeadEnd() {
		c.markDead(cycle)
		return
	}

	var mutated int
	if !c.IsDead() {
		effProlif := c.ProliferationRate - prolifAdj - p.selectOn(c)
		effMut := c.MutationRate
		if p.Mutagenic != 0 {
			effMut *= p.Mutagenic
		}

		dead := t.s.Binomial(c.Size, c.DeathRate)
		born := 0
		if effProlif > 0 {
			born = t.s.Binomial(c.Size, effProlif)
		}
		c.Size += born - dead
		if born > 0 && effMut > 0 {
			mutated = t.s.Binomial(born, effMut)
		}
	}

	if c.IsDead() {
		c.markDead(cycle)
		return
	}

	for range mutated {
		if t.mutate(c, cycle) {
			tot.Size++
			tot.Clones++
		}
	}

	if c.Size > 0 {
		tot.Size += c.Size
		tot.Clones++
		tot.MutAgg += c.MutationRate * float64(c.Size)
		tot.ProlifAgg += (c.ProliferationRate - prolifAdj) * float64(c.Size)
	} else {
		c.markDead(cycle)
	}
}

// mutate draws one mutation in c. It reports whether a child was spawned;
// otherwise the mutation was absorbed into c.
func (t *Tree) mutate(c *Clone, cycle int) bool {
	m := mutation.New(t.s, t.reg.NextID(), t.policy.effectParams(c), c.ID)

	if t.policy.absorbs(c, m) {
		c.ProliferationRate = clamp(c.ProliferationRate+m.ProlifRateEffect, MinProliferationRate, MaxProliferationRate)
		c.MutationRate = clamp(c.MutationRate+m.MutRateEffect, MinMutationRate, MaxMutationRate)
		c.Mutations.Add(m)
		t.registerMutation(m)
		return false
	}

	t.spawn(c, m, cycle)
	return true
}

// spawn founds a child of parent carrying m, moving one cell out of the
// parent.
func (t *Tree) spawn(parent *Clone, m *mutation.Mutation, cycle int) *Clone {
	child := &Clone{
		ID:                t.allocID(),
		ParentID:          parent.ID,
		ProliferationRate: clamp(parent.ProliferationRate+m.ProlifRateEffect, MinProliferationRate, MaxProliferationRate),
		MutationRate:      clamp(parent.MutationRate+m.MutRateEffect, MinMutationRate, MaxMutationRate),
		DeathRate:         parent.DeathRate,
		Size:              1,
		Depth:             parent.Depth + 1,
		BirthTime:         cycle,
		BranchLength:      cycle - parent.BirthTime,
		Tag:               parent.Tag,
		Probs:             parent.Probs,
		MutScale:          parent.MutScale,
		Mutations:         parent.Mutations.Clone(),
	}
	m.OriginalClone = child.ID
	child.Mutations.Add(m)
	child.refreshResistance()
	t.registerMutation(m)

	parent.Size--
	parent.Children = append(parent.Children, child)
	t.register(child)
	return child
}

// registerMutation adds a freshly drawn mutation to the registry. Its id
// comes from the registry's own NextID, so a rejection means the registry
// is corrupt.
func (t *Tree) registerMutation(m *mutation.Mutation) {
	if err := t.reg.Add(m); err != nil {
		panic(fmt.Sprintf("clone: registry rejected new mutation: %v", err))
	}
}

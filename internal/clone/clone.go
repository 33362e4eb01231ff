// Package clone implements the clone tree: genetically homogeneous cell
// populations linked parent to child by the mutation that founded them,
// and the per-cycle stochastic update that grows, kills and spawns them.
package clone

import "github.com/nvandessel/popln/internal/mutation"

// Rate bounds applied whenever a mutation changes a clone's rates.
const (
	MinProliferationRate = 0.0
	MaxProliferationRate = 1.0
	MinMutationRate      = 1e-10
	MaxMutationRate      = 1.0
)

// Probs are the direction probabilities a clone uses when drawing the
// effects of its own mutations. Children inherit them unchanged.
type Probs struct {
	MutPos float64 `json:"prob_mut_pos"`
	MutNeg float64 `json:"prob_mut_neg"`
	IncMut float64 `json:"prob_inc_mut"`
	DecMut float64 `json:"prob_dec_mut"`
}

// Clone is one node of the tree. Size counts only the clone's own cells,
// never those of its descendants.
type Clone struct {
	ID       int64
	ParentID int64 // 0 for the root

	ProliferationRate float64
	MutationRate      float64
	DeathRate         float64

	Size         int
	PrecrashSize int

	Depth        int
	BirthTime    int
	DeathTime    *int
	BranchLength int

	// Tag is the colour of the seed lineage the clone descends from.
	Tag string

	Probs    Probs
	MutScale float64 // multiplier on the base mutation rate for mutation-rate effects

	Mutations      mutation.Buckets
	Resistant      bool
	ResistStrength float64

	Children []*Clone
}

// IsDead reports whether the clone has no live cells.
func (c *Clone) IsDead() bool {
	return c.Size <= 0
}

// HasChildren reports whether the clone has spawned any child.
func (c *Clone) HasChildren() bool {
	return len(c.Children) > 0
}

// IsDeadEnd reports whether the clone is dead and has no children, which
// makes it eligible for pruning.
func (c *Clone) IsDeadEnd() bool {
	return c.IsDead() && !c.HasChildren()
}

// markDead clamps the size to zero and records the first cycle at which
// the clone was seen dead.
func (c *Clone) markDead(t int) {
	c.Size = 0
	if c.DeathTime == nil {
		dt := t
		c.DeathTime = &dt
	}
}

// refreshResistance derives Resistant and ResistStrength from the
// resistant bucket.
func (c *Clone) refreshResistance() {
	c.Resistant = c.Mutations.Len(mutation.Resistant) > 0
	c.ResistStrength = c.Mutations.MaxStrength()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

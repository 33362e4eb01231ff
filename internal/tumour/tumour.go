// Package tumour holds the population-level view of a simulation: the
// clone tree, its aggregates and the response to treatment.
package tumour

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/nvandessel/popln/internal/clone"
	"github.com/nvandessel/popln/internal/config"
	"github.com/nvandessel/popln/internal/logging"
	"github.com/nvandessel/popln/internal/mutation"
	"github.com/nvandessel/popln/internal/sampling"
)

// ErrSeedFile marks a heterogeneous seed file that is missing or malformed.
var ErrSeedFile = errors.New("seed file unavailable")

// RootTag is the colour given to a homogeneous founding clone.
const RootTag = "base"

// Stats are the scalar population statistics carried in a snapshot.
type Stats struct {
	TumourSize           int     `json:"tumour_size"`
	CloneCount           int     `json:"clone_count"`
	AvgMutationRate      float64 `json:"avg_mutation_rate"`
	AvgProliferationRate float64 `json:"avg_proliferation_rate"`
	// ResistanceGenerated is set once resistance mutations have been drawn.
	ResistanceGenerated bool `json:"resistance_generated,omitempty"`
}

// Tumour is the whole cell population. Size and clone count are recomputed
// from a full traversal every cycle.
type Tumour struct {
	tree *clone.Tree

	size       int
	cloneCount int
	avgMut     float64
	avgProlif  float64
	prolifAdj  float64
	lastPruned int

	maxSizeLim int
	prolifLim  float64
	prune      bool

	resistance     bool
	numResist      int
	resistStrength float64
	minResistPop   float64
	resistDrawn    bool

	log *slog.Logger
}

// Option configures a Tumour.
type Option func(*Tumour)

// WithLogger sets the logger used for pruning and resistance messages.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tumour) {
		if l != nil {
			t.log = l
		}
	}
}

// PolicyFor derives the clone spawning policy from cfg.
func PolicyFor(cfg *config.SimConfig) (clone.Policy, error) {
	neutral, err := clone.ParseNeutralPolicy(cfg.NeutralPolicy)
	if err != nil {
		return clone.Policy{}, fmt.Errorf("%w: %v", config.ErrInvalidParameter, err)
	}
	return clone.Policy{
		ProlifScale:      cfg.Scale * cfg.Pro,
		BaseMutationRate: cfg.Mut,
		Neutral:          neutral,
		NeutralThreshold: cfg.NeutralThreshold,
	}, nil
}

// RootProbs returns the direction probabilities configured for the
// founding clone.
func RootProbs(cfg *config.SimConfig) clone.Probs {
	return clone.Probs{
		MutPos: cfg.ProbMutPos,
		MutNeg: cfg.ProbMutNeg,
		IncMut: cfg.ProbIncMut,
		DecMut: cfg.ProbDecMut,
	}
}

// New builds a tumour from cfg. A homogeneous tumour is a single founding
// clone of init_size cells. With init_diversity the founding clone is empty
// and every row of the seed file becomes a depth-1 child of init_size cells.
func New(cfg *config.SimConfig, s sampling.Sampler, opts ...Option) (*Tumour, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := PolicyFor(cfg)
	if err != nil {
		return nil, err
	}

	root := &clone.Clone{
		ProliferationRate: cfg.Pro,
		MutationRate:      cfg.Mut,
		DeathRate:         cfg.Die,
		Size:              cfg.InitSize,
		Tag:               RootTag,
		Probs:             RootProbs(cfg),
		MutScale:          cfg.MScale,
	}

	var seeds []SeedClone
	if cfg.InitDiversity {
		seeds, err = LoadSeedFile(cfg.SeedFile)
		if err != nil {
			return nil, err
		}
		root.Size = 0
	}

	tree := clone.NewTree(root, mutation.NewRegistry(), s, policy)
	for _, sc := range seeds {
		child := sc.clone(cfg)
		if err := tree.Attach(root, child); err != nil {
			return nil, fmt.Errorf("attaching seed clone: %w", err)
		}
	}

	t := newTumour(cfg, tree, opts)
	t.recount()
	return t, nil
}

// FromState rebuilds a tumour around an already restored tree using the
// persisted population statistics.
func FromState(cfg *config.SimConfig, tree *clone.Tree, st Stats, opts ...Option) (*Tumour, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := newTumour(cfg, tree, opts)
	t.size = st.TumourSize
	t.cloneCount = st.CloneCount
	t.avgMut = st.AvgMutationRate
	t.avgProlif = st.AvgProliferationRate
	t.resistDrawn = st.ResistanceGenerated
	t.prolifAdj = t.adjustment()
	return t, nil
}

func newTumour(cfg *config.SimConfig, tree *clone.Tree, opts []Option) *Tumour {
	t := &Tumour{
		tree:           tree,
		maxSizeLim:     cfg.MaxSizeLim,
		prolifLim:      cfg.ProlifLim(),
		prune:          cfg.PruneClones,
		resistance:     cfg.Resistance,
		numResist:      cfg.NumResistMutns,
		resistStrength: cfg.ResistStrength,
		minResistPop:   cfg.MinResistantPopSize,
		log:            logging.Discard(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// recount recomputes size, clone count and averages from the tree without
// advancing it.
func (t *Tumour) recount() {
	var size, clones int
	var mutAgg, prolifAgg float64
	t.tree.Walk(func(c *clone.Clone) {
		if c.Size <= 0 {
			return
		}
		size += c.Size
		clones++
		mutAgg += c.MutationRate * float64(c.Size)
		prolifAgg += c.ProliferationRate * float64(c.Size)
	})
	t.size, t.cloneCount = size, clones
	t.prolifAdj = t.adjustment()
	if size > 0 {
		t.avgMut = mutAgg / float64(size)
		t.avgProlif = prolifAgg/float64(size) - t.prolifAdj
	}
}

func (t *Tumour) adjustment() float64 {
	return float64(t.size) / float64(t.maxSizeLim) * t.prolifLim
}

// Update advances the tumour by one cycle under pressure p.
func (t *Tumour) Update(p clone.Pressure, cycle int) {
	t.lastPruned = 0
	if t.prune {
		t.lastPruned = t.tree.Prune()
		if t.lastPruned > 0 {
			t.log.Debug("pruned dead-end clones", "cycle", cycle, "removed", t.lastPruned)
		}
	}

	t.prolifAdj = t.adjustment()
	tot := t.tree.Update(p, cycle, t.prolifAdj)

	t.size = tot.Size
	t.cloneCount = tot.Clones
	if tot.Size > 0 {
		t.avgMut = tot.MutAgg / float64(tot.Size)
		t.avgProlif = tot.ProlifAgg / float64(tot.Size)
	}
}

// TumourSize returns the number of live cells.
func (t *Tumour) TumourSize() int { return t.size }

// CloneCount returns the number of live clones.
func (t *Tumour) CloneCount() int { return t.cloneCount }

// AvgMutationRate returns the size-weighted mean intrinsic mutation rate.
func (t *Tumour) AvgMutationRate() float64 { return t.avgMut }

// AvgProliferationRate returns the size-weighted mean of proliferation rate
// minus the density adjustment.
func (t *Tumour) AvgProliferationRate() float64 { return t.avgProlif }

// ProlifAdj returns the density adjustment used in the latest cycle.
func (t *Tumour) ProlifAdj() float64 { return t.prolifAdj }

// LastPruned returns how many clones the latest Update pruned.
func (t *Tumour) LastPruned() int { return t.lastPruned }

// MaxSizeLim returns the configured size limit.
func (t *Tumour) MaxSizeLim() int { return t.maxSizeLim }

// Tree returns the clone tree.
func (t *Tumour) Tree() *clone.Tree { return t.tree }

// Stats returns the scalar statistics persisted in snapshots.
func (t *Tumour) Stats() Stats {
	return Stats{
		TumourSize:           t.size,
		CloneCount:           t.cloneCount,
		AvgMutationRate:      t.avgMut,
		AvgProliferationRate: t.avgProlif,
		ResistanceGenerated:  t.resistDrawn,
	}
}

// IsDead reports whether no live cells remain.
func (t *Tumour) IsDead() bool {
	return t.size <= 0
}

// ExceedsSizeLimit reports whether the tumour is larger than limit by more
// than the fractional tolerance.
func (t *Tumour) ExceedsSizeLimit(limit int, tolerance float64) bool {
	return float64(t.size) > float64(limit)*(1+tolerance)
}

// RecordTreatmentIntroduction snapshots pre-crash sizes and, when
// resistance is modelled, turns existing deleterious and neutral mutations
// into resistance mutations. It returns how many were converted.
// Resistance is drawn once per tumour: a later introduction, such as a
// fresh treatment on a resumed tumour, converts nothing.
func (t *Tumour) RecordTreatmentIntroduction(cycle int) (int, error) {
	t.tree.SnapshotPrecrash()
	if !t.resistance {
		return 0, nil
	}
	if t.resistDrawn {
		t.log.Info("resistance already generated; skipping", "cycle", cycle)
		return 0, nil
	}
	t.resistDrawn = true

	reg := t.tree.Registry()
	pool := reg.DeleteriousAndNeutral()
	s := t.tree.Sampler()

	n := t.numResist
	if n < 0 {
		n = mutation.ResistantCount(s, len(pool), float64(t.size), t.minResistPop)
	}
	chosen := mutation.ChooseResistant(s, pool, n)
	for _, m := range chosen {
		if err := t.tree.MakeResistant(m, t.resistStrength); err != nil {
			return 0, fmt.Errorf("generating resistance: %w", err)
		}
	}

	t.log.Info("resistance mutations generated", "cycle", cycle, "count", len(chosen), "pool", len(pool))
	return len(chosen), nil
}

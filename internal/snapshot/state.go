// Package snapshot persists a tumour as flat clone and mutation rows and
// rebuilds it again. Rows are stored breadth-first so the tree can be
// reconstructed from parent ids and child counts alone.
package snapshot

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/nvandessel/popln/internal/clone"
	"github.com/nvandessel/popln/internal/config"
	"github.com/nvandessel/popln/internal/mutation"
	"github.com/nvandessel/popln/internal/sampling"
	"github.com/nvandessel/popln/internal/treatment"
	"github.com/nvandessel/popln/internal/tumour"
)

// StateVersion is the layout version written by Capture.
const StateVersion = 1

// ErrStructure marks a snapshot whose rows do not describe a valid tree.
var ErrStructure = errors.New("malformed snapshot")

// State is a complete persisted tumour.
type State struct {
	Version   int               `json:"version"`
	CreatedAt time.Time         `json:"created_at"`
	Cycle     int               `json:"cycle"`
	Config    *config.SimConfig `json:"config,omitempty"`
	Stats     tumour.Stats      `json:"params"`
	Treatment *treatment.State  `json:"treatment,omitempty"`
	Clones    []CloneRow        `json:"clones"`
	Mutations []MutationRow     `json:"mutations"`
}

// CloneRow is one clone. ParentID is nil for the root. Mutations maps a
// one-letter type code to the ids carried in that bucket, in bucket order.
type CloneRow struct {
	CloneID        int64              `json:"clone_id"`
	ParentID       *int64             `json:"parent_id"`
	NumChildren    int                `json:"num_children"`
	ProlifRate     float64            `json:"prolif_rate"`
	MutRate        float64            `json:"mut_rate"`
	DeathRate      float64            `json:"death_rate"`
	Size           int                `json:"size"`
	PrecrashSize   int                `json:"precrash_size"`
	Depth          int                `json:"depth"`
	STime          int                `json:"s_time"`
	DTime          *int               `json:"d_time"`
	BranchLength   int                `json:"branch_length"`
	IsResistant    bool               `json:"is_resistant"`
	ResistStrength float64            `json:"resist_strength"`
	Colour         string             `json:"colour"`
	Probs          clone.Probs        `json:"probs"`
	MutScale       float64            `json:"mut_scale"`
	Mutations      map[string][]int64 `json:"mutations"`
}

// MutationRow is one registered mutation.
type MutationRow struct {
	MutID            int64    `json:"mut_id"`
	MutType          string   `json:"mut_type"`
	ProlifRateEffect float64  `json:"prolif_rate_effect"`
	MutRateEffect    float64  `json:"mut_rate_effect"`
	ResistStrength   *float64 `json:"resist_strength"`
	OriginalCloneID  int64    `json:"original_clone_id"`
}

// Capture records tm and the treatment acting on it at the given cycle.
// tr and cfg may be nil.
func Capture(tm *tumour.Tumour, tr *treatment.Treatment, cfg *config.SimConfig, cycle int) *State {
	st := &State{
		Version:   StateVersion,
		CreatedAt: time.Now().UTC(),
		Cycle:     cycle,
		Config:    cfg,
		Stats:     tm.Stats(),
	}
	if tr != nil {
		ts := tr.State()
		st.Treatment = &ts
	}

	tm.Tree().Walk(func(c *clone.Clone) {
		st.Clones = append(st.Clones, cloneRow(c))
	})

	muts := tm.Tree().Registry().All()
	slices.SortFunc(muts, func(a, b *mutation.Mutation) int {
		return cmp.Compare(a.ID, b.ID)
	})
	for _, m := range muts {
		row := MutationRow{
			MutID:            m.ID,
			MutType:          m.Type.Code(),
			ProlifRateEffect: m.ProlifRateEffect,
			MutRateEffect:    m.MutRateEffect,
			OriginalCloneID:  m.OriginalClone,
		}
		if m.ResistStrength != nil {
			v := *m.ResistStrength
			row.ResistStrength = &v
		}
		st.Mutations = append(st.Mutations, row)
	}
	return st
}

func cloneRow(c *clone.Clone) CloneRow {
	row := CloneRow{
		CloneID:        c.ID,
		NumChildren:    len(c.Children),
		ProlifRate:     c.ProliferationRate,
		MutRate:        c.MutationRate,
		DeathRate:      c.DeathRate,
		Size:           c.Size,
		PrecrashSize:   c.PrecrashSize,
		Depth:          c.Depth,
		STime:          c.BirthTime,
		BranchLength:   c.BranchLength,
		IsResistant:    c.Resistant,
		ResistStrength: c.ResistStrength,
		Colour:         c.Tag,
		Probs:          c.Probs,
		MutScale:       c.MutScale,
		Mutations:      make(map[string][]int64),
	}
	if c.ParentID != 0 {
		pid := c.ParentID
		row.ParentID = &pid
	}
	if c.DeathTime != nil {
		dt := *c.DeathTime
		row.DTime = &dt
	}
	for _, typ := range mutation.Types {
		for _, m := range c.Mutations.Of(typ) {
			row.Mutations[typ.Code()] = append(row.Mutations[typ.Code()], m.ID)
		}
	}
	return row
}

// Restore rebuilds a tumour from st. cfg supplies the run parameters and
// falls back to the configuration stored in st when nil. Rows must be in
// breadth-first order: each clone's children follow, in order, once every
// earlier clone's children have been placed.
func Restore(cfg *config.SimConfig, s sampling.Sampler, st *State, opts ...tumour.Option) (*tumour.Tumour, error) {
	if cfg == nil {
		cfg = st.Config
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: no configuration", ErrStructure)
	}
	if st.Version != StateVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrStructure, st.Version)
	}
	if len(st.Clones) == 0 {
		return nil, fmt.Errorf("%w: no clones", ErrStructure)
	}
	policy, err := tumour.PolicyFor(cfg)
	if err != nil {
		return nil, err
	}

	reg, err := restoreMutations(st.Mutations)
	if err != nil {
		return nil, err
	}

	rootRow := st.Clones[0]
	if rootRow.ParentID != nil {
		return nil, fmt.Errorf("%w: first clone %d has a parent", ErrStructure, rootRow.CloneID)
	}
	root, err := restoreClone(rootRow, reg)
	if err != nil {
		return nil, err
	}
	tree := clone.NewTree(root, reg, s, policy)

	type slot struct {
		c    *clone.Clone
		left int
	}
	queue := []slot{{root, rootRow.NumChildren}}
	for _, row := range st.Clones[1:] {
		for len(queue) > 0 && queue[0].left == 0 {
			queue = queue[1:]
		}
		if len(queue) == 0 {
			return nil, fmt.Errorf("%w: clone %d has no parent awaiting children", ErrStructure, row.CloneID)
		}
		parent := queue[0].c
		if row.ParentID == nil || *row.ParentID != parent.ID {
			return nil, fmt.Errorf("%w: clone %d out of order, expected a child of %d", ErrStructure, row.CloneID, parent.ID)
		}
		c, err := restoreClone(row, reg)
		if err != nil {
			return nil, err
		}
		if err := tree.Attach(parent, c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStructure, err)
		}
		queue[0].left--
		queue = append(queue, slot{c, row.NumChildren})
	}
	for _, sl := range queue {
		if sl.left > 0 {
			return nil, fmt.Errorf("%w: clone %d is missing %d children", ErrStructure, sl.c.ID, sl.left)
		}
	}

	for _, m := range reg.All() {
		if _, ok := tree.Get(m.OriginalClone); !ok {
			return nil, fmt.Errorf("%w: mutation %d refers to unknown clone %d", ErrStructure, m.ID, m.OriginalClone)
		}
	}

	return tumour.FromState(cfg, tree, st.Stats, opts...)
}

func typeForCode(code string) (mutation.Type, bool) {
	for _, t := range mutation.Types {
		if t.Code() == code {
			return t, true
		}
	}
	return 0, false
}

func restoreMutations(rows []MutationRow) (*mutation.Registry, error) {
	reg := mutation.NewRegistry()
	for _, row := range rows {
		typ, ok := typeForCode(row.MutType)
		if !ok {
			return nil, fmt.Errorf("%w: mutation %d has unknown type %q", ErrStructure, row.MutID, row.MutType)
		}
		if row.MutID <= 0 {
			return nil, fmt.Errorf("%w: mutation id %d", ErrStructure, row.MutID)
		}
		m := &mutation.Mutation{
			ID:               row.MutID,
			Type:             typ,
			ProlifRateEffect: row.ProlifRateEffect,
			MutRateEffect:    row.MutRateEffect,
			OriginalClone:    row.OriginalCloneID,
		}
		if row.ResistStrength != nil {
			v := *row.ResistStrength
			m.ResistStrength = &v
		}
		if err := reg.Add(m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStructure, err)
		}
	}
	return reg, nil
}

func restoreClone(row CloneRow, reg *mutation.Registry) (*clone.Clone, error) {
	if row.CloneID <= 0 {
		return nil, fmt.Errorf("%w: clone id %d", ErrStructure, row.CloneID)
	}
	if row.NumChildren < 0 {
		return nil, fmt.Errorf("%w: clone %d has %d children", ErrStructure, row.CloneID, row.NumChildren)
	}
	c := &clone.Clone{
		ID:                row.CloneID,
		ProliferationRate: row.ProlifRate,
		MutationRate:      row.MutRate,
		DeathRate:         row.DeathRate,
		Size:              row.Size,
		PrecrashSize:      row.PrecrashSize,
		Depth:             row.Depth,
		BirthTime:         row.STime,
		BranchLength:      row.BranchLength,
		Tag:               row.Colour,
		Probs:             row.Probs,
		MutScale:          row.MutScale,
		Resistant:         row.IsResistant,
		ResistStrength:    row.ResistStrength,
	}
	if row.DTime != nil {
		dt := *row.DTime
		c.DeathTime = &dt
	}

	for code := range row.Mutations {
		if _, ok := typeForCode(code); !ok {
			return nil, fmt.Errorf("%w: clone %d has unknown mutation bucket %q", ErrStructure, row.CloneID, code)
		}
	}
	for _, typ := range mutation.Types {
		for _, id := range row.Mutations[typ.Code()] {
			m, ok := reg.Get(id)
			if !ok {
				return nil, fmt.Errorf("%w: clone %d refers to unknown mutation %d", ErrStructure, row.CloneID, id)
			}
			if m.Type != typ {
				return nil, fmt.Errorf("%w: clone %d lists %s mutation %d as %s", ErrStructure, row.CloneID, m.Type, id, typ)
			}
			c.Mutations.Add(m)
		}
	}
	return c, nil
}

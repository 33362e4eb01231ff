package tumour

import (
	"fmt"
	"slices"

	"github.com/nvandessel/popln/internal/clone"
)

type attrFunc func(t *Tumour, c *clone.Clone) any

var attributes = map[string]attrFunc{
	"id":                      func(_ *Tumour, c *clone.Clone) any { return c.ID },
	"parent_id":               func(_ *Tumour, c *clone.Clone) any { return c.ParentID },
	"size":                    func(_ *Tumour, c *clone.Clone) any { return c.Size },
	"precrash_size":           func(_ *Tumour, c *clone.Clone) any { return c.PrecrashSize },
	"proliferation_rate":      func(_ *Tumour, c *clone.Clone) any { return c.ProliferationRate },
	"effective_proliferation": func(t *Tumour, c *clone.Clone) any { return c.ProliferationRate - t.prolifAdj },
	"mutation_rate":           func(_ *Tumour, c *clone.Clone) any { return c.MutationRate },
	"death_rate":              func(_ *Tumour, c *clone.Clone) any { return c.DeathRate },
	"depth":                   func(_ *Tumour, c *clone.Clone) any { return c.Depth },
	"birth_time":              func(_ *Tumour, c *clone.Clone) any { return c.BirthTime },
	"death_time": func(_ *Tumour, c *clone.Clone) any {
		if c.DeathTime == nil {
			return nil
		}
		return *c.DeathTime
	},
	"branch_length":   func(_ *Tumour, c *clone.Clone) any { return c.BranchLength },
	"colour":          func(_ *Tumour, c *clone.Clone) any { return c.Tag },
	"is_resistant":    func(_ *Tumour, c *clone.Clone) any { return c.Resistant },
	"resist_strength": func(_ *Tumour, c *clone.Clone) any { return c.ResistStrength },
	"num_mutations":   func(_ *Tumour, c *clone.Clone) any { return c.Mutations.Total() },
	"num_children":    func(_ *Tumour, c *clone.Clone) any { return len(c.Children) },
}

// AttributeNames lists the attribute names accepted by Attributes, sorted.
func AttributeNames() []string {
	names := make([]string, 0, len(attributes))
	for n := range attributes {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Attributes returns one row per clone in breadth-first order, holding the
// requested attributes in the order named. Dead clones are skipped unless
// includeDead is set. Unknown names are an error.
func (t *Tumour) Attributes(names []string, includeDead bool) ([][]any, error) {
	fns := make([]attrFunc, len(names))
	for i, n := range names {
		fn, ok := attributes[n]
		if !ok {
			return nil, fmt.Errorf("unknown clone attribute %q", n)
		}
		fns[i] = fn
	}

	var rows [][]any
	t.tree.Walk(func(c *clone.Clone) {
		if c.IsDead() && !includeDead {
			return
		}
		row := make([]any, len(fns))
		for i, fn := range fns {
			row[i] = fn(t, c)
		}
		rows = append(rows, row)
	})
	return rows, nil
}

// Attribute returns a single attribute as a flat list.
func (t *Tumour) Attribute(name string, includeDead bool) ([]any, error) {
	rows, err := t.Attributes([]string{name}, includeDead)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(rows))
	for i, r := range rows {
		out[i] = r[0]
	}
	return out, nil
}

// AttributeFloats returns a numeric attribute as float64 values. A missing
// death time is reported as -1.
func (t *Tumour) AttributeFloats(name string, includeDead bool) ([]float64, error) {
	vals, err := t.Attribute(name, includeDead)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(vals))
	for i, v := range vals {
		switch x := v.(type) {
		case int:
			out[i] = float64(x)
		case int64:
			out[i] = float64(x)
		case float64:
			out[i] = x
		case bool:
			if x {
				out[i] = 1
			}
		case nil:
			out[i] = -1
		default:
			return nil, fmt.Errorf("clone attribute %q is not numeric", name)
		}
	}
	return out, nil
}

// SizesByTag totals live cells per seed colour.
func (t *Tumour) SizesByTag() map[string]int {
	out := make(map[string]int)
	t.tree.Walk(func(c *clone.Clone) {
		if c.Size > 0 {
			out[c.Tag] += c.Size
		}
	})
	return out
}

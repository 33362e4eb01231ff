package clone

import (
	"fmt"
	"slices"

	"github.com/nvandessel/popln/internal/mutation"
	"github.com/nvandessel/popln/internal/sampling"
)

// Tree owns the root clone together with an id index over every clone,
// the mutation registry and the sampler used for updates.
type Tree struct {
	root   *Clone
	index  map[int64]*Clone
	reg    *mutation.Registry
	s      sampling.Sampler
	policy Policy
	nextID int64
}

// NewTree creates a tree around root. A root without an id is given id 1.
// A nil registry is replaced by an empty one.
func NewTree(root *Clone, reg *mutation.Registry, s sampling.Sampler, policy Policy) *Tree {
	if reg == nil {
		reg = mutation.NewRegistry()
	}
	t := &Tree{
		root:   root,
		index:  make(map[int64]*Clone),
		reg:    reg,
		s:      s,
		policy: policy,
		nextID: 1,
	}
	if root.ID == 0 {
		root.ID = t.allocID()
	}
	root.ParentID = 0
	t.register(root)
	return t
}

// Root returns the founding clone.
func (t *Tree) Root() *Clone { return t.root }

// Registry returns the mutation registry shared by every clone.
func (t *Tree) Registry() *mutation.Registry { return t.reg }

// Sampler returns the random source used for updates.
func (t *Tree) Sampler() sampling.Sampler { return t.s }

// Policy returns the spawning policy.
func (t *Tree) Policy() Policy { return t.policy }

// Len returns the number of clones in the tree, dead ones included.
func (t *Tree) Len() int { return len(t.index) }

// Get returns the clone with the given id.
func (t *Tree) Get(id int64) (*Clone, bool) {
	c, ok := t.index[id]
	return c, ok
}

func (t *Tree) allocID() int64 {
	id := t.nextID
	t.nextID++
	return id
}

func (t *Tree) register(c *Clone) {
	t.index[c.ID] = c
	if c.ID >= t.nextID {
		t.nextID = c.ID + 1
	}
}

// Attach adds child under parent. A child without an id is given the next
// free one; an id already in the tree is an error.
func (t *Tree) Attach(parent, child *Clone) error {
	if _, ok := t.index[parent.ID]; !ok {
		return fmt.Errorf("parent clone %d not in tree", parent.ID)
	}
	if child.ID == 0 {
		child.ID = t.allocID()
	} else if _, exists := t.index[child.ID]; exists {
		return fmt.Errorf("clone %d already in tree", child.ID)
	}
	child.ParentID = parent.ID
	parent.Children = append(parent.Children, child)
	t.register(child)
	return nil
}

// Walk visits every clone breadth-first, starting at the root, children in
// spawn order.
func (t *Tree) Walk(fn func(c *Clone)) {
	WalkFrom(t.root, fn)
}

// WalkFrom visits the subtree rooted at c breadth-first.
func WalkFrom(c *Clone, fn func(c *Clone)) {
	queue := []*Clone{c}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		fn(next)
		queue = append(queue, next.Children...)
	}
}

// SnapshotPrecrash records every clone's current size as its pre-crash size.
func (t *Tree) SnapshotPrecrash() {
	t.Walk(func(c *Clone) {
		c.PrecrashSize = c.Size
	})
}

// Prune removes every dead-end clone except the root, working from the
// leaves up so that a parent left without children by the pass is removed
// in the same pass. Mutations founded by removed clones leave the registry.
// It returns the number of clones removed.
func (t *Tree) Prune() int {
	var order []*Clone
	t.Walk(func(c *Clone) { order = append(order, c) })

	removed := 0
	for i := len(order) - 1; i >= 0; i-- {
		c := order[i]
		if !c.HasChildren() {
			continue
		}
		kept := c.Children[:0]
		for _, child := range c.Children {
			if child.IsDeadEnd() {
				t.drop(child)
				removed++
				continue
			}
			kept = append(kept, child)
		}
		clear(c.Children[len(kept):])
		c.Children = kept
	}
	return removed
}

func (t *Tree) drop(c *Clone) {
	delete(t.index, c.ID)
	for _, m := range c.Mutations.All() {
		if m.OriginalClone == c.ID {
			t.reg.Remove(m)
		}
	}
}

// MakeResistant reclassifies m as a resistance mutation of the given
// strength. The mutation moves to the resistant bucket in the registry and
// in every clone carrying it, which is the clone it arose in and those of
// its descendants that inherited it. Each of those clones becomes
// resistant.
func (t *Tree) MakeResistant(m *mutation.Mutation, strength float64) error {
	if m.Type == mutation.Resistant {
		return fmt.Errorf("mutation %d is already a resistance mutation", m.ID)
	}
	origin, ok := t.index[m.OriginalClone]
	if !ok {
		return fmt.Errorf("mutation %d: originating clone %d not in tree", m.ID, m.OriginalClone)
	}
	from := m.Type
	if !slices.Contains(origin.Mutations.Of(from), m) {
		return fmt.Errorf("mutation %d not carried by its originating clone %d", m.ID, origin.ID)
	}

	var carriers []*Clone
	WalkFrom(origin, func(c *Clone) {
		if slices.Contains(c.Mutations.Of(from), m) {
			carriers = append(carriers, c)
		}
	})
	for _, c := range carriers {
		if err := c.Mutations.Move(m, from, mutation.Resistant); err != nil {
			return fmt.Errorf("clone %d: %w", c.ID, err)
		}
	}
	if err := t.reg.Move(m, mutation.Resistant); err != nil {
		return err
	}
	s := strength
	m.ResistStrength = &s
	for _, c := range carriers {
		c.refreshResistance()
	}
	return nil
}

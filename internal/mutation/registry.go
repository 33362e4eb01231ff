package mutation

import (
	"fmt"
	"slices"
)

// Registry indexes every live mutation in a run by id and by type. It is
// owned by the tumour and passed explicitly to whatever needs it.
type Registry struct {
	byType [len(Types)][]*Mutation
	byID   map[int64]*Mutation
	nextID int64
}

// NewRegistry returns an empty registry whose first id is 1.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[int64]*Mutation), nextID: 1}
}

// NextID reserves and returns a fresh mutation id.
func (r *Registry) NextID() int64 {
	id := r.nextID
	r.nextID++
	return id
}

// Add records m under its current type. Adding an id twice is an error.
func (r *Registry) Add(m *Mutation) error {
	if !m.Type.valid() {
		return fmt.Errorf("mutation %d has invalid type %d", m.ID, int(m.Type))
	}
	if _, exists := r.byID[m.ID]; exists {
		return fmt.Errorf("mutation %d already registered", m.ID)
	}
	r.byID[m.ID] = m
	r.byType[m.Type] = append(r.byType[m.Type], m)
	if m.ID >= r.nextID {
		r.nextID = m.ID + 1
	}
	return nil
}

// Get returns the mutation with the given id.
func (r *Registry) Get(id int64) (*Mutation, bool) {
	m, ok := r.byID[id]
	return m, ok
}

// ByType returns the registered mutations of type t in insertion order.
// The slice must not be modified.
func (r *Registry) ByType(t Type) []*Mutation {
	return r.byType[t]
}

// Count returns the number of registered mutations of type t.
func (r *Registry) Count(t Type) int {
	return len(r.byType[t])
}

// Len returns the total number of registered mutations.
func (r *Registry) Len() int {
	return len(r.byID)
}

// HasResistance reports whether any resistance mutation exists.
func (r *Registry) HasResistance() bool {
	return len(r.byType[Resistant]) > 0
}

// DeleteriousAndNeutral returns the pool of mutations eligible to become
// resistance mutations: deleterious first, then neutral.
func (r *Registry) DeleteriousAndNeutral() []*Mutation {
	pool := make([]*Mutation, 0, len(r.byType[Deleterious])+len(r.byType[Neutral]))
	pool = append(pool, r.byType[Deleterious]...)
	return append(pool, r.byType[Neutral]...)
}

// Move reclassifies m to type to, updating both the index and m.Type.
func (r *Registry) Move(m *Mutation, to Type) error {
	from := m.Type
	i := slices.Index(r.byType[from], m)
	if i < 0 {
		return fmt.Errorf("mutation %d not registered as %s", m.ID, from)
	}
	r.byType[from] = slices.Delete(r.byType[from], i, i+1)
	r.byType[to] = append(r.byType[to], m)
	m.Type = to
	return nil
}

// Remove drops m from the registry. Removing an unknown mutation is a no-op.
func (r *Registry) Remove(m *Mutation) {
	if _, ok := r.byID[m.ID]; !ok {
		return
	}
	delete(r.byID, m.ID)
	if i := slices.Index(r.byType[m.Type], m); i >= 0 {
		r.byType[m.Type] = slices.Delete(r.byType[m.Type], i, i+1)
	}
}

// All returns every registered mutation in type order.
func (r *Registry) All() []*Mutation {
	out := make([]*Mutation, 0, len(r.byID))
	for _, l := range r.byType {
		out = append(out, l...)
	}
	return out
}

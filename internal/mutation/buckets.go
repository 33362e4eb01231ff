package mutation

import (
	"fmt"
	"slices"
)

// Buckets groups a clone's mutations by type, each list in insertion order.
// Mutation records are shared between clones; the lists are not.
type Buckets struct {
	lists [len(Types)][]*Mutation
}

// Clone returns a copy with independent membership lists that share the
// same mutation records. Appending to or moving within the copy never
// affects the receiver.
func (b *Buckets) Clone() Buckets {
	var out Buckets
	for i := range b.lists {
		out.lists[i] = slices.Clone(b.lists[i])
	}
	return out
}

// Add appends m to the bucket for its current type.
func (b *Buckets) Add(m *Mutation) {
	b.lists[m.Type] = append(b.lists[m.Type], m)
}

// Of returns the mutations of type t. The slice must not be modified.
func (b *Buckets) Of(t Type) []*Mutation {
	return b.lists[t]
}

// Len returns the number of mutations of type t.
func (b *Buckets) Len(t Type) int {
	return len(b.lists[t])
}

// Total returns the number of mutations across all types.
func (b *Buckets) Total() int {
	n := 0
	for _, l := range b.lists {
		n += len(l)
	}
	return n
}

// Contains reports whether m is in any bucket.
func (b *Buckets) Contains(m *Mutation) bool {
	for _, l := range b.lists {
		if slices.Contains(l, m) {
			return true
		}
	}
	return false
}

// All returns every mutation in bucket order.
func (b *Buckets) All() []*Mutation {
	out := make([]*Mutation, 0, b.Total())
	for _, l := range b.lists {
		out = append(out, l...)
	}
	return out
}

// Move transfers m from the from bucket to the to bucket. It does not
// change m.Type; callers update the record once, via the Registry.
func (b *Buckets) Move(m *Mutation, from, to Type) error {
	i := slices.Index(b.lists[from], m)
	if i < 0 {
		return fmt.Errorf("mutation %d not in %s bucket", m.ID, from)
	}
	b.lists[from] = slices.Delete(b.lists[from], i, i+1)
	b.lists[to] = append(b.lists[to], m)
	return nil
}

// MaxStrength returns the largest resistance strength in the resistant
// bucket, or 0 when it is empty.
func (b *Buckets) MaxStrength() float64 {
	best := 0.0
	for _, m := range b.lists[Resistant] {
		if s := m.Strength(); s > best {
			best = s
		}
	}
	return best
}

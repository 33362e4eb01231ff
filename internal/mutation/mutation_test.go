package mutation

import (
	"math"
	"testing"

	"github.com/nvandessel/popln/internal/sampling"
)

func TestEffectSignSelection(t *testing.T) {
	// probPos=0.3, probNeg=0.2 -> negative for u<0.2, neutral for
	// 0.2<=u<0.7, positive for u>=0.7
	tests := []struct {
		name    string
		uniform float64
		want    float64
	}{
		{"negative band", 0.1, -0.4 * 0.5},
		{"neutral band low edge", 0.2, 0},
		{"neutral band", 0.5, 0},
		{"positive band low", 0.75, 0.4 * 0.5},
		{"positive band", 0.95, 0.4 * 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := sampling.NewMockSampler().WithBetas(0.4).WithUniforms(tt.uniform)
			got := Effect(s, 0.5, 0.3, 0.2)
			if math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("Effect() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEffectAlwaysNeutralWhenNoDirectionalProbability(t *testing.T) {
	s := sampling.NewSampler(9)
	for i := 0; i < 200; i++ {
		if got := Effect(s, 1, 0, 0); got != 0 {
			t.Fatalf("Effect with zero direction probabilities = %v, want 0", got)
		}
	}
}

func TestNewClassifiesBySign(t *testing.T) {
	params := EffectParams{
		ProlifScale: 0.01, MutScale: 0.001,
		ProbMutPos: 0.5, ProbMutNeg: 0.5,
		ProbIncMut: 0.5, ProbDecMut: 0.5,
	}

	tests := []struct {
		name     string
		uniforms []float64
		want     Type
	}{
		{"beneficial", []float64{0.9, 0.9}, Beneficial},
		{"deleterious", []float64{0.1, 0.9}, Deleterious},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := sampling.NewMockSampler().WithUniforms(tt.uniforms...)
			m := New(s, 7, params, 3)
			if m.Type != tt.want {
				t.Errorf("Type = %s, want %s", m.Type, tt.want)
			}
			if m.Type != TypeForEffect(m.ProlifRateEffect) {
				t.Errorf("type %s does not match effect %v", m.Type, m.ProlifRateEffect)
			}
			if m.ID != 7 || m.OriginalClone != 3 {
				t.Errorf("unexpected ids: %+v", m)
			}
		})
	}

	neutral := EffectParams{ProlifScale: 0.01, MutScale: 0.001}
	m := New(sampling.NewMockSampler(), 1, neutral, 1)
	if m.Type != Neutral || m.ProlifRateEffect != 0 {
		t.Errorf("expected neutral mutation, got %s with effect %v", m.Type, m.ProlifRateEffect)
	}
}

func TestParseType(t *testing.T) {
	for _, typ := range Types {
		for _, s := range []string{typ.String(), typ.Code()} {
			got, err := ParseType(s)
			if err != nil {
				t.Errorf("ParseType(%q) error: %v", s, err)
				continue
			}
			if got != typ {
				t.Errorf("ParseType(%q) = %s, want %s", s, got, typ)
			}
		}
	}
	if _, err := ParseType("x"); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestBucketsCloneIsIndependent(t *testing.T) {
	a := &Mutation{ID: 1, Type: Beneficial}
	b := &Mutation{ID: 2, Type: Neutral}

	var parent Buckets
	parent.Add(a)

	child := parent.Clone()
	child.Add(b)
	child.Add(&Mutation{ID: 3, Type: Beneficial})

	if parent.Total() != 1 {
		t.Errorf("parent total = %d, want 1", parent.Total())
	}
	if child.Total() != 3 {
		t.Errorf("child total = %d, want 3", child.Total())
	}
	if child.Of(Beneficial)[0] != a {
		t.Error("child should share the ancestral mutation record")
	}

	if err := child.Move(a, Beneficial, Resistant); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if parent.Len(Beneficial) != 1 || parent.Len(Resistant) != 0 {
		t.Error("moving within the child changed the parent")
	}
	if err := child.Move(a, Beneficial, Resistant); err == nil {
		t.Error("expected error moving a mutation absent from the source bucket")
	}
}

func TestBucketsMaxStrength(t *testing.T) {
	low, high := 0.3, 0.8
	var b Buckets
	if b.MaxStrength() != 0 {
		t.Error("empty resistant bucket should have strength 0")
	}
	b.Add(&Mutation{ID: 1, Type: Resistant, ResistStrength: &low})
	b.Add(&Mutation{ID: 2, Type: Resistant, ResistStrength: &high})
	if got := b.MaxStrength(); got != high {
		t.Errorf("MaxStrength() = %v, want %v", got, high)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	d := &Mutation{ID: r.NextID(), Type: Deleterious}
	n := &Mutation{ID: r.NextID(), Type: Neutral}
	b := &Mutation{ID: r.NextID(), Type: Beneficial}
	for _, m := range []*Mutation{d, n, b} {
		if err := r.Add(m); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if err := r.Add(d); err == nil {
		t.Error("expected duplicate id error")
	}

	pool := r.DeleteriousAndNeutral()
	if len(pool) != 2 || pool[0] != d || pool[1] != n {
		t.Errorf("unexpected pool %v", pool)
	}

	if err := r.Move(n, Resistant); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if n.Type != Resistant || !r.HasResistance() || r.Count(Neutral) != 0 {
		t.Error("Move did not reclassify the mutation")
	}

	r.Remove(b)
	if _, ok := r.Get(b.ID); ok || r.Count(Beneficial) != 0 {
		t.Error("Remove left the mutation registered")
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}

	// ids continue past explicitly added ones
	if err := r.Add(&Mutation{ID: 50, Type: Neutral}); err != nil {
		t.Fatal(err)
	}
	if id := r.NextID(); id != 51 {
		t.Errorf("NextID() = %d, want 51", id)
	}
}

func TestResistanceProbability(t *testing.T) {
	pSingle, p := ResistanceProbability(10, 1e6, 1e6)
	if pSingle != 1.0 {
		t.Errorf("pSingle = %v, want 1.0", pSingle)
	}
	if p != 0.1 {
		t.Errorf("p = %v, want 0.1", p)
	}

	if _, p := ResistanceProbability(0, 1e6, 1e6); p != 0 {
		t.Errorf("zero pool should give p=0, got %v", p)
	}
}

func TestResistantCountPassesDrawParameters(t *testing.T) {
	s := sampling.NewMockSampler()
	s.Binomials = []int{2}

	got := ResistantCount(s, 10, 1e6, DefaultMinResistantPopSize)
	if got != 2 {
		t.Errorf("ResistantCount() = %d, want 2", got)
	}
	if len(s.BinomialCalls) != 1 {
		t.Fatalf("expected one binomial call, got %d", len(s.BinomialCalls))
	}
	if c := s.BinomialCalls[0]; c.N != 10 || c.P != 0.1 {
		t.Errorf("binomial called with (%d, %v), want (10, 0.1)", c.N, c.P)
	}
}

func TestChooseResistant(t *testing.T) {
	pool := []*Mutation{{ID: 1}, {ID: 2}, {ID: 3}}
	s := sampling.NewMockSampler()
	s.PermFunc = func(n int) []int { return []int{2, 0, 1} }

	got := ChooseResistant(s, pool, 2)
	if len(got) != 2 || got[0].ID != 3 || got[1].ID != 1 {
		t.Errorf("unexpected choice %v", got)
	}
}

package clone

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/nvandessel/popln/internal/mutation"
	"github.com/nvandessel/popln/internal/sampling"
)

func newRoot(size int) *Clone {
	return &Clone{
		ProliferationRate: 0.04,
		MutationRate:      0.001,
		DeathRate:         0.03,
		Size:              size,
		MutScale:          1,
		Probs:             Probs{MutPos: 0.5, MutNeg: 0.3, IncMut: 0.5, DecMut: 0.5},
	}
}

func testPolicy() Policy {
	return Policy{ProlifScale: 0.004, BaseMutationRate: 0.001, NeutralThreshold: DefaultNeutralThreshold}
}

func sumLive(tr *Tree) (size, clones int) {
	tr.Walk(func(c *Clone) {
		if c.Size > 0 {
			size += c.Size
			clones++
		}
	})
	return size, clones
}

func TestUpdateWithoutEventsKeepsSize(t *testing.T) {
	tr := NewTree(newRoot(25), nil, sampling.NewMockSampler(), testPolicy())

	var tot Totals
	for cycle := 0; cycle < 100; cycle++ {
		tot = tr.Update(Pressure{}, cycle, 0)
	}

	if tot.Size != 25 || tot.Clones != 1 {
		t.Errorf("totals = %+v, want size 25 and 1 clone", tot)
	}
	if tr.Len() != 1 {
		t.Errorf("tree has %d clones, want 1", tr.Len())
	}
}

func TestSingleMutationSpawnsOneChild(t *testing.T) {
	cycle := 0
	s := sampling.NewMockSampler().WithUniforms(0.9, 0.9)
	s.WithBinomialFunc(func(call sampling.BinomialCall) int {
		if cycle != 5 {
			return 0
		}
		switch call.P {
		case 0.04, 0.001: // one birth, and that cell mutates
			return 1
		}
		return 0
	})

	root := newRoot(25)
	tr := NewTree(root, nil, s, testPolicy())

	for ; cycle < 100; cycle++ {
		tot := tr.Update(Pressure{}, cycle, 0)
		if cycle == 5 && (tot.Size != 26 || tot.Clones != 2) {
			t.Errorf("cycle 5 totals = %+v, want size 26 and 2 clones", tot)
		}
	}

	if len(root.Children) != 1 {
		t.Fatalf("root has %d children, want 1", len(root.Children))
	}
	// +1 birth, -1 cell founding the child
	if root.Size != 25 {
		t.Errorf("root size = %d, want 25", root.Size)
	}

	child := root.Children[0]
	if child.Depth != 1 || child.Size != 1 || child.BirthTime != 5 || child.BranchLength != 5 {
		t.Errorf("unexpected child %+v", child)
	}
	if child.Mutations.Total() != 1 {
		t.Fatalf("child carries %d mutations, want 1", child.Mutations.Total())
	}
	m := child.Mutations.All()[0]
	if m.Type != mutation.TypeForEffect(m.ProlifRateEffect) {
		t.Errorf("mutation type %s does not match effect %v", m.Type, m.ProlifRateEffect)
	}
	if m.OriginalClone != child.ID {
		t.Errorf("OriginalClone = %d, want %d", m.OriginalClone, child.ID)
	}
	if root.Mutations.Total() != 0 {
		t.Error("spawning must not add the mutation to the parent's buckets")
	}
	if got, ok := tr.Registry().Get(m.ID); !ok || got != m {
		t.Error("mutation missing from registry")
	}
}

func TestUpdateConservesSizePerClone(t *testing.T) {
	s := sampling.NewMockSampler()
	s.Binomials = []int{2, 5, 3} // dead, born, mutated

	root := newRoot(25)
	tr := NewTree(root, nil, s, testPolicy())
	tot := tr.Update(Pressure{}, 0, 0)

	// 25 + 5 - 3 - 2
	if root.Size != 25 {
		t.Errorf("root size = %d, want 25", root.Size)
	}
	if len(root.Children) != 3 {
		t.Errorf("root has %d children, want 3", len(root.Children))
	}
	if tot.Size != 28 || tot.Clones != 4 {
		t.Errorf("totals = %+v, want size 28 and 4 clones", tot)
	}
	if size, clones := sumLive(tr); size != tot.Size || clones != tot.Clones {
		t.Errorf("tree holds size %d in %d clones, totals say %+v", size, clones, tot)
	}

	// children born this cycle are not updated in it
	if len(s.BinomialCalls) != 3 {
		t.Errorf("expected 3 binomial draws, got %d", len(s.BinomialCalls))
	}
}

func TestUpdateAppliesPressure(t *testing.T) {
	s := sampling.NewMockSampler()
	root := newRoot(100)
	tr := NewTree(root, nil, s, testPolicy())

	s.Binomials = []int{0, 10}
	tr.Update(Pressure{Select: 0.01, Mutagenic: 2}, 0, 0.005)

	if len(s.BinomialCalls) != 3 {
		t.Fatalf("expected 3 binomial draws, got %d", len(s.BinomialCalls))
	}
	born := s.BinomialCalls[1]
	if diff := born.P - (0.04 - 0.005 - 0.01); diff > 1e-15 || diff < -1e-15 {
		t.Errorf("birth probability = %v, want 0.025", born.P)
	}
	if mut := s.BinomialCalls[2]; mut.N != 10 || mut.P != 0.002 {
		t.Errorf("mutation draw = (%d, %v), want (10, 0.002)", mut.N, mut.P)
	}
}

func TestNoBirthsUnderOverwhelmingPressure(t *testing.T) {
	s := sampling.NewMockSampler().WithBinomialFunc(func(sampling.BinomialCall) int { return 1 })
	root := newRoot(10)
	tr := NewTree(root, nil, s, testPolicy())

	tr.Update(Pressure{Select: 0.5}, 0, 0)

	for _, c := range s.BinomialCalls {
		if c.P != root.DeathRate {
			t.Errorf("unexpected draw with p=%v under negative effective proliferation", c.P)
		}
	}
	if root.Size != 9 {
		t.Errorf("root size = %d, want 9", root.Size)
	}
}

func TestCloneDeathRecordsTime(t *testing.T) {
	s := sampling.NewMockSampler()
	s.Binomials = []int{25}

	root := newRoot(25)
	tr := NewTree(root, nil, s, testPolicy())

	tot := tr.Update(Pressure{}, 7, 0)
	if tot.Size != 0 || tot.Clones != 0 {
		t.Errorf("totals = %+v, want zero", tot)
	}
	if root.DeathTime == nil || *root.DeathTime != 7 {
		t.Fatalf("death time = %v, want 7", root.DeathTime)
	}

	calls := len(s.BinomialCalls)
	tr.Update(Pressure{}, 8, 0)
	if len(s.BinomialCalls) != calls {
		t.Error("dead-end clone should not draw")
	}
	if *root.DeathTime != 7 {
		t.Errorf("death time moved to %d", *root.DeathTime)
	}
}

func TestAbsorbPolicyKeepsNeutralMutationsInPlace(t *testing.T) {
	s := sampling.NewMockSampler()
	s.Binomials = []int{2, 5, 3}

	root := newRoot(25)
	root.Probs = Probs{} // every effect is zero
	policy := testPolicy()
	policy.Neutral = AbsorbSmall
	tr := NewTree(root, nil, s, policy)

	tot := tr.Update(Pressure{}, 0, 0)

	if root.HasChildren() {
		t.Errorf("absorbed mutations founded %d children", len(root.Children))
	}
	if root.Size != 28 || tot.Size != 28 || tot.Clones != 1 {
		t.Errorf("root size %d, totals %+v; want 28 in 1 clone", root.Size, tot)
	}
	if root.Mutations.Len(mutation.Neutral) != 3 {
		t.Errorf("root carries %d neutral mutations, want 3", root.Mutations.Len(mutation.Neutral))
	}
	for _, m := range root.Mutations.All() {
		if m.OriginalClone != root.ID {
			t.Errorf("absorbed mutation %d points at clone %d", m.ID, m.OriginalClone)
		}
	}
	if tr.Registry().Len() != 3 {
		t.Errorf("registry holds %d mutations, want 3", tr.Registry().Len())
	}
}

func TestRatesStayBounded(t *testing.T) {
	root := &Clone{
		ProliferationRate: 0.3,
		MutationRate:      0.05,
		DeathRate:         0.2,
		Size:              500,
		MutScale:          200,
		Probs:             Probs{MutPos: 0.45, MutNeg: 0.45, IncMut: 0.45, DecMut: 0.45},
	}
	policy := Policy{ProlifScale: 5, BaseMutationRate: 0.05}
	tr := NewTree(root, nil, sampling.NewSampler(42), policy)

	const limit = 1000.0
	size := root.Size
	for cycle := 0; cycle < 25 && size > 0; cycle++ {
		adj := float64(size) / limit * (0.3 - 0.2)
		tot := tr.Update(Pressure{}, cycle, adj)

		gotSize, gotClones := sumLive(tr)
		if gotSize != tot.Size || gotClones != tot.Clones {
			t.Fatalf("cycle %d: tree holds %d cells in %d clones, totals %+v", cycle, gotSize, gotClones, tot)
		}
		size = tot.Size
	}

	if tr.Len() < 2 {
		t.Fatal("expected mutations to spawn clones")
	}
	tr.Walk(func(c *Clone) {
		if c.ProliferationRate < MinProliferationRate || c.ProliferationRate > MaxProliferationRate {
			t.Errorf("clone %d proliferation rate %v out of bounds", c.ID, c.ProliferationRate)
		}
		if c.MutationRate < MinMutationRate || c.MutationRate > MaxMutationRate {
			t.Errorf("clone %d mutation rate %v out of bounds", c.ID, c.MutationRate)
		}
		if c.Size < 0 {
			t.Errorf("clone %d has negative size %d", c.ID, c.Size)
		}
	})
}

func TestPruneRemovesDeadEnds(t *testing.T) {
	root := newRoot(10)
	tr := NewTree(root, nil, sampling.NewMockSampler(), testPolicy())

	a := &Clone{}        // dead leaf
	b := &Clone{}        // dead, keeps a live child
	c := &Clone{Size: 3} // live leaf under b
	d := &Clone{}        // dead, its only child is dead too
	e := &Clone{}        // dead leaf under d
	for _, pc := range []struct{ parent, child *Clone }{
		{root, a}, {root, b}, {b, c}, {root, d}, {d, e},
	} {
		if err := tr.Attach(pc.parent, pc.child); err != nil {
			t.Fatal(err)
		}
	}
	m := &mutation.Mutation{ID: tr.Registry().NextID(), Type: mutation.Neutral, OriginalClone: a.ID}
	a.Mutations.Add(m)
	if err := tr.Registry().Add(m); err != nil {
		t.Fatal(err)
	}

	if removed := tr.Prune(); removed != 3 {
		t.Errorf("Prune() removed %d, want 3", removed)
	}
	if len(root.Children) != 1 || root.Children[0] != b {
		t.Errorf("root children after prune: %v", root.Children)
	}
	tr.Walk(func(cl *Clone) {
		if cl != root && cl.IsDeadEnd() {
			t.Errorf("dead-end clone %d survived pruning", cl.ID)
		}
	})
	for _, gone := range []*Clone{a, d, e} {
		if _, ok := tr.Get(gone.ID); ok {
			t.Errorf("clone %d still indexed", gone.ID)
		}
	}
	if _, ok := tr.Registry().Get(m.ID); ok {
		t.Error("mutation founded by a pruned clone is still registered")
	}
}

func TestPruneNeverRemovesRoot(t *testing.T) {
	tr := NewTree(newRoot(0), nil, sampling.NewMockSampler(), testPolicy())
	if removed := tr.Prune(); removed != 0 {
		t.Errorf("Prune() removed %d, want 0", removed)
	}
	if tr.Len() != 1 {
		t.Error("root was removed")
	}
}

func TestMakeResistantPropagatesToCarriers(t *testing.T) {
	root := newRoot(10)
	tr := NewTree(root, nil, sampling.NewMockSampler(), testPolicy())
	reg := tr.Registry()

	x := &Clone{Size: 5}
	z := &Clone{Size: 4}
	if err := tr.Attach(root, x); err != nil {
		t.Fatal(err)
	}
	if err := tr.Attach(root, z); err != nil {
		t.Fatal(err)
	}
	m := &mutation.Mutation{ID: reg.NextID(), Type: mutation.Deleterious, ProlifRateEffect: -0.01, OriginalClone: x.ID}
	x.Mutations.Add(m)
	other := &mutation.Mutation{ID: reg.NextID(), Type: mutation.Neutral, OriginalClone: z.ID}
	z.Mutations.Add(other)
	for _, mm := range []*mutation.Mutation{m, other} {
		if err := reg.Add(mm); err != nil {
			t.Fatal(err)
		}
	}
	y := &Clone{Size: 1, Mutations: x.Mutations.Clone()}
	if err := tr.Attach(x, y); err != nil {
		t.Fatal(err)
	}

	if err := tr.MakeResistant(m, 0.7); err != nil {
		t.Fatalf("MakeResistant: %v", err)
	}

	for _, c := range []*Clone{x, y} {
		if !c.Resistant || c.ResistStrength != 0.7 {
			t.Errorf("clone %d resistant=%v strength=%v, want true 0.7", c.ID, c.Resistant, c.ResistStrength)
		}
		if c.Mutations.Len(mutation.Deleterious) != 0 || c.Mutations.Len(mutation.Resistant) != 1 {
			t.Errorf("clone %d buckets not updated", c.ID)
		}
	}
	if z.Resistant || root.Resistant {
		t.Error("resistance leaked to clones not carrying the mutation")
	}
	if m.Type != mutation.Resistant || m.Strength() != 0.7 {
		t.Errorf("mutation type %s strength %v", m.Type, m.Strength())
	}
	if reg.Count(mutation.Resistant) != 1 || reg.Count(mutation.Deleterious) != 0 {
		t.Error("registry not updated")
	}

	if err := tr.MakeResistant(m, 0.5); err == nil {
		t.Error("expected error making a resistance mutation resistant again")
	}
}

func TestAttachRejectsDuplicateIDs(t *testing.T) {
	root := newRoot(1)
	tr := NewTree(root, nil, sampling.NewMockSampler(), testPolicy())

	if err := tr.Attach(root, &Clone{ID: 5}); err != nil {
		t.Fatal(err)
	}
	if err := tr.Attach(root, &Clone{ID: 5}); err == nil {
		t.Error("expected duplicate id error")
	}
	if err := tr.Attach(&Clone{ID: 99}, &Clone{}); err == nil {
		t.Error("expected error for parent outside the tree")
	}

	next := &Clone{}
	if err := tr.Attach(root, next); err != nil {
		t.Fatal(err)
	}
	if next.ID != 6 {
		t.Errorf("allocated id %d, want 6", next.ID)
	}
}

func TestWalkIsBreadthFirst(t *testing.T) {
	root := newRoot(1)
	tr := NewTree(root, nil, sampling.NewMockSampler(), testPolicy())
	a, b, c := &Clone{}, &Clone{}, &Clone{}
	_ = tr.Attach(root, a)
	_ = tr.Attach(a, c)
	_ = tr.Attach(root, b)

	var got []*Clone
	tr.Walk(func(cl *Clone) { got = append(got, cl) })
	want := []*Clone{root, a, b, c}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("walk order position %d: got clone %d, want %d", i, got[i].ID, want[i].ID)
		}
	}
}

func TestParseNeutralPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    NeutralPolicy
		wantErr bool
	}{
		{"", SpawnAlways, false},
		{"spawn", SpawnAlways, false},
		{"Absorb", AbsorbSmall, false},
		{"merge", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseNeutralPolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseNeutralPolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseNeutralPolicy(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestResistantClonesAreShieldedFromSelection(t *testing.T) {
	tests := []struct {
		name     string
		strength float64
		wantP    float64
	}{
		{"full resistance", 1.0, 0.04},
		{"half resistance", 0.5, 0.035},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := sampling.NewMockSampler()
			root := newRoot(100)
			root.Resistant = true
			root.ResistStrength = tt.strength
			tr := NewTree(root, nil, s, testPolicy())

			tr.Update(Pressure{Select: 0.01}, 0, 0)

			born := s.BinomialCalls[1]
			if diff := born.P - tt.wantP; diff > 1e-12 || diff < -1e-12 {
				t.Errorf("birth probability = %v, want %v", born.P, tt.wantP)
			}
		})
	}
}

// randomTree builds a tree of up to 16 clones with random sizes, rates and
// shape.
func randomTree(rng *rand.Rand, s sampling.Sampler, policy Policy) *Tree {
	randomClone := func() *Clone {
		pos := rng.Float64() * 0.5
		return &Clone{
			ProliferationRate: 0.01 + rng.Float64()*0.09,
			MutationRate:      0.0001 + rng.Float64()*0.01,
			DeathRate:         0.03,
			Size:              rng.IntN(100),
			MutScale:          1,
			Probs: Probs{
				MutPos: pos,
				MutNeg: rng.Float64() * (1 - pos),
				IncMut: rng.Float64() * 0.5,
				DecMut: rng.Float64() * 0.5,
			},
		}
	}

	root := randomClone()
	root.Size = 50 + rng.IntN(450)
	tr := NewTree(root, nil, s, policy)
	clones := []*Clone{root}
	for range rng.IntN(16) {
		parent := clones[rng.IntN(len(clones))]
		child := randomClone()
		child.Depth = parent.Depth + 1
		if err := tr.Attach(parent, child); err != nil {
			panic(err)
		}
		clones = append(clones, child)
	}
	return tr
}

func TestUpdateInvariantsOverRandomTrees(t *testing.T) {
	policies := []struct {
		name    string
		neutral NeutralPolicy
		prune   bool
	}{
		{"spawn", SpawnAlways, false},
		{"absorb", AbsorbSmall, false},
		{"spawn with pruning", SpawnAlways, true},
		{"absorb with pruning", AbsorbSmall, true},
	}

	for _, pc := range policies {
		for seed := uint64(1); seed <= 8; seed++ {
			t.Run(fmt.Sprintf("%s/seed=%d", pc.name, seed), func(t *testing.T) {
				rng := rand.New(rand.NewPCG(seed, 42))
				policy := Policy{
					ProlifScale:      0.02,
					BaseMutationRate: 0.01,
					Neutral:          pc.neutral,
					NeutralThreshold: 0.5,
				}
				tr := randomTree(rng, sampling.NewSampler(seed), policy)

				for cycle := 0; cycle < 40; cycle++ {
					if pc.prune {
						tr.Prune()
					}
					p := Pressure{}
					if cycle >= 20 {
						p.Select = rng.Float64() * 0.05
						if rng.IntN(2) == 0 {
							p.Mutagenic = 1.5
						}
					}
					tot := tr.Update(p, cycle, rng.Float64()*0.005)

					if size, clones := sumLive(tr); size != tot.Size || clones != tot.Clones {
						t.Fatalf("cycle %d: tree holds size %d in %d clones, totals say %+v", cycle, size, clones, tot)
					}

					walked := 0
					tr.Walk(func(c *Clone) {
						walked++
						if c.Size < 0 {
							t.Errorf("cycle %d: clone %d has negative size %d", cycle, c.ID, c.Size)
						}
						if c.ProliferationRate < MinProliferationRate || c.ProliferationRate > MaxProliferationRate {
							t.Errorf("cycle %d: clone %d proliferation rate %v out of bounds", cycle, c.ID, c.ProliferationRate)
						}
						if c.MutationRate < MinMutationRate || c.MutationRate > MaxMutationRate {
							t.Errorf("cycle %d: clone %d mutation rate %v out of bounds", cycle, c.ID, c.MutationRate)
						}
						if !c.IsDead() {
							for _, m := range c.Mutations.All() {
								if _, ok := tr.Registry().Get(m.ID); !ok {
									t.Errorf("cycle %d: live clone %d carries unregistered mutation %d", cycle, c.ID, m.ID)
								}
							}
						}
					})
					if walked != tr.Len() {
						t.Fatalf("cycle %d: walk visited %d clones, index holds %d", cycle, walked, tr.Len())
					}
					if t.Failed() {
						return
					}
				}
			})
		}
	}
}

func TestRegisterMutationPanicsOnDuplicate(t *testing.T) {
	tr := NewTree(newRoot(1), nil, sampling.NewMockSampler(), testPolicy())
	m := &mutation.Mutation{ID: tr.Registry().NextID(), Type: mutation.Neutral}
	tr.registerMutation(m)

	defer func() {
		if recover() == nil {
			t.Error("registering the same mutation twice did not panic")
		}
	}()
	tr.registerMutation(m)
}

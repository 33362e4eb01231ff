package snapshot

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/nvandessel/popln/internal/clone"
	"github.com/nvandessel/popln/internal/config"
	"github.com/nvandessel/popln/internal/mutation"
	"github.com/nvandessel/popln/internal/sampling"
	"github.com/nvandessel/popln/internal/simulation"
	"github.com/nvandessel/popln/internal/treatment"
	"github.com/nvandessel/popln/internal/tumour"
)

// buildTumour returns a tumour shaped
//
//	1 ── 2 (b) ── 4 (n, made resistant)
//	└─── 3 (d, dead)
func buildTumour(t *testing.T) (*config.SimConfig, *tumour.Tumour) {
	t.Helper()
	cfg := config.Default()
	tm, err := tumour.New(cfg, sampling.NewMockSampler())
	if err != nil {
		t.Fatalf("tumour.New() error = %v", err)
	}
	tree := tm.Tree()
	reg := tree.Registry()

	addChild := func(parent *clone.Clone, typ mutation.Type, effect float64, size int) (*clone.Clone, *mutation.Mutation) {
		m := &mutation.Mutation{ID: reg.NextID(), Type: typ, ProlifRateEffect: effect}
		c := &clone.Clone{
			ProliferationRate: parent.ProliferationRate + effect,
			MutationRate:      parent.MutationRate,
			DeathRate:         parent.DeathRate,
			Size:              size,
			Depth:             parent.Depth + 1,
			BirthTime:         3,
			BranchLength:      3,
			Tag:               parent.Tag,
			Probs:             parent.Probs,
			MutScale:          parent.MutScale,
			Mutations:         parent.Mutations.Clone(),
		}
		if err := tree.Attach(parent, c); err != nil {
			t.Fatal(err)
		}
		m.OriginalClone = c.ID
		c.Mutations.Add(m)
		if err := reg.Add(m); err != nil {
			t.Fatal(err)
		}
		return c, m
	}

	c2, _ := addChild(tree.Root(), mutation.Beneficial, 0.01, 5)
	c3, _ := addChild(tree.Root(), mutation.Deleterious, -0.01, 0)
	dt := 7
	c3.DeathTime = &dt
	_, m4 := addChild(c2, mutation.Neutral, 0, 2)
	if err := tree.MakeResistant(m4, 0.5); err != nil {
		t.Fatal(err)
	}
	return cfg, tm
}

func TestCaptureBreadthFirst(t *testing.T) {
	cfg, tm := buildTumour(t)
	st := Capture(tm, nil, cfg, 12)

	if st.Version != StateVersion || st.Cycle != 12 || st.Config != cfg {
		t.Errorf("header fields = %d %d %p", st.Version, st.Cycle, st.Config)
	}
	var ids []int64
	for _, r := range st.Clones {
		ids = append(ids, r.CloneID)
	}
	if !reflect.DeepEqual(ids, []int64{1, 2, 3, 4}) {
		t.Fatalf("clone order = %v, want [1 2 3 4]", ids)
	}

	root, leaf := st.Clones[0], st.Clones[3]
	if root.ParentID != nil || root.NumChildren != 2 {
		t.Errorf("root parent %v children %d", root.ParentID, root.NumChildren)
	}
	if leaf.ParentID == nil || *leaf.ParentID != 2 || !leaf.IsResistant || leaf.ResistStrength != 0.5 {
		t.Errorf("leaf row = %+v", leaf)
	}
	if !reflect.DeepEqual(leaf.Mutations, map[string][]int64{"b": {1}, "r": {3}}) {
		t.Errorf("leaf mutations = %v", leaf.Mutations)
	}
	if st.Clones[2].DTime == nil || *st.Clones[2].DTime != 7 {
		t.Errorf("dead clone d_time = %v", st.Clones[2].DTime)
	}

	if len(st.Mutations) != 3 {
		t.Fatalf("got %d mutation rows, want 3", len(st.Mutations))
	}
	r := st.Mutations[2]
	if r.MutType != "r" || r.ResistStrength == nil || *r.ResistStrength != 0.5 || r.OriginalCloneID != 4 {
		t.Errorf("resistant mutation row = %+v", r)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	cfg, tm := buildTumour(t)
	st := Capture(tm, nil, cfg, 12)

	got, err := Restore(nil, sampling.NewMockSampler(), st)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if got.Stats() != tm.Stats() {
		t.Errorf("stats = %+v, want %+v", got.Stats(), tm.Stats())
	}

	again := Capture(got, nil, cfg, 12)
	if !reflect.DeepEqual(again.Clones, st.Clones) {
		t.Errorf("clone rows differ after restore:\n got %+v\nwant %+v", again.Clones, st.Clones)
	}
	if !reflect.DeepEqual(again.Mutations, st.Mutations) {
		t.Errorf("mutation rows differ after restore:\n got %+v\nwant %+v", again.Mutations, st.Mutations)
	}

	tree := got.Tree()
	c2, _ := tree.Get(2)
	c4, _ := tree.Get(4)
	if c2.Mutations.Of(mutation.Beneficial)[0] != c4.Mutations.Of(mutation.Beneficial)[0] {
		t.Error("inherited mutation is not shared between parent and child")
	}
	if c4.Depth != 2 || c4.ParentID != 2 || !c4.Resistant {
		t.Errorf("restored leaf = %+v", c4)
	}
	if id := tree.Registry().NextID(); id != 4 {
		t.Errorf("next mutation id = %d, want 4", id)
	}
}

func TestRestoreStructureErrors(t *testing.T) {
	pid := func(v int64) *int64 { return &v }
	tests := []struct {
		name   string
		mutate func(st *State)
	}{
		{"no clones", func(st *State) { st.Clones = nil }},
		{"unsupported version", func(st *State) { st.Version = 99 }},
		{"root with parent", func(st *State) { st.Clones[0].ParentID = pid(9) }},
		{"missing children", func(st *State) { st.Clones[0].NumChildren = 3 }},
		{"surplus clone", func(st *State) { st.Clones[1].NumChildren = 0 }},
		{"out of order", func(st *State) { st.Clones[2], st.Clones[3] = st.Clones[3], st.Clones[2] }},
		{"duplicate clone id", func(st *State) { st.Clones[3].CloneID = 2 }},
		{"zero clone id", func(st *State) { st.Clones[0].CloneID = 0 }},
		{"unknown mutation type", func(st *State) { st.Mutations[0].MutType = "x" }},
		{"duplicate mutation", func(st *State) { st.Mutations[1].MutID = 1 }},
		{"dangling mutation id", func(st *State) { st.Clones[1].Mutations["b"] = []int64{42} }},
		{"unknown bucket", func(st *State) { st.Clones[1].Mutations["z"] = []int64{1} }},
		{"bucket type mismatch", func(st *State) { st.Clones[1].Mutations = map[string][]int64{"d": {1}} }},
		{"unknown original clone", func(st *State) { st.Mutations[0].OriginalCloneID = 77 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, tm := buildTumour(t)
			st := Capture(tm, nil, cfg, 0)
			tt.mutate(st)
			if _, err := Restore(cfg, sampling.NewMockSampler(), st); !errors.Is(err, ErrStructure) {
				t.Errorf("Restore() error = %v, want ErrStructure", err)
			}
		})
	}
}

func TestRestoreNeedsConfig(t *testing.T) {
	_, tm := buildTumour(t)
	st := Capture(tm, nil, nil, 0)
	if _, err := Restore(nil, sampling.NewMockSampler(), st); !errors.Is(err, ErrStructure) {
		t.Errorf("Restore() error = %v, want ErrStructure", err)
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	cfg, tm := buildTumour(t)
	st := Capture(tm, nil, cfg, 40)

	var buf bytes.Buffer
	h, err := WriteArchive(&buf, st, map[string]string{"label": "crash"})
	if err != nil {
		t.Fatalf("WriteArchive() error = %v", err)
	}
	if h.CloneCount != 4 || h.MutationCount != 3 || h.Cycle != 40 || !h.Compressed {
		t.Errorf("header = %+v", h)
	}
	data := buf.Bytes()

	hdr, err := ReadHeader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ReadHeader() error = %v", err)
	}
	if hdr.Checksum != h.Checksum || hdr.Metadata["label"] != "crash" {
		t.Errorf("ReadHeader() = %+v", hdr)
	}
	if _, err := VerifyArchive(bytes.NewReader(data)); err != nil {
		t.Errorf("VerifyArchive() error = %v", err)
	}

	_, got, err := ReadArchive(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ReadArchive() error = %v", err)
	}
	if !reflect.DeepEqual(got.Clones, st.Clones) || !reflect.DeepEqual(got.Mutations, st.Mutations) {
		t.Error("archive did not round-trip the rows")
	}
	if !got.CreatedAt.Equal(st.CreatedAt) || got.Config.Pro != cfg.Pro {
		t.Errorf("archive metadata = %v %+v", got.CreatedAt, got.Config)
	}
}

func TestArchiveChecksumMismatch(t *testing.T) {
	cfg, tm := buildTumour(t)
	var buf bytes.Buffer
	if _, err := WriteArchive(&buf, Capture(tm, nil, cfg, 0), nil); err != nil {
		t.Fatal(err)
	}
	data := buf.Bytes()
	data[len(data)-1] ^= 0xff

	if _, err := VerifyArchive(bytes.NewReader(data)); !errors.Is(err, ErrChecksum) {
		t.Errorf("VerifyArchive() error = %v, want ErrChecksum", err)
	}
	if _, _, err := ReadArchive(bytes.NewReader(data)); !errors.Is(err, ErrChecksum) {
		t.Errorf("ReadArchive() error = %v, want ErrChecksum", err)
	}
}

func TestReadHeaderRejectsUnknownVersion(t *testing.T) {
	in := bytes.NewBufferString(`{"version":7,"checksum":"sha256:00"}` + "\n")
	if _, err := ReadHeader(in); err == nil {
		t.Error("expected an error for an unknown archive version")
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(context.Background(), filepath.Join(t.TempDir(), "snapshots.db"))
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreSaveLoad(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	cfg, tm := buildTumour(t)
	st := Capture(tm, nil, cfg, 25)
	st.Stats.ResistanceGenerated = true
	st.Treatment = &treatment.State{
		Regime:         "adaptive",
		Introduced:     true,
		CrashTime:      20,
		LastDose:       24,
		IntroSize:      900,
		SelectPressure: 0.011,
		DecayInit:      0.01,
		DecayStart:     20,
		AdaptiveDose:   0.011,
		SizeMinus1:     950,
		SizeMinus2:     920,
	}

	if err := s.Save(ctx, "crash", st); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := s.Load(ctx, "crash")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got.Version != st.Version || got.Cycle != 25 || got.Stats != st.Stats || !got.CreatedAt.Equal(st.CreatedAt) {
		t.Errorf("snapshot fields = %+v", got)
	}
	if !reflect.DeepEqual(got.Clones, st.Clones) {
		t.Errorf("clones differ:\n got %+v\nwant %+v", got.Clones, st.Clones)
	}
	if !reflect.DeepEqual(got.Mutations, st.Mutations) {
		t.Errorf("mutations differ:\n got %+v\nwant %+v", got.Mutations, st.Mutations)
	}
	if got.Config == nil || got.Config.MaxSizeLim != cfg.MaxSizeLim {
		t.Errorf("config = %+v", got.Config)
	}
	if got.Treatment == nil || *got.Treatment != *st.Treatment {
		t.Errorf("treatment = %+v, want %+v", got.Treatment, st.Treatment)
	}

	if _, err := Restore(nil, sampling.NewMockSampler(), got); err != nil {
		t.Errorf("Restore() of loaded snapshot error = %v", err)
	}
}

func TestStoreReplaceListDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	cfg, tm := buildTumour(t)

	for _, cycle := range []int{5, 9} {
		if err := s.Save(ctx, "run-1", Capture(tm, nil, cfg, cycle)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Save(ctx, "run-2", Capture(tm, nil, nil, 3)); err != nil {
		t.Fatal(err)
	}

	entries, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("List() = %d entries, want 2", len(entries))
	}
	byLabel := map[string]Entry{}
	for _, e := range entries {
		byLabel[e.Label] = e
	}
	if byLabel["run-1"].Cycle != 9 || byLabel["run-1"].CloneCount != tm.CloneCount() {
		t.Errorf("run-1 entry = %+v", byLabel["run-1"])
	}

	if err := s.Delete(ctx, "run-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(ctx, "run-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load() after delete error = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "run-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
	if err := s.Validate(ctx); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestOpenStoreExistingDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db", "snapshots.db")
	s, err := OpenStore(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	cfg, tm := buildTumour(t)
	if err := s.Save(ctx, "keep", Capture(tm, nil, cfg, 1)); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = OpenStore(ctx, path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()
	if _, err := s.Load(ctx, "keep"); err != nil {
		t.Errorf("Load() after reopen error = %v", err)
	}
}

func TestOpenStoreMigratesVersion1(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "old.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.ExecContext(ctx, schemaV1); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO schema_version (version, applied_at) VALUES (1, datetime('now'))`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO snapshots (label, state_version, created_at, cycle, tumour_size, clone_count,
			avg_mutation_rate, avg_proliferation_rate)
		VALUES ('old', 1, '2026-01-02T03:04:05Z', 4, 0, 0, 0, 0)`); err != nil {
		t.Fatal(err)
	}
	db.Close()

	s, err := OpenStore(ctx, path)
	if err != nil {
		t.Fatalf("OpenStore() on a version 1 database error = %v", err)
	}
	defer s.Close()

	var version int
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&version); err != nil {
		t.Fatal(err)
	}
	if version != SchemaVersion {
		t.Errorf("schema version = %d, want %d", version, SchemaVersion)
	}
	got, err := s.Load(ctx, "old")
	if err != nil {
		t.Fatalf("Load() of a pre-migration snapshot error = %v", err)
	}
	if got.Treatment != nil || got.Stats.ResistanceGenerated {
		t.Errorf("pre-migration snapshot = %+v, want no treatment state", got)
	}
}

// crashConfig describes a run that introduces treatment at cycle 10 and
// makes exactly two mutations resistant when it does.
func crashConfig() *config.SimConfig {
	cfg := config.Default()
	cfg.Seed = 11
	cfg.InitSize = 1000
	cfg.Mut = 0.05
	cfg.MaxSizeLim = 1_000_000
	cfg.MaxCycles = 30
	cfg.SelectTime = 10
	cfg.Resistance = true
	cfg.NumResistMutns = 2
	return cfg
}

func runToCrash(t *testing.T, cfg *config.SimConfig) *State {
	t.Helper()
	var crash *State
	hook := func(c int, tm *tumour.Tumour, tr *treatment.Treatment) error {
		crash = Capture(tm, tr, cfg, c)
		return nil
	}
	sim, err := simulation.New(cfg, simulation.WithIntroductionHook(hook))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sim.Run(); err != nil {
		t.Fatal(err)
	}
	if crash == nil {
		t.Fatal("treatment was never introduced")
	}
	if n := countResistant(crash); n != 2 {
		t.Fatalf("crash snapshot holds %d resistant mutations, want 2", n)
	}
	return crash
}

func countResistant(st *State) int {
	n := 0
	for _, m := range st.Mutations {
		if m.MutType == mutation.Resistant.Code() {
			n++
		}
	}
	return n
}

func TestResumeCrashSnapshotKeepsResistance(t *testing.T) {
	cfg := crashConfig()
	crash := runToCrash(t, cfg)
	if crash.Treatment == nil || !crash.Treatment.Introduced || crash.Treatment.CrashTime != 10 {
		t.Fatalf("crash snapshot treatment = %+v, want introduced at 10", crash.Treatment)
	}
	if !crash.Stats.ResistanceGenerated {
		t.Fatal("crash snapshot does not record that resistance was generated")
	}

	// Through the database as well as straight from memory.
	ctx := context.Background()
	store := openTestStore(t)
	if err := store.Save(ctx, "run-crash", crash); err != nil {
		t.Fatal(err)
	}
	loaded, err := store.Load(ctx, "run-crash")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		st        *State
		treatment bool
	}{
		{"in memory", crash, true},
		{"from database", loaded, true},
		{"fresh treatment", loaded, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			smp := sampling.NewSampler(cfg.Seed + 1)
			tm, err := Restore(cfg, smp, tt.st)
			if err != nil {
				t.Fatalf("Restore() error = %v", err)
			}
			opts := []simulation.Option{simulation.WithSampler(smp)}
			if tt.treatment {
				opts = append(opts, simulation.WithTreatmentState(*tt.st.Treatment))
			}
			sim, err := simulation.Resume(cfg, tm, tt.st.Cycle, opts...)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := sim.Run(); err != nil {
				t.Fatal(err)
			}
			if n := tm.Tree().Registry().Count(mutation.Resistant); n != 2 {
				t.Errorf("resistant mutations after resume = %d, want 2", n)
			}
			if tt.treatment {
				if ct, ok := sim.Treatment().CrashTime(); !ok || ct != 10 {
					t.Errorf("CrashTime() = %d, %v, want 10, true", ct, ok)
				}
			}
		})
	}
}

package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nvandessel/popln/internal/config"
	"github.com/nvandessel/popln/internal/treatment"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no snapshot has the requested label.
var ErrNotFound = errors.New("snapshot not found")

// Entry summarises a stored snapshot.
type Entry struct {
	Label      string    `json:"label"`
	CreatedAt  time.Time `json:"created_at"`
	Cycle      int       `json:"cycle"`
	TumourSize int       `json:"tumour_size"`
	CloneCount int       `json:"clone_count"`
}

// Store keeps labelled snapshots in a SQLite database.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenStore opens or creates the database at path.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := InitSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Validate runs the database integrity checks.
func (s *Store) Validate(ctx context.Context) error {
	return ValidateIntegrity(ctx, s.db)
}

// Save stores st under label, replacing any snapshot with the same label.
func (s *Store) Save(ctx context.Context, label string, st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cfgJSON sql.NullString
	if st.Config != nil {
		data, err := json.Marshal(st.Config)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		cfgJSON = sql.NullString{String: string(data), Valid: true}
	}
	var trJSON sql.NullString
	if st.Treatment != nil {
		data, err := json.Marshal(st.Treatment)
		if err != nil {
			return fmt.Errorf("failed to marshal treatment: %w", err)
		}
		trJSON = sql.NullString{String: string(data), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE label = ?`, label); err != nil {
		return fmt.Errorf("failed to replace snapshot %s: %w", label, err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (label, state_version, created_at, cycle, tumour_size, clone_count,
			avg_mutation_rate, avg_proliferation_rate, resistance_generated, config, treatment)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		label, st.Version, st.CreatedAt.UTC().Format(time.RFC3339Nano), st.Cycle,
		st.Stats.TumourSize, st.Stats.CloneCount,
		st.Stats.AvgMutationRate, st.Stats.AvgProliferationRate,
		boolToInt(st.Stats.ResistanceGenerated), cfgJSON, trJSON)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot %s: %w", label, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read snapshot id: %w", err)
	}

	cloneStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO clones (snapshot_id, position, clone_id, parent_id, num_children,
			prolif_rate, mut_rate, death_rate, size, precrash_size, depth, s_time, d_time,
			branch_length, is_resistant, resist_strength, colour, probs, mut_scale, mutations)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare clone insert: %w", err)
	}
	defer cloneStmt.Close()

	for i, c := range st.Clones {
		probs, err := json.Marshal(c.Probs)
		if err != nil {
			return fmt.Errorf("failed to marshal probs of clone %d: %w", c.CloneID, err)
		}
		muts, err := json.Marshal(c.Mutations)
		if err != nil {
			return fmt.Errorf("failed to marshal mutations of clone %d: %w", c.CloneID, err)
		}
		if _, err := cloneStmt.ExecContext(ctx,
			id, i, c.CloneID, nullInt64(c.ParentID), c.NumChildren,
			c.ProlifRate, c.MutRate, c.DeathRate, c.Size, c.PrecrashSize, c.Depth, c.STime, nullInt(c.DTime),
			c.BranchLength, boolToInt(c.IsResistant), c.ResistStrength, c.Colour, string(probs), c.MutScale, string(muts),
		); err != nil {
			return fmt.Errorf("failed to insert clone %d: %w", c.CloneID, err)
		}
	}

	mutStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO mutations (snapshot_id, mut_id, mut_type, prolif_rate_effect,
			mut_rate_effect, resist_strength, original_clone_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare mutation insert: %w", err)
	}
	defer mutStmt.Close()

	for _, m := range st.Mutations {
		var strength sql.NullFloat64
		if m.ResistStrength != nil {
			strength = sql.NullFloat64{Float64: *m.ResistStrength, Valid: true}
		}
		if _, err := mutStmt.ExecContext(ctx,
			id, m.MutID, m.MutType, m.ProlifRateEffect, m.MutRateEffect, strength, m.OriginalCloneID,
		); err != nil {
			return fmt.Errorf("failed to insert mutation %d: %w", m.MutID, err)
		}
	}

	return tx.Commit()
}

// Load returns the snapshot stored under label.
func (s *Store) Load(ctx context.Context, label string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		id      int64
		created string
		resist  int
		cfgJSON sql.NullString
		trJSON  sql.NullString
		st      State
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, state_version, created_at, cycle, tumour_size, clone_count,
			avg_mutation_rate, avg_proliferation_rate, resistance_generated, config, treatment
		FROM snapshots WHERE label = ?`, label).Scan(
		&id, &st.Version, &created, &st.Cycle, &st.Stats.TumourSize, &st.Stats.CloneCount,
		&st.Stats.AvgMutationRate, &st.Stats.AvgProliferationRate, &resist, &cfgJSON, &trJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, label)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot %s: %w", label, err)
	}
	if st.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("%w: created_at %q", ErrStructure, created)
	}
	if cfgJSON.Valid {
		st.Config = &config.SimConfig{}
		if err := json.Unmarshal([]byte(cfgJSON.String), st.Config); err != nil {
			return nil, fmt.Errorf("%w: config: %v", ErrStructure, err)
		}
	}
	st.Stats.ResistanceGenerated = resist != 0
	if trJSON.Valid {
		st.Treatment = &treatment.State{}
		if err := json.Unmarshal([]byte(trJSON.String), st.Treatment); err != nil {
			return nil, fmt.Errorf("%w: treatment: %v", ErrStructure, err)
		}
	}

	if st.Clones, err = s.loadClones(ctx, id); err != nil {
		return nil, err
	}
	if st.Mutations, err = s.loadMutations(ctx, id); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) loadClones(ctx context.Context, id int64) ([]CloneRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT clone_id, parent_id, num_children, prolif_rate, mut_rate, death_rate,
			size, precrash_size, depth, s_time, d_time, branch_length, is_resistant,
			resist_strength, colour, probs, mut_scale, mutations
		FROM clones WHERE snapshot_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query clones: %w", err)
	}
	defer rows.Close()

	var out []CloneRow
	for rows.Next() {
		var (
			c            CloneRow
			parent, dead sql.NullInt64
			resistant    int
			probs, muts  string
		)
		if err := rows.Scan(&c.CloneID, &parent, &c.NumChildren, &c.ProlifRate, &c.MutRate, &c.DeathRate,
			&c.Size, &c.PrecrashSize, &c.Depth, &c.STime, &dead, &c.BranchLength, &resistant,
			&c.ResistStrength, &c.Colour, &probs, &c.MutScale, &muts); err != nil {
			return nil, fmt.Errorf("failed to scan clone: %w", err)
		}
		if parent.Valid {
			pid := parent.Int64
			c.ParentID = &pid
		}
		if dead.Valid {
			dt := int(dead.Int64)
			c.DTime = &dt
		}
		c.IsResistant = resistant != 0
		if err := json.Unmarshal([]byte(probs), &c.Probs); err != nil {
			return nil, fmt.Errorf("%w: clone %d probs: %v", ErrStructure, c.CloneID, err)
		}
		if err := json.Unmarshal([]byte(muts), &c.Mutations); err != nil {
			return nil, fmt.Errorf("%w: clone %d mutations: %v", ErrStructure, c.CloneID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) loadMutations(ctx context.Context, id int64) ([]MutationRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mut_id, mut_type, prolif_rate_effect, mut_rate_effect, resist_strength, original_clone_id
		FROM mutations WHERE snapshot_id = ? ORDER BY mut_id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query mutations: %w", err)
	}
	defer rows.Close()

	var out []MutationRow
	for rows.Next() {
		var (
			m        MutationRow
			strength sql.NullFloat64
		)
		if err := rows.Scan(&m.MutID, &m.MutType, &m.ProlifRateEffect, &m.MutRateEffect, &strength, &m.OriginalCloneID); err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}
		if strength.Valid {
			v := strength.Float64
			m.ResistStrength = &v
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// List returns every stored snapshot, oldest first.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT label, created_at, cycle, tumour_size, clone_count
		FROM snapshots ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			created string
		)
		if err := rows.Scan(&e.Label, &created, &e.Cycle, &e.TumourSize, &e.CloneCount); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Delete removes the snapshot stored under label.
func (s *Store) Delete(ctx context.Context, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE label = ?`, label)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", label, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, label)
	}
	return nil
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

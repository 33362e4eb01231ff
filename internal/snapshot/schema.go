package snapshot

import (
	"context"
	"database/sql"
	"fmt"
)

// SchemaVersion is the current snapshot database schema version.
const SchemaVersion = 2

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    label TEXT NOT NULL UNIQUE,
    state_version INTEGER NOT NULL,
    created_at TEXT NOT NULL,
    cycle INTEGER NOT NULL,
    tumour_size INTEGER NOT NULL,
    clone_count INTEGER NOT NULL,
    avg_mutation_rate REAL NOT NULL,
    avg_proliferation_rate REAL NOT NULL,
    config TEXT
);

CREATE TABLE IF NOT EXISTS clones (
    snapshot_id INTEGER NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    clone_id INTEGER NOT NULL,
    parent_id INTEGER,
    num_children INTEGER NOT NULL,
    prolif_rate REAL NOT NULL,
    mut_rate REAL NOT NULL,
    death_rate REAL NOT NULL,
    size INTEGER NOT NULL,
    precrash_size INTEGER NOT NULL,
    depth INTEGER NOT NULL,
    s_time INTEGER NOT NULL,
    d_time INTEGER,
    branch_length INTEGER NOT NULL,
    is_resistant INTEGER NOT NULL,
    resist_strength REAL NOT NULL,
    colour TEXT NOT NULL,
    probs TEXT NOT NULL,
    mut_scale REAL NOT NULL,
    mutations TEXT NOT NULL,
    PRIMARY KEY (snapshot_id, clone_id)
);

CREATE INDEX IF NOT EXISTS idx_clones_position ON clones(snapshot_id, position);

CREATE TABLE IF NOT EXISTS mutations (
    snapshot_id INTEGER NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
    mut_id INTEGER NOT NULL,
    mut_type TEXT NOT NULL CHECK (mut_type IN ('b', 'n', 'd', 'r')),
    prolif_rate_effect REAL NOT NULL,
    mut_rate_effect REAL NOT NULL,
    resist_strength REAL,
    original_clone_id INTEGER NOT NULL,
    PRIMARY KEY (snapshot_id, mut_id)
);
`

// schemaV2 records how far the treatment had progressed, so a resumed run
// neither reintroduces treatment nor draws resistance a second time.
const schemaV2 = `
ALTER TABLE snapshots ADD COLUMN resistance_generated INTEGER NOT NULL DEFAULT 0;
ALTER TABLE snapshots ADD COLUMN treatment TEXT;
`

// InitSchema creates the schema on an empty database, and validates and
// migrates an existing one.
func InitSchema(ctx context.Context, db *sql.DB) error {
	version, err := schemaVersion(ctx, db)
	if err != nil {
		if err := createSchema(ctx, db); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
		return nil
	}
	if version > SchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, SchemaVersion)
	}
	if err := ValidateIntegrity(ctx, db); err != nil {
		return fmt.Errorf("database integrity check failed: %w", err)
	}
	if version < SchemaVersion {
		if err := migrateSchema(ctx, db, version); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}

func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&version)
	return version, err
}

func createSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schemaV1); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	if _, err := tx.ExecContext(ctx, schemaV2); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, applied_at) VALUES (?, datetime('now'))`,
		SchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return tx.Commit()
}

// migrateSchema applies each migration after currentVersion in order.
func migrateSchema(ctx context.Context, db *sql.DB, currentVersion int) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if currentVersion < 2 {
		if _, err := tx.ExecContext(ctx, schemaV2); err != nil {
			return fmt.Errorf("failed to apply migration 2: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, applied_at) VALUES (?, datetime('now'))`,
		SchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return tx.Commit()
}

// ValidateIntegrity runs PRAGMA integrity_check and PRAGMA
// foreign_key_check and fails on any reported problem.
func ValidateIntegrity(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `PRAGMA integrity_check`)
	if err != nil {
		return fmt.Errorf("failed to run integrity_check: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var result string
		if err := rows.Scan(&result); err != nil {
			return fmt.Errorf("failed to scan integrity_check result: %w", err)
		}
		if result != "ok" {
			return fmt.Errorf("integrity_check failed: %s", result)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	fk, err := db.QueryContext(ctx, `PRAGMA foreign_key_check`)
	if err != nil {
		return fmt.Errorf("failed to run foreign_key_check: %w", err)
	}
	defer fk.Close()
	var problems []string
	for fk.Next() {
		var table, parent string
		var rowid, fkid sql.NullInt64
		if err := fk.Scan(&table, &rowid, &parent, &fkid); err != nil {
			return fmt.Errorf("failed to scan foreign_key_check result: %w", err)
		}
		problems = append(problems, fmt.Sprintf("table=%s rowid=%d parent=%s", table, rowid.Int64, parent))
	}
	if len(problems) > 0 {
		return fmt.Errorf("foreign_key_check failed: %v", problems)
	}
	return fk.Err()
}

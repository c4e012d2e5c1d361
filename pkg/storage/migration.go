package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema version constants
const (
	// SchemaVersion1 creates keystone, factor and key slot tables
	SchemaVersion1 = 1
	// SchemaVersion2 adds the failures table for lockout windows
	SchemaVersion2 = 2
	// CurrentSchemaVersion is the current schema version
	CurrentSchemaVersion = SchemaVersion2
)

// getSchemaVersion returns the stored schema version, or 0 for an empty
// database.
func getSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var tableName string
	err := db.QueryRowContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&tableName)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("storage: failed to check schema_version table: %w", err)
	}

	var version int
	err = db.QueryRowContext(ctx, "SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("storage: failed to get schema version: %w", err)
	}
	return version, nil
}

func setSchemaVersion(ctx context.Context, tx *sql.Tx, version int) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			migrated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("storage: failed to create schema_version table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT OR REPLACE INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("storage: failed to set schema version: %w", err)
	}
	return nil
}

// migrateSchema applies every migration above the stored version, each in
// its own transaction.
func migrateSchema(ctx context.Context, db *sql.DB) error {
	version, err := getSchemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if version > CurrentSchemaVersion {
		return fmt.Errorf("storage: database schema v%d is newer than supported v%d", version, CurrentSchemaVersion)
	}

	migrations := []struct {
		version int
		apply   func(context.Context, *sql.Tx) error
	}{
		{SchemaVersion1, migrateToV1},
		{SchemaVersion2, migrateToV2},
	}

	for _, m := range migrations {
		if version >= m.version {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("storage: failed to begin migration: %w", err)
		}
		if err := m.apply(ctx, tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("storage: migration to v%d failed: %w", m.version, err)
		}
		if err := setSchemaVersion(ctx, tx, m.version); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("storage: failed to commit migration to v%d: %w", m.version, err)
		}
	}
	return nil
}

func migrateToV1(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE keystones (
			user_id TEXT PRIMARY KEY,
			threshold INTEGER NOT NULL,
			required TEXT NOT NULL DEFAULT '',
			kdf_time INTEGER NOT NULL,
			kdf_memory INTEGER NOT NULL,
			kdf_threads INTEGER NOT NULL,
			gallery_version INTEGER NOT NULL DEFAULT 0,
			image_hint_ct BLOB,
			image_hint_nonce BLOB,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE factor_commitments (
			user_id TEXT NOT NULL REFERENCES keystones(user_id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			kind TEXT NOT NULL,
			salt BLOB NOT NULL,
			commitment BLOB NOT NULL,
			weight INTEGER NOT NULL,
			PRIMARY KEY (user_id, kind)
		)`,
		`CREATE TABLE key_slots (
			user_id TEXT NOT NULL REFERENCES keystones(user_id) ON DELETE CASCADE,
			slot INTEGER NOT NULL,
			kinds TEXT NOT NULL,
			salt BLOB NOT NULL,
			ciphertext BLOB NOT NULL,
			nonce BLOB NOT NULL,
			PRIMARY KEY (user_id, slot)
		)`,
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func migrateToV2(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE failures (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			at INTEGER NOT NULL
		)`,
		`CREATE INDEX idx_failures_user_kind_at ON failures(user_id, kind, at)`,
		`CREATE INDEX idx_failures_at ON failures(at)`,
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

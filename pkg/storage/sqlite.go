package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/forest6511/keystone/internal/diskspace"
	"github.com/forest6511/keystone/pkg/factor"
)

// Storage file constants
const (
	DBFileName   = "keystone.db"
	DirMode      = 0700
	FileMode     = 0600
	MinDiskSpace = 1024 * 1024 // 1 MB free required before writes
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the database under dir and
// migrates it to the current schema.
func OpenSQLite(ctx context.Context, dir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return nil, fmt.Errorf("storage: failed to create directory: %w", err)
	}

	dbPath := filepath.Join(dir, DBFileName)
	dsn := "file:" + dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to open database: %w", err)
	}

	// Single connection avoids "database is locked" under concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrateSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if err := os.Chmod(dbPath, FileMode); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: failed to set database permissions: %w", err)
	}

	return &SQLiteStore{db: db, path: dir}, nil
}

// Path returns the database directory.
func (s *SQLiteStore) Path() string { return s.path }

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// PutUserKeystone writes the record, its factors and key slots in one
// transaction.
func (s *SQLiteStore) PutUserKeystone(ctx context.Context, rec *KeystoneRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := diskspace.Require(s.path, MinDiskSpace); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM keystones WHERE user_id = ?", rec.UserID).Scan(&exists)
	if err == nil {
		return ErrAlreadyExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("storage: failed to check existing record: %w", err)
	}

	var hintCT, hintNonce []byte
	if rec.ImageHint != nil {
		hintCT, hintNonce = rec.ImageHint.Ciphertext, rec.ImageHint.Nonce
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO keystones (user_id, threshold, required, kdf_time, kdf_memory, kdf_threads,
			gallery_version, image_hint_ct, image_hint_nonce, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.UserID, rec.Threshold, joinKinds(rec.Required),
		rec.KDF.Time, rec.KDF.Memory, rec.KDF.Threads,
		rec.GalleryVersion, hintCT, hintNonce, rec.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("storage: failed to insert keystone: %w", err)
	}

	for i, f := range rec.Factors {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO factor_commitments (user_id, position, kind, salt, commitment, weight)
			VALUES (?, ?, ?, ?, ?, ?)`,
			rec.UserID, i, string(f.Kind), f.Salt, f.Commitment, f.Weight)
		if err != nil {
			return fmt.Errorf("storage: failed to insert factor commitment: %w", err)
		}
	}

	for i, slot := range rec.KeySlots {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO key_slots (user_id, slot, kinds, salt, ciphertext, nonce)
			VALUES (?, ?, ?, ?, ?, ?)`,
			rec.UserID, i, joinKinds(slot.Kinds), slot.Salt, slot.Ciphertext, slot.Nonce)
		if err != nil {
			return fmt.Errorf("storage: failed to insert key slot: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: failed to commit transaction: %w", err)
	}
	return nil
}

// GetUserKeystone loads a record with its factors and key slots.
func (s *SQLiteStore) GetUserKeystone(ctx context.Context, userID string) (*KeystoneRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rec := &KeystoneRecord{UserID: userID}
	var required string
	var hintCT, hintNonce []byte
	var createdAt int64
	err = tx.QueryRowContext(ctx, `
		SELECT threshold, required, kdf_time, kdf_memory, kdf_threads,
			gallery_version, image_hint_ct, image_hint_nonce, created_at
		FROM keystones WHERE user_id = ?`, userID).
		Scan(&rec.Threshold, &required, &rec.KDF.Time, &rec.KDF.Memory, &rec.KDF.Threads,
			&rec.GalleryVersion, &hintCT, &hintNonce, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: failed to read keystone: %w", err)
	}
	rec.Required = splitKinds(required)
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	if len(hintCT) > 0 {
		rec.ImageHint = &Sealed{Ciphertext: hintCT, Nonce: hintNonce}
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT kind, salt, commitment, weight FROM factor_commitments
		WHERE user_id = ? ORDER BY position`, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to read factors: %w", err)
	}
	for rows.Next() {
		var f FactorCommitment
		var kind string
		if err := rows.Scan(&kind, &f.Salt, &f.Commitment, &f.Weight); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: failed to scan factor: %w", err)
		}
		f.Kind = factor.Kind(kind)
		rec.Factors = append(rec.Factors, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: failed to read factors: %w", err)
	}

	rows, err = tx.QueryContext(ctx, `
		SELECT kinds, salt, ciphertext, nonce FROM key_slots
		WHERE user_id = ? ORDER BY slot`, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to read key slots: %w", err)
	}
	for rows.Next() {
		var slot KeySlot
		var kinds string
		if err := rows.Scan(&kinds, &slot.Salt, &slot.Ciphertext, &slot.Nonce); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: failed to scan key slot: %w", err)
		}
		slot.Kinds = splitKinds(kinds)
		rec.KeySlots = append(rec.KeySlots, slot)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: failed to read key slots: %w", err)
	}

	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("storage: stored record for %q is corrupted: %w", userID, err)
	}
	return rec, nil
}

// ListUserIDs returns enrolled user ids in ascending order.
func (s *SQLiteStore) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT user_id FROM keystones ORDER BY user_id")
	if err != nil {
		return nil, fmt.Errorf("storage: failed to list keystones: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: failed to list keystones: %w", err)
	}
	return ids, nil
}

// DeleteUserKeystone removes a record. Factors and key slots cascade.
func (s *SQLiteStore) DeleteUserKeystone(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM keystones WHERE user_id = ?", userID)
	if err != nil {
		return fmt.Errorf("storage: failed to delete keystone: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: failed to delete keystone: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementFailureCounter inserts a failure and counts the window inside
// the same transaction.
func (s *SQLiteStore) IncrementFailureCounter(ctx context.Context, userID string, kind factor.Kind, at, since time.Time) (FailureCounter, error) {
	if err := diskspace.Require(s.path, MinDiskSpace); err != nil {
		return FailureCounter{}, fmt.Errorf("storage: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return FailureCounter{}, fmt.Errorf("storage: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, "INSERT INTO failures (user_id, kind, at) VALUES (?, ?, ?)",
		userID, string(kind), at.UnixNano())
	if err != nil {
		return FailureCounter{}, fmt.Errorf("storage: failed to record failure: %w", err)
	}

	c, err := countFailures(ctx, tx, userID, kind, since)
	if err != nil {
		return FailureCounter{}, err
	}
	if err := tx.Commit(); err != nil {
		return FailureCounter{}, fmt.Errorf("storage: failed to commit failure: %w", err)
	}
	return c, nil
}

// GetFailureCounter counts failures at or after since.
func (s *SQLiteStore) GetFailureCounter(ctx context.Context, userID string, kind factor.Kind, since time.Time) (FailureCounter, error) {
	return countFailures(ctx, s.db, userID, kind, since)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func countFailures(ctx context.Context, q queryer, userID string, kind factor.Kind, since time.Time) (FailureCounter, error) {
	query := "SELECT COUNT(*), MIN(at), MAX(at) FROM failures WHERE user_id = ? AND at >= ?"
	args := []any{userID, since.UnixNano()}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, string(kind))
	}

	var c FailureCounter
	var oldest, latest sql.NullInt64
	if err := q.QueryRowContext(ctx, query, args...).Scan(&c.Count, &oldest, &latest); err != nil {
		return FailureCounter{}, fmt.Errorf("storage: failed to count failures: %w", err)
	}
	if oldest.Valid {
		c.Oldest = time.Unix(0, oldest.Int64).UTC()
	}
	if latest.Valid {
		c.Latest = time.Unix(0, latest.Int64).UTC()
	}
	return c, nil
}

// ClearFailureCounters removes every failure of the user.
func (s *SQLiteStore) ClearFailureCounters(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM failures WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("storage: failed to clear failures: %w", err)
	}
	return nil
}

// PruneFailures deletes failures recorded before cutoff.
func (s *SQLiteStore) PruneFailures(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM failures WHERE at < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("storage: failed to prune failures: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage: failed to prune failures: %w", err)
	}
	return int(n), nil
}

func joinKinds(kinds []factor.Kind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, ",")
}

func splitKinds(s string) []factor.Kind {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	kinds := make([]factor.Kind, len(parts))
	for i, p := range parts {
		kinds[i] = factor.Kind(p)
	}
	return kinds
}

// Package backup writes and restores encrypted snapshots of keystone
// records.
//
// File layout: magic, header length, header JSON, nonce-prefixed
// AES-256-GCM payload, and an HMAC-SHA256 over header and payload.
// Encryption and MAC keys are HKDF sub-keys of either the server key or a
// separate 32-byte key file. Records restored onto an instance with a
// different server key keep working, except that their sealed image hint
// can no longer be opened.
package backup

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/forest6511/keystone/pkg/crypto"
	"github.com/forest6511/keystone/pkg/storage"
)

// maxBackupSize bounds how much of a backup file is read (256MB).
const maxBackupSize = 256 * 1024 * 1024

// ConflictMode specifies how to handle users that are already enrolled
// in the target store.
type ConflictMode int

const (
	// ConflictError aborts the restore before any write.
	ConflictError ConflictMode = iota
	// ConflictSkip keeps the existing enrollment.
	ConflictSkip
	// ConflictOverwrite replaces the existing enrollment.
	ConflictOverwrite
)

// Options configures a backup.
type Options struct {
	// Key is the 32-byte secret the backup keys are derived from.
	Key  []byte
	Mode EncryptionMode
	// AuditDir, when set, adds the audit log files to the backup.
	AuditDir string
	Now      func() time.Time
}

// RestoreOptions configures a restore.
type RestoreOptions struct {
	Key        []byte
	OnConflict ConflictMode
	// DryRun reports what would be restored without writing.
	DryRun bool
	// AuditDir, when set, restores audit files into it. The directory
	// must not hold an audit log yet.
	AuditDir string
}

// RestoreResult contains the result of a restore operation.
type RestoreResult struct {
	Restored      int  `json:"restored"`
	Skipped       int  `json:"skipped"`
	Overwritten   int  `json:"overwritten"`
	AuditRestored bool `json:"audit_restored"`
	DryRun        bool `json:"dry_run"`
}

// Backup writes every record in store to w.
func Backup(ctx context.Context, w io.Writer, store storage.KeystoneStore, opts Options) (*Header, error) {
	if opts.Mode == "" {
		opts.Mode = EncryptionModeServerKey
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	encKey, macKey, err := deriveKeys(opts.Key)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(encKey)
	defer crypto.SecureWipe(macKey)

	ids, err := store.ListUserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to list enrollments: %w", err)
	}
	payload := Payload{Records: make([]*storage.KeystoneRecord, 0, len(ids))}
	for _, id := range ids {
		rec, err := store.GetUserKeystone(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			// revoked while listing
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("backup: failed to read enrollment: %w", err)
		}
		payload.Records = append(payload.Records, rec)
	}
	if opts.AuditDir != "" {
		if payload.Audit, err = readAuditDir(opts.AuditDir); err != nil {
			return nil, err
		}
	}

	plaintext, err := json.Marshal(&payload)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to encode payload: %w", err)
	}
	sealed, err := encryptPayload(plaintext, encKey)
	crypto.SecureWipe(plaintext)
	if err != nil {
		return nil, err
	}

	header := &Header{
		Version:        FormatVersion,
		CreatedAt:      opts.Now().UTC(),
		EncryptionMode: opts.Mode,
		RecordCount:    len(payload.Records),
		IncludesAudit:  len(payload.Audit) > 0,
		ChecksumAlgo:   "hmac-sha256",
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to encode header: %w", err)
	}

	if err := writeHeader(w, headerJSON); err != nil {
		return nil, err
	}
	if _, err := w.Write(sealed); err != nil {
		return nil, fmt.Errorf("backup: failed to write payload: %w", err)
	}
	if _, err := w.Write(computeHMAC(macKey, headerJSON, sealed)); err != nil {
		return nil, fmt.Errorf("backup: failed to write HMAC: %w", err)
	}
	return header, nil
}

// Verify checks the integrity of a backup and decrypts it without
// restoring anything.
func Verify(r io.Reader, key []byte) (*Header, error) {
	header, payload, err := open(r, key)
	if err != nil {
		return nil, err
	}
	if len(payload.Records) != header.RecordCount {
		return nil, fmt.Errorf("%w: header lists %d records, payload has %d", ErrIntegrityFailed, header.RecordCount, len(payload.Records))
	}
	return header, nil
}

// Restore writes the records of a backup into store.
func Restore(ctx context.Context, r io.Reader, store storage.KeystoneStore, opts RestoreOptions) (*RestoreResult, error) {
	_, payload, err := open(r, opts.Key)
	if err != nil {
		return nil, err
	}

	for _, rec := range payload.Records {
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("backup: record %q: %w", rec.UserID, err)
		}
	}

	// Resolve conflicts before the first write so ConflictError never
	// leaves a partial restore.
	existing := make(map[string]bool)
	for _, rec := range payload.Records {
		_, err := store.GetUserKeystone(ctx, rec.UserID)
		switch {
		case err == nil:
			if opts.OnConflict == ConflictError {
				return nil, fmt.Errorf("%w: %s", ErrConflict, rec.UserID)
			}
			existing[rec.UserID] = true
		case !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("backup: failed to read enrollment: %w", err)
		}
	}
	if opts.AuditDir != "" && len(payload.Audit) > 0 {
		if err := checkAuditTarget(opts.AuditDir); err != nil {
			return nil, err
		}
	}

	res := &RestoreResult{DryRun: opts.DryRun}
	for _, rec := range payload.Records {
		if existing[rec.UserID] {
			if opts.OnConflict == ConflictSkip {
				res.Skipped++
				continue
			}
			res.Overwritten++
			if opts.DryRun {
				continue
			}
			if err := store.DeleteUserKeystone(ctx, rec.UserID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return res, fmt.Errorf("backup: failed to replace %q: %w", rec.UserID, err)
			}
		} else {
			res.Restored++
			if opts.DryRun {
				continue
			}
		}
		if err := store.PutUserKeystone(ctx, rec); err != nil {
			return res, fmt.Errorf("backup: failed to restore %q: %w", rec.UserID, err)
		}
	}

	if opts.AuditDir != "" && len(payload.Audit) > 0 {
		res.AuditRestored = true
		if !opts.DryRun {
			if err := writeAuditDir(opts.AuditDir, payload.Audit); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

// open reads, authenticates and decrypts a backup.
func open(r io.Reader, key []byte) (*Header, *Payload, error) {
	encKey, macKey, err := deriveKeys(key)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.SecureWipe(encKey)
	defer crypto.SecureWipe(macKey)

	header, headerJSON, err := readHeader(r)
	if err != nil {
		return nil, nil, err
	}
	rest, err := io.ReadAll(io.LimitReader(r, maxBackupSize+1))
	if err != nil {
		return nil, nil, fmt.Errorf("backup: failed to read payload: %w", err)
	}
	if len(rest) > maxBackupSize {
		return nil, nil, fmt.Errorf("backup: file larger than %d bytes", maxBackupSize)
	}
	if len(rest) < HMACLength {
		return nil, nil, ErrTruncated
	}
	sealed, mac := rest[:len(rest)-HMACLength], rest[len(rest)-HMACLength:]
	if !hmac.Equal(computeHMAC(macKey, headerJSON, sealed), mac) {
		return nil, nil, ErrIntegrityFailed
	}

	plaintext, err := decryptPayload(sealed, encKey)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.SecureWipe(plaintext)

	var payload Payload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, nil, fmt.Errorf("backup: failed to decode payload: %w", err)
	}
	return header, &payload, nil
}

// readAuditDir collects the audit log files and chain state.
func readAuditDir(dir string) (map[string][]byte, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("backup: failed to read audit directory: %w", err)
	}
	files := make(map[string][]byte)
	for _, e := range entries {
		if !e.Type().IsRegular() || !isAuditFile(e.Name()) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("backup: failed to read audit file: %w", err)
		}
		files[e.Name()] = data
	}
	return files, nil
}

func isAuditFile(name string) bool {
	return strings.HasSuffix(name, ".jsonl") || name == "audit.meta"
}

func checkAuditTarget(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		return err
	}
	if len(matches) > 0 {
		return ErrAuditExists
	}
	return nil
}

func writeAuditDir(dir string, files map[string][]byte) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("backup: failed to create audit directory: %w", err)
	}
	for name, data := range files {
		// names come from an authenticated payload, but never leave dir
		if name != filepath.Base(name) || !isAuditFile(name) {
			return fmt.Errorf("backup: invalid audit file name %q", name)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0600); err != nil {
			return fmt.Errorf("backup: failed to restore audit file: %w", err)
		}
	}
	return nil
}

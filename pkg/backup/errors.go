package backup

import "errors"

// Backup/Restore errors
var (
	// ErrInvalidMagic indicates the file is not a keystone backup.
	ErrInvalidMagic = errors.New("backup: invalid backup file, magic number mismatch")

	// ErrUnsupportedVersion indicates the backup format version is not supported.
	ErrUnsupportedVersion = errors.New("backup: unsupported backup format version")

	// ErrIntegrityFailed indicates the HMAC verification failed.
	ErrIntegrityFailed = errors.New("backup: integrity check failed, HMAC mismatch")

	// ErrDecryptionFailed indicates decryption failed due to a wrong key or corruption.
	ErrDecryptionFailed = errors.New("backup: decryption failed, wrong key or corrupted data")

	// ErrConflict indicates a user is already enrolled in the target store.
	ErrConflict = errors.New("backup: restore conflict, user already enrolled")

	// ErrInvalidKeyFile indicates the key file is invalid or wrong size.
	ErrInvalidKeyFile = errors.New("backup: invalid key file, must be exactly 32 bytes")

	// ErrAuditExists indicates the target audit directory already holds a log.
	ErrAuditExists = errors.New("backup: audit log already exists at restore target")

	// ErrTruncated indicates the file ends before its HMAC.
	ErrTruncated = errors.New("backup: file truncated")
)

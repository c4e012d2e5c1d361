package backup

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/forest6511/keystone/pkg/storage"
)

// MagicNumber opens every backup file: "KSTN_BKP"
var MagicNumber = [8]byte{'K', 'S', 'T', 'N', '_', 'B', 'K', 'P'}

// FormatVersion is the current backup format version.
const FormatVersion = 1

// maxHeaderSize bounds the header JSON (1MB).
const maxHeaderSize = 1024 * 1024

// EncryptionMode records which secret protects the backup.
type EncryptionMode string

const (
	// EncryptionModeServerKey uses the instance server key.
	EncryptionModeServerKey EncryptionMode = "server_key"
	// EncryptionModeKeyFile uses a separate 32-byte key file.
	EncryptionModeKeyFile EncryptionMode = "key_file"
)

// Header is the unencrypted, HMAC-covered backup metadata. It carries
// counts only, never user ids.
type Header struct {
	Version        int            `json:"version"`
	CreatedAt      time.Time      `json:"created_at"`
	EncryptionMode EncryptionMode `json:"encryption_mode"`
	RecordCount    int            `json:"record_count"`
	IncludesAudit  bool           `json:"includes_audit"`
	ChecksumAlgo   string         `json:"checksum_algorithm"`
}

// Payload is the encrypted backup body.
type Payload struct {
	Records []*storage.KeystoneRecord `json:"records"`
	// Audit maps audit directory file names to their contents.
	Audit map[string][]byte `json:"audit,omitempty"`
}

// writeHeader writes the magic number, the header length and the header.
func writeHeader(w io.Writer, headerJSON []byte) error {
	if _, err := w.Write(MagicNumber[:]); err != nil {
		return fmt.Errorf("backup: failed to write magic number: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(headerJSON))); err != nil {
		return fmt.Errorf("backup: failed to write header length: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("backup: failed to write header: %w", err)
	}
	return nil
}

// readHeader reads and validates the magic number and header. It returns
// the raw header bytes for HMAC verification.
func readHeader(r io.Reader) (*Header, []byte, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, nil, fmt.Errorf("backup: failed to read magic number: %w", err)
	}
	if magic != MagicNumber {
		return nil, nil, ErrInvalidMagic
	}

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, nil, fmt.Errorf("backup: failed to read header length: %w", err)
	}
	if n > maxHeaderSize {
		return nil, nil, fmt.Errorf("backup: header too large: %d bytes", n)
	}

	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, nil, fmt.Errorf("backup: failed to read header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, nil, fmt.Errorf("backup: failed to parse header: %w", err)
	}
	if h.Version < 1 || h.Version > FormatVersion {
		return nil, nil, fmt.Errorf("%w: got %d, max supported %d", ErrUnsupportedVersion, h.Version, FormatVersion)
	}
	return &h, raw, nil
}

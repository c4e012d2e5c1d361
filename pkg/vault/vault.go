// Package vault provides the local encrypted data store that a recovered
// master key unlocks.
//
// The vault is a single AES-256-GCM sealed blob under the data directory.
// Its encryption key is an HKDF sub-key of the master key, so the master
// key itself never encrypts data directly.
package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/forest6511/keystone/internal/diskspace"
	"github.com/forest6511/keystone/pkg/crypto"
)

// Constants
const (
	DataFileName = "vault.data"
	MetaFileName = "vault.meta"
	FileMode     = 0600 // Owner read/write only
	DirMode      = 0700 // Owner read/write/execute only

	// FormatVersion of the sealed data file.
	FormatVersion = 1

	// MaxDataSize bounds the plaintext size.
	MaxDataSize = 16 * 1024 * 1024

	// MinDiskSpaceBytes is required before any write.
	MinDiskSpaceBytes = 10 * 1024 * 1024

	keyInfo = "keystone-vault-v1"
)

// Errors
var (
	ErrVaultAlreadyExists   = errors.New("vault: vault already exists at this path")
	ErrVaultNotFound        = errors.New("vault: vault not found at this path")
	ErrVaultLocked          = errors.New("vault: vault is locked")
	ErrVaultAlreadyUnlocked = errors.New("vault: vault is already unlocked")
	ErrWrongKey             = errors.New("vault: master key does not open this vault")
	ErrVaultCorrupted       = errors.New("vault: vault is corrupted")
	ErrDataTooLarge         = errors.New("vault: data exceeds maximum size")
)

// Meta holds vault metadata. It is stored in plaintext.
type Meta struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// sealedFile is the on-disk data format.
type sealedFile struct {
	Version    int    `json:"version"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Vault manages the sealed data file.
type Vault struct {
	path string       // vault directory
	key  []byte       // data key, held in memory while unlocked
	mu   sync.RWMutex // concurrency control
	log  *slog.Logger
}

// New creates a vault handle for the directory path.
func New(path string) *Vault {
	return &Vault{path: path, log: slog.Default()}
}

// SetLogger replaces the logger used for permission warnings.
func (v *Vault) SetLogger(l *slog.Logger) {
	if l != nil {
		v.log = l
	}
}

// Path returns the vault directory.
func (v *Vault) Path() string { return v.path }

// Exists reports whether a vault has been initialized at the path.
func (v *Vault) Exists() bool {
	_, err := os.Stat(filepath.Join(v.path, DataFileName))
	return err == nil
}

// dataKey derives the vault data key from a master key.
func dataKey(masterKey []byte) ([]byte, error) {
	if len(masterKey) != crypto.KeyLength {
		return nil, crypto.ErrInvalidKeyLength
	}
	return crypto.DeriveSubKey(masterKey, keyInfo)
}

// Init creates a new vault sealing data under masterKey and leaves it
// unlocked.
func (v *Vault) Init(masterKey, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.Exists() {
		return ErrVaultAlreadyExists
	}
	if err := os.MkdirAll(v.path, DirMode); err != nil {
		return fmt.Errorf("vault: failed to create vault directory: %w", err)
	}

	key, err := dataKey(masterKey)
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}

	now := time.Now().UTC()
	if err := v.writeSealed(key, data); err != nil {
		crypto.SecureWipe(key)
		return err
	}
	if err := v.writeMeta(Meta{Version: FormatVersion, CreatedAt: now, UpdatedAt: now}); err != nil {
		crypto.SecureWipe(key)
		return err
	}

	v.key = key
	return nil
}

// Unlock derives the data key from masterKey and checks that it opens the
// vault.
func (v *Vault) Unlock(masterKey []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.Exists() {
		return ErrVaultNotFound
	}
	if v.key != nil {
		return ErrVaultAlreadyUnlocked
	}

	key, err := dataKey(masterKey)
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	plain, err := v.readSealed(key)
	if err != nil {
		crypto.SecureWipe(key)
		return err
	}
	crypto.SecureWipe(plain)

	v.key = key
	v.checkAndWarnPermissions()
	return nil
}

// Lock wipes the data key from memory.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.key != nil {
		crypto.SecureWipe(v.key)
		v.key = nil
	}
}

// IsLocked returns whether the vault is locked.
func (v *Vault) IsLocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.key == nil
}

// Read returns the decrypted vault contents. The caller should wipe them.
func (v *Vault) Read() ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.key == nil {
		return nil, ErrVaultLocked
	}
	return v.readSealed(v.key)
}

// Write replaces the vault contents.
func (v *Vault) Write(data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.key == nil {
		return ErrVaultLocked
	}
	if err := v.writeSealed(v.key, data); err != nil {
		return err
	}

	meta, err := v.readMeta()
	if err != nil {
		return err
	}
	meta.UpdatedAt = time.Now().UTC()
	return v.writeMeta(meta)
}

// Meta returns the plaintext vault metadata.
func (v *Vault) Meta() (Meta, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.readMeta()
}

func (v *Vault) readSealed(key []byte) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(v.path, DataFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrVaultNotFound
		}
		return nil, fmt.Errorf("vault: failed to read data file: %w", err)
	}

	var f sealedFile
	if err := json.Unmarshal(raw, &f); err != nil || f.Version != FormatVersion || len(f.Nonce) != crypto.NonceLength {
		return nil, ErrVaultCorrupted
	}

	plain, err := crypto.Decrypt(key, f.Ciphertext, f.Nonce)
	if err != nil {
		if errors.Is(err, crypto.ErrDecryptionFailed) {
			return nil, ErrWrongKey
		}
		return nil, ErrVaultCorrupted
	}
	return plain, nil
}

// writeSealed atomically replaces the data file.
func (v *Vault) writeSealed(key, data []byte) error {
	if len(data) > MaxDataSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrDataTooLarge, len(data), MaxDataSize)
	}
	if err := diskspace.Require(v.path, MinDiskSpaceBytes+uint64(len(data))); err != nil {
		return fmt.Errorf("vault: %w", err)
	}

	ct, nonce, err := crypto.Encrypt(key, data)
	if err != nil {
		return fmt.Errorf("vault: failed to encrypt data: %w", err)
	}
	raw, err := json.Marshal(sealedFile{Version: FormatVersion, Nonce: nonce, Ciphertext: ct})
	if err != nil {
		return fmt.Errorf("vault: failed to marshal data: %w", err)
	}
	return writeFileAtomic(filepath.Join(v.path, DataFileName), raw)
}

func (v *Vault) readMeta() (Meta, error) {
	var m Meta
	raw, err := os.ReadFile(filepath.Join(v.path, MetaFileName))
	if err != nil {
		return m, fmt.Errorf("vault: failed to read metadata file: %w", err)
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, ErrVaultCorrupted
	}
	return m, nil
}

func (v *Vault) writeMeta(m Meta) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: failed to marshal metadata: %w", err)
	}
	return writeFileAtomic(filepath.Join(v.path, MetaFileName), raw)
}

// writeFileAtomic writes to a temp file, syncs it and renames it into place.
func writeFileAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(name), ".tmp-"+filepath.Base(name)+"-*")
	if err != nil {
		return fmt.Errorf("vault: failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(FileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("vault: failed to set permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("vault: failed to write %s: %w", filepath.Base(name), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("vault: failed to sync %s: %w", filepath.Base(name), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("vault: failed to close %s: %w", filepath.Base(name), err)
	}
	if err := os.Rename(tmpName, name); err != nil {
		return fmt.Errorf("vault: failed to replace %s: %w", filepath.Base(name), err)
	}
	return nil
}

// checkAndWarnPermissions logs a warning for group or world accessible
// vault files. It does not block.
func (v *Vault) checkAndWarnPermissions() {
	if info, err := os.Stat(v.path); err == nil {
		if perm := info.Mode().Perm(); perm&0077 != 0 {
			v.log.Warn("vault directory has insecure permissions", "perm", fmt.Sprintf("%04o", perm), "expected", "0700")
		}
	}
	for _, name := range []string{DataFileName, MetaFileName} {
		if info, err := os.Stat(filepath.Join(v.path, name)); err == nil {
			if perm := info.Mode().Perm(); perm&0077 != 0 {
				v.log.Warn("vault file has insecure permissions", "file", name, "perm", fmt.Sprintf("%04o", perm), "expected", "0600")
			}
		}
	}
}

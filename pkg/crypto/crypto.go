// Package crypto provides the cryptographic primitives for keystone.
//
// Every recovery factor (keystone image, security answer, recovery phrase)
// is stretched with Argon2id into a fixed 32-byte key-material block. The
// factor's domain tag is bound into the derivation input so the same raw
// value used for two factor kinds never produces colliding key material.
// Only a SHA-256 commitment of the block is ever persisted.
//
// # Security Features
//
//   - Argon2id key derivation (64MB memory, 3 iterations, 4 threads)
//   - Domain-separated, length-prefixed derivation input
//   - Constant-time commitment comparison
//   - AES-256-GCM authenticated encryption for key slots and the vault
//   - Secure memory wiping for sensitive data
//
// # Example Usage
//
//	salt, _ := crypto.NewSalt()
//	km, err := crypto.DeriveFactorKey(params, "paris", salt, "question:1")
//	commitment := crypto.Commitment(km)
//	ok := crypto.CommitmentEqual(commitment, stored)
//	crypto.SecureWipe(km)
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// Argon2id parameters following OWASP recommendations.
const (
	// Argon2Memory is the memory cost in KiB (64MB).
	Argon2Memory = 64 * 1024

	// Argon2Time is the number of iterations.
	Argon2Time = 3

	// Argon2Threads is the degree of parallelism.
	Argon2Threads = 4

	// KeyLength is the length of derived key material in bytes (256 bits).
	KeyLength = 32

	// NonceLength is the length of GCM nonces in bytes (96 bits).
	NonceLength = 12

	// MinSaltLength is the shortest salt accepted by DeriveFactorKey (128 bits).
	MinSaltLength = 16

	// SaltLength is the length of salts generated by NewSalt.
	SaltLength = 16
)

// domainPrefix versions the derivation input layout.
const domainPrefix = "keystone-factor-v1"

// Sentinel errors returned by crypto functions.
var (
	// ErrInvalidInput indicates an empty factor value or domain tag.
	ErrInvalidInput = errors.New("crypto: invalid input, factor value must not be empty")

	// ErrWeakSalt indicates the salt is shorter than MinSaltLength.
	ErrWeakSalt = errors.New("crypto: salt must be at least 16 bytes")

	// ErrInvalidKeyLength indicates the key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length, must be 32 bytes")

	// ErrInvalidNonceLength indicates the nonce is not 12 bytes.
	ErrInvalidNonceLength = errors.New("crypto: invalid nonce length, must be 12 bytes")

	// ErrDecryptionFailed indicates decryption or authentication tag verification failed.
	ErrDecryptionFailed = errors.New("crypto: decryption failed, authentication tag verification failed")

	// ErrCiphertextTooShort indicates the ciphertext is shorter than the GCM tag.
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
)

// Params holds the Argon2id cost parameters.
type Params struct {
	Time    uint32 `yaml:"time" json:"time"`
	Memory  uint32 `yaml:"memory" json:"memory"` // KiB
	Threads uint8  `yaml:"threads" json:"threads"`
}

// DefaultParams returns the OWASP-recommended production parameters.
func DefaultParams() Params {
	return Params{
		Time:    Argon2Time,
		Memory:  Argon2Memory,
		Threads: Argon2Threads,
	}
}

// normalize fills zero fields with defaults.
func (p Params) normalize() Params {
	d := DefaultParams()
	if p.Time == 0 {
		p.Time = d.Time
	}
	if p.Memory == 0 {
		p.Memory = d.Memory
	}
	if p.Threads == 0 {
		p.Threads = d.Threads
	}
	return p
}

// DeriveFactorKey stretches a single recovery factor into a 32-byte
// key-material block.
//
// The Argon2id password input is the length-prefixed concatenation of a
// version prefix, the domain tag and the factor value, so that
// (value, tag) pairs never alias each other.
//
// Returns ErrInvalidInput for an empty value or tag and ErrWeakSalt for a
// salt shorter than 16 bytes.
func DeriveFactorKey(p Params, value string, salt []byte, domainTag string) ([]byte, error) {
	if value == "" || domainTag == "" {
		return nil, ErrInvalidInput
	}
	if len(salt) < MinSaltLength {
		return nil, ErrWeakSalt
	}

	input := domainInput(domainTag, []byte(value))
	defer SecureWipe(input)

	p = p.normalize()
	return argon2.IDKey(input, salt, p.Time, p.Memory, p.Threads, KeyLength), nil
}

// DeriveBytes is DeriveFactorKey for binary input, used by the combine step.
func DeriveBytes(p Params, value, salt []byte, domainTag string) ([]byte, error) {
	if len(value) == 0 || domainTag == "" {
		return nil, ErrInvalidInput
	}
	if len(salt) < MinSaltLength {
		return nil, ErrWeakSalt
	}

	input := domainInput(domainTag, value)
	defer SecureWipe(input)

	p = p.normalize()
	return argon2.IDKey(input, salt, p.Time, p.Memory, p.Threads, KeyLength), nil
}

// domainInput builds prefix || len(tag) || tag || len(value) || value.
func domainInput(tag string, value []byte) []byte {
	buf := make([]byte, 0, len(domainPrefix)+8+len(tag)+len(value))
	buf = append(buf, domainPrefix...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(tag)))
	buf = append(buf, tag...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(value)))
	buf = append(buf, value...)
	return buf
}

// Commitment returns the SHA-256 hash of derived key material. This is the
// value persisted as a factor's commitment hash.
func Commitment(keyMaterial []byte) []byte {
	sum := sha256.Sum256(keyMaterial)
	return sum[:]
}

// CommitmentEqual compares two commitments in constant time. The running
// time depends only on the lengths of the inputs.
func CommitmentEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// NewSalt returns SaltLength bytes from crypto/rand.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate salt: %w", err)
	}
	return salt, nil
}

// NewKey returns a random 32-byte key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate key: %w", err)
	}
	return key, nil
}

// DeriveSubKey derives a purpose-bound 32-byte key from a master key with
// HKDF-SHA256.
func DeriveSubKey(master []byte, info string) ([]byte, error) {
	if len(master) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	r := hkdf.New(sha256.New, master, nil, []byte(info))
	key := make([]byte, KeyLength)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("crypto: failed to derive sub-key: %w", err)
	}
	return key, nil
}

// Encrypt encrypts plaintext using AES-256-GCM authenticated encryption.
//
// A fresh 12-byte nonce is drawn from crypto/rand. The authentication tag
// is appended to the ciphertext.
func Encrypt(key, plaintext []byte) (ciphertext []byte, nonce []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, NonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt decrypts ciphertext using AES-256-GCM authenticated encryption.
// ErrDecryptionFailed is returned when the tag does not verify.
func Decrypt(key, ciphertext, nonce []byte) (plaintext []byte, err error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	if len(nonce) != NonceLength {
		return nil, ErrInvalidNonceLength
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	// GCM tag is 16 bytes
	if len(ciphertext) < gcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	plaintext, err = gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}
	return gcm, nil
}

// SecureWipe overwrites a byte slice with zeros in a way that prevents
// compiler optimization from removing the operation.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// runtime.KeepAlive keeps b "in use" after the loop so the writes stay.
	runtime.KeepAlive(b)
}

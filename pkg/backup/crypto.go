package backup

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"os"

	"github.com/forest6511/keystone/pkg/crypto"
)

// HMACLength is the length of the trailing HMAC-SHA256 in bytes.
const HMACLength = sha256.Size

// HKDF info strings for key derivation.
const (
	hkdfInfoEncryption = "keystone-backup-encryption-v1"
	hkdfInfoMAC        = "keystone-backup-mac-v1"
)

// deriveKeys derives separate encryption and MAC keys from a 32-byte secret.
func deriveKeys(secret []byte) (encKey, macKey []byte, err error) {
	if len(secret) != crypto.KeyLength {
		return nil, nil, ErrInvalidKeyFile
	}
	encKey, err = crypto.DeriveSubKey(secret, hkdfInfoEncryption)
	if err != nil {
		return nil, nil, fmt.Errorf("backup: failed to derive encryption key: %w", err)
	}
	macKey, err = crypto.DeriveSubKey(secret, hkdfInfoMAC)
	if err != nil {
		crypto.SecureWipe(encKey)
		return nil, nil, fmt.Errorf("backup: failed to derive MAC key: %w", err)
	}
	return encKey, macKey, nil
}

// encryptPayload seals plaintext with AES-256-GCM and prepends the nonce.
func encryptPayload(plaintext, key []byte) ([]byte, error) {
	ciphertext, nonce, err := crypto.Encrypt(key, plaintext)
	if err != nil {
		return nil, fmt.Errorf("backup: encryption failed: %w", err)
	}
	return append(nonce, ciphertext...), nil
}

// decryptPayload opens data produced by encryptPayload.
func decryptPayload(data, key []byte) ([]byte, error) {
	if len(data) < crypto.NonceLength {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := crypto.Decrypt(key, data[crypto.NonceLength:], data[:crypto.NonceLength])
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func computeHMAC(key []byte, parts ...[]byte) []byte {
	h := hmac.New(sha256.New, key)
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// ReadKeyFile reads a 32-byte backup key from a file.
func ReadKeyFile(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to read key file: %w", err)
	}
	if len(key) != crypto.KeyLength {
		crypto.SecureWipe(key)
		return nil, ErrInvalidKeyFile
	}
	return key, nil
}

// GenerateKeyFile writes a random 32-byte key to path with mode 0600. It
// refuses to overwrite an existing file.
func GenerateKeyFile(path string) error {
	key, err := crypto.NewKey()
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(key)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("backup: failed to create key file: %w", err)
	}
	if _, err := f.Write(key); err != nil {
		f.Close()
		return fmt.Errorf("backup: failed to write key file: %w", err)
	}
	return f.Close()
}

package keystone

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/forest6511/keystone/pkg/crypto"
	"github.com/forest6511/keystone/pkg/storage"
)

// hintInfo is the HKDF info string for the grid hint key.
const hintInfo = "keystone-grid-hint-v1"

// ErrNoHintKey means the registry was built without a grid hint key and
// cannot enroll or present an image factor.
var ErrNoHintKey = errors.New("keystone: no grid hint key configured")

// The image hint lets the real service build a grid containing the
// user's image. It is sealed under a server-held key and bound to the
// user id; verification never consults it. Anyone holding the hint key
// and the store learns each user's image, though not their answers or
// phrase. After the key is rotated the hints no longer open, and
// sessions run without an image step until the user re-enrolls.

func (r *Registry) sealHint(userID, imageID string) (*storage.Sealed, error) {
	if r.hintKey == nil {
		return nil, ErrNoHintKey
	}
	plain := hintPlaintext(userID, imageID)
	defer crypto.SecureWipe(plain)

	ct, nonce, err := crypto.Encrypt(r.hintKey, plain)
	if err != nil {
		return nil, fmt.Errorf("keystone: failed to seal image hint: %w", err)
	}
	return &storage.Sealed{Ciphertext: ct, Nonce: nonce}, nil
}

func (r *Registry) openHint(userID string, s *storage.Sealed) (string, error) {
	if r.hintKey == nil {
		return "", ErrNoHintKey
	}
	if s == nil {
		return "", ErrFactorNotEnrolled
	}
	plain, err := crypto.Decrypt(r.hintKey, s.Ciphertext, s.Nonce)
	if err != nil {
		return "", fmt.Errorf("keystone: failed to open image hint: %w", err)
	}
	defer crypto.SecureWipe(plain)

	prefix := []byte(userID + "\x00")
	if !bytes.HasPrefix(plain, prefix) {
		return "", fmt.Errorf("keystone: image hint belongs to another user")
	}
	return string(plain[len(prefix):]), nil
}

func hintPlaintext(userID, imageID string) []byte {
	return []byte(userID + "\x00" + imageID)
}

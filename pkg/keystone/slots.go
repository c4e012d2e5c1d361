package keystone

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/forest6511/keystone/pkg/crypto"
	"github.com/forest6511/keystone/pkg/factor"
	"github.com/forest6511/keystone/pkg/storage"
)

// CombineTag is the derivation domain tag for combined key material.
const CombineTag = "combine"

// MaxKeySlots caps the number of minimal qualifying subsets a policy may
// produce at enrollment.
const MaxKeySlots = 64

// ErrSlotMismatch means a key slot did not open with the supplied key
// material.
var ErrSlotMismatch = errors.New("keystone: key slot did not open with the accepted factors")

// CombineKeyMaterial derives one key from the blocks of kinds, fed in
// canonical kind order through Argon2id under the "combine" tag, so the
// result does not depend on the order factors were accepted in.
func CombineKeyMaterial(p crypto.Params, salt []byte, kinds []factor.Kind, blocks map[factor.Kind][]byte) ([]byte, error) {
	if len(kinds) == 0 {
		return nil, crypto.ErrInvalidInput
	}
	sorted := append([]factor.Kind(nil), kinds...)
	factor.Sort(sorted)

	var buf []byte
	for _, k := range sorted {
		km, ok := blocks[k]
		if !ok || len(km) != crypto.KeyLength {
			crypto.SecureWipe(buf)
			return nil, fmt.Errorf("%w: missing key material for %s", crypto.ErrInvalidInput, k)
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(k)))
		buf = append(buf, k...)
		buf = append(buf, km...)
	}
	defer crypto.SecureWipe(buf)

	return crypto.DeriveBytes(p, buf, salt, CombineTag)
}

// sealSlot wraps masterKey under the combination of kinds.
func sealSlot(p crypto.Params, kinds []factor.Kind, blocks map[factor.Kind][]byte, masterKey []byte) (storage.KeySlot, error) {
	salt, err := crypto.NewSalt()
	if err != nil {
		return storage.KeySlot{}, err
	}
	slotKey, err := CombineKeyMaterial(p, salt, kinds, blocks)
	if err != nil {
		return storage.KeySlot{}, err
	}
	defer crypto.SecureWipe(slotKey)

	ct, nonce, err := crypto.Encrypt(slotKey, masterKey)
	if err != nil {
		return storage.KeySlot{}, fmt.Errorf("keystone: failed to seal key slot: %w", err)
	}
	sorted := append([]factor.Kind(nil), kinds...)
	factor.Sort(sorted)
	return storage.KeySlot{Kinds: sorted, Salt: salt, Ciphertext: ct, Nonce: nonce}, nil
}

// openSlot unwraps the master key from slot.
func openSlot(p crypto.Params, slot storage.KeySlot, blocks map[factor.Kind][]byte) ([]byte, error) {
	slotKey, err := CombineKeyMaterial(p, slot.Salt, slot.Kinds, blocks)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(slotKey)

	master, err := crypto.Decrypt(slotKey, slot.Ciphertext, slot.Nonce)
	if err != nil {
		return nil, ErrSlotMismatch
	}
	return master, nil
}

// Package storage is the persistence layer for keystone records and
// failure counters.
//
// A KeystoneRecord holds salts, commitment hashes, weights, AES-GCM
// wrapped key slots and, when an image is enrolled, the image id sealed
// under the server's hint key. Answers, the phrase and derived key
// material never reach this package.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/forest6511/keystone/pkg/crypto"
	"github.com/forest6511/keystone/pkg/factor"
)

// Sentinel errors
var (
	ErrNotFound      = errors.New("storage: keystone record not found")
	ErrAlreadyExists = errors.New("storage: keystone record already exists")
	ErrInvalidRecord = errors.New("storage: invalid keystone record")
	ErrClosed        = errors.New("storage: store is closed")
)

// FactorCommitment is the persisted form of one enrolled factor.
type FactorCommitment struct {
	Kind       factor.Kind `json:"kind"`
	Salt       []byte      `json:"salt"`
	Commitment []byte      `json:"commitment"`
	Weight     int         `json:"weight"`
}

// KeySlot wraps the master key under the combined key material of one
// qualifying set of factor kinds.
type KeySlot struct {
	Kinds      []factor.Kind `json:"kinds"`
	Salt       []byte        `json:"salt"`
	Ciphertext []byte        `json:"ciphertext"`
	Nonce      []byte        `json:"nonce"`
}

// Sealed is an AES-GCM sealed value.
type Sealed struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
}

// KeystoneRecord is the per-user enrollment.
type KeystoneRecord struct {
	UserID         string             `json:"user_id"`
	Factors        []FactorCommitment `json:"factors"`
	Threshold      int                `json:"threshold"`
	Required       []factor.Kind      `json:"required,omitempty"`
	KeySlots       []KeySlot          `json:"key_slots"`
	ImageHint      *Sealed            `json:"image_hint,omitempty"` // readable by the hint key holder
	KDF            crypto.Params      `json:"kdf"`
	GalleryVersion int                `json:"gallery_version"`
	CreatedAt      time.Time          `json:"created_at"`
}

// Factor returns the commitment for kind.
func (r *KeystoneRecord) Factor(kind factor.Kind) (FactorCommitment, bool) {
	for _, f := range r.Factors {
		if f.Kind == kind {
			return f, true
		}
	}
	return FactorCommitment{}, false
}

// Validate checks structural completeness. A record that fails validation
// is never written, so a commitment cannot be stored without its salt.
func (r *KeystoneRecord) Validate() error {
	if r == nil || r.UserID == "" {
		return ErrInvalidRecord
	}
	if len(r.Factors) == 0 || r.Threshold < 1 || len(r.KeySlots) == 0 {
		return ErrInvalidRecord
	}
	seen := make(map[factor.Kind]bool, len(r.Factors))
	for _, f := range r.Factors {
		if !f.Kind.Valid() || seen[f.Kind] {
			return ErrInvalidRecord
		}
		if len(f.Salt) < crypto.MinSaltLength || len(f.Commitment) == 0 || f.Weight < 1 {
			return ErrInvalidRecord
		}
		seen[f.Kind] = true
	}
	for _, s := range r.KeySlots {
		if len(s.Kinds) == 0 || len(s.Salt) < crypto.MinSaltLength || len(s.Ciphertext) == 0 || len(s.Nonce) != crypto.NonceLength {
			return ErrInvalidRecord
		}
		for _, k := range s.Kinds {
			if !seen[k] {
				return ErrInvalidRecord
			}
		}
	}
	return nil
}

// Clone returns a deep copy.
func (r *KeystoneRecord) Clone() *KeystoneRecord {
	out := *r
	out.Factors = make([]FactorCommitment, len(r.Factors))
	for i, f := range r.Factors {
		f.Salt = cloneBytes(f.Salt)
		f.Commitment = cloneBytes(f.Commitment)
		out.Factors[i] = f
	}
	out.Required = append([]factor.Kind(nil), r.Required...)
	out.KeySlots = make([]KeySlot, len(r.KeySlots))
	for i, s := range r.KeySlots {
		out.KeySlots[i] = KeySlot{
			Kinds:      append([]factor.Kind(nil), s.Kinds...),
			Salt:       cloneBytes(s.Salt),
			Ciphertext: cloneBytes(s.Ciphertext),
			Nonce:      cloneBytes(s.Nonce),
		}
	}
	if r.ImageHint != nil {
		out.ImageHint = &Sealed{
			Ciphertext: cloneBytes(r.ImageHint.Ciphertext),
			Nonce:      cloneBytes(r.ImageHint.Nonce),
		}
	}
	return &out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// FailureCounter summarizes failures recorded inside a window.
type FailureCounter struct {
	Count  int       `json:"count"`
	Oldest time.Time `json:"oldest,omitempty"`
	Latest time.Time `json:"latest,omitempty"`
}

// KeystoneStore persists keystone records.
type KeystoneStore interface {
	// PutUserKeystone stores a new record. It fails with ErrAlreadyExists
	// if the user is already enrolled.
	PutUserKeystone(ctx context.Context, rec *KeystoneRecord) error

	// GetUserKeystone returns the user's record or ErrNotFound.
	GetUserKeystone(ctx context.Context, userID string) (*KeystoneRecord, error)

	// DeleteUserKeystone removes the user's record or returns ErrNotFound.
	DeleteUserKeystone(ctx context.Context, userID string) error

	// ListUserIDs returns every enrolled user id in ascending order.
	ListUserIDs(ctx context.Context) ([]string, error)
}

// CounterStore persists failure timestamps per user and factor kind,
// independently of keystone records.
type CounterStore interface {
	// IncrementFailureCounter durably records a failure at time at and
	// returns the counter for failures at or after since, including the
	// new one. The write and the count are atomic.
	IncrementFailureCounter(ctx context.Context, userID string, kind factor.Kind, at, since time.Time) (FailureCounter, error)

	// GetFailureCounter counts failures at or after since. An empty kind
	// counts failures of every kind.
	GetFailureCounter(ctx context.Context, userID string, kind factor.Kind, since time.Time) (FailureCounter, error)

	// ClearFailureCounters removes every failure of the user.
	ClearFailureCounters(ctx context.Context, userID string) error

	// PruneFailures deletes failures recorded before cutoff and returns
	// the number removed.
	PruneFailures(ctx context.Context, cutoff time.Time) (int, error)
}

// Store combines all storage interfaces
type Store interface {
	KeystoneStore
	CounterStore
	Close() error
}

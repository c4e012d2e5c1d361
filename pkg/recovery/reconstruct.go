package recovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/forest6511/keystone/pkg/access"
	"github.com/forest6511/keystone/pkg/factor"
	"github.com/forest6511/keystone/pkg/keystone"
	"github.com/forest6511/keystone/pkg/storage"
)

// ErrInsufficientFactors means reconstruction was attempted before the
// accepted factors satisfied the policy. It indicates a caller bug.
var ErrInsufficientFactors = errors.New("recovery: accepted factors do not satisfy the policy")

// SlotOpener unwraps a key slot with accepted key material.
// *keystone.Registry implements it.
type SlotOpener interface {
	OpenKeySlot(ctx context.Context, rec *storage.KeystoneRecord, slot storage.KeySlot, accepted map[factor.Kind][]byte) ([]byte, error)
}

// Reconstruct returns the master key wrapped in rec, using the smallest key
// slot whose kinds are all in accepted. It never returns a partial or
// degraded key: an unsatisfied policy fails with ErrInsufficientFactors.
func Reconstruct(ctx context.Context, opener SlotOpener, rec *storage.KeystoneRecord, accepted map[factor.Kind][]byte) ([]byte, error) {
	kinds := make([]factor.Kind, 0, len(accepted))
	for k := range accepted {
		kinds = append(kinds, k)
	}
	if !keystone.PolicyOf(rec).Evaluate(kinds...).Satisfied {
		return nil, ErrInsufficientFactors
	}

	var lastErr error
	for _, slot := range rec.KeySlots {
		if !access.Contains(accepted, slot.Kinds) {
			continue
		}
		key, err := opener.OpenKeySlot(ctx, rec, slot, accepted)
		if err == nil {
			return key, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	if lastErr == nil {
		return nil, fmt.Errorf("recovery: no key slot covers the accepted factors")
	}
	return nil, fmt.Errorf("recovery: failed to open key slot: %w", lastErr)
}

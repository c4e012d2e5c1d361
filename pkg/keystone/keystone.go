// Package keystone implements the keystone registry: enrollment and
// verification of recovery factors against per-user commitments.
//
// For every enrolled factor the registry persists a random salt, the
// SHA-256 commitment of the Argon2id-derived key material and the factor's
// weight. The vault master key is wrapped once per minimal qualifying set
// of factors (a key slot), so any qualifying combination reconstructs the
// same key. Raw values and key material are wiped as soon as they have
// been used and are never logged.
//
// Every failed verification is counted per user and per factor kind in
// the store. Limits are enforced before any hashing runs.
package keystone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/forest6511/keystone/pkg/access"
	"github.com/forest6511/keystone/pkg/audit"
	"github.com/forest6511/keystone/pkg/crypto"
	"github.com/forest6511/keystone/pkg/factor"
	"github.com/forest6511/keystone/pkg/gallery"
	"github.com/forest6511/keystone/pkg/storage"
)

// Sentinel errors
var (
	// ErrInvalidInput is shared with crypto so errors.Is matches either.
	ErrInvalidInput        = crypto.ErrInvalidInput
	ErrVerificationFailed  = errors.New("keystone: verification failed")
	ErrDuplicateEnrollment = errors.New("keystone: user is already enrolled, revoke first")
	ErrNotEnrolled         = errors.New("keystone: user is not enrolled")
	ErrFactorNotEnrolled   = errors.New("keystone: factor kind is not enrolled for this user")
	ErrLockedOut           = errors.New("keystone: locked out")
	ErrKeystoneBypass      = errors.New("keystone: image weight alone reaches the threshold")
)

// Options configures a Registry. Zero values select defaults.
type Options struct {
	KDF                      crypto.Params
	Lockout                  LockoutConfig
	MaxConcurrentDerivations int
	AllowKeystoneBypass      bool

	// HintKey seals the image hint used to build recovery grids. It is
	// required to enroll an image factor.
	HintKey []byte

	Gallery     *gallery.Gallery
	Audit       *audit.Logger
	AuditSource string
	Logger      *slog.Logger
	Now         func() time.Time
}

// Registry is safe for concurrent use.
type Registry struct {
	store       storage.Store
	kdf         crypto.Params
	lockout     LockoutConfig
	bypass      bool
	hintKey     []byte
	gallery     *gallery.Gallery
	audit       *audit.Logger
	auditSource string
	log         *slog.Logger
	now         func() time.Time

	pool  *derivePool
	users *userLocks
}

// New returns a registry backed by store.
func New(store storage.Store, opts Options) (*Registry, error) {
	if store == nil {
		return nil, errors.New("keystone: store is required")
	}

	r := &Registry{
		store:       store,
		kdf:         opts.KDF,
		lockout:     opts.Lockout,
		bypass:      opts.AllowKeystoneBypass,
		gallery:     opts.Gallery,
		audit:       opts.Audit,
		auditSource: opts.AuditSource,
		log:         opts.Logger,
		now:         opts.Now,
		users:       newUserLocks(),
	}
	if r.kdf == (crypto.Params{}) {
		r.kdf = crypto.DefaultParams()
	}
	if r.lockout == (LockoutConfig{}) {
		r.lockout = DefaultLockout()
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.auditSource == "" {
		r.auditSource = audit.SourceAPI
	}
	if r.gallery == nil {
		g, err := gallery.Default()
		if err != nil {
			return nil, err
		}
		r.gallery = g
	}
	if opts.HintKey != nil {
		key, err := crypto.DeriveSubKey(opts.HintKey, hintInfo)
		if err != nil {
			return nil, fmt.Errorf("keystone: invalid hint key: %w", err)
		}
		r.hintKey = key
	}

	n := opts.MaxConcurrentDerivations
	if n <= 0 {
		n = runtime.NumCPU()
	}
	r.pool = newDerivePool(n)
	return r, nil
}

// Gallery returns the image catalog the registry validates against.
func (r *Registry) Gallery() *gallery.Gallery { return r.gallery }

// FactorInput is one raw factor supplied at enrollment.
type FactorInput struct {
	Kind  factor.Kind
	Value string
	// Weight of the factor. For the phrase, 0 means "equal to the
	// threshold"; any other value must equal the threshold.
	Weight int
}

// Enrollment is the result of Enroll. The caller owns MasterKey and must
// wipe it when done.
type Enrollment struct {
	Record    *storage.KeystoneRecord
	MasterKey []byte
}

type enrollConfig struct {
	masterKey []byte
	required  []factor.Kind
}

// EnrollOption customizes Enroll.
type EnrollOption func(*enrollConfig)

// WithMasterKey wraps an existing 32-byte master key instead of
// generating a fresh one.
func WithMasterKey(key []byte) EnrollOption {
	return func(c *enrollConfig) { c.masterKey = key }
}

// WithRequired marks kinds that every qualifying set must include unless
// a full-path factor is accepted.
func WithRequired(kinds ...factor.Kind) EnrollOption {
	return func(c *enrollConfig) { c.required = append(c.required, kinds...) }
}

// Enroll derives and commits every factor, wraps the master key into one
// key slot per minimal qualifying set and persists the record. It fails
// with ErrDuplicateEnrollment if the user already has a record.
func (r *Registry) Enroll(ctx context.Context, userID string, factors []FactorInput, threshold int, opts ...EnrollOption) (*Enrollment, error) {
	var cfg enrollConfig
	for _, o := range opts {
		o(&cfg)
	}

	if userID == "" {
		return nil, fmt.Errorf("%w: user id must not be empty", ErrInvalidInput)
	}
	if cfg.masterKey != nil && len(cfg.masterKey) != crypto.KeyLength {
		return nil, fmt.Errorf("%w: master key must be %d bytes", ErrInvalidInput, crypto.KeyLength)
	}

	values, policy, err := r.preparePolicy(factors, threshold, cfg.required)
	if err != nil {
		return nil, err
	}
	defer clear(values)

	subsets, err := policy.MinimalQualifyingSubsets()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if len(subsets) > MaxKeySlots {
		return nil, fmt.Errorf("%w: policy yields %d key slots, maximum is %d", ErrInvalidInput, len(subsets), MaxKeySlots)
	}

	unlock, err := r.users.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := r.store.GetUserKeystone(ctx, userID); err == nil {
		return nil, ErrDuplicateEnrollment
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("keystone: failed to check enrollment: %w", err)
	}

	masterKey := cfg.masterKey
	if masterKey == nil {
		if masterKey, err = crypto.NewKey(); err != nil {
			return nil, err
		}
	} else {
		masterKey = append([]byte(nil), masterKey...)
	}
	ok := false
	defer func() {
		if !ok {
			crypto.SecureWipe(masterKey)
		}
	}()

	rec := &storage.KeystoneRecord{
		UserID:         userID,
		Threshold:      threshold,
		Required:       append([]factor.Kind(nil), cfg.required...),
		KDF:            r.kdf,
		GalleryVersion: r.gallery.Version(),
		CreatedAt:      r.now().UTC(),
	}

	blocks, err := r.deriveAll(ctx, rec, policy, values)
	defer func() {
		for _, km := range blocks {
			crypto.SecureWipe(km)
		}
	}()
	if err != nil {
		return nil, err
	}

	rec.KeySlots = make([]storage.KeySlot, len(subsets))
	g, gctx := errgroup.WithContext(ctx)
	for i, subset := range subsets {
		g.Go(func() error {
			_, err := r.pool.do(gctx, func() ([]byte, error) {
				slot, err := sealSlot(r.kdf, subset, blocks, masterKey)
				rec.KeySlots[i] = slot
				return nil, err
			})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("keystone: failed to build key slots: %w", err)
	}

	if imageID, ok := values[factor.Image]; ok {
		if rec.ImageHint, err = r.sealHint(userID, imageID); err != nil {
			return nil, err
		}
	}

	if err := r.store.PutUserKeystone(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, ErrDuplicateEnrollment
		}
		return nil, fmt.Errorf("keystone: failed to persist enrollment: %w", err)
	}

	r.logAudit(audit.OpEnroll, audit.ResultSuccess, userID, map[string]string{
		"factors":   fmt.Sprint(len(rec.Factors)),
		"key_slots": fmt.Sprint(len(rec.KeySlots)),
	})

	ok = true
	return &Enrollment{Record: rec.Clone(), MasterKey: masterKey}, nil
}

// preparePolicy normalizes raw values and builds the access policy.
func (r *Registry) preparePolicy(factors []FactorInput, threshold int, required []factor.Kind) (map[factor.Kind]string, access.Policy, error) {
	if len(factors) == 0 {
		return nil, access.Policy{}, fmt.Errorf("%w: no factors", ErrInvalidInput)
	}
	if threshold < 1 {
		return nil, access.Policy{}, fmt.Errorf("%w: threshold must be positive", ErrInvalidInput)
	}

	values := make(map[factor.Kind]string, len(factors))
	policy := access.Policy{
		Weights:   make(map[factor.Kind]int, len(factors)),
		Threshold: threshold,
		Required:  required,
	}

	for _, f := range factors {
		if !f.Kind.Valid() {
			return nil, policy, fmt.Errorf("%w: unknown factor kind %q", ErrInvalidInput, f.Kind)
		}
		if _, dup := values[f.Kind]; dup {
			return nil, policy, fmt.Errorf("%w: duplicate factor %s", ErrInvalidInput, f.Kind)
		}

		v, err := factor.Normalize(f.Kind, f.Value)
		if err != nil {
			return nil, policy, fmt.Errorf("%w: %s: %v", ErrInvalidInput, f.Kind, err)
		}
		if f.Kind == factor.Image {
			if r.hintKey == nil {
				return nil, policy, ErrNoHintKey
			}
			if !r.gallery.Contains(v) {
				return nil, policy, fmt.Errorf("%w: image is not in the gallery", ErrInvalidInput)
			}
		}

		w := f.Weight
		switch {
		case f.Kind == factor.Phrase && w == 0:
			w = threshold
		case f.Kind == factor.Phrase && w != threshold:
			return nil, policy, fmt.Errorf("%w: phrase weight must equal the threshold", ErrInvalidInput)
		case w < 1:
			return nil, policy, fmt.Errorf("%w: weight of %s must be positive", ErrInvalidInput, f.Kind)
		case f.Kind == factor.Image && w >= threshold && !r.bypass:
			return nil, policy, fmt.Errorf("%w: %w", ErrInvalidInput, ErrKeystoneBypass)
		}

		values[f.Kind] = v
		policy.Weights[f.Kind] = w
	}

	if err := policy.Validate(); err != nil {
		return nil, policy, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return values, policy, nil
}

// deriveAll derives every factor in parallel and fills rec.Factors in
// canonical order. The returned blocks are owned by the caller.
func (r *Registry) deriveAll(ctx context.Context, rec *storage.KeystoneRecord, policy access.Policy, values map[factor.Kind]string) (map[factor.Kind][]byte, error) {
	kinds := policy.Kinds()
	commitments := make([]storage.FactorCommitment, len(kinds))
	derived := make([][]byte, len(kinds))

	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range kinds {
		g.Go(func() error {
			salt, err := crypto.NewSalt()
			if err != nil {
				return err
			}
			km, err := r.pool.do(gctx, func() ([]byte, error) {
				return crypto.DeriveFactorKey(r.kdf, values[kind], salt, kind.DomainTag())
			})
			if err != nil {
				return err
			}
			derived[i] = km
			commitments[i] = storage.FactorCommitment{
				Kind:       kind,
				Salt:       salt,
				Commitment: crypto.Commitment(km),
				Weight:     policy.Weights[kind],
			}
			return nil
		})
	}
	err := g.Wait()

	blocks := make(map[factor.Kind][]byte, len(kinds))
	for i, kind := range kinds {
		if derived[i] != nil {
			blocks[kind] = derived[i]
		}
	}
	if err != nil {
		return blocks, fmt.Errorf("keystone: failed to derive factors: %w", err)
	}
	rec.Factors = commitments
	return blocks, nil
}

// Verification is the result of VerifyFactor. KeyMaterial is set only
// when Accepted is true; the caller owns it and must wipe it.
type Verification struct {
	Kind              factor.Kind
	Accepted          bool
	Weight            int
	KeyMaterial       []byte
	AttemptsRemaining int // -1 when the kind has no attempt limit
}

// VerifyFactor recomputes the commitment for rawValue and compares it in
// constant time against the stored one.
//
// A mismatch returns Accepted=false and a nil error after the failure has
// been durably counted. Malformed input returns ErrInvalidInput and is not
// counted. A *LockoutError is returned before any hashing when a limit is
// reached. Storage, cancellation or derivation trouble returns an error
// wrapping ErrVerificationFailed; it never yields Accepted=true.
func (r *Registry) VerifyFactor(ctx context.Context, userID string, kind factor.Kind, rawValue string) (*Verification, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown factor kind %q", ErrInvalidInput, kind)
	}
	value, err := factor.Normalize(kind, rawValue)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	unlock, err := r.users.lock(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	defer unlock()

	rec, err := r.store.GetUserKeystone(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotEnrolled
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	fc, ok := rec.Factor(kind)
	if !ok {
		return nil, ErrFactorNotEnrolled
	}

	now := r.now()
	st, err := r.kindState(ctx, userID, kind, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	if st.locked {
		return nil, &LockoutError{RetryAfter: st.retryAfter}
	}

	km, err := r.pool.do(ctx, func() ([]byte, error) {
		return crypto.DeriveFactorKey(rec.KDF, value, fc.Salt, kind.DomainTag())
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	if crypto.CommitmentEqual(crypto.Commitment(km), fc.Commitment) {
		return &Verification{
			Kind:              kind,
			Accepted:          true,
			Weight:            fc.Weight,
			KeyMaterial:       km,
			AttemptsRemaining: st.remaining,
		}, nil
	}
	crypto.SecureWipe(km)

	remaining, err := r.recordFailure(ctx, userID, kind, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	return &Verification{Kind: kind, AttemptsRemaining: remaining}, nil
}

// ReportFailure counts a failed attempt at kind that could not be checked
// against the commitment, such as an unresolvable grid position. It
// returns the attempts remaining (-1 when unlimited) or a *LockoutError.
func (r *Registry) ReportFailure(ctx context.Context, userID string, kind factor.Kind) (int, error) {
	unlock, err := r.users.lock(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	defer unlock()

	now := r.now()
	st, err := r.kindState(ctx, userID, kind, now)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	if st.locked {
		return 0, &LockoutError{RetryAfter: st.retryAfter}
	}
	remaining, err := r.recordFailure(ctx, userID, kind, now)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	return remaining, nil
}

// recordFailure durably counts a failure and emits audit events.
func (r *Registry) recordFailure(ctx context.Context, userID string, kind factor.Kind, now time.Time) (int, error) {
	lim := r.lockout.Limit(kind)
	window := lim.Window
	if window <= 0 {
		window = DefaultLockoutWindow
	}

	c, err := r.store.IncrementFailureCounter(ctx, userID, kind, now, now.Add(-window))
	if err != nil {
		return 0, err
	}

	fields := map[string]string{"kind": string(kind)}
	r.logAudit(audit.OpFactorFailed, audit.ResultFailure, userID, fields)

	if lim.MaxAttempts <= 0 {
		return -1, nil
	}
	if c.Count >= lim.MaxAttempts {
		r.logAudit(audit.OpLockedOut, audit.ResultDenied, userID, fields)
	}
	return max(lim.MaxAttempts-c.Count, 0), nil
}

// Record returns the stored record. It contains no secrets.
func (r *Registry) Record(ctx context.Context, userID string) (*storage.KeystoneRecord, error) {
	rec, err := r.store.GetUserKeystone(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotEnrolled
	}
	if err != nil {
		return nil, fmt.Errorf("keystone: failed to load record: %w", err)
	}
	return rec, nil
}

// PolicyOf builds the access policy of a record.
func PolicyOf(rec *storage.KeystoneRecord) access.Policy {
	p := access.Policy{
		Weights:   make(map[factor.Kind]int, len(rec.Factors)),
		Threshold: rec.Threshold,
		Required:  append([]factor.Kind(nil), rec.Required...),
	}
	for _, f := range rec.Factors {
		p.Weights[f.Kind] = f.Weight
	}
	return p
}

// Policy returns the user's access policy.
func (r *Registry) Policy(ctx context.Context, userID string) (access.Policy, error) {
	rec, err := r.Record(ctx, userID)
	if err != nil {
		return access.Policy{}, err
	}
	return PolicyOf(rec), nil
}

// Threshold returns the user's access threshold.
func (r *Registry) Threshold(ctx context.Context, userID string) (int, error) {
	rec, err := r.Record(ctx, userID)
	if err != nil {
		return 0, err
	}
	return rec.Threshold, nil
}

// Weights returns the weight of each enrolled factor kind.
func (r *Registry) Weights(ctx context.Context, userID string) (map[factor.Kind]int, error) {
	p, err := r.Policy(ctx, userID)
	if err != nil {
		return nil, err
	}
	return p.Weights, nil
}

// ImageHint returns the user's keystone image id for grid generation.
func (r *Registry) ImageHint(ctx context.Context, userID string) (string, error) {
	rec, err := r.Record(ctx, userID)
	if err != nil {
		return "", err
	}
	return r.openHint(userID, rec.ImageHint)
}

// OpenKeySlot unwraps the master key from slot using accepted key
// material. The derivation runs on the registry's worker pool.
func (r *Registry) OpenKeySlot(ctx context.Context, rec *storage.KeystoneRecord, slot storage.KeySlot, accepted map[factor.Kind][]byte) ([]byte, error) {
	return r.pool.do(ctx, func() ([]byte, error) {
		return openSlot(rec.KDF, slot, accepted)
	})
}

// Revoke deletes the user's keystone record so the user can re-enroll.
// Failure counters are kept.
func (r *Registry) Revoke(ctx context.Context, userID string) error {
	unlock, err := r.users.lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := r.store.DeleteUserKeystone(ctx, userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotEnrolled
		}
		return fmt.Errorf("keystone: failed to revoke: %w", err)
	}
	r.logAudit(audit.OpRevoke, audit.ResultSuccess, userID, nil)
	return nil
}

// ResetFailures clears every failure counter of the user, lifting all of
// its lockouts. Recovery never calls it; it is an operator action.
func (r *Registry) ResetFailures(ctx context.Context, userID string) error {
	unlock, err := r.users.lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()
	if err := r.store.ClearFailureCounters(ctx, userID); err != nil {
		return fmt.Errorf("keystone: failed to reset failures: %w", err)
	}
	r.logAudit(audit.OpUnlock, audit.ResultSuccess, userID, nil)
	return nil
}

// PruneFailures drops failures older than every lockout window.
func (r *Registry) PruneFailures(ctx context.Context) (int, error) {
	return r.store.PruneFailures(ctx, r.now().Add(-r.lockout.retention()))
}

// KindStatus is the operator view of one enrolled factor.
type KindStatus struct {
	Kind       factor.Kind   `json:"kind"`
	Weight     int           `json:"weight"`
	Failures   int           `json:"failures"`
	Remaining  int           `json:"attempts_remaining"` // -1 when unlimited
	Locked     bool          `json:"locked"`
	Exhausted  bool          `json:"exhausted"` // a window limit, not just backoff, blocks the kind
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Status is the operator view of a user's enrollment. It contains no
// secrets.
type Status struct {
	UserID         string        `json:"user_id"`
	Threshold      int           `json:"threshold"`
	Required       []factor.Kind `json:"required,omitempty"`
	Factors        []KindStatus  `json:"factors"`
	KeySlots       int           `json:"key_slots"`
	GalleryVersion int           `json:"gallery_version"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Status reports enrolled kinds, weights and current lock state.
func (r *Registry) Status(ctx context.Context, userID string) (*Status, error) {
	rec, err := r.Record(ctx, userID)
	if err != nil {
		return nil, err
	}

	st := &Status{
		UserID:         userID,
		Threshold:      rec.Threshold,
		Required:       rec.Required,
		KeySlots:       len(rec.KeySlots),
		GalleryVersion: rec.GalleryVersion,
		CreatedAt:      rec.CreatedAt,
	}
	now := r.now()
	for _, f := range rec.Factors {
		ls, err := r.kindState(ctx, userID, f.Kind, now)
		if err != nil {
			return nil, fmt.Errorf("keystone: failed to read failure counters: %w", err)
		}
		st.Factors = append(st.Factors, KindStatus{
			Kind:       f.Kind,
			Weight:     f.Weight,
			Failures:   ls.failures,
			Remaining:  ls.remaining,
			Locked:     ls.locked,
			Exhausted:  ls.limited,
			RetryAfter: ls.retryAfter,
		})
	}
	order := make([]factor.Kind, len(st.Factors))
	for i, f := range st.Factors {
		order[i] = f.Kind
	}
	factor.Sort(order)
	pos := make(map[factor.Kind]int, len(order))
	for i, k := range order {
		pos[k] = i
	}
	sort.Slice(st.Factors, func(i, j int) bool {
		return pos[st.Factors[i].Kind] < pos[st.Factors[j].Kind]
	})
	return st, nil
}

func (r *Registry) logAudit(op, result, userID string, fields map[string]string) {
	if err := r.audit.Log(op, r.auditSource, result, userID, fields); err != nil {
		r.log.Warn("failed to write audit event", "op", op, "err", err)
	}
}

// Package recovery drives a user through factor verification to master key
// reconstruction.
//
// A Session is one recovery attempt. It freezes the anti-phishing grid once,
// accrues the weight of each accepted factor and reconstructs the master key
// as soon as the access policy is satisfied. Verification failures and
// lockouts are absorbed here and reported as a generic Outcome; the factor
// kind that caused a lockout is never disclosed.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/forest6511/keystone/pkg/access"
	"github.com/forest6511/keystone/pkg/audit"
	"github.com/forest6511/keystone/pkg/crypto"
	"github.com/forest6511/keystone/pkg/factor"
	"github.com/forest6511/keystone/pkg/grid"
	"github.com/forest6511/keystone/pkg/keystone"
	"github.com/forest6511/keystone/pkg/storage"
)

// State of a recovery session.
type State string

// Session states
const (
	StateStarted             State = "started"
	StateImagePresented      State = "image_presented"
	StateImageVerified       State = "image_verified"
	StateImageFailed         State = "image_failed"
	StateQuestionsInProgress State = "questions_in_progress"
	StateThresholdMet        State = "threshold_met"
	StateReconstructed       State = "reconstructed"
	StateFailed              State = "failed"
	StateLockedOut           State = "locked_out"
)

// Terminal reports whether no further submissions are accepted.
func (s State) Terminal() bool {
	switch s {
	case StateReconstructed, StateFailed, StateLockedOut:
		return true
	}
	return false
}

// Sentinel errors
var (
	ErrSessionNotFound = errors.New("recovery: session not found")
	ErrSessionClosed   = errors.New("recovery: session is closed")
	ErrSessionExpired  = errors.New("recovery: session expired")
	ErrNoImage         = errors.New("recovery: no keystone image in this session")
	ErrImageSubmitted  = errors.New("recovery: image already submitted in this session")
	ErrNotAQuestion    = errors.New("recovery: factor kind is not a security question")
)

// User-facing messages. None of them names a factor kind.
const (
	msgVerified      = "verified"
	msgNotVerified   = "not verified"
	msgLocked        = "temporarily locked"
	msgReconstructed = "recovery complete"
	msgFailed        = "recovery failed"
)

// Outcome is the caller-facing result of one submission.
type Outcome struct {
	State         State `json:"state"`
	Accepted      bool  `json:"accepted"`
	CurrentWeight int   `json:"current_weight"`
	Remaining     int   `json:"remaining_weight"`

	// AttemptsRemaining for the submitted factor; -1 when unlimited.
	AttemptsRemaining int           `json:"attempts_remaining"`
	Locked            bool          `json:"locked,omitempty"`
	RetryAfter        time.Duration `json:"retry_after,omitempty"`
	Message           string        `json:"message"`

	// MasterKey is set once the session reaches StateReconstructed. The
	// caller owns it and must wipe it.
	MasterKey []byte `json:"-"`
}

// Session is one in-flight recovery. All methods are safe for concurrent
// use; submissions are serialized.
type Session struct {
	mu sync.Mutex

	id      string
	userID  string
	m       *Manager
	state   State
	record  *storage.KeystoneRecord
	policy  access.Policy
	grid    *grid.Grid
	created time.Time
	expires time.Time

	accepted       map[factor.Kind][]byte
	imageSubmitted bool
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CreatedAt returns when the session was started.
func (s *Session) CreatedAt() time.Time { return s.created }

// ExpiresAt returns the hard deadline of the session.
func (s *Session) ExpiresAt() time.Time { return s.expires }

// Grid returns the frozen grid, or false if the user has no image factor.
func (s *Session) Grid() (grid.Grid, bool) {
	if s.grid == nil {
		return grid.Grid{}, false
	}
	return *s.grid, true
}

// Questions returns the enrolled question kinds in order.
func (s *Session) Questions() []factor.Kind {
	var out []factor.Kind
	for _, k := range s.policy.Kinds() {
		if k.IsQuestion() {
			out = append(out, k)
		}
	}
	return out
}

// HasPhrase reports whether the phrase path is enrolled.
func (s *Session) HasPhrase() bool {
	_, ok := s.policy.Weights[factor.Phrase]
	return ok
}

// Progress returns the accrued weight and the weight still missing.
func (s *Session) Progress() (current, remaining int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.evaluate()
	return res.CurrentWeight, res.Remaining
}

func (s *Session) evaluate() access.Result {
	kinds := make([]factor.Kind, 0, len(s.accepted))
	for k := range s.accepted {
		kinds = append(kinds, k)
	}
	return s.policy.Evaluate(kinds...)
}

// begin checks that the session accepts submissions at now.
func (s *Session) begin(now time.Time) error {
	if s.state.Terminal() {
		return ErrSessionClosed
	}
	if !now.Before(s.expires) {
		s.finish(StateFailed, "expired")
		return ErrSessionExpired
	}
	return nil
}

// submitImage resolves a grid position and verifies the image behind it.
// Only one image submission is allowed per session since the grid is
// frozen.
func (s *Session) submitImage(ctx context.Context, position int) (*Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(s.m.now()); err != nil {
		return nil, err
	}
	if s.grid == nil {
		return nil, ErrNoImage
	}
	if s.imageSubmitted {
		return nil, ErrImageSubmitted
	}

	imageID, err := s.grid.Resolve(position)
	if err != nil {
		remaining, err := s.m.reg.ReportFailure(ctx, s.userID, factor.Image)
		if err == nil {
			s.imageSubmitted = true
		}
		return s.afterFailure(ctx, factor.Image, &keystone.Verification{Kind: factor.Image, AttemptsRemaining: remaining}, err)
	}

	// A lockout rejects before verification, so the grid stays usable
	// once it lifts.
	v, err := s.m.reg.VerifyFactor(ctx, s.userID, factor.Image, imageID)
	if err == nil {
		s.imageSubmitted = true
	}
	return s.handle(ctx, factor.Image, v, err)
}

// submitAnswer verifies the answer to one enrolled question.
func (s *Session) submitAnswer(ctx context.Context, kind factor.Kind, answer string) (*Outcome, error) {
	if !kind.IsQuestion() {
		return nil, fmt.Errorf("%w: %s", ErrNotAQuestion, kind)
	}
	return s.submit(ctx, kind, answer)
}

// submitPhrase verifies the recovery phrase. It is accepted from any
// non-terminal state.
func (s *Session) submitPhrase(ctx context.Context, phrase string) (*Outcome, error) {
	return s.submit(ctx, factor.Phrase, phrase)
}

func (s *Session) submit(ctx context.Context, kind factor.Kind, value string) (*Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(s.m.now()); err != nil {
		return nil, err
	}
	if _, ok := s.policy.Weights[kind]; !ok {
		return nil, keystone.ErrFactorNotEnrolled
	}
	// A factor counts once per session.
	if _, ok := s.accepted[kind]; ok {
		return s.outcome(true, -1, msgVerified), nil
	}

	v, err := s.m.reg.VerifyFactor(ctx, s.userID, kind, value)
	return s.handle(ctx, kind, v, err)
}

// handle applies a verification result to the session.
func (s *Session) handle(ctx context.Context, kind factor.Kind, v *keystone.Verification, err error) (*Outcome, error) {
	if err != nil || !v.Accepted {
		return s.afterFailure(ctx, kind, v, err)
	}

	s.accepted[kind] = v.KeyMaterial
	switch {
	case kind == factor.Image:
		s.state = StateImageVerified
	case kind.IsQuestion():
		s.state = StateQuestionsInProgress
	}

	if !s.evaluate().Satisfied {
		return s.outcome(true, v.AttemptsRemaining, msgVerified), nil
	}

	s.state = StateThresholdMet
	key, err := Reconstruct(ctx, s.m.reg, s.record, s.accepted)
	if err != nil {
		s.finish(StateFailed, "reconstruct")
		return nil, fmt.Errorf("recovery: failed to reconstruct master key: %w", err)
	}

	res := s.evaluate()
	s.finish(StateReconstructed, "")
	return &Outcome{
		State:             StateReconstructed,
		Accepted:          true,
		CurrentWeight:     res.CurrentWeight,
		AttemptsRemaining: v.AttemptsRemaining,
		Message:           msgReconstructed,
		MasterKey:         key,
	}, nil
}

// afterFailure translates rejections, lockouts and verification errors.
// Malformed input is returned as is and not counted; any other error fails
// closed and leaves the session state unchanged.
func (s *Session) afterFailure(ctx context.Context, kind factor.Kind, v *keystone.Verification, err error) (*Outcome, error) {
	var lerr *keystone.LockoutError
	switch {
	case errors.As(err, &lerr):
		if next, done := s.exhausted(ctx); done {
			s.finish(next, "locked_out")
		}
		o := s.outcome(false, 0, fmt.Sprintf("%s, retry after %v", msgLocked, lerr.RetryAfter.Round(time.Second)))
		o.Locked, o.RetryAfter = true, lerr.RetryAfter
		return o, nil
	case err != nil:
		return nil, err
	}

	switch {
	case kind == factor.Image:
		s.state = StateImageFailed
	case kind.IsQuestion():
		s.state = StateQuestionsInProgress
	}
	if next, done := s.exhausted(ctx); done {
		s.finish(next, "exhausted")
	}

	msg := msgNotVerified
	if v.AttemptsRemaining >= 0 {
		msg = fmt.Sprintf("%s, %d attempts remaining", msgNotVerified, v.AttemptsRemaining)
	}
	return s.outcome(false, v.AttemptsRemaining, msg), nil
}

// exhausted reports whether the policy can no longer be satisfied in this
// session, and the terminal state to move to.
func (s *Session) exhausted(ctx context.Context) (State, bool) {
	st, err := s.m.reg.Status(ctx, s.userID)
	if err != nil {
		return "", false
	}

	usable := make([]factor.Kind, 0, len(st.Factors))
	limited := false
	for _, f := range st.Factors {
		if _, ok := s.accepted[f.Kind]; ok {
			usable = append(usable, f.Kind)
			continue
		}
		if f.Exhausted {
			limited = true
			continue
		}
		if f.Kind == factor.Image && s.imageSubmitted {
			continue
		}
		usable = append(usable, f.Kind)
	}
	if s.policy.Evaluate(usable...).Satisfied {
		return "", false
	}
	if limited {
		return StateLockedOut, true
	}
	return StateFailed, true
}

func (s *Session) outcome(accepted bool, attempts int, msg string) *Outcome {
	res := s.evaluate()
	o := &Outcome{
		State:             s.state,
		Accepted:          accepted,
		CurrentWeight:     res.CurrentWeight,
		Remaining:         res.Remaining,
		AttemptsRemaining: attempts,
		Message:           msg,
	}
	switch s.state {
	case StateFailed:
		o.Message = msgFailed
	case StateLockedOut:
		o.Locked = true
		if !strings.HasPrefix(msg, msgLocked) {
			o.Message = msgLocked
		}
	}
	return o
}

// finish moves to a terminal state and wipes cached key material.
func (s *Session) finish(state State, reason string) {
	if s.state.Terminal() {
		return
	}
	s.state = state
	s.wipe()

	op, result := audit.OpRecoveryFailed, audit.ResultFailure
	if state == StateReconstructed {
		op, result = audit.OpRecoverySucceeded, audit.ResultSuccess
	}
	fields := map[string]string{"session": s.id}
	if reason != "" {
		fields["reason"] = reason
	}
	s.m.logAudit(op, result, s.userID, fields)
}

func (s *Session) wipe() {
	for k, km := range s.accepted {
		crypto.SecureWipe(km)
		delete(s.accepted, k)
	}
}

// cancel closes the session without an outcome.
func (s *Session) cancel(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finish(StateFailed, reason)
}

// expired reports whether the deadline has passed, failing the session if
// so.
func (s *Session) expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return true
	}
	if now.Before(s.expires) {
		return false
	}
	s.finish(StateFailed, "expired")
	return true
}

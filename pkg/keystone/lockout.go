package keystone

import (
	"context"
	"fmt"
	"time"

	"github.com/forest6511/keystone/pkg/factor"
)

// Default lockout limits
const (
	DefaultImageMaxAttempts    = 5
	DefaultQuestionMaxAttempts = 3
	DefaultPhraseMaxAttempts   = 5
	DefaultLockoutWindow       = 24 * time.Hour
	DefaultBackoffBase         = 2 * time.Second
	DefaultBackoffMax          = 5 * time.Minute
)

// KindLimit caps failures of one factor kind inside a sliding window.
// MaxAttempts 0 disables the limit.
type KindLimit struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	Window      time.Duration `yaml:"window" json:"window"`
}

// LockoutConfig holds the per-user lockout policy. Counters live in the
// store, so limits survive session loss and process restarts.
type LockoutConfig struct {
	Image    KindLimit `yaml:"image" json:"image"`
	Question KindLimit `yaml:"question" json:"question"` // applies to each question separately
	Phrase   KindLimit `yaml:"phrase" json:"phrase"`

	// Backoff imposes base<<(n-1), capped at BackoffMax, after the n-th
	// failure of a kind. Zero BackoffBase disables it.
	BackoffBase time.Duration `yaml:"backoff_base" json:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max" json:"backoff_max"`

	// AccountMaxFailures locks every kind once total failures inside
	// AccountWindow reach it. Zero disables the account-wide lock.
	AccountMaxFailures int           `yaml:"account_max_failures" json:"account_max_failures"`
	AccountWindow      time.Duration `yaml:"account_window" json:"account_window"`
}

// DefaultLockout returns 5 image, 3 per-question and 5 phrase failures per
// 24h with exponential backoff and no account-wide lock.
func DefaultLockout() LockoutConfig {
	return LockoutConfig{
		Image:         KindLimit{MaxAttempts: DefaultImageMaxAttempts, Window: DefaultLockoutWindow},
		Question:      KindLimit{MaxAttempts: DefaultQuestionMaxAttempts, Window: DefaultLockoutWindow},
		Phrase:        KindLimit{MaxAttempts: DefaultPhraseMaxAttempts, Window: DefaultLockoutWindow},
		BackoffBase:   DefaultBackoffBase,
		BackoffMax:    DefaultBackoffMax,
		AccountWindow: DefaultLockoutWindow,
	}
}

// Limit returns the limit that applies to kind.
func (c LockoutConfig) Limit(kind factor.Kind) KindLimit {
	switch {
	case kind == factor.Image:
		return c.Image
	case kind == factor.Phrase:
		return c.Phrase
	default:
		return c.Question
	}
}

// backoff returns the cooldown after the n-th failure.
func (c LockoutConfig) backoff(n int) time.Duration {
	if c.BackoffBase <= 0 || n < 1 {
		return 0
	}
	d := c.BackoffBase
	for i := 1; i < n; i++ {
		d <<= 1
		if c.BackoffMax > 0 && d >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	if c.BackoffMax > 0 && d > c.BackoffMax {
		return c.BackoffMax
	}
	return d
}

// retention is the longest window any counter query looks back.
func (c LockoutConfig) retention() time.Duration {
	d := c.AccountWindow
	for _, l := range []KindLimit{c.Image, c.Question, c.Phrase} {
		if l.Window > d {
			d = l.Window
		}
	}
	return d
}

// LockoutError reports that a policy limit blocks further attempts. It
// carries no factor kind.
type LockoutError struct {
	RetryAfter time.Duration
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("keystone: too many failed attempts, retry after %v", e.RetryAfter.Round(time.Second))
}

// Is makes errors.Is(err, ErrLockedOut) true.
func (e *LockoutError) Is(target error) bool {
	return target == ErrLockedOut
}

// lockState is the lockout view of one kind at one instant.
type lockState struct {
	failures   int
	remaining  int // attempts left in the window, -1 when unlimited
	locked     bool
	limited    bool // locked by a window limit rather than backoff
	retryAfter time.Duration
}

// kindState evaluates the window, backoff and account limits for kind.
func (r *Registry) kindState(ctx context.Context, userID string, kind factor.Kind, now time.Time) (lockState, error) {
	lim := r.lockout.Limit(kind)
	st := lockState{remaining: -1}

	window := lim.Window
	if window <= 0 {
		window = DefaultLockoutWindow
	}
	c, err := r.store.GetFailureCounter(ctx, userID, kind, now.Add(-window))
	if err != nil {
		return st, err
	}
	st.failures = c.Count

	if lim.MaxAttempts > 0 {
		st.remaining = max(lim.MaxAttempts-c.Count, 0)
		if c.Count >= lim.MaxAttempts {
			st.locked, st.limited = true, true
			st.retryAfter = max(st.retryAfter, c.Oldest.Add(window).Sub(now))
		}
	}

	if c.Count > 0 {
		if until := c.Latest.Add(r.lockout.backoff(c.Count)); now.Before(until) {
			st.locked = true
			st.retryAfter = max(st.retryAfter, until.Sub(now))
		}
	}

	if r.lockout.AccountMaxFailures > 0 {
		aw := r.lockout.AccountWindow
		if aw <= 0 {
			aw = DefaultLockoutWindow
		}
		ac, err := r.store.GetFailureCounter(ctx, userID, "", now.Add(-aw))
		if err != nil {
			return st, err
		}
		if ac.Count >= r.lockout.AccountMaxFailures {
			st.locked, st.limited = true, true
			st.retryAfter = max(st.retryAfter, ac.Oldest.Add(aw).Sub(now))
		}
	}
	return st, nil
}

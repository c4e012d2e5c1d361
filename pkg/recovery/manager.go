package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forest6511/keystone/pkg/audit"
	"github.com/forest6511/keystone/pkg/factor"
	"github.com/forest6511/keystone/pkg/grid"
	"github.com/forest6511/keystone/pkg/keystone"
)

// Session defaults
const (
	DefaultSessionTimeout = 15 * time.Minute
	DefaultSweepInterval  = time.Minute
)

// Options configures a Manager. Zero values select defaults.
type Options struct {
	Timeout       time.Duration
	SweepInterval time.Duration
	Audit         *audit.Logger
	AuditSource   string
	Logger        *slog.Logger
	Now           func() time.Time
}

// Manager owns every in-flight recovery session. Sessions share nothing
// but the registry's persisted records and failure counters.
type Manager struct {
	reg     *keystone.Registry
	grids   *grid.Generator
	timeout time.Duration
	sweep   time.Duration

	audit       *audit.Logger
	auditSource string
	log         *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager returns a session manager over reg.
func NewManager(reg *keystone.Registry, opts Options) *Manager {
	m := &Manager{
		reg:         reg,
		grids:       grid.NewGenerator(reg.Gallery()),
		timeout:     opts.Timeout,
		sweep:       opts.SweepInterval,
		audit:       opts.Audit,
		auditSource: opts.AuditSource,
		log:         opts.Logger,
		now:         opts.Now,
		sessions:    make(map[string]*Session),
	}
	if m.timeout <= 0 {
		m.timeout = DefaultSessionTimeout
	}
	if m.sweep <= 0 {
		m.sweep = DefaultSweepInterval
	}
	if m.auditSource == "" {
		m.auditSource = audit.SourceAPI
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Start opens a recovery session for userID. If the user enrolled an
// image, the grid is generated here, once, and frozen for the session.
func (m *Manager) Start(ctx context.Context, userID string) (*Session, error) {
	rec, err := m.reg.Record(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	s := &Session{
		id:       uuid.NewString(),
		userID:   userID,
		m:        m,
		state:    StateStarted,
		record:   rec,
		policy:   keystone.PolicyOf(rec),
		created:  now,
		expires:  now.Add(m.timeout),
		accepted: make(map[factor.Kind][]byte),
	}

	fields := map[string]string{"session": s.id}
	s.state = StateQuestionsInProgress
	if _, ok := rec.Factor(factor.Image); ok {
		g, err := m.prepareGrid(ctx, userID)
		if err != nil {
			// The image path is closed for this session; questions and
			// the phrase stay available.
			m.log.Warn("image factor unavailable", "session", s.id, "err", err)
			s.imageSubmitted = true
			fields["grid"] = "unavailable"
		} else {
			s.grid = g
			s.state = StateImagePresented
		}
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	m.logAudit(audit.OpRecoveryStarted, audit.ResultSuccess, userID, fields)
	return s, nil
}

// prepareGrid recovers the enrolled image and builds the session grid.
func (m *Manager) prepareGrid(ctx context.Context, userID string) (*grid.Grid, error) {
	imageID, err := m.reg.ImageHint(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("recovery: failed to prepare grid: %w", err)
	}
	g, err := m.grids.Generate(imageID)
	if err != nil {
		return nil, fmt.Errorf("recovery: failed to generate grid: %w", err)
	}
	return g, nil
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.expired(m.now()) {
		m.remove(id)
		if s.State() == StateFailed {
			return nil, ErrSessionExpired
		}
		return nil, ErrSessionClosed
	}
	return s, nil
}

// SubmitImage submits the grid position the user picked.
func (m *Manager) SubmitImage(ctx context.Context, id string, position int) (*Outcome, error) {
	return m.do(id, func(s *Session) (*Outcome, error) {
		return s.submitImage(ctx, position)
	})
}

// SubmitAnswer submits the answer to one security question.
func (m *Manager) SubmitAnswer(ctx context.Context, id string, kind factor.Kind, answer string) (*Outcome, error) {
	return m.do(id, func(s *Session) (*Outcome, error) {
		return s.submitAnswer(ctx, kind, answer)
	})
}

// SubmitPhrase submits the recovery phrase.
func (m *Manager) SubmitPhrase(ctx context.Context, id string, phrase string) (*Outcome, error) {
	return m.do(id, func(s *Session) (*Outcome, error) {
		return s.submitPhrase(ctx, phrase)
	})
}

// do runs fn on a live session and drops the session once it is terminal.
func (m *Manager) do(id string, fn func(*Session) (*Outcome, error)) (*Outcome, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	out, err := fn(s)
	if s.State().Terminal() {
		m.remove(id)
	}
	return out, err
}

// Cancel destroys a session and wipes its cached key material.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	s.cancel("canceled")
	return nil
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep fails and drops expired sessions, then prunes failure records
// older than every lockout window. It returns the number of sessions
// dropped.
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.now()

	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	n := 0
	for _, s := range live {
		if s.expired(now) {
			m.remove(s.id)
			n++
		}
	}

	if pruned, err := m.reg.PruneFailures(ctx); err != nil && !errors.Is(err, context.Canceled) {
		m.log.Warn("failed to prune failure records", "err", err)
	} else if pruned > 0 {
		m.log.Debug("pruned failure records", "count", pruned)
	}
	return n
}

// Run sweeps on every interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := m.Sweep(ctx); n > 0 {
				m.log.Debug("expired recovery sessions", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close destroys every session.
func (m *Manager) Close() {
	m.mu.Lock()
	live := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range live {
		s.cancel("shutdown")
	}
}

func (m *Manager) logAudit(op, result, userID string, fields map[string]string) {
	if err := m.audit.Log(op, m.auditSource, result, userID, fields); err != nil {
		m.log.Warn("failed to write audit event", "op", op, "err", err)
	}
}

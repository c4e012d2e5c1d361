package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/forest6511/keystone/pkg/factor"
)

type failure struct {
	kind factor.Kind
	at   time.Time
}

// MemoryStore implements Store in process memory.
// It is suitable for development and testing, but not for multi-instance
// deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*KeystoneRecord
	failures map[string][]failure
	closed   bool
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*KeystoneRecord),
		failures: make(map[string][]failure),
	}
}

func (s *MemoryStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return ErrClosed
	}
	return nil
}

// PutUserKeystone stores a new record
func (s *MemoryStore) PutUserKeystone(ctx context.Context, rec *KeystoneRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx); err != nil {
		return err
	}
	if _, exists := s.records[rec.UserID]; exists {
		return ErrAlreadyExists
	}
	s.records[rec.UserID] = rec.Clone()
	return nil
}

// GetUserKeystone retrieves a record by user id
func (s *MemoryStore) GetUserKeystone(ctx context.Context, userID string) (*KeystoneRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(ctx); err != nil {
		return nil, err
	}
	rec, ok := s.records[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// ListUserIDs returns enrolled user ids in ascending order
func (s *MemoryStore) ListUserIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(ctx); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteUserKeystone removes a record
func (s *MemoryStore) DeleteUserKeystone(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx); err != nil {
		return err
	}
	if _, ok := s.records[userID]; !ok {
		return ErrNotFound
	}
	delete(s.records, userID)
	return nil
}

// IncrementFailureCounter records a failure and returns the windowed count
func (s *MemoryStore) IncrementFailureCounter(ctx context.Context, userID string, kind factor.Kind, at, since time.Time) (FailureCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx); err != nil {
		return FailureCounter{}, err
	}
	s.failures[userID] = append(s.failures[userID], failure{kind: kind, at: at})
	return s.count(userID, kind, since), nil
}

// GetFailureCounter returns the windowed count
func (s *MemoryStore) GetFailureCounter(ctx context.Context, userID string, kind factor.Kind, since time.Time) (FailureCounter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(ctx); err != nil {
		return FailureCounter{}, err
	}
	return s.count(userID, kind, since), nil
}

func (s *MemoryStore) count(userID string, kind factor.Kind, since time.Time) FailureCounter {
	var c FailureCounter
	for _, f := range s.failures[userID] {
		if kind != "" && f.kind != kind {
			continue
		}
		if f.at.Before(since) {
			continue
		}
		c.Count++
		if c.Oldest.IsZero() || f.at.Before(c.Oldest) {
			c.Oldest = f.at
		}
		if f.at.After(c.Latest) {
			c.Latest = f.at
		}
	}
	return c
}

// ClearFailureCounters removes all failures of a user
func (s *MemoryStore) ClearFailureCounters(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx); err != nil {
		return err
	}
	delete(s.failures, userID)
	return nil
}

// PruneFailures drops failures older than cutoff
func (s *MemoryStore) PruneFailures(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx); err != nil {
		return 0, err
	}
	removed := 0
	for user, fs := range s.failures {
		kept := fs[:0]
		for _, f := range fs {
			if f.at.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, f)
		}
		if len(kept) == 0 {
			delete(s.failures, user)
		} else {
			s.failures[user] = kept
		}
	}
	return removed, nil
}

// Close marks the store closed
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

package keystone

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// derivePool bounds concurrent Argon2id derivations.
type derivePool struct {
	sem *semaphore.Weighted
}

func newDerivePool(n int) *derivePool {
	return &derivePool{sem: semaphore.NewWeighted(int64(n))}
}

// do runs fn once a slot is free, or returns ctx's error.
func (p *derivePool) do(ctx context.Context, fn func() ([]byte, error)) ([]byte, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return fn()
}

// userLocks serializes read-modify-write sequences per user so that two
// concurrent attempts cannot both slip under a lockout limit.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	ch   chan struct{}
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*userLock)}
}

// lock acquires the user's lock and returns its release func.
func (u *userLocks) lock(ctx context.Context, userID string) (func(), error) {
	u.mu.Lock()
	l, ok := u.locks[userID]
	if !ok {
		l = &userLock{ch: make(chan struct{}, 1)}
		u.locks[userID] = l
	}
	l.refs++
	u.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			u.release(userID, l)
		}, nil
	case <-ctx.Done():
		u.release(userID, l)
		return nil, ctx.Err()
	}
}

func (u *userLocks) release(userID string, l *userLock) {
	u.mu.Lock()
	defer u.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(u.locks, userID)
	}
}

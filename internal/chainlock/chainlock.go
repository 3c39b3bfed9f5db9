// Package chainlock implements advisory exclusive locks on chains, shared by
// every session of a process.
package chainlock

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNotLocked is returned when releasing a chain nobody locked.
	ErrNotLocked = errors.New("chainlock: not locked")
	// ErrNotLockOwner is returned when releasing a lock held by someone else.
	ErrNotLockOwner = errors.New("chainlock: not lock owner")
)

type lock struct {
	owner    string
	released chan struct{}
}

// Table maps discovery keys to lock grants.
type Table struct {
	mu    sync.Mutex
	locks map[string]*lock
}

// New returns an empty Table.
func New() *Table {
	return &Table{locks: make(map[string]*lock)}
}

// Acquire blocks until key is unlocked, then grants it to owner. All
// waiters wake on release and race for the grant. An owner acquiring a key
// it already holds waits like anyone else.
func (t *Table) Acquire(ctx context.Context, key, owner string) error {
	for {
		t.mu.Lock()
		l, ok := t.locks[key]
		if !ok {
			t.locks[key] = &lock{owner: owner, released: make(chan struct{})}
			t.mu.Unlock()
			return nil
		}
		released := l.released
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-released:
		}
	}
}

// TryAcquire grants key to owner when it is free.
func (t *Table) TryAcquire(key, owner string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.locks[key]; ok {
		return false
	}
	t.locks[key] = &lock{owner: owner, released: make(chan struct{})}
	return true
}

// Release clears the grant on key held by owner and wakes all waiters.
func (t *Table) Release(key, owner string) error {
	t.mu.Lock()
	l, ok := t.locks[key]
	if !ok {
		t.mu.Unlock()
		return ErrNotLocked
	}
	if l.owner != owner {
		t.mu.Unlock()
		return ErrNotLockOwner
	}
	delete(t.locks, key)
	t.mu.Unlock()
	close(l.released)
	return nil
}

// Owner returns the current owner of key.
func (t *Table) Owner(key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[key]
	if !ok {
		return "", false
	}
	return l.owner, true
}

// Len returns the number of held locks.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

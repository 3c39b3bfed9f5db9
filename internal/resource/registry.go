// Package resource tracks the per-connection resources a client session
// holds: listener subscriptions, pending reads, downloads, extensions and
// lock grants. Every resource owns a release action that runs exactly once,
// either on explicit deletion or when the session is torn down.
package resource

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

var (
	// ErrUnknown reports a lookup or delete of an identifier that is not registered.
	ErrUnknown = errors.New("unknown resource")
	// ErrDuplicate reports an attempt to register an identifier twice.
	ErrDuplicate = errors.New("resource already exists")
	// ErrClosed reports registration on a registry that was already cleared.
	ErrClosed = errors.New("resource registry closed")
)

// Release undoes the effect of registering a resource.
type Release func()

type entry struct {
	value   any
	release Release
}

// Registry maps opaque identifiers to values plus release actions.
type Registry struct {
	mu      sync.Mutex
	entries map[string]entry
	closed  bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Add stores value under id. When id is already present, or the registry has
// been cleared, release is invoked before the error is returned so the new
// value does not leak.
func (r *Registry) Add(id string, value any, release Release) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		runRelease(release)
		return fmt.Errorf("%w: %s", ErrClosed, id)
	}
	if _, ok := r.entries[id]; ok {
		r.mu.Unlock()
		runRelease(release)
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	r.entries[id] = entry{value: value, release: release}
	r.mu.Unlock()
	return nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// Get returns the value registered under id.
func (r *Registry) Get(id string) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknown, id)
	}
	return e.value, nil
}

// Delete removes id. The release action runs unless skipRelease is set, which
// callers use when the effect of releasing already happened (a read that
// settled on its own).
func (r *Registry) Delete(id string, skipRelease bool) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknown, id)
	}
	delete(r.entries, id)
	r.mu.Unlock()
	if !skipRelease && e.release != nil {
		e.release()
	}
	return nil
}

// CompareAndDelete removes id only while it still maps to value, which must
// be comparable. It reports whether the entry was removed.
func (r *Registry) CompareAndDelete(id string, value any, skipRelease bool) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.value != value {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, id)
	r.mu.Unlock()
	if !skipRelease && e.release != nil {
		e.release()
	}
	return true
}

// Len reports the number of registered resources.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Clear releases every resource once and closes the registry. A panicking
// release does not stop the others; failures are collected into the
// returned error, which teardown paths only log.
func (r *Registry) Clear() error {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]entry)
	r.closed = true
	r.mu.Unlock()

	var errs error
	for id, e := range entries {
		if err := safeRelease(e.release); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("release %s: %w", id, err))
		}
	}
	return errs
}

func runRelease(release Release) {
	if release != nil {
		release()
	}
}

func safeRelease(release Release) (err error) {
	if release == nil {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			if e, ok := rec.(error); ok {
				err = e
				return
			}
			err = fmt.Errorf("%v", rec)
		}
	}()
	release()
	return nil
}

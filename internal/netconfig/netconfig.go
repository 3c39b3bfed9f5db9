// Package netconfig persists which discovery keys the daemon should rejoin
// after a restart.
package netconfig

import (
	"context"
	"encoding/hex"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("netconfig: store closed")

// Record is one remembered network configuration.
type Record struct {
	DiscoveryKey []byte
	Announce     bool
	Lookup       bool
	UpdatedAt    time.Time
}

// ID returns the hex discovery key.
func (r Record) ID() string { return hex.EncodeToString(r.DiscoveryKey) }

// Store is the persisted configuration contract.
type Store interface {
	List(ctx context.Context) ([]Record, error)
	Get(ctx context.Context, discoveryKey []byte) (Record, bool, error)
	Put(ctx context.Context, rec Record) error
	Delete(ctx context.Context, discoveryKey []byte) error
	Close() error
}

// Memory keeps records in process memory.
type Memory struct {
	mu      sync.Mutex
	records map[string]Record
	closed  bool
	now     func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record), now: time.Now}
}

func (m *Memory) List(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return sortedRecords(m.records), nil
}

func (m *Memory) Get(ctx context.Context, discoveryKey []byte) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Record{}, false, ErrClosed
	}
	rec, ok := m.records[hex.EncodeToString(discoveryKey)]
	return cloneRecord(rec), ok, nil
}

func (m *Memory) Put(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(rec.DiscoveryKey) == 0 {
		return errors.New("netconfig: discovery key required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	rec = cloneRecord(rec)
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = m.now().UTC()
	}
	m.records[rec.ID()] = rec
	return nil
}

func (m *Memory) Delete(ctx context.Context, discoveryKey []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.records, hex.EncodeToString(discoveryKey))
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func cloneRecord(r Record) Record {
	r.DiscoveryKey = append([]byte(nil), r.DiscoveryKey...)
	return r
}

func sortedRecords(records map[string]Record) []Record {
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneRecord(records[id]))
	}
	return out
}

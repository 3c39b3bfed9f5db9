package session

import (
	"errors"
	"sort"
	"sync"

	"pkt.systems/chainspace/internal/chainstore"
	"pkt.systems/chainspace/internal/resource"
)

var errSessionClosed = errors.New("session closed")

type handle struct {
	chain   chainstore.Chain
	weak    bool
	dkeyHex string
}

// State is the per-connection table of resources and chain handles.
type State struct {
	pins      chainstore.Pinner
	resources *resource.Registry
	onPin     func(delta int)

	mu     sync.Mutex
	chains map[uint64]handle
	closed bool
}

// NewState returns an empty State whose strong handles pin chains in pins.
func NewState(pins chainstore.Pinner) *State {
	return &State{
		pins:      pins,
		resources: resource.NewRegistry(),
		chains:    make(map[uint64]handle),
	}
}

// AddResource registers value under id; release runs when it is deleted
// or the session ends.
func (s *State) AddResource(id string, value any, release resource.Release) error {
	if err := s.resources.Add(id, value, release); err != nil {
		return toFailure(err)
	}
	return nil
}

// HasResource reports whether id is registered.
func (s *State) HasResource(id string) bool { return s.resources.Has(id) }

// GetResource returns the value registered under id.
func (s *State) GetResource(id string) (any, error) {
	v, err := s.resources.Get(id)
	if err != nil {
		return nil, toFailure(err)
	}
	return v, nil
}

// DeleteResource removes id, running its release unless skipRelease.
func (s *State) DeleteResource(id string, skipRelease bool) error {
	if err := s.resources.Delete(id, skipRelease); err != nil {
		return toFailure(err)
	}
	return nil
}

// deleteResourceIfPresent is the best-effort delete used by close paths.
func (s *State) deleteResourceIfPresent(id string) {
	if s.resources.Has(id) {
		_ = s.resources.Delete(id, false)
	}
}

// HasChain reports whether id is bound.
func (s *State) HasChain(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.chains[id]
	return ok
}

// AddChain binds id to c. Strong handles pin c in the store cache.
func (s *State) AddChain(id uint64, c chainstore.Chain, weak bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return toFailure(errSessionClosed)
	}
	if _, ok := s.chains[id]; ok {
		s.mu.Unlock()
		return failure(ErrDuplicateChain, "chain %d already exists in session", id)
	}
	h := handle{chain: c, weak: weak, dkeyHex: chainstore.KeyString(c.DiscoveryKey())}
	s.chains[id] = h
	if !weak {
		s.pins.Increment(h.dkeyHex)
	}
	s.mu.Unlock()
	if !weak && s.onPin != nil {
		s.onPin(1)
	}
	return nil
}

// GetChain returns the chain bound to id.
func (s *State) GetChain(id uint64) (chainstore.Chain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.chains[id]
	if !ok {
		return nil, failure(ErrUnknownChain, "invalid chain %d", id)
	}
	return h.chain, nil
}

// DeleteChain unbinds id, unpinning strong handles.
func (s *State) DeleteChain(id uint64) error {
	s.mu.Lock()
	h, ok := s.chains[id]
	if !ok {
		s.mu.Unlock()
		return failure(ErrUnknownChain, "invalid chain %d", id)
	}
	delete(s.chains, id)
	s.mu.Unlock()
	s.unpin(h)
	return nil
}

// ChainIDs returns the bound identifiers in ascending order.
func (s *State) ChainIDs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint64, 0, len(s.chains))
	for id := range s.chains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ResourceCount reports the number of live resources.
func (s *State) ResourceCount() int { return s.resources.Len() }

// DeleteAll releases every resource and handle. Later AddChain and
// AddResource calls fail and release what they were given. The returned
// error aggregates release failures and is meant for logging only.
func (s *State) DeleteAll() error {
	err := s.resources.Clear()
	s.mu.Lock()
	s.closed = true
	handles := make([]handle, 0, len(s.chains))
	for id, h := range s.chains {
		handles = append(handles, h)
		delete(s.chains, id)
	}
	s.mu.Unlock()
	for _, h := range handles {
		s.unpin(h)
	}
	return err
}

func (s *State) unpin(h handle) {
	if h.weak {
		return
	}
	s.pins.Decrement(h.dkeyHex)
	if s.onPin != nil {
		s.onPin(-1)
	}
}

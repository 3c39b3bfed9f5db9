// Package memory implements chainstore.Store entirely in process memory.
//
// Blocks survive a chain being closed and reopened for the lifetime of the
// Store. Chains nobody pins are kept in an LRU of idle chains; evicting one
// closes it, which is what weak session handles observe as a close event.
package memory

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"lukechampine.com/blake3"
	"pkt.systems/pslog"

	"pkt.systems/chainspace/internal/chainstore"
	"pkt.systems/chainspace/internal/event"
	"pkt.systems/chainspace/internal/loggingutil"
)

// Options configures a Store.
type Options struct {
	// Seed derives the key pairs of named chains. A random seed is used when empty.
	Seed []byte
	// CacheSize is the number of idle (unpinned) chains kept open. Zero
	// closes a chain as soon as its last pin is released.
	CacheSize int
	// Quota caps the total stored bytes; zero means unlimited.
	Quota uint64
	// ReadyCheck simulates loading chain storage; a non-nil error fails Ready.
	ReadyCheck func(discoveryKey []byte) error
	Logger     pslog.Logger
}

type chainData struct {
	key        []byte
	secret     ed25519.PrivateKey
	blocks     map[uint64][]byte
	length     uint64
	byteLength uint64
}

// Store is an in-memory chainstore.Store.
type Store struct {
	opts   Options
	seed   []byte
	logger pslog.Logger

	mu      sync.Mutex
	data    map[string]*chainData
	live    map[string]*Chain
	pins    map[string]int
	idle    *lru.Cache[string, *Chain]
	evicted []*Chain
	closed  bool

	used atomic.Uint64
	feed event.Feed[chainstore.Chain]
}

var _ chainstore.Store = (*Store)(nil)

// New constructs an empty Store.
func New(opts Options) (*Store, error) {
	seed := opts.Seed
	if len(seed) == 0 {
		seed = make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("memory store: seed: %w", err)
		}
	}
	s := &Store{
		opts:   opts,
		seed:   append([]byte(nil), seed...),
		logger: loggingutil.WithSubsystem(opts.Logger, "chainstore.memory"),
		data:   make(map[string]*chainData),
		live:   make(map[string]*Chain),
		pins:   make(map[string]int),
	}
	if opts.CacheSize > 0 {
		idle, err := lru.NewWithEvict[string, *Chain](opts.CacheSize, s.onEvict)
		if err != nil {
			return nil, fmt.Errorf("memory store: idle cache: %w", err)
		}
		s.idle = idle
	}
	return s, nil
}

// Ready implements chainstore.Store; the memory store is always loaded.
func (s *Store) Ready(ctx context.Context) error {
	return ctx.Err()
}

// OnFeed subscribes to newly opened chains.
func (s *Store) OnFeed(fn func(chainstore.Chain)) *event.Subscription {
	return s.feed.Subscribe(fn)
}

// Cache returns the store pin counters.
func (s *Store) Cache() chainstore.Pinner {
	return pinner{s}
}

// Get returns the live chain for opts or opens it.
func (s *Store) Get(opts chainstore.GetOptions) (chainstore.Chain, error) {
	key, secret, err := s.resolveKey(opts)
	if err != nil {
		return nil, err
	}
	dkey, err := chainstore.DiscoveryKey(key)
	if err != nil {
		return nil, err
	}
	id := chainstore.KeyString(dkey)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, chainstore.ErrClosed
	}
	if c, ok := s.live[id]; ok {
		if s.idle != nil {
			s.idle.Get(id)
		}
		s.mu.Unlock()
		return c, nil
	}
	d, ok := s.data[id]
	if !ok {
		d = &chainData{key: key, blocks: make(map[uint64][]byte)}
		s.data[id] = d
	}
	if d.secret == nil && secret != nil {
		d.secret = secret
	}
	c := newChain(s, d, dkey)
	s.live[id] = c
	if s.idle != nil && s.pins[id] == 0 {
		s.idle.Add(id, c)
	}
	evicted := s.takeEvictedLocked()
	s.mu.Unlock()

	s.closeAll(evicted)
	s.logger.Debug("chain opened", "discovery_key", id, "writable", c.Writable())
	s.feed.Emit(c)
	return c, nil
}

// Close closes every live chain; later Get calls fail.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	chains := make([]*Chain, 0, len(s.live))
	for _, c := range s.live {
		chains = append(chains, c)
	}
	s.mu.Unlock()
	s.closeAll(chains)
	s.feed.Close()
	return nil
}

// Live reports whether a chain with the given hex discovery key is open.
func (s *Store) Live(discoveryKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live[discoveryKey]
	return ok
}

func (s *Store) resolveKey(opts chainstore.GetOptions) ([]byte, ed25519.PrivateKey, error) {
	switch {
	case opts.Name != "":
		h := blake3.New(32, nil)
		_, _ = h.Write(s.seed)
		_, _ = h.Write([]byte(opts.Name))
		priv := ed25519.NewKeyFromSeed(h.Sum(nil))
		return []byte(priv.Public().(ed25519.PublicKey)), priv, nil
	case len(opts.Key) > 0:
		if len(opts.Key) != chainstore.KeySize {
			return nil, nil, chainstore.ErrInvalidKey
		}
		return append([]byte(nil), opts.Key...), nil, nil
	default:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, fmt.Errorf("memory store: generate key: %w", err)
		}
		return []byte(pub), priv, nil
	}
}

// onEvict runs with s.mu held (every idle cache call happens under it).
func (s *Store) onEvict(id string, c *Chain) {
	if s.pins[id] > 0 || s.live[id] != c {
		return
	}
	s.evicted = append(s.evicted, c)
}

func (s *Store) takeEvictedLocked() []*Chain {
	out := s.evicted
	s.evicted = nil
	return out
}

func (s *Store) closeAll(chains []*Chain) {
	for _, c := range chains {
		if err := c.Close(); err != nil {
			s.logger.Warn("chain close failed", "discovery_key", c.dkeyHex, "error", err)
		}
	}
}

// forget drops a closed chain from the live set.
func (s *Store) forget(c *Chain) {
	s.mu.Lock()
	if s.live[c.dkeyHex] == c {
		delete(s.live, c.dkeyHex)
	}
	if s.idle != nil {
		s.idle.Remove(c.dkeyHex)
	}
	s.mu.Unlock()
	s.logger.Debug("chain closed", "discovery_key", c.dkeyHex)
}

func (s *Store) reserve(n uint64) error {
	if s.opts.Quota == 0 {
		s.used.Add(n)
		return nil
	}
	for {
		cur := s.used.Load()
		if cur+n > s.opts.Quota {
			return chainstore.ErrQuotaExceeded
		}
		if s.used.CompareAndSwap(cur, cur+n) {
			return nil
		}
	}
}

func (s *Store) ready(dkey []byte) error {
	if s.opts.ReadyCheck == nil {
		return nil
	}
	if err := s.opts.ReadyCheck(dkey); err != nil {
		return fmt.Errorf("%w: %v", chainstore.ErrReadyFailed, err)
	}
	return nil
}

type pinner struct{ s *Store }

func (p pinner) Increment(id string) {
	s := p.s
	s.mu.Lock()
	s.pins[id]++
	if s.pins[id] == 1 && s.idle != nil {
		s.idle.Remove(id)
	}
	s.mu.Unlock()
}

func (p pinner) Decrement(id string) {
	s := p.s
	s.mu.Lock()
	n := s.pins[id]
	if n == 0 {
		s.mu.Unlock()
		return
	}
	if n > 1 {
		s.pins[id] = n - 1
		s.mu.Unlock()
		return
	}
	delete(s.pins, id)
	var toClose []*Chain
	if c, ok := s.live[id]; ok {
		if s.idle == nil {
			toClose = append(toClose, c)
		} else {
			s.idle.Add(id, c)
			toClose = s.takeEvictedLocked()
		}
	}
	s.mu.Unlock()
	s.closeAll(toClose)
}

func (p pinner) Count(id string) int {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return p.s.pins[id]
}

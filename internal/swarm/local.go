package swarm

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"pkt.systems/chainspace/internal/clock"
	"pkt.systems/chainspace/internal/event"
	"pkt.systems/chainspace/internal/loggingutil"
)

// Default values for Local.
const (
	DefaultPort       = 49737
	DefaultMaxPeers   = 256
	DefaultFlushDelay = 250 * time.Millisecond
)

// ErrClosed is returned by operations on a closed Local.
var ErrClosed = errors.New("swarm: closed")

// LocalOptions configures Local.
type LocalOptions struct {
	Port       int
	MaxPeers   int
	Bootstrap  []string
	FlushDelay time.Duration
	Clock      clock.Clock
	Logger     pslog.Logger
}

// Local is a single-process Networker. It never dials anyone: joins flush
// after FlushDelay, which is enough to drive the session heuristics.
type Local struct {
	opts   LocalOptions
	id     uuid.UUID
	clock  clock.Clock
	logger pslog.Logger

	mu        sync.Mutex
	topics    map[string]*topic
	listening bool
	address   string
	closed    bool

	flushed event.Feed[[]byte]
}

type topic struct {
	key     []byte
	opts    ConfigureOptions
	flushed bool
	gen     uint64
	timer   clock.Timer
}

var _ Networker = (*Local)(nil)

// NewLocal constructs a Local networker.
func NewLocal(opts LocalOptions) *Local {
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.MaxPeers == 0 {
		opts.MaxPeers = DefaultMaxPeers
	}
	if opts.FlushDelay < 0 {
		opts.FlushDelay = 0
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Local{
		opts:   opts,
		id:     uuid.New(),
		clock:  clk,
		logger: loggingutil.WithSubsystem(opts.Logger, "swarm.local"),
		topics: make(map[string]*topic),
	}
}

// Listen marks the node reachable on the configured port.
func (l *Local) Listen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.listening = true
	l.address = net.JoinHostPort("0.0.0.0", strconv.Itoa(l.opts.Port))
	l.logger.Info("swarm listening", "node_id", l.id.String(), "address", l.address, "bootstrap", len(l.opts.Bootstrap))
	return nil
}

// Configure joins or leaves the topic for discoveryKey.
func (l *Local) Configure(ctx context.Context, discoveryKey []byte, opts ConfigureOptions) error {
	if len(discoveryKey) == 0 {
		return fmt.Errorf("swarm: empty discovery key")
	}
	id := hex.EncodeToString(discoveryKey)
	join := opts.Announce || opts.Lookup

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	t, exists := l.topics[id]
	if !join {
		if exists {
			if t.timer != nil {
				t.timer.Stop()
			}
			delete(l.topics, id)
		}
		l.mu.Unlock()
		l.logger.Debug("topic left", "discovery_key", id)
		return nil
	}
	if exists {
		t.opts = opts
		flushed := t.flushed
		l.mu.Unlock()
		if opts.Flush && !flushed {
			return l.waitFlushed(ctx, id, discoveryKey)
		}
		return nil
	}
	t = &topic{key: append([]byte(nil), discoveryKey...), opts: opts}
	l.topics[id] = t
	t.gen++
	gen := t.gen
	l.mu.Unlock()
	l.logger.Debug("topic joined", "discovery_key", id, "announce", opts.Announce, "lookup", opts.Lookup)

	var wait <-chan struct{}
	if opts.Flush {
		wait = l.flushSignal(id)
	}
	timer := l.clock.AfterFunc(l.opts.FlushDelay, func() { l.markFlushed(id, gen) })
	l.mu.Lock()
	if cur, ok := l.topics[id]; ok && cur.gen == gen && !cur.flushed {
		cur.timer = timer
	}
	l.mu.Unlock()

	if wait == nil {
		return nil
	}
	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Local) waitFlushed(ctx context.Context, id string, discoveryKey []byte) error {
	wait := l.flushSignal(id)
	if l.Flushed(discoveryKey) {
		return nil
	}
	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// flushSignal returns a channel closed on the next flushed event for id.
func (l *Local) flushSignal(id string) <-chan struct{} {
	ch := make(chan struct{})
	var once sync.Once
	var sub *event.Subscription
	sub = l.flushed.Subscribe(func(dkey []byte) {
		if hex.EncodeToString(dkey) != id {
			return
		}
		once.Do(func() {
			close(ch)
			sub.Close()
		})
	})
	return ch
}

func (l *Local) markFlushed(id string, gen uint64) {
	l.mu.Lock()
	t, ok := l.topics[id]
	if !ok || t.gen != gen || t.flushed {
		l.mu.Unlock()
		return
	}
	t.flushed = true
	t.timer = nil
	key := append([]byte(nil), t.key...)
	l.mu.Unlock()
	l.logger.Trace("topic flushed", "discovery_key", id)
	l.flushed.Emit(key)
}

// Joined reports whether the node announces or looks up discoveryKey.
func (l *Local) Joined(discoveryKey []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.topics[hex.EncodeToString(discoveryKey)]
	return ok
}

// Flushed reports whether the join of discoveryKey finished its first flush.
func (l *Local) Flushed(discoveryKey []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.topics[hex.EncodeToString(discoveryKey)]
	return ok && t.flushed
}

// Flush calls cb after FlushDelay.
func (l *Local) Flush(cb func()) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return
	}
	l.clock.AfterFunc(l.opts.FlushDelay, cb)
}

func (l *Local) OnFlushed(fn func(discoveryKey []byte)) *event.Subscription {
	return l.flushed.Subscribe(fn)
}

func (l *Local) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		NodeID:        l.id.String(),
		RemoteAddress: l.address,
		Holepunchable: l.listening,
		Topics:        len(l.topics),
		MaxPeers:      l.opts.MaxPeers,
	}
}

// Close leaves every topic.
func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	for id, t := range l.topics {
		if t.timer != nil {
			t.timer.Stop()
		}
		delete(l.topics, id)
	}
	l.listening = false
	l.mu.Unlock()
	l.flushed.Close()
	return nil
}

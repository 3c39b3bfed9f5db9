// Package flushgate decides when a read or update that is waiting on the
// network may give up. Every chain the store opens gets a pair of gates
// (chainstore.Timeouts); a gate fires once the swarm has had a fair chance
// to find peers for that chain.
package flushgate

import (
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/chainspace/internal/chainstore"
	"pkt.systems/chainspace/internal/event"
	"pkt.systems/chainspace/internal/loggingutil"
)

// Network is the part of the swarm the gates consult.
type Network interface {
	Joined(discoveryKey []byte) bool
	Flushed(discoveryKey []byte) bool
	Flush(cb func())
	OnFlushed(fn func(discoveryKey []byte)) *event.Subscription
}

// Phase tracks the swarm-wide flush for one chain.
type Phase int

const (
	Idle Phase = iota
	AwaitingFlush
	Flushed
)

func (p Phase) String() string {
	switch p {
	case AwaitingFlush:
		return "awaiting-flush"
	case Flushed:
		return "flushed"
	default:
		return "idle"
	}
}

type logState struct {
	dkey         []byte
	chain        chainstore.Chain
	phase        Phase
	hasPeer      bool
	flushWaiters []func()
	peerWaiters  []func()
	subs         []*event.Subscription
}

// Gate holds the per-chain flush state for a whole process.
type Gate struct {
	net    Network
	logger pslog.Logger

	mu   sync.Mutex
	logs map[string]*logState
	sub  *event.Subscription
}

// New constructs a Gate listening for flushed events on net.
func New(net Network, logger pslog.Logger) *Gate {
	g := &Gate{
		net:    net,
		logger: loggingutil.WithSubsystem(logger, "flushgate"),
		logs:   make(map[string]*logState),
	}
	g.sub = net.OnFlushed(g.onKeyFlushed)
	return g
}

// Attach installs the gates on c. Attaching the same chain object again is
// a no-op.
func (g *Gate) Attach(c chainstore.Chain) {
	dkey := c.DiscoveryKey()
	id := chainstore.KeyString(dkey)

	g.mu.Lock()
	if st, ok := g.logs[id]; ok && st.chain == c {
		g.mu.Unlock()
		return
	}
	st := &logState{dkey: dkey, chain: c}
	g.logs[id] = st
	g.mu.Unlock()

	c.SetTimeouts(chainstore.Timeouts{
		Get:    func(cb func()) { g.getGate(st, cb) },
		Update: func(cb func()) { g.updateGate(st, cb) },
	})
	var once sync.Once
	subs := []*event.Subscription{
		c.OnPeerAdd(func(chainstore.Peer) {
			once.Do(func() { g.peerArrived(st) })
		}),
		c.OnClose(func() { g.detach(id, st) }),
	}
	g.mu.Lock()
	st.subs = subs
	g.mu.Unlock()

	if g.net.Joined(dkey) {
		return
	}
	g.mu.Lock()
	st.phase = AwaitingFlush
	g.mu.Unlock()
	g.net.Flush(func() {
		if g.net.Joined(dkey) {
			return
		}
		g.globalFlushed(st)
	})
}

// Close stops listening for network events and drops all state.
func (g *Gate) Close() {
	g.sub.Close()
	g.mu.Lock()
	states := make([]*logState, 0, len(g.logs))
	for _, st := range g.logs {
		states = append(states, st)
	}
	g.logs = make(map[string]*logState)
	var subs []*event.Subscription
	for _, st := range states {
		subs = append(subs, st.subs...)
		st.subs = nil
	}
	g.mu.Unlock()
	closeAll(subs)
}

// Phase reports the flush phase of the chain with hex discovery key id.
func (g *Gate) Phase(id string) (Phase, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.logs[id]
	if !ok {
		return Idle, false
	}
	return st.phase, true
}

// HasPeer reports whether a peer ever connected to the chain with hex
// discovery key id.
func (g *Gate) HasPeer(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.logs[id]
	return ok && st.hasPeer
}

// Tracked reports how many chains currently have gate state.
func (g *Gate) Tracked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.logs)
}

func (g *Gate) getGate(st *logState, cb func()) {
	g.mu.Lock()
	proceed := false
	if g.net.Joined(st.dkey) {
		proceed = g.net.Flushed(st.dkey)
	} else {
		proceed = st.phase == Flushed
	}
	if !proceed {
		st.flushWaiters = append(st.flushWaiters, cb)
	}
	g.mu.Unlock()
	if proceed {
		cb()
	}
}

func (g *Gate) updateGate(st *logState, cb func()) {
	if len(st.chain.Peers()) > 0 {
		cb()
		return
	}
	g.mu.Lock()
	proceed := false
	if g.net.Joined(st.dkey) {
		proceed = g.net.Flushed(st.dkey) && len(st.chain.Peers()) == 0
	} else {
		proceed = st.phase == Flushed
	}
	if !proceed {
		st.peerWaiters = append(st.peerWaiters, cb)
	}
	g.mu.Unlock()
	if proceed {
		cb()
	}
}

func (g *Gate) globalFlushed(st *logState) {
	g.mu.Lock()
	st.phase = Flushed
	waiters := takeAll(st)
	g.mu.Unlock()
	g.logger.Trace("chain flushed without join", "discovery_key", chainstore.KeyString(st.dkey), "waiters", len(waiters))
	callAll(waiters)
}

func (g *Gate) peerArrived(st *logState) {
	g.mu.Lock()
	st.hasPeer = true
	waiters := st.peerWaiters
	st.peerWaiters = nil
	g.mu.Unlock()
	callAll(waiters)
}

func (g *Gate) onKeyFlushed(dkey []byte) {
	id := chainstore.KeyString(dkey)
	g.mu.Lock()
	st, ok := g.logs[id]
	if !ok {
		g.mu.Unlock()
		return
	}
	waiters := takeAll(st)
	g.mu.Unlock()
	callAll(waiters)
}

func (g *Gate) detach(id string, st *logState) {
	g.mu.Lock()
	if g.logs[id] == st {
		delete(g.logs, id)
	}
	st.flushWaiters = nil
	st.peerWaiters = nil
	subs := st.subs
	st.subs = nil
	g.mu.Unlock()
	closeAll(subs)
}

// takeAll empties both queues, flush waiters first.
func takeAll(st *logState) []func() {
	out := append(st.flushWaiters, st.peerWaiters...)
	st.flushWaiters = nil
	st.peerWaiters = nil
	return out
}

func callAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

func closeAll(subs []*event.Subscription) {
	for _, s := range subs {
		s.Close()
	}
}

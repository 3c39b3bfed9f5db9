// Package session implements the per-connection side of the daemon: the
// resource and chain-handle tables of each client, the chainstore, unichain
// and network services it calls into, and the Manager that wires sessions to
// the process-wide store, swarm, lock table and flush gates.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/chainspace/api"
	"pkt.systems/chainspace/internal/chainlock"
	"pkt.systems/chainspace/internal/chainstore"
	"pkt.systems/chainspace/internal/event"
	"pkt.systems/chainspace/internal/flushgate"
	"pkt.systems/chainspace/internal/loggingutil"
	"pkt.systems/chainspace/internal/netconfig"
	"pkt.systems/chainspace/internal/swarm"
)

// ErrManagerClosed is returned by Accept after Close.
var ErrManagerClosed = errors.New("session manager closed")

// Config wires a Manager to its collaborators.
type Config struct {
	Store     chainstore.Store
	Network   swarm.Networker
	NetConfig netconfig.Store
	// Locks defaults to a fresh table.
	Locks *chainlock.Table
	// NoAnnounce suppresses announcing, both on rejoin and on configure.
	NoAnnounce bool
	Version    string
	// Stop is invoked asynchronously by the stop RPC. Nil disables it.
	Stop   func()
	Logger pslog.Logger
}

// Manager owns every session of the process.
type Manager struct {
	cfg     Config
	logger  pslog.Logger
	locks   *chainlock.Table
	gate    *flushgate.Gate
	feed    *event.Subscription
	netCfg  *networkState
	metrics *sessionMetrics

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	stopOnce sync.Once
}

// NewManager validates cfg and installs the flush gates on every chain the
// store opens from now on.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("session: chainstore required")
	}
	if cfg.Network == nil {
		return nil, errors.New("session: networker required")
	}
	if cfg.NetConfig == nil {
		cfg.NetConfig = netconfig.NewMemory()
	}
	locks := cfg.Locks
	if locks == nil {
		locks = chainlock.New()
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "session")
	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		locks:    locks,
		gate:     flushgate.New(cfg.Network, cfg.Logger),
		netCfg:   newNetworkState(),
		metrics:  newSessionMetrics(logger),
		sessions: make(map[string]*Session),
	}
	m.feed = cfg.Store.OnFeed(m.gate.Attach)
	return m, nil
}

// Accept creates the session of a new connection. ctx bounds the session's
// lifetime in addition to Close.
func (m *Manager) Accept(ctx context.Context, notify Notifier) (*Session, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrManagerClosed
	}
	id := xid.New().String()
	sctx, cancel := context.WithCancel(ctx)
	logger := m.logger.With("session_id", id)
	state := NewState(m.cfg.Store.Cache())
	state.onPin = m.metrics.addPinned
	s := &Session{
		id:      id,
		manager: m,
		logger:  logger,
		tracer:  newTracer(),
		ctx:     sctx,
		cancel:  cancel,
		State:   state,
	}
	cs, err := newChainstoreService(m.cfg.Store, state, notify, loggingutil.WithSubsystem(logger, "session.chainstore"))
	if err != nil {
		cancel()
		return nil, err
	}
	s.Chainstore = cs
	s.Unichain = newUnichainService(state, m.locks, id, notify, loggingutil.WithSubsystem(logger, "session.unichain"), m.metrics)
	s.Network = &NetworkService{
		net:        m.cfg.Network,
		store:      m.cfg.NetConfig,
		state:      m.netCfg,
		noAnnounce: m.cfg.NoAnnounce,
		logger:     loggingutil.WithSubsystem(logger, "session.network"),
	}
	s.registerHandlers()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = s.State.DeleteAll()
		cancel()
		return nil, ErrManagerClosed
	}
	m.sessions[id] = s
	m.mu.Unlock()
	m.metrics.addSession(1)
	context.AfterFunc(sctx, func() { _ = s.Close() })
	logger.Info("session.opened")
	return s, nil
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	_, ok := m.sessions[s.id]
	delete(m.sessions, s.id)
	m.mu.Unlock()
	if ok {
		m.metrics.addSession(-1)
	}
}

// Sessions reports the number of open sessions.
func (m *Manager) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Locks exposes the process lock table.
func (m *Manager) Locks() *chainlock.Table { return m.locks }

// Gate exposes the flush gates.
func (m *Manager) Gate() *flushgate.Gate { return m.gate }

// Status describes the daemon for the status RPC.
func (m *Manager) Status() api.StatusResponse {
	st := m.cfg.Network.Status()
	return api.StatusResponse{
		Version:       m.cfg.Version,
		APIVersion:    api.APIVersion,
		NodeID:        st.NodeID,
		Holepunchable: st.Holepunchable,
		RemoteAddress: st.RemoteAddress,
		Sessions:      m.Sessions(),
		Chains:        m.gate.Tracked(),
	}
}

func (m *Manager) requestStop() error {
	if m.cfg.Stop == nil {
		return failure(ErrInvalidArgument, "stop is disabled")
	}
	m.stopOnce.Do(func() {
		m.logger.Info("session.stop.requested")
		go m.cfg.Stop()
	})
	return nil
}

// Rejoin re-applies every remembered configuration that announces. Join
// failures are logged and do not stop the others.
func (m *Manager) Rejoin(ctx context.Context) error {
	if m.cfg.NoAnnounce {
		m.logger.Info("session.rejoin.skipped", "reason", "no-announce")
		return nil
	}
	records, err := m.cfg.NetConfig.List(ctx)
	if err != nil {
		return err
	}
	joined := 0
	for _, rec := range records {
		if !rec.Announce {
			continue
		}
		err := m.cfg.Network.Configure(ctx, rec.DiscoveryKey, swarm.ConfigureOptions{
			Announce: rec.Announce,
			Lookup:   rec.Lookup,
			Remember: true,
		})
		if err != nil {
			m.logger.Warn("session.rejoin.failed", "discovery_key", rec.ID(), "error", err)
			continue
		}
		m.netCfg.set(fromRecord(rec))
		joined++
	}
	m.logger.Info("session.rejoin.complete", "joined", joined, "remembered", len(records))
	return nil
}

// Close closes every session and stops installing gates.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}
	m.feed.Close()
	m.gate.Close()
	return nil
}

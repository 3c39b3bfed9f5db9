package rpc

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"pkt.systems/chainspace/internal/correlation"
	"pkt.systems/chainspace/internal/loggingutil"
)

const (
	DefaultMaxMessageSize = 64 << 20
	DefaultWriteTimeout   = 10 * time.Second
	DefaultPingInterval   = 30 * time.Second
)

// ServerOptions configures a Server.
type ServerOptions struct {
	Accept AcceptFunc
	Logger pslog.Logger
	// MaxMessageSize bounds inbound frames.
	MaxMessageSize int64
	WriteTimeout   time.Duration
	// PingInterval paces keepalive pings. A peer that stays silent for two
	// intervals is disconnected.
	PingInterval time.Duration
	// CheckOrigin defaults to accepting every origin; the daemon listens on
	// loopback or a unix socket.
	CheckOrigin func(r *http.Request) bool
}

// Server upgrades HTTP requests to RPC connections.
type Server struct {
	opts     ServerOptions
	logger   pslog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer validates opts and returns a Server.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Accept == nil {
		return nil, errors.New("rpc: accept func required")
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		opts:   opts,
		logger: loggingutil.WithSubsystem(opts.Logger, "rpc.server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		conns: make(map[*conn]struct{}),
	}, nil
}

// Handler returns a mux serving the RPC endpoint at Path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET "+Path, s)
	return mux
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("rpc.upgrade.failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	cid := correlation.Generate()
	logger := s.logger.With("cid", cid, "remote_addr", r.RemoteAddr)
	ctx := correlation.Set(context.Background(), cid)
	ctx = pslog.ContextWithLogger(ctx, logger)
	c := newConn(ws, logger, s.opts)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.close()
		return
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		s.wg.Done()
	}()

	c.serve(ctx, s.opts.Accept)
}

// Connections reports the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close disconnects every client and waits for their sessions to end or ctx
// to expire.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.shutdown()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package chainspace

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/multierr"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"

	"pkt.systems/chainspace/internal/chainstore/memory"
	"pkt.systems/chainspace/internal/clock"
	"pkt.systems/chainspace/internal/loggingutil"
	"pkt.systems/chainspace/internal/netconfig"
	"pkt.systems/chainspace/internal/rpc"
	"pkt.systems/chainspace/internal/session"
	"pkt.systems/chainspace/internal/swarm"
	"pkt.systems/chainspace/internal/version"
)

// Server wires the chain store, swarm, sessions and the RPC endpoint of one
// daemon.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	store     *memory.Store
	network   swarm.Networker
	netcfg    netconfig.Store
	manager   *session.Manager
	rpc       *rpc.Server
	httpSrv   *http.Server
	telemetry *telemetry

	mu         sync.Mutex
	listener   net.Listener
	socketPath string
	shutdown   bool
	readyOnce  sync.Once
	readyCh    chan struct{}
	stopOnce   sync.Once
	stopCh     chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger    pslog.Logger
	Network   swarm.Networker
	NetConfig netconfig.Store
	Clock     clock.Clock
}

// WithLogger supplies the base logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.Logger = l }
}

// WithNetwork injects a swarm implementation instead of swarm.Local.
func WithNetwork(n swarm.Networker) Option {
	return func(o *options) { o.Network = n }
}

// WithNetConfig injects the network configuration store.
func WithNetConfig(s netconfig.Store) Option {
	return func(o *options) { o.NetConfig = s }
}

// WithClock drives the local swarm's flush timers (tests).
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.Clock = c }
}

// NewServer validates cfg and assembles a server. Nothing listens until
// Start.
func NewServer(cfg Config, opts ...Option) (_ *Server, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.EnsureLogger(o.Logger)
	s := &Server{
		cfg:     cfg,
		logger:  loggingutil.WithSubsystem(logger, "server.lifecycle"),
		readyCh: make(chan struct{}),
		stopCh:  make(chan struct{}),
	}
	defer func() {
		if err != nil {
			_ = s.release(context.Background())
		}
	}()

	s.telemetry, err = setupTelemetry(context.Background(), telemetryConfig{
		OTLPEndpoint:   cfg.OTLPEndpoint,
		MetricsListen:  cfg.MetricsListen,
		PprofListen:    cfg.PprofListen,
		RuntimeMetrics: cfg.EnableProfilingMetrics,
	}, loggingutil.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}

	storeOpts := cfg.StoreOptions()
	storeOpts.Logger = logger
	if s.store, err = memory.New(storeOpts); err != nil {
		return nil, err
	}

	s.network = o.Network
	if s.network == nil {
		s.network = swarm.NewLocal(swarm.LocalOptions{
			Port:       cfg.NetworkPort,
			MaxPeers:   cfg.MaxPeers,
			Bootstrap:  cfg.Bootstrap,
			FlushDelay: cfg.FlushDelay,
			Clock:      o.Clock,
			Logger:     logger,
		})
	}

	s.netcfg = o.NetConfig
	if s.netcfg == nil {
		if cfg.MemoryOnly {
			s.netcfg = netconfig.NewMemory()
		} else {
			file, err := netconfig.OpenFile(cfg.NetworkConfigPath(), logger)
			if err != nil {
				return nil, err
			}
			s.netcfg = file
		}
	}

	s.manager, err = session.NewManager(session.Config{
		Store:      s.store,
		Network:    s.network,
		NetConfig:  s.netcfg,
		NoAnnounce: cfg.NoAnnounce,
		Version:    version.Current(),
		Stop:       s.requestStop,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	s.rpc, err = rpc.NewServer(rpc.ServerOptions{Accept: s.accept, Logger: logger})
	if err != nil {
		return nil, err
	}
	s.httpSrv = &http.Server{
		Handler:           otelhttp.NewHandler(s.rpc.Handler(), "chainspace.rpc"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) accept(ctx context.Context, n rpc.Notifier) (rpc.Session, error) {
	sess, err := s.manager.Accept(ctx, n)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Handler returns the RPC handler for mounting in another mux.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Manager exposes the session manager.
func (s *Server) Manager() *session.Manager { return s.manager }

// Start listens, brings the swarm up, rejoins remembered topics and serves
// until Shutdown.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.MkdirAll(filepath.Dir(s.cfg.Listen), 0o700); err != nil {
			return fmt.Errorf("create socket dir: %w", err)
		}
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	ln = netutil.LimitListener(ln, s.cfg.MaxClients)
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.mu.Unlock()

	ctx := context.Background()
	if err := s.network.Listen(ctx); err != nil {
		_ = ln.Close()
		return fmt.Errorf("swarm listen: %w", err)
	}
	if err := s.manager.Rejoin(ctx); err != nil {
		s.logger.Warn("server.rejoin.failed", "error", err)
	}
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("listening",
		"network", s.cfg.ListenProto,
		"address", ln.Addr().String(),
		"memory_only", s.cfg.MemoryOnly,
		"no_announce", s.cfg.NoAnnounce,
	)

	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

// Run starts the server and shuts it down when ctx ends or a client calls
// chainspace.stop.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(s.Start)
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.stopCh:
			s.logger.Info("server.stop.requested")
		}
		sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(sctx)
	})
	return g.Wait()
}

// Stopped is closed once a client requested the daemon to stop.
func (s *Server) Stopped() <-chan struct{} { return s.stopCh }

func (s *Server) requestStop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// WaitUntilReady blocks until Start is serving or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting connections, tears every session down and
// closes the collaborators. It is idempotent.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()
	s.logger.Info("server.shutdown.begin")

	var errs error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = multierr.Append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.rpc.Close(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("rpc close: %w", err))
	}
	errs = multierr.Append(errs, s.release(ctx))

	s.mu.Lock()
	socket := s.socketPath
	s.mu.Unlock()
	if socket != "" {
		if err := os.Remove(socket); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		s.logger.Warn("server.shutdown.failed", "error", errs)
		return errs
	}
	s.logger.Info("server.shutdown.complete")
	return nil
}

// Close shuts the server down with the configured timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// release closes whatever NewServer managed to build, in reverse order.
func (s *Server) release(ctx context.Context) error {
	var errs error
	if s.manager != nil {
		errs = multierr.Append(errs, s.manager.Close())
	}
	if s.network != nil {
		errs = multierr.Append(errs, s.network.Close())
	}
	if s.store != nil {
		errs = multierr.Append(errs, s.store.Close())
	}
	if s.netcfg != nil {
		errs = multierr.Append(errs, s.netcfg.Close())
	}
	if s.telemetry != nil {
		tctx := ctx
		if tctx.Err() != nil {
			var cancel context.CancelFunc
			tctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		errs = multierr.Append(errs, s.telemetry.Shutdown(tctx))
	}
	return errs
}

// StartServer runs a server in the background and waits until it listens.
// The returned stop function shuts it down and reports serve errors; it is
// also invoked when ctx ends.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	ready := make(chan error, 1)
	go func() { ready <- srv.WaitUntilReady(ctx) }()
	select {
	case err := <-ready:
		if err != nil {
			_ = srv.Close()
			<-errCh
			return nil, nil, err
		}
	case err := <-errCh:
		_ = srv.Close()
		if err == nil {
			err = errors.New("chainspace: server stopped before it was ready")
		}
		return nil, nil, err
	}

	var (
		once    sync.Once
		stopErr error
		stopped = make(chan struct{})
	)
	stop := func(sctx context.Context) error {
		once.Do(func() {
			defer close(stopped)
			stopErr = srv.Shutdown(sctx)
			if err := <-errCh; err != nil {
				stopErr = multierr.Append(stopErr, err)
			}
		})
		return stopErr
	}
	go func() {
		select {
		case <-ctx.Done():
		case <-srv.Stopped():
		case <-stopped:
			return
		}
		_ = stop(context.Background())
	}()
	return srv, stop, nil
}

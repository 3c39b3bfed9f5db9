package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/chainspace/api"
)

// Notifier delivers one-way notifications to a session's client.
type Notifier interface {
	Notify(method string, params any) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(method string, params any) error

func (f NotifierFunc) Notify(method string, params any) error { return f(method, params) }

// pendingCall finishes a request whose non-blocking prefix already ran.
type pendingCall func() (any, error)

type handlerFunc func(ctx context.Context, params json.RawMessage) pendingCall

func settled(result any, err error) pendingCall {
	return func() (any, error) { return result, err }
}

// Session is the server side of one client connection.
type Session struct {
	id      string
	manager *Manager
	logger  pslog.Logger
	tracer  trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc

	State      *State
	Chainstore *ChainstoreService
	Unichain   *UnichainService
	Network    *NetworkService

	handlers  map[string]handlerFunc
	closeOnce sync.Once
}

// ID returns the session identifier, also used as its lock owner token.
func (s *Session) ID() string { return s.id }

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context { return s.ctx }

// Start runs the part of method that precedes its first wait on the
// caller's goroutine and returns the remainder, which must be called exactly
// once. Requests started in arrival order register their resources in that
// order, so a cancel or undownload always finds the call it names.
func (s *Session) Start(ctx context.Context, method string, params json.RawMessage) func() (any, error) {
	begin := time.Now()
	ctx, stop := s.bind(ctx)
	ctx, span := s.tracer.Start(ctx, method, trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		attribute.String("chainspace.session", s.id),
		attribute.String("chainspace.rpc.method", method),
	)

	var pending pendingCall
	if h, ok := s.handlers[method]; ok {
		pending = h(ctx, params)
	} else {
		pending = settled(nil, Failure{Code: api.CodeUnknownMethod, Detail: method})
	}

	return func() (any, error) {
		defer stop()
		defer span.End()
		result, err := pending()
		code := ""
		if err != nil {
			f := toFailure(err)
			err = f
			code = f.Code
			span.RecordError(err)
			span.SetStatus(codes.Error, f.Code)
			s.logger.Debug("session.rpc.error", "method", method, "code", f.Code, "detail", f.Detail, "elapsed", time.Since(begin))
		} else {
			span.SetStatus(codes.Ok, "")
			s.logger.Trace("session.rpc.ok", "method", method, "elapsed", time.Since(begin))
		}
		s.manager.metrics.recordCall(ctx, method, code, time.Since(begin))
		return result, err
	}
}

// Handle runs method to completion. Errors are always Failures.
func (s *Session) Handle(ctx context.Context, method string, params json.RawMessage) (any, error) {
	return s.Start(ctx, method, params)()
}

// bind derives a context cancelled by either ctx or the session.
func (s *Session) bind(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Close tears the session down: every resource is released, every handle
// unpinned, and blocked calls are cancelled. Release failures are logged.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		if err := s.State.DeleteAll(); err != nil {
			s.logger.Debug("session.teardown.release_failed", "error", err)
		}
		s.manager.forget(s)
		s.logger.Info("session.closed")
	})
	return nil
}

func (s *Session) registerHandlers() {
	cs, uc, nw := s.Chainstore, s.Unichain, s.Network
	s.handlers = map[string]handlerFunc{
		api.MethodStatus: call(func(context.Context, api.Empty) (api.StatusResponse, error) {
			return s.manager.Status(), nil
		}),
		api.MethodStop: call(func(context.Context, api.Empty) (api.Empty, error) {
			return api.Empty{}, s.manager.requestStop()
		}),

		api.MethodOpen: blocking(cs.Open),

		api.MethodGet:                 staged(uc.startGet),
		api.MethodCancel:              call(uc.Cancel),
		api.MethodAppend:              call(uc.Append),
		api.MethodUpdate:              blocking(uc.Update),
		api.MethodSeek:                blocking(uc.Seek),
		api.MethodHas:                 blocking(uc.Has),
		api.MethodDownload:            staged(uc.startDownload),
		api.MethodUndownload:          call(uc.Undownload),
		api.MethodRegisterExtension:   call(uc.RegisterExtension),
		api.MethodUnregisterExtension: call(uc.UnregisterExtension),
		api.MethodSendExtension:       call(uc.SendExtension),
		api.MethodDownloaded:          call(uc.Downloaded),
		api.MethodAcquireLock:         staged(uc.startAcquireLock),
		api.MethodReleaseLock:         call(uc.ReleaseLock),
		api.MethodWatchDownloads:      call(uc.WatchDownloads),
		api.MethodUnwatchDownloads:    call(uc.UnwatchDownloads),
		api.MethodWatchUploads:        call(uc.WatchUploads),
		api.MethodUnwatchUploads:      call(uc.UnwatchUploads),
		api.MethodClose:               call(uc.Close),

		api.MethodConfigure:            blocking(nw.Configure),
		api.MethodGetConfiguration:     blocking(nw.GetConfiguration),
		api.MethodGetAllConfigurations: blocking(nw.GetAllConfigurations),
	}
}

func decode[Req any](params json.RawMessage) (Req, error) {
	var req Req
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &req); err != nil {
			return req, failure(ErrInvalidArgument, "decode params: %v", err)
		}
	}
	return req, nil
}

// call runs fn entirely in the start phase; fn must not block.
func call[Req, Resp any](fn func(context.Context, Req) (Resp, error)) handlerFunc {
	return func(ctx context.Context, params json.RawMessage) pendingCall {
		req, err := decode[Req](params)
		if err != nil {
			return settled(nil, err)
		}
		resp, err := fn(ctx, req)
		return settled(resp, err)
	}
}

// blocking defers all of fn to the wait phase.
func blocking[Req, Resp any](fn func(context.Context, Req) (Resp, error)) handlerFunc {
	return func(ctx context.Context, params json.RawMessage) pendingCall {
		req, err := decode[Req](params)
		if err != nil {
			return settled(nil, err)
		}
		return func() (any, error) { return fn(ctx, req) }
	}
}

// staged runs start in the start phase and the wait it returns later.
func staged[Req, Resp any](start func(context.Context, Req) (func() (Resp, error), error)) handlerFunc {
	return func(ctx context.Context, params json.RawMessage) pendingCall {
		req, err := decode[Req](params)
		if err != nil {
			return settled(nil, err)
		}
		wait, err := start(ctx, req)
		if err != nil {
			return settled(nil, err)
		}
		return func() (any, error) { return wait() }
	}
}

func newTracer() trace.Tracer {
	return otel.Tracer("pkt.systems/chainspace/rpc")
}

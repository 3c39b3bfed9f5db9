package session

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type sessionMetrics struct {
	activeSessions metric.Int64UpDownCounter
	calls          metric.Int64Counter
	callDuration   metric.Int64Histogram
	lockWait       metric.Int64Histogram
	pinnedGauge    metric.Int64ObservableGauge
	pinned         atomic.Int64
}

func newSessionMetrics(logger pslog.Logger) *sessionMetrics {
	meter := otel.Meter("pkt.systems/chainspace/session")
	m := &sessionMetrics{}
	var err error

	m.activeSessions, err = meter.Int64UpDownCounter(
		"chainspace.session.active",
		metric.WithDescription("Connected client sessions"),
	)
	logMetricInitError(logger, "chainspace.session.active", err)

	m.calls, err = meter.Int64Counter(
		"chainspace.rpc.calls",
		metric.WithDescription("RPC calls handled"),
	)
	logMetricInitError(logger, "chainspace.rpc.calls", err)

	m.callDuration, err = meter.Int64Histogram(
		"chainspace.rpc.duration_ms",
		metric.WithDescription("RPC call duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "chainspace.rpc.duration_ms", err)

	m.lockWait, err = meter.Int64Histogram(
		"chainspace.lock.wait_ms",
		metric.WithDescription("Time spent waiting for an exclusive chain lock"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "chainspace.lock.wait_ms", err)

	m.pinnedGauge, err = meter.Int64ObservableGauge(
		"chainspace.chain.pinned",
		metric.WithDescription("Strong chain handles held by sessions"),
	)
	logMetricInitError(logger, "chainspace.chain.pinned", err)

	if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		if m.pinnedGauge != nil {
			o.ObserveInt64(m.pinnedGauge, m.pinned.Load())
		}
		return nil
	}, m.pinnedGauge); err != nil && logger != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "chainspace.chain.pinned", "error", err)
	}
	return m
}

func (m *sessionMetrics) addSession(delta int64) {
	if m == nil || m.activeSessions == nil {
		return
	}
	m.activeSessions.Add(context.Background(), delta)
}

func (m *sessionMetrics) addPinned(delta int) {
	if m == nil {
		return
	}
	m.pinned.Add(int64(delta))
}

func (m *sessionMetrics) recordCall(ctx context.Context, method, code string, duration time.Duration) {
	if m == nil {
		return
	}
	if code == "" {
		code = "ok"
	}
	attrs := metric.WithAttributes(
		attribute.String("chainspace.rpc.method", method),
		attribute.String("chainspace.rpc.code", code),
	)
	if m.calls != nil {
		m.calls.Add(ctx, 1, attrs)
	}
	if m.callDuration != nil {
		m.callDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
}

func (m *sessionMetrics) recordLockWait(ctx context.Context, duration time.Duration, err error) {
	if m == nil || m.lockWait == nil {
		return
	}
	result := "acquired"
	if err != nil {
		result = "error"
	}
	m.lockWait.Record(ctx, duration.Milliseconds(), metric.WithAttributes(attribute.String("chainspace.lock.result", result)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

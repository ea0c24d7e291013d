package acquirer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradefeed/errs"
	"github.com/coachpo/tradefeed/internal/infra/breaker"
	"github.com/coachpo/tradefeed/internal/infra/telemetry"
)

type metrics struct {
	environment string

	attempts     metric.Int64Counter
	latency      metric.Float64Histogram
	breakerState metric.Int64ObservableGauge
}

func newMetrics(br *breaker.Breaker) *metrics {
	meter := otel.Meter("acquirer")
	m := &metrics{environment: telemetry.Environment()}

	m.attempts, _ = meter.Int64Counter(telemetry.MetricSourceAttempts,
		metric.WithDescription("Pull-source fetch attempts by source and result"),
		metric.WithUnit("{attempt}"))

	m.latency, _ = meter.Float64Histogram(telemetry.MetricSourceLatency,
		metric.WithDescription("Pull-source fetch latency"),
		metric.WithUnit("ms"))

	if br != nil {
		m.breakerState, _ = meter.Int64ObservableGauge(telemetry.MetricBreakerState,
			metric.WithDescription("Snapshot circuit breaker state (0 closed, 1 open, 2 half-open)"),
			metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
				observer.Observe(int64(br.Stats().State),
					metric.WithAttributes(telemetry.AttrEnvironment.String(m.environment)))
				return nil
			}))
	}
	return m
}

func (m *metrics) recordAttempt(ctx context.Context, source string, latency time.Duration, err error) {
	if m == nil || m.attempts == nil {
		return
	}
	result := telemetry.ResultFromError(string(errs.CodeOf(err)), err)
	attrs := telemetry.SourceAttributes(m.environment, source, result)
	m.attempts.Add(ctx, 1, metric.WithAttributes(attrs...))
	if m.latency != nil {
		m.latency.Record(ctx, float64(latency.Milliseconds()),
			metric.WithAttributes(telemetry.SourceAttributes(m.environment, source, "")...))
	}
}

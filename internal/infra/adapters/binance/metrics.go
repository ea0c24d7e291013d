package binance

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradefeed/errs"
	"github.com/coachpo/tradefeed/internal/infra/telemetry"
)

type restMetrics struct {
	environment string
	provider    string

	requests metric.Int64Counter
	latency  metric.Float64Histogram
	throttle metric.Float64Histogram
}

func newRESTMetrics(provider string) *restMetrics {
	meter := otel.Meter("adapter.binance")
	rm := &restMetrics{
		environment: telemetry.Environment(),
		provider:    providerName(provider),
	}
	rm.requests, _ = meter.Int64Counter(telemetry.MetricRESTRequests,
		metric.WithDescription("Binance REST requests by endpoint and result"),
		metric.WithUnit("{request}"))
	rm.latency, _ = meter.Float64Histogram("tradefeed_rest_latency",
		metric.WithDescription("Binance REST round-trip latency"),
		metric.WithUnit("ms"))
	rm.throttle, _ = meter.Float64Histogram("tradefeed_rest_throttle_wait",
		metric.WithDescription("Time spent waiting on the local request rate limiter"),
		metric.WithUnit("ms"))
	return rm
}

func (rm *restMetrics) recordRequest(ctx context.Context, endpoint string, latency time.Duration, err error) {
	if rm == nil || rm.requests == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := []attribute.KeyValue{
		telemetry.AttrEnvironment.String(rm.environment),
		telemetry.AttrProvider.String(rm.provider),
		telemetry.AttrEndpoint.String(endpoint),
		telemetry.AttrResult.String(telemetry.ResultFromError(string(errs.CodeOf(err)), err)),
	}
	rm.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
	if rm.latency != nil {
		rm.latency.Record(ctx, float64(latency.Milliseconds()), metric.WithAttributes(attrs[:3]...))
	}
}

func (rm *restMetrics) recordThrottle(ctx context.Context, waited time.Duration) {
	if rm == nil || rm.throttle == nil || waited <= 0 {
		return
	}
	ctx = ensureContext(ctx)
	rm.throttle.Record(ctx, float64(waited.Milliseconds()), metric.WithAttributes(
		telemetry.AttrEnvironment.String(rm.environment),
		telemetry.AttrProvider.String(rm.provider),
	))
}

type streamMetrics struct {
	environment string
	provider    string
	stream      string

	reconnects       metric.Int64Counter
	messagesReceived metric.Int64Counter
	messageBytes     metric.Int64Histogram
	pingLatency      metric.Float64Histogram
	subscriptions    metric.Int64UpDownCounter
}

func newStreamMetrics(provider, stream string) *streamMetrics {
	meter := otel.Meter("adapter.binance")
	sm := &streamMetrics{
		environment: telemetry.Environment(),
		provider:    providerName(provider),
		stream:      stream,
	}

	sm.reconnects, _ = meter.Int64Counter(telemetry.MetricStreamReconnect,
		metric.WithDescription("Number of Binance websocket reconnect attempts"),
		metric.WithUnit("{reconnect}"))

	sm.messagesReceived, _ = meter.Int64Counter(telemetry.MetricStreamMessages,
		metric.WithDescription("Stream messages received from Binance websocket connections"),
		metric.WithUnit("{message}"))

	sm.messageBytes, _ = meter.Int64Histogram("tradefeed_stream_message_bytes",
		metric.WithDescription("Size of Binance websocket stream messages"),
		metric.WithUnit("By"))

	sm.pingLatency, _ = meter.Float64Histogram("tradefeed_stream_ping_latency",
		metric.WithDescription("Latency of ping frames on Binance websocket connections"),
		metric.WithUnit("ms"))

	sm.subscriptions, _ = meter.Int64UpDownCounter("tradefeed_stream_open_connections",
		metric.WithDescription("Open Binance websocket connections"),
		metric.WithUnit("{stream}"))

	return sm
}

func (sm *streamMetrics) baseAttrs() []attribute.KeyValue {
	if sm == nil {
		return nil
	}
	return telemetry.StreamAttributes(sm.environment, sm.provider, sm.stream, "")
}

func (sm *streamMetrics) recordReconnect(ctx context.Context, result string) {
	if sm == nil || sm.reconnects == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := sm.baseAttrs()
	if result != "" {
		attrs = append(attrs, telemetry.AttrResult.String(result))
	}
	sm.reconnects.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (sm *streamMetrics) recordMessage(ctx context.Context, messageType string, bytes int) {
	if sm == nil || sm.messagesReceived == nil || sm.messageBytes == nil || bytes <= 0 {
		return
	}
	ctx = ensureContext(ctx)
	attrs := sm.baseAttrs()
	if messageType != "" {
		attrs = append(attrs, telemetry.AttrMessageType.String(messageType))
	}
	sm.messagesReceived.Add(ctx, 1, metric.WithAttributes(attrs...))
	sm.messageBytes.Record(ctx, int64(bytes), metric.WithAttributes(sm.baseAttrs()...))
}

func (sm *streamMetrics) recordPing(ctx context.Context, latency time.Duration, result string) {
	if sm == nil || sm.pingLatency == nil {
		return
	}
	ctx = ensureContext(ctx)
	if latency < 0 {
		latency = 0
	}
	attrs := sm.baseAttrs()
	if result != "" {
		attrs = append(attrs, telemetry.AttrResult.String(result))
	}
	sm.pingLatency.Record(ctx, float64(latency.Milliseconds()), metric.WithAttributes(attrs...))
}

func (sm *streamMetrics) adjustConnections(ctx context.Context, delta int) {
	if sm == nil || sm.subscriptions == nil || delta == 0 {
		return
	}
	ctx = ensureContext(ctx)
	sm.subscriptions.Add(ctx, int64(delta), metric.WithAttributes(sm.baseAttrs()...))
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func providerName(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return binanceMetadata.identifier
}

// classifyStreamError maps a stream failure to a low-cardinality reason label.
func classifyStreamError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return "context_canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if code := errs.CodeOf(err); code != "" {
		return string(code)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "dial"):
		return "dial_error"
	case strings.Contains(msg, "status = "), strings.Contains(msg, "remote closed"):
		return "remote_closed"
	case strings.Contains(msg, "ping"):
		return "ping_timeout"
	case strings.Contains(msg, "eof"):
		return "connection_closed"
	default:
		return "websocket_error"
	}
}

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Instrument names shared across packages.
const (
	MetricSourceAttempts  = "tradefeed_source_attempts"
	MetricSourceLatency   = "tradefeed_source_latency"
	MetricBreakerState    = "tradefeed_breaker_state"
	MetricStreamReconnect = "tradefeed_stream_reconnects"
	MetricStreamMessages  = "tradefeed_stream_messages"
	MetricRESTRequests    = "tradefeed_rest_requests"
)

// Attribute keys, following namespace.attribute_name.
const (
	AttrEnvironment     = attribute.Key("environment")
	AttrEventType       = attribute.Key("event.type")
	AttrProvider        = attribute.Key("provider")
	AttrSource          = attribute.Key("source")
	AttrSymbol          = attribute.Key("symbol")
	AttrStream          = attribute.Key("stream")
	AttrMessageType     = attribute.Key("message.type")
	AttrEndpoint        = attribute.Key("endpoint")
	AttrOperation       = attribute.Key("operation")
	AttrResult          = attribute.Key("result")
	AttrErrorType       = attribute.Key("error.type")
	AttrSubscriber      = attribute.Key("subscriber")
	AttrConnectionState = attribute.Key("connection.state")
	AttrPoolName        = attribute.Key("pool.name")
)

// SourceAttributes labels pull-source attempt metrics.
func SourceAttributes(environment, source, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSource.String(source),
	}
	if result != "" {
		attrs = append(attrs, AttrResult.String(result))
	}
	return attrs
}

// StreamAttributes labels websocket metrics.
func StreamAttributes(environment, provider, stream, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrProvider.String(provider),
		AttrStream.String(stream),
	}
	if result != "" {
		attrs = append(attrs, AttrResult.String(result))
	}
	return attrs
}

// EventAttributes labels event bus metrics.
func EventAttributes(environment, eventType, source, symbol string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
		AttrProvider.String(source),
	}
	if symbol != "" {
		attrs = append(attrs, AttrSymbol.String(symbol))
	}
	return attrs
}

// OperationResultAttributes labels an operation with its outcome.
func OperationResultAttributes(environment, provider, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrProvider.String(provider),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// ResultFromError maps err to a low-cardinality result label.
func ResultFromError(code string, err error) string {
	if err == nil {
		return "success"
	}
	if code == "" {
		return "error"
	}
	return code
}

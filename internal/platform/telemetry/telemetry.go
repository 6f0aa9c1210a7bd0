package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// ShutdownFunc releases telemetry resources.
type ShutdownFunc func(ctx context.Context) error

// Setup initializes OpenTelemetry with a Prometheus exporter.
// Returns a shutdown function that must be called on exit.
func Setup(ctx context.Context, serviceName string) (ShutdownFunc, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	return provider.Shutdown, nil
}

// MetricsHandler returns an http.Handler that serves Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Metrics holds all OTel instruments for the server. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	httpRequestsTotal       otelmetric.Int64Counter
	httpRequestDuration     otelmetric.Float64Histogram
	errorsTotal             otelmetric.Int64Counter
	rateLimitDecisionsTotal otelmetric.Int64Counter
	wsConnections           otelmetric.Int64UpDownCounter
	wsEventsTotal           otelmetric.Int64Counter
	busMessagesTotal        otelmetric.Int64Counter
	storeReconnectsTotal    otelmetric.Int64Counter
}

// NewMetrics creates and registers all server metrics.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("chatty")
	m := &Metrics{}
	var err error

	latencyBuckets := otelmetric.WithExplicitBucketBoundaries(
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
	)

	if m.httpRequestsTotal, err = meter.Int64Counter("chatty_http_requests_total",
		otelmetric.WithDescription("Total HTTP requests")); err != nil {
		return nil, fmt.Errorf("creating http_requests_total: %w", err)
	}
	if m.httpRequestDuration, err = meter.Float64Histogram("chatty_http_request_duration_seconds",
		otelmetric.WithDescription("HTTP request duration"), latencyBuckets); err != nil {
		return nil, fmt.Errorf("creating http_request_duration: %w", err)
	}
	if m.errorsTotal, err = meter.Int64Counter("chatty_errors_total",
		otelmetric.WithDescription("Errors handled by the error boundary")); err != nil {
		return nil, fmt.Errorf("creating errors_total: %w", err)
	}
	if m.rateLimitDecisionsTotal, err = meter.Int64Counter("chatty_ratelimit_decisions_total",
		otelmetric.WithDescription("Total rate limit decisions")); err != nil {
		return nil, fmt.Errorf("creating ratelimit_decisions_total: %w", err)
	}
	if m.wsConnections, err = meter.Int64UpDownCounter("chatty_ws_connections",
		otelmetric.WithDescription("Live WebSocket connections")); err != nil {
		return nil, fmt.Errorf("creating ws_connections: %w", err)
	}
	if m.wsEventsTotal, err = meter.Int64Counter("chatty_ws_events_total",
		otelmetric.WithDescription("WebSocket events by direction")); err != nil {
		return nil, fmt.Errorf("creating ws_events_total: %w", err)
	}
	if m.busMessagesTotal, err = meter.Int64Counter("chatty_bus_messages_total",
		otelmetric.WithDescription("Broadcast bus messages by direction and result")); err != nil {
		return nil, fmt.Errorf("creating bus_messages_total: %w", err)
	}
	if m.storeReconnectsTotal, err = meter.Int64Counter("chatty_store_reconnects_total",
		otelmetric.WithDescription("Store reconnect attempts")); err != nil {
		return nil, fmt.Errorf("creating store_reconnects_total: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, durationSec float64) {
	if m == nil {
		return
	}
	attrs := otelmetric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(status),
	)
	m.httpRequestsTotal.Add(ctx, 1, attrs)
	m.httpRequestDuration.Record(ctx, durationSec, attrs)
}

// RecordError records an error that reached the error boundary.
func (m *Metrics) RecordError(ctx context.Context, kind string, status int) {
	if m == nil {
		return
	}
	m.errorsTotal.Add(ctx, 1, otelmetric.WithAttributes(kindAttr(kind), statusAttr(status)))
}

// RecordRateLimitDecision records a rate limit decision.
func (m *Metrics) RecordRateLimitDecision(ctx context.Context, scope, result string) {
	if m == nil {
		return
	}
	m.rateLimitDecisionsTotal.Add(ctx, 1, otelmetric.WithAttributes(
		scopeAttr(scope),
		resultAttr(result),
	))
}

// AddConnections adjusts the live connection gauge by delta.
func (m *Metrics) AddConnections(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.wsConnections.Add(ctx, delta)
}

// RecordEvent records a WebSocket event; direction is "in" or "out".
func (m *Metrics) RecordEvent(ctx context.Context, direction string) {
	if m == nil {
		return
	}
	m.wsEventsTotal.Add(ctx, 1, otelmetric.WithAttributes(directionAttr(direction)))
}

// RecordBusMessage records a bus publish ("out") or delivery ("in").
func (m *Metrics) RecordBusMessage(ctx context.Context, direction, result string) {
	if m == nil {
		return
	}
	m.busMessagesTotal.Add(ctx, 1, otelmetric.WithAttributes(
		directionAttr(direction),
		resultAttr(result),
	))
}

// RecordStoreReconnect records a store reconnect attempt.
func (m *Metrics) RecordStoreReconnect(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.storeReconnectsTotal.Add(ctx, 1, otelmetric.WithAttributes(resultAttr(result)))
}

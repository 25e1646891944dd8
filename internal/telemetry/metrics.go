package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	RequestCounter      metric.Int64Counter
	RequestDuration     metric.Float64Histogram
	PipelineDuration    metric.Float64Histogram
	EntitiesDetected    metric.Int64Counter
	ChunksProcessed     metric.Int64Counter
	CircuitBreakerState metric.Int64Counter
}

// InitMetrics initializes all application metrics
func InitMetrics() (*Metrics, error) {
	meter := otel.Meter(ServiceName)

	requestCounter, err := meter.Int64Counter(
		"http.requests.total",
		metric.WithDescription("Total HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	requestDuration, err := meter.Float64Histogram(
		"http.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	pipelineDuration, err := meter.Float64Histogram(
		"redaction.pipeline.duration",
		metric.WithDescription("End-to-end redaction pipeline duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	entitiesDetected, err := meter.Int64Counter(
		"redaction.entities.detected",
		metric.WithDescription("PII entities reported by the detection service"),
	)
	if err != nil {
		return nil, err
	}

	chunksProcessed, err := meter.Int64Counter(
		"redaction.chunks.processed",
		metric.WithDescription("Text chunks submitted to the detection service"),
	)
	if err != nil {
		return nil, err
	}

	circuitBreakerState, err := meter.Int64Counter(
		"circuit_breaker.state_changes",
		metric.WithDescription("Circuit breaker state changes"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		RequestCounter:      requestCounter,
		RequestDuration:     requestDuration,
		PipelineDuration:    pipelineDuration,
		EntitiesDetected:    entitiesDetected,
		ChunksProcessed:     chunksProcessed,
		CircuitBreakerState: circuitBreakerState,
	}, nil
}

// RecordRequest records HTTP request metrics
func (m *Metrics) RecordRequest(method, path, status string, duration float64) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("http.method", method),
		attribute.String("http.path", path),
		attribute.String("http.status", status),
	}

	m.RequestCounter.Add(context.Background(), 1, metric.WithAttributes(attrs...))
	m.RequestDuration.Record(context.Background(), duration, metric.WithAttributes(attrs...))
}

// RecordPipeline records one finished pipeline run
func (m *Metrics) RecordPipeline(ctx context.Context, format, outcome string, duration float64) {
	if m == nil {
		return
	}
	m.PipelineDuration.Record(ctx, duration, metric.WithAttributes(
		attribute.String("document.format", format),
		attribute.String("pipeline.outcome", outcome),
	))
}

// RecordEntities records detected entity counts per kind
func (m *Metrics) RecordEntities(ctx context.Context, counts map[string]int) {
	if m == nil {
		return
	}
	for kind, n := range counts {
		m.EntitiesDetected.Add(ctx, int64(n), metric.WithAttributes(attribute.String("entity.kind", kind)))
	}
}

// RecordChunks records the number of chunks sent to detection
func (m *Metrics) RecordChunks(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.ChunksProcessed.Add(ctx, int64(n))
}

// RecordCircuitBreakerState records circuit breaker state changes
func (m *Metrics) RecordCircuitBreakerState(service, state string) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("service", service),
		attribute.String("state", state),
	}

	m.CircuitBreakerState.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

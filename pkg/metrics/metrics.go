// Package metrics records pipeline metrics through OpenTelemetry.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Event outcomes.
const (
	OutcomePublished   = "published"
	OutcomeEmpty       = "empty"
	OutcomeDecodeError = "decode_error"
	OutcomeDetectError = "detect_error"
	OutcomePanic       = "panic"
)

// Recorder records pipeline metrics.
// Use New() for OTel metrics or Noop{} when disabled.
type Recorder interface {
	// RecordEvent records one processed image event.
	RecordEvent(ctx context.Context, outcome string, duration time.Duration)

	// RecordMarkers records how many markers were published and skipped in one event.
	RecordMarkers(ctx context.Context, published, skipped int)

	// RecordTransformFallback records a reference transform replaced by identity.
	RecordTransformFallback(ctx context.Context)

	// RecordDroppedEvent records an event discarded because the queue was full.
	RecordDroppedEvent(ctx context.Context)
}

type otelMetrics struct {
	events    metric.Int64Counter
	latency   metric.Float64Histogram
	published metric.Int64Counter
	skipped   metric.Int64Counter
	fallbacks metric.Int64Counter
	dropped   metric.Int64Counter
}

// NewWithMeter creates a recorder on meter.
func NewWithMeter(meter metric.Meter) (Recorder, error) {
	events, err := meter.Int64Counter("fiducial.events",
		metric.WithDescription("Number of image events processed"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Float64Histogram("fiducial.event.latency_ms",
		metric.WithDescription("Image event processing latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	published, err := meter.Int64Counter("fiducial.markers.published",
		metric.WithDescription("Number of marker poses published"),
	)
	if err != nil {
		return nil, err
	}

	skipped, err := meter.Int64Counter("fiducial.markers.skipped",
		metric.WithDescription("Number of markers skipped for invalid geometry"),
	)
	if err != nil {
		return nil, err
	}

	fallbacks, err := meter.Int64Counter("fiducial.transform.fallbacks",
		metric.WithDescription("Number of events that used identity for an unavailable reference transform"),
	)
	if err != nil {
		return nil, err
	}

	dropped, err := meter.Int64Counter("fiducial.events.dropped",
		metric.WithDescription("Number of image events dropped on a full queue"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		events:    events,
		latency:   latency,
		published: published,
		skipped:   skipped,
		fallbacks: fallbacks,
		dropped:   dropped,
	}, nil
}

// New returns a Recorder on the global OTel meter provider.
// If initialization fails, returns a no-op recorder.
func New() Recorder {
	m, err := NewWithMeter(otel.Meter("fiducial"))
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return Noop{}
	}
	return m
}

func (m *otelMetrics) RecordEvent(ctx context.Context, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.events.Add(ctx, 1, attrs)
	m.latency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
}

func (m *otelMetrics) RecordMarkers(ctx context.Context, published, skipped int) {
	if published > 0 {
		m.published.Add(ctx, int64(published))
	}
	if skipped > 0 {
		m.skipped.Add(ctx, int64(skipped))
	}
}

func (m *otelMetrics) RecordTransformFallback(ctx context.Context) {
	m.fallbacks.Add(ctx, 1)
}

func (m *otelMetrics) RecordDroppedEvent(ctx context.Context) {
	m.dropped.Add(ctx, 1)
}

// Noop discards all metrics.
type Noop struct{}

func (Noop) RecordEvent(context.Context, string, time.Duration) {}
func (Noop) RecordMarkers(context.Context, int, int)            {}
func (Noop) RecordTransformFallback(context.Context)            {}
func (Noop) RecordDroppedEvent(context.Context)                 {}

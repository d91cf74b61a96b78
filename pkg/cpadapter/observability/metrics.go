package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records message bus and workflow metrics.
// Use NewMetricsRecorder() for OTel metrics, NewPrometheusRecorder for a
// Prometheus registry, or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordDelivery records a listener invocation.
	RecordDelivery(ctx context.Context, channel string, duration time.Duration, err error)

	// RecordDeadLetter records an envelope moved to the dead-letter channel.
	RecordDeadLetter(ctx context.Context, channel string)

	// RecordRendezvous records a correlation offer and whether it matched.
	RecordRendezvous(ctx context.Context, side string, matched bool)

	// RecordPull records a synchronous result pull.
	RecordPull(ctx context.Context, timedOut bool, duration time.Duration)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	deliveries      metric.Int64Counter
	deliveryLatency metric.Float64Histogram
	deliveryErrors  metric.Int64Counter
	deadLetters     metric.Int64Counter
	rendezvous      metric.Int64Counter
	pulls           metric.Int64Counter
	pullLatency     metric.Float64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("cpadapter")

	deliveries, err := meter.Int64Counter("cpadapter.bus.deliveries",
		metric.WithDescription("Number of listener invocations"),
	)
	if err != nil {
		return nil, err
	}

	deliveryLatency, err := meter.Float64Histogram("cpadapter.bus.delivery_latency_ms",
		metric.WithDescription("Listener latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	deliveryErrors, err := meter.Int64Counter("cpadapter.bus.delivery_errors",
		metric.WithDescription("Number of failed listener invocations"),
	)
	if err != nil {
		return nil, err
	}

	deadLetters, err := meter.Int64Counter("cpadapter.bus.dead_letters",
		metric.WithDescription("Number of envelopes moved to the dead-letter channel"),
	)
	if err != nil {
		return nil, err
	}

	rendezvous, err := meter.Int64Counter("cpadapter.exchange.offers",
		metric.WithDescription("Number of correlation offers"),
	)
	if err != nil {
		return nil, err
	}

	pulls, err := meter.Int64Counter("cpadapter.result.pulls",
		metric.WithDescription("Number of synchronous result pulls"),
	)
	if err != nil {
		return nil, err
	}

	pullLatency, err := meter.Float64Histogram("cpadapter.result.pull_latency_ms",
		metric.WithDescription("Time spent waiting for a result in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		deliveries:      deliveries,
		deliveryLatency: deliveryLatency,
		deliveryErrors:  deliveryErrors,
		deadLetters:     deadLetters,
		rendezvous:      rendezvous,
		pulls:           pulls,
		pullLatency:     pullLatency,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordDelivery records a listener invocation.
func (m *otelMetrics) RecordDelivery(ctx context.Context, channel string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("channel", channel))
	m.deliveries.Add(ctx, 1, attrs)
	m.deliveryLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err != nil {
		m.deliveryErrors.Add(ctx, 1, attrs)
	}
}

// RecordDeadLetter records a dead-lettered envelope.
func (m *otelMetrics) RecordDeadLetter(ctx context.Context, channel string) {
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}

// RecordRendezvous records a correlation offer.
func (m *otelMetrics) RecordRendezvous(ctx context.Context, side string, matched bool) {
	m.rendezvous.Add(ctx, 1, metric.WithAttributes(
		attribute.String("side", side),
		attribute.Bool("matched", matched),
	))
}

// RecordPull records a synchronous result pull.
func (m *otelMetrics) RecordPull(ctx context.Context, timedOut bool, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.Bool("timed_out", timedOut))
	m.pulls.Add(ctx, 1, attrs)
	m.pullLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cperrors "github.com/randalmurphal/cpadapter/pkg/cpadapter/errors"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/observability"
)

var (
	// ErrBusClosed is returned by Send after Close.
	ErrBusClosed = errors.New("messaging: bus closed")

	// ErrNoListener is returned when a channel has no listener.
	ErrNoListener = errors.New("messaging: no listener for channel")
)

// Bus sends envelopes to channels.
type Bus[P any] interface {
	// Send hands env to the listeners of ch. It returns once the envelope
	// is accepted, not once it is processed.
	Send(ctx context.Context, ch Channel, env *Envelope[P]) error

	// Close stops delivery and releases resources.
	Close() error
}

// Option configures a bus.
type Option func(*busOptions)

type busOptions struct {
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager

	// scheduler drives DurableBus polling.
	scheduler Scheduler
}

func defaultBusOptions() busOptions {
	return busOptions{
		logger:    slog.Default(),
		metrics:   observability.NoopMetrics{},
		spans:     observability.NoopSpanManager{},
		scheduler: TickerScheduler{},
	}
}

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *busOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(o *busOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithSpanManager enables delivery tracing.
func WithSpanManager(s observability.SpanManager) Option {
	return func(o *busOptions) {
		if s != nil {
			o.spans = s
		}
	}
}

// WithScheduler replaces the DurableBus poll scheduler.
func WithScheduler(s Scheduler) Option {
	return func(o *busOptions) {
		if s != nil {
			o.scheduler = s
		}
	}
}

// dispatcher invokes a channel's listeners with tracing, metrics and
// panic recovery. Both bus implementations deliver through it.
type dispatcher[P any] struct {
	registry *Registry[P]
	busOptions
}

func newDispatcher[P any](registry *Registry[P], o busOptions) *dispatcher[P] {
	return &dispatcher[P]{registry: registry, busOptions: o}
}

func (d *dispatcher[P]) dispatch(ctx context.Context, ch Channel, env *Envelope[P], attempt int) error {
	listeners := d.registry.Listeners(ch)
	if len(listeners) == 0 {
		return cperrors.Permanent(fmt.Errorf("%w: %s", ErrNoListener, ch), "dispatch")
	}

	ctx, span := d.spans.StartDeliverySpan(ctx, ch.String(), env.TraceID, attempt)
	start := time.Now()

	var errs []error
	for _, l := range listeners {
		if err := ChainMiddleware(l, RecoveryMiddleware[P]()).Process(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	elapsed := time.Since(start)

	d.spans.EndSpanWithError(span, err)
	d.metrics.RecordDelivery(ctx, ch.String(), elapsed, err)
	if err == nil {
		observability.LogDelivery(d.logger, env.TraceID, ch.String(), elapsed)
	}
	return err
}

package observability

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements MetricsRecorder with Prometheus collectors.
type PrometheusRecorder struct {
	deliveries      *prometheus.CounterVec
	deliveryErrors  *prometheus.CounterVec
	deliveryLatency *prometheus.HistogramVec
	deadLetters     *prometheus.CounterVec
	rendezvous      *prometheus.CounterVec
	pulls           *prometheus.CounterVec
}

// NewPrometheusRecorder creates collectors and registers them on reg.
// Registering twice on the same registry panics.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	r := &PrometheusRecorder{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cpadapter_deliveries_total",
			Help: "Total number of listener invocations",
		}, []string{"channel"}),
		deliveryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cpadapter_delivery_errors_total",
			Help: "Total number of failed listener invocations",
		}, []string{"channel"}),
		deliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cpadapter_delivery_duration_seconds",
			Help:    "Listener latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cpadapter_dead_letters_total",
			Help: "Total number of envelopes moved to the dead-letter channel",
		}, []string{"channel"}),
		rendezvous: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cpadapter_correlation_offers_total",
			Help: "Total number of correlation offers",
		}, []string{"side", "matched"}),
		pulls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cpadapter_result_pulls_total",
			Help: "Total number of synchronous result pulls",
		}, []string{"timed_out"}),
	}
	reg.MustRegister(r.deliveries, r.deliveryErrors, r.deliveryLatency, r.deadLetters, r.rendezvous, r.pulls)
	return r
}

// RecordDelivery implements MetricsRecorder.
func (r *PrometheusRecorder) RecordDelivery(_ context.Context, channel string, duration time.Duration, err error) {
	r.deliveries.WithLabelValues(channel).Inc()
	r.deliveryLatency.WithLabelValues(channel).Observe(duration.Seconds())
	if err != nil {
		r.deliveryErrors.WithLabelValues(channel).Inc()
	}
}

// RecordDeadLetter implements MetricsRecorder.
func (r *PrometheusRecorder) RecordDeadLetter(_ context.Context, channel string) {
	r.deadLetters.WithLabelValues(channel).Inc()
}

// RecordRendezvous implements MetricsRecorder.
func (r *PrometheusRecorder) RecordRendezvous(_ context.Context, side string, matched bool) {
	r.rendezvous.WithLabelValues(side, strconv.FormatBool(matched)).Inc()
}

// RecordPull implements MetricsRecorder.
func (r *PrometheusRecorder) RecordPull(_ context.Context, timedOut bool, _ time.Duration) {
	r.pulls.WithLabelValues(strconv.FormatBool(timedOut)).Inc()
}

// MultiRecorder fans out to several recorders.
type MultiRecorder []MetricsRecorder

// RecordDelivery implements MetricsRecorder.
func (m MultiRecorder) RecordDelivery(ctx context.Context, channel string, d time.Duration, err error) {
	for _, r := range m {
		r.RecordDelivery(ctx, channel, d, err)
	}
}

// RecordDeadLetter implements MetricsRecorder.
func (m MultiRecorder) RecordDeadLetter(ctx context.Context, channel string) {
	for _, r := range m {
		r.RecordDeadLetter(ctx, channel)
	}
}

// RecordRendezvous implements MetricsRecorder.
func (m MultiRecorder) RecordRendezvous(ctx context.Context, side string, matched bool) {
	for _, r := range m {
		r.RecordRendezvous(ctx, side, matched)
	}
}

// RecordPull implements MetricsRecorder.
func (m MultiRecorder) RecordPull(ctx context.Context, timedOut bool, d time.Duration) {
	for _, r := range m {
		r.RecordPull(ctx, timedOut, d)
	}
}

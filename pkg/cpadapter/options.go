package cpadapter

import (
	"log/slog"

	redis "github.com/redis/go-redis/v9"

	"github.com/randalmurphal/cpadapter/pkg/cpadapter/catalog"
	cperrors "github.com/randalmurphal/cpadapter/pkg/cpadapter/errors"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/expiring"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/messaging"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/observability"
)

// adapterConfig holds optional wiring for New.
type adapterConfig struct {
	logger       *slog.Logger
	metrics      observability.MetricsRecorder
	spans        observability.SpanManager
	scheduler    messaging.Scheduler
	redis        redis.UniversalClient
	catalogCache expiring.Cache[catalog.Snapshot]
	catalogRetry cperrors.RetryConfig
}

func defaultAdapterConfig() adapterConfig {
	return adapterConfig{
		logger:       slog.Default(),
		metrics:      observability.NoopMetrics{},
		spans:        observability.NoopSpanManager{},
		catalogRetry: cperrors.DefaultRetry,
	}
}

// Option configures an Adapter.
type Option func(*adapterConfig)

// WithLogger sets the logger passed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(c *adapterConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records bus, exchange and pull metrics.
//
// Example:
//
//	cpadapter.New(settings, collab, cpadapter.WithMetrics(observability.NewMetricsRecorder()))
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *adapterConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithSpanManager traces listener deliveries.
func WithSpanManager(s observability.SpanManager) Option {
	return func(c *adapterConfig) {
		if s != nil {
			c.spans = s
		}
	}
}

// WithScheduler replaces the poll scheduler of the durable bus.
func WithScheduler(s messaging.Scheduler) Option {
	return func(c *adapterConfig) { c.scheduler = s }
}

// WithRedisClient supplies the client used by the redis persistence
// driver instead of dialing Persistence.RedisAddr. The adapter does not
// close a supplied client.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(c *adapterConfig) { c.redis = client }
}

// WithCatalogCache replaces the in-process catalog cache.
func WithCatalogCache(cache expiring.Cache[catalog.Snapshot]) Option {
	return func(c *adapterConfig) { c.catalogCache = cache }
}

// WithCatalogRetry sets the retry policy for catalog page requests.
// Default: errors.DefaultRetry
func WithCatalogRetry(cfg cperrors.RetryConfig) Option {
	return func(c *adapterConfig) { c.catalogRetry = cfg }
}

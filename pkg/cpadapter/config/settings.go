package config

import (
	"errors"
	"fmt"
	"time"
)

// Persistence drivers.
const (
	DriverMemory = ""
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Settings is the resolved adapter configuration.
type Settings struct {
	// MessageRetries is the retry budget given to every new envelope.
	MessageRetries int

	// SyncPullTimeout bounds Pull when the caller gives no timeout.
	SyncPullTimeout time.Duration

	MemoryWorkers   int
	MemoryQueueSize int

	DurableWorkers      int
	MaxDeliveryAttempts int
	PollBatchSize       int
	PollInterval        time.Duration
	PollInitialDelay    time.Duration
	LeaseDuration       time.Duration

	CatalogTTL      time.Duration
	CatalogPageSize int
	// CatalogRequestTimeout bounds one catalog page request.
	CatalogRequestTimeout time.Duration

	ContractAgreementReuse bool

	// ResultRetention is how long an unclaimed result is kept before it is swept.
	ResultRetention time.Duration

	Persistence Persistence
}

// Persistence selects the durable backend.
type Persistence struct {
	Driver    string
	DSN       string
	RedisAddr string
}

// Durable reports whether a durable backend is configured.
func (p Persistence) Durable() bool {
	return p.Driver != DriverMemory
}

// Defaults returns the default settings.
func Defaults() Settings {
	return Settings{
		MessageRetries:         3,
		SyncPullTimeout:        20 * time.Second,
		MemoryWorkers:          10,
		MemoryQueueSize:        1000,
		DurableWorkers:         10,
		MaxDeliveryAttempts:    10,
		PollBatchSize:          10,
		PollInterval:           time.Second,
		PollInitialDelay:       5 * time.Second,
		LeaseDuration:          time.Minute,
		CatalogTTL:             180 * time.Second,
		CatalogPageSize:        100,
		CatalogRequestTimeout:  30 * time.Second,
		ContractAgreementReuse: true,
		ResultRetention:        5 * time.Minute,
	}
}

// Load resolves c against Defaults and validates the result.
func Load(c Config) (Settings, error) {
	d := Defaults()
	s := Settings{
		MessageRetries:         c.Int("messaging.retry_limit", d.MessageRetries),
		SyncPullTimeout:        c.Duration("sync.pull_timeout", d.SyncPullTimeout),
		MemoryWorkers:          c.Int("messaging.memory.workers", d.MemoryWorkers),
		MemoryQueueSize:        c.Int("messaging.memory.queue_size", d.MemoryQueueSize),
		DurableWorkers:         c.Int("messaging.durable.workers", d.DurableWorkers),
		MaxDeliveryAttempts:    c.Int("messaging.durable.max_delivery", d.MaxDeliveryAttempts),
		PollBatchSize:          c.Int("messaging.durable.batch_size", d.PollBatchSize),
		PollInterval:           c.Duration("messaging.durable.interval", d.PollInterval),
		PollInitialDelay:       c.Duration("messaging.durable.initial_delay", d.PollInitialDelay),
		LeaseDuration:          c.Duration("messaging.durable.lease", d.LeaseDuration),
		CatalogTTL:             c.Duration("catalog.expire_after", d.CatalogTTL),
		CatalogPageSize:        c.Int("catalog.request_limit", d.CatalogPageSize),
		CatalogRequestTimeout:  c.Duration("catalog.request_timeout", d.CatalogRequestTimeout),
		ContractAgreementReuse: c.Bool("contract.agreement_reuse", d.ContractAgreementReuse),
		ResultRetention:        c.Duration("result.retention", d.ResultRetention),
		Persistence: Persistence{
			Driver:    c.String("persistence.driver", ""),
			DSN:       c.String("persistence.dsn", ""),
			RedisAddr: c.String("persistence.redis_addr", ""),
		},
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks that every field is usable.
func (s Settings) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positiveDur := func(name string, v time.Duration) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, v))
		}
	}

	if s.MessageRetries < 0 {
		errs = append(errs, fmt.Errorf("messaging.retry_limit must not be negative, got %d", s.MessageRetries))
	}
	if s.PollInitialDelay < 0 {
		errs = append(errs, fmt.Errorf("messaging.durable.initial_delay must not be negative, got %s", s.PollInitialDelay))
	}
	positiveDur("sync.pull_timeout", s.SyncPullTimeout)
	positive("messaging.memory.workers", s.MemoryWorkers)
	positive("messaging.memory.queue_size", s.MemoryQueueSize)
	positive("messaging.durable.workers", s.DurableWorkers)
	positive("messaging.durable.max_delivery", s.MaxDeliveryAttempts)
	positive("messaging.durable.batch_size", s.PollBatchSize)
	positiveDur("messaging.durable.interval", s.PollInterval)
	positiveDur("messaging.durable.lease", s.LeaseDuration)
	positiveDur("catalog.expire_after", s.CatalogTTL)
	positive("catalog.request_limit", s.CatalogPageSize)
	positiveDur("catalog.request_timeout", s.CatalogRequestTimeout)
	positiveDur("result.retention", s.ResultRetention)

	switch s.Persistence.Driver {
	case DriverMemory:
	case DriverSQLite:
		if s.Persistence.DSN == "" {
			errs = append(errs, errors.New("persistence.dsn is required for the sqlite driver"))
		}
	case DriverRedis:
		if s.Persistence.RedisAddr == "" {
			errs = append(errs, errors.New("persistence.redis_addr is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown persistence.driver %q", s.Persistence.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid settings: %w", errors.Join(errs...))
	}
	return nil
}

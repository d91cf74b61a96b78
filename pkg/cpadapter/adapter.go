package cpadapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/cpadapter/pkg/cpadapter/catalog"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/config"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/exchange"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/messaging"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/model"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/process"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/queue"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/result"
)

// Collaborators are the external services the workflow calls.
type Collaborators struct {
	Agreements   process.AgreementService
	Negotiations process.NegotiationService
	Transfers    process.TransferInitiator
	Catalog      catalog.Fetcher
}

func (c Collaborators) validate() error {
	switch {
	case c.Agreements == nil:
		return fmt.Errorf("%w: Agreements", ErrMissingCollaborator)
	case c.Negotiations == nil:
		return fmt.Errorf("%w: Negotiations", ErrMissingCollaborator)
	case c.Transfers == nil:
		return fmt.Errorf("%w: Transfers", ErrMissingCollaborator)
	case c.Catalog == nil:
		return fmt.Errorf("%w: Catalog", ErrMissingCollaborator)
	}
	return nil
}

// Key prefixes and namespaces of the durable stores.
const (
	queuePrefix         = "cpadapter:queue"
	contractNamespace   = "contract"
	dataRefNamespace    = "data_reference"
	redisExchangePrefix = "cpadapter:exchange:"
	minJanitorInterval  = time.Second
)

// Adapter wires the bus, stores and workflow handlers together.
type Adapter struct {
	settings config.Settings
	logger   *slog.Logger

	bus     process.Bus
	durable *messaging.DurableBus[model.ProcessData]

	results       *process.ResultService
	handoff       *result.Handoff[model.ProcessData]
	confirmations *process.ConfirmationHandler
	dataRefs      *process.DataReferenceHandler

	// closers release persistence resources after the bus has stopped,
	// in reverse order of creation.
	closers []func() error

	mu          sync.Mutex
	started     bool
	closed      bool
	stopPolling context.CancelFunc
	stopJanitor context.CancelFunc
	janitorDone chan struct{}
}

// New builds an Adapter. The in-memory bus starts delivering and results
// nobody pulled are swept at once; call Start to begin durable polling.
func New(settings config.Settings, collab Collaborators, opts ...Option) (*Adapter, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	if err := collab.validate(); err != nil {
		return nil, err
	}
	cfg := defaultAdapterConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	a := &Adapter{
		settings: settings,
		logger:   cfg.logger,
		handoff:  result.New[model.ProcessData](),
	}

	registry := messaging.NewRegistry[model.ProcessData]()
	contractBackend, dataRefBackend, err := a.buildTransport(settings, cfg, registry)
	if err != nil {
		_ = a.closeResources()
		return nil, err
	}

	procOpts := []process.Option{process.WithLogger(cfg.logger), process.WithMetrics(cfg.metrics)}
	exOpts := func(name string) []exchange.Option {
		return []exchange.Option{exchange.WithName(name), exchange.WithLogger(cfg.logger), exchange.WithMetrics(cfg.metrics)}
	}

	catalogs := catalog.NewCachedRetriever(
		catalog.NewRetriever(collab.Catalog,
			catalog.WithPageSize(settings.CatalogPageSize),
			catalog.WithPageTimeout(settings.CatalogRequestTimeout),
			catalog.WithRetry(cfg.catalogRetry),
			catalog.WithLogger(cfg.logger)),
		settings.CatalogTTL,
		catalog.WithCache(cfg.catalogCache))

	a.results = process.NewResultService(a.handoff, settings.SyncPullTimeout, procOpts...)
	a.confirmations = process.NewConfirmationHandler(a.bus, collab.Negotiations,
		exchange.New[process.Envelope, model.ContractInfo](contractBackend, exOpts(contractNamespace)...), procOpts...)
	a.dataRefs = process.NewDataReferenceHandler(a.bus, collab.Transfers,
		exchange.New[process.Envelope, model.EndpointDataReference](dataRefBackend, exOpts(dataRefNamespace)...), procOpts...)

	registry.AddListener(messaging.ChannelInitial,
		process.NewNegotiationHandler(a.bus, collab.Agreements, collab.Negotiations, catalogs, procOpts...))
	registry.AddListener(messaging.ChannelContractConfirmation, a.confirmations)
	registry.AddListener(messaging.ChannelDataReference, a.dataRefs)
	registry.AddListener(messaging.ChannelResult, a.results)
	registry.AddListener(messaging.ChannelDLQ, process.NewErrorResultHandler(a.results, procOpts...))

	a.startJanitor()
	return a, nil
}

// startJanitor sweeps results older than the retention until Close.
func (a *Adapter) startJanitor() {
	ctx, cancel := context.WithCancel(context.Background())
	a.stopJanitor = cancel
	a.janitorDone = make(chan struct{})

	interval := a.settings.ResultRetention / 2
	if interval < minJanitorInterval {
		interval = minJanitorInterval
	}
	go func() {
		defer close(a.janitorDone)
		a.handoff.RunJanitor(ctx, interval, a.settings.ResultRetention)
	}()
}

// buildTransport creates the bus and the exchange backends for the
// configured persistence driver.
func (a *Adapter) buildTransport(s config.Settings, cfg adapterConfig, registry *messaging.Registry[model.ProcessData]) (exchange.Backend, exchange.Backend, error) {
	busOpts := []messaging.Option{
		messaging.WithLogger(cfg.logger),
		messaging.WithMetrics(cfg.metrics),
		messaging.WithSpanManager(cfg.spans),
		messaging.WithScheduler(cfg.scheduler),
	}
	durableCfg := messaging.DurableConfig{
		Workers:             s.DurableWorkers,
		BatchSize:           s.PollBatchSize,
		MaxDeliveryAttempts: s.MaxDeliveryAttempts,
		PollInterval:        s.PollInterval,
		InitialDelay:        s.PollInitialDelay,
		Lease:               s.LeaseDuration,
		DeadLetterRetries:   s.MessageRetries,
	}

	switch s.Persistence.Driver {
	case config.DriverSQLite:
		db, err := queue.OpenSQLite(s.Persistence.DSN)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, db.Close)

		store, err := queue.NewSQLiteStoreFromDB(db)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, store.Close)

		contracts, err := exchange.NewSQLiteBackend(db, contractNamespace)
		if err != nil {
			return nil, nil, err
		}
		dataRefs, err := exchange.NewSQLiteBackend(db, dataRefNamespace)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, contracts.Close, dataRefs.Close)

		a.durable = messaging.NewDurableBus(store, registry, durableCfg, busOpts...)
		a.bus = a.durable
		return contracts, dataRefs, nil

	case config.DriverRedis:
		client := cfg.redis
		if client == nil {
			owned := redis.NewClient(&redis.Options{Addr: s.Persistence.RedisAddr})
			a.closers = append(a.closers, owned.Close)
			client = owned
		}
		store := queue.NewRedisStore(client, queuePrefix)
		a.closers = append(a.closers, store.Close)

		a.durable = messaging.NewDurableBus(store, registry, durableCfg, busOpts...)
		a.bus = a.durable
		return exchange.NewRedisBackend(client, redisExchangePrefix+contractNamespace),
			exchange.NewRedisBackend(client, redisExchangePrefix+dataRefNamespace),
			nil

	default:
		a.bus = messaging.NewMemoryBus(registry, messaging.MemoryConfig{
			Workers:   s.MemoryWorkers,
			QueueSize: s.MemoryQueueSize,
		}, busOpts...)
		return exchange.NewMemoryBackend(), exchange.NewMemoryBackend(), nil
	}
}

// Start begins durable polling, if configured. Polling stops when ctx is
// done or Close is called. Calling Start more than once is a no-op.
func (a *Adapter) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started || a.closed {
		return
	}
	a.started = true

	if a.durable != nil {
		ctx, cancel := context.WithCancel(ctx)
		a.stopPolling = cancel
		a.durable.Start(ctx)
	}

	a.logger.Info("adapter started",
		slog.Bool("durable", a.durable != nil),
		slog.String("driver", a.settings.Persistence.Driver))
}

// Submit sends req on INITIAL and returns its trace id.
func (a *Adapter) Submit(ctx context.Context, req Request) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	if a.isClosed() {
		return "", ErrClosed
	}

	env := messaging.NewEnvelope(model.ProcessData{
		AssetID:                  req.AssetID,
		Provider:                 req.Provider,
		ContractAgreementID:      req.ContractAgreementID,
		ContractAgreementReuseOn: a.settings.ContractAgreementReuse && !req.SkipAgreementReuse,
		CatalogExpiryTime:        a.settings.CatalogTTL,
	}, a.settings.MessageRetries)

	if err := a.bus.Send(ctx, messaging.ChannelInitial, env); err != nil {
		return "", fmt.Errorf("submit %s: %w", req.AssetID, err)
	}
	a.logger.Info("request submitted",
		slog.String("trace_id", env.TraceID),
		slog.String("asset_id", req.AssetID))
	return env.TraceID, nil
}

// Pull waits up to the configured default timeout for the result of
// traceID. ok is false if none arrived in time.
func (a *Adapter) Pull(ctx context.Context, traceID string) (model.ProcessData, bool, error) {
	return a.results.Pull(ctx, traceID)
}

// PullTimeout waits up to timeout for the result of traceID.
func (a *Adapter) PullTimeout(ctx context.Context, traceID string, timeout time.Duration) (model.ProcessData, bool, error) {
	return a.results.PullTimeout(ctx, traceID, timeout)
}

// Confirmed reports that a negotiation produced an agreement.
func (a *Adapter) Confirmed(ctx context.Context, negotiationID, agreementID string) error {
	return a.confirmations.Confirmed(ctx, negotiationID, agreementID)
}

// Declined reports that the provider declined a negotiation.
func (a *Adapter) Declined(ctx context.Context, negotiationID string) error {
	return a.confirmations.Declined(ctx, negotiationID)
}

// Failed reports that a negotiation ended in error.
func (a *Adapter) Failed(ctx context.Context, negotiationID string) error {
	return a.confirmations.Failed(ctx, negotiationID)
}

// ReceiveDataReference delivers the endpoint data reference of a transfer.
// transferID is the trace id passed in process.TransferRequest.ID.
func (a *Adapter) ReceiveDataReference(ctx context.Context, transferID string, edr model.EndpointDataReference) error {
	return a.dataRefs.ReceiveDataReference(ctx, transferID, edr)
}

// PendingResults reports how many results are held for a Pull.
func (a *Adapter) PendingResults() int {
	return a.handoff.Len()
}

func (a *Adapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Close stops the bus and the janitor, then releases the stores.
// Envelopes still queued in memory are processed before Close returns.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	stopPolling, stop, done := a.stopPolling, a.stopJanitor, a.janitorDone
	a.mu.Unlock()

	var g errgroup.Group
	g.Go(func() error {
		err := a.bus.Close()
		if stopPolling != nil {
			stopPolling()
		}
		return err
	})
	g.Go(func() error {
		if stop != nil {
			stop()
			<-done
		}
		return nil
	})
	err := g.Wait()

	if cerr := a.closeResources(); cerr != nil && err == nil {
		err = cerr
	}
	a.logger.Info("adapter closed")
	return err
}

func (a *Adapter) closeResources() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

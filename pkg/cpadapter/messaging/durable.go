package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	cperrors "github.com/randalmurphal/cpadapter/pkg/cpadapter/errors"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/observability"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/queue"
)

// DurableConfig configures a DurableBus.
type DurableConfig struct {
	// Workers bounds concurrent listener invocations per poll.
	// Default: 10
	Workers int

	// BatchSize is the number of entries claimed per poll.
	// Default: 10
	BatchSize int

	// MaxDeliveryAttempts caps deliveries on one channel regardless of
	// the envelope's retry budget.
	// Default: 10
	MaxDeliveryAttempts int

	// PollInterval is the time between polls.
	// Default: 1s
	PollInterval time.Duration

	// InitialDelay postpones the first poll after Start.
	InitialDelay time.Duration

	// Lease is how long a claimed entry is hidden from other pollers.
	// Default: 1m
	Lease time.Duration

	// DeadLetterRetries is the retry budget given to entries moved to DLQ.
	// Default: 3
	DeadLetterRetries int
}

// DefaultDurableConfig provides reasonable defaults.
var DefaultDurableConfig = DurableConfig{
	Workers:             10,
	BatchSize:           10,
	MaxDeliveryAttempts: 10,
	PollInterval:        time.Second,
	Lease:               time.Minute,
	DeadLetterRetries:   3,
}

func (c DurableConfig) withDefaults() DurableConfig {
	d := DefaultDurableConfig
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxDeliveryAttempts <= 0 {
		c.MaxDeliveryAttempts = d.MaxDeliveryAttempts
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.Lease <= 0 {
		c.Lease = d.Lease
	}
	if c.DeadLetterRetries <= 0 {
		c.DeadLetterRetries = d.DeadLetterRetries
	}
	return c
}

// DurableBus persists envelopes in a queue.Store and delivers them from a
// scheduled poller. Envelopes survive process restarts.
type DurableBus[P any] struct {
	store     queue.Store
	config    DurableConfig
	d         *dispatcher[P]
	logger    *slog.Logger
	scheduler Scheduler

	mu     sync.Mutex
	stop   func()
	closed atomic.Bool
}

// NewDurableBus creates a bus over store. Call Start to begin polling.
func NewDurableBus[P any](store queue.Store, registry *Registry[P], config DurableConfig, opts ...Option) *DurableBus[P] {
	o := defaultBusOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &DurableBus[P]{
		store:     store,
		config:    config.withDefaults(),
		d:         newDispatcher(registry, o),
		logger:    o.logger,
		scheduler: o.scheduler,
	}
}

// Send implements Bus. The envelope is persisted before Send returns.
// After Close only listeners finishing a delivery may still send.
func (b *DurableBus[P]) Send(ctx context.Context, ch Channel, env *Envelope[P]) error {
	if b.closed.Load() && ctx.Value(workerKey{}) == nil {
		return ErrBusClosed
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope %s: %w", env.TraceID, err)
	}
	if err := b.store.Insert(ctx, &queue.Entry{
		Channel:     ch.String(),
		Payload:     data,
		RetriesLeft: env.RetriesLeft,
	}); err != nil {
		return fmt.Errorf("send %s to %s: %w", env.TraceID, ch, err)
	}
	observability.LogSend(b.logger, env.TraceID, ch.String())
	return nil
}

// Start begins polling the store. Calling Start twice is a no-op.
func (b *DurableBus[P]) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stop != nil || b.closed.Load() {
		return
	}
	b.stop = b.scheduler.Schedule(ctx, b.config.InitialDelay, b.config.PollInterval, func(ctx context.Context) {
		if _, err := b.Deliver(ctx); err != nil && ctx.Err() == nil {
			b.logger.Error("message delivery poll failed", slog.String("error", err.Error()))
		}
	})
}

// Deliver claims one batch and processes it. It returns the number of
// entries claimed.
//
// Cancelling ctx stops entries that have not started yet; they stay
// leased and are claimed again once the lease expires. Deliveries already
// running finish, and their outcome is written to the store, before
// Deliver returns.
func (b *DurableBus[P]) Deliver(ctx context.Context) (int, error) {
	entries, err := b.store.ClaimBatch(ctx, b.config.BatchSize, b.config.Lease)
	if err != nil {
		return 0, fmt.Errorf("claim batch: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	deliveryCtx := context.WithValue(context.WithoutCancel(ctx), workerKey{}, true)
	var g errgroup.Group
	g.SetLimit(b.config.Workers)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			if ctx.Err() != nil {
				b.logger.Debug("delivery skipped on shutdown",
					slog.String("entry_id", e.ID),
					slog.String("channel", e.Channel))
				return nil
			}
			return b.deliverEntry(deliveryCtx, e)
		})
	}
	return len(entries), g.Wait()
}

// deliverEntry runs the listeners for e and settles it in the store.
func (b *DurableBus[P]) deliverEntry(ctx context.Context, e *queue.Entry) error {
	ch := Channel(e.Channel)

	var env Envelope[P]
	if err := json.Unmarshal(e.Payload, &env); err != nil {
		b.logger.Error("dropping undecodable entry",
			slog.String("entry_id", e.ID),
			slog.String("channel", e.Channel),
			slog.String("error", err.Error()))
		return b.settle(ctx, "delete", b.store.Delete(ctx, e))
	}
	env.RetriesLeft = e.RetriesLeft
	env.Attempts = e.Attempts

	err := b.d.dispatch(ctx, ch, &env, e.Attempts+1)
	switch {
	case err == nil:
		return b.settle(ctx, "delete", b.store.Delete(ctx, e))

	case ch == ChannelDLQ:
		if e.RetriesLeft <= 0 {
			b.logger.Error("dead letter dropped after failed processing",
				slog.String("trace_id", env.TraceID),
				slog.String("error", err.Error()))
			return b.settle(ctx, "delete", b.store.Delete(ctx, e))
		}
		observability.LogDeliveryError(b.logger, env.TraceID, e.Channel, e.RetriesLeft-1, err)
		return b.settle(ctx, "release", b.store.IncrementRetryAndRelease(ctx, e))

	case b.exhausted(e, err):
		env.Attempts = e.Attempts + 1
		env.LastError = err.Error()
		if data, encErr := json.Marshal(&env); encErr == nil {
			e.Payload = data
		}
		observability.LogDeadLetter(b.logger, env.TraceID, e.Channel, err)
		b.d.metrics.RecordDeadLetter(ctx, e.Channel)
		return b.settle(ctx, "dead-letter", b.store.MoveToDeadLetter(ctx, e, ChannelDLQ.String(), b.config.DeadLetterRetries))

	default:
		observability.LogDeliveryError(b.logger, env.TraceID, e.Channel, e.RetriesLeft-1, err)
		return b.settle(ctx, "release", b.store.IncrementRetryAndRelease(ctx, e))
	}
}

func (b *DurableBus[P]) exhausted(e *queue.Entry, err error) bool {
	return e.RetriesLeft <= 0 ||
		e.Attempts+1 >= b.config.MaxDeliveryAttempts ||
		cperrors.IsPermanent(err)
}

// settle reports store failures. A lost lease means another poller owns
// the entry now, which is expected after a slow delivery.
func (b *DurableBus[P]) settle(_ context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, queue.ErrLeaseLost) {
		b.logger.Warn("queue entry lease lost", slog.String("op", op), slog.String("error", err.Error()))
		return nil
	}
	return fmt.Errorf("%s entry: %w", op, err)
}

// Close stops the poller and waits for a running poll to finish,
// including the listeners it started and what they send. The store is
// left open.
func (b *DurableBus[P]) Close() error {
	b.closed.Store(true)
	b.mu.Lock()
	stop := b.stop
	b.stop = nil
	b.mu.Unlock()
	if stop != nil {
		stop()
	}
	return nil
}

var _ Bus[int] = (*DurableBus[int])(nil)

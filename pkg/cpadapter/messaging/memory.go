package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/randalmurphal/cpadapter/pkg/cpadapter/observability"
)

// MemoryConfig configures a MemoryBus.
type MemoryConfig struct {
	// Workers is the number of goroutines running listeners.
	// Default: 10
	Workers int

	// QueueSize bounds envelopes waiting for a worker. Send blocks while
	// the queue is full.
	// Default: 1000
	QueueSize int
}

// DefaultMemoryConfig provides reasonable defaults.
var DefaultMemoryConfig = MemoryConfig{
	Workers:   10,
	QueueSize: 1000,
}

type job[P any] struct {
	ch  Channel
	env *Envelope[P]
}

// workerKey marks the contexts listeners run with.
type workerKey struct{}

// MemoryBus delivers envelopes on a bounded pool of goroutines.
// Envelopes are lost if the process stops.
type MemoryBus[P any] struct {
	config MemoryConfig
	d      *dispatcher[P]
	logger *slog.Logger

	jobs    chan job[P]
	wg      sync.WaitGroup
	pending sync.WaitGroup

	// mu orders pending.Add by outside senders against Close.
	mu        sync.RWMutex
	closed    bool
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewMemoryBus creates the bus and starts its workers.
func NewMemoryBus[P any](registry *Registry[P], config MemoryConfig, opts ...Option) *MemoryBus[P] {
	if config.Workers <= 0 {
		config.Workers = DefaultMemoryConfig.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultMemoryConfig.QueueSize
	}
	o := defaultBusOptions()
	for _, opt := range opts {
		opt(&o)
	}

	b := &MemoryBus[P]{
		config:  config,
		d:       newDispatcher(registry, o),
		logger:  o.logger,
		jobs:    make(chan job[P], config.QueueSize),
		closeCh: make(chan struct{}),
	}

	ctx := context.WithValue(context.Background(), workerKey{}, true)
	for i := 0; i < config.Workers; i++ {
		b.wg.Add(1)
		go b.work(ctx)
	}
	return b
}

// Send implements Bus.
//
// Called from outside the bus it blocks while the queue is full. Called
// from a listener it never blocks: a worker waiting on its own queue
// could otherwise starve the pool. Once Close has been called only
// listeners may send, so the envelopes they forward are still delivered.
func (b *MemoryBus[P]) Send(ctx context.Context, ch Channel, env *Envelope[P]) error {
	fromWorker := ctx.Value(workerKey{}) != nil

	b.mu.RLock()
	if b.closed && !fromWorker {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	b.pending.Add(1)
	b.mu.RUnlock()

	observability.LogSend(b.logger, env.TraceID, ch.String())
	j := job[P]{ch: ch, env: env}

	select {
	case b.jobs <- j:
		return nil
	default:
	}

	if fromWorker {
		go func() {
			select {
			case b.jobs <- j:
			case <-b.closeCh:
				b.pending.Done()
				b.logger.Error("envelope dropped on close",
					slog.String("trace_id", env.TraceID),
					slog.String("channel", ch.String()))
			}
		}()
		return nil
	}

	select {
	case b.jobs <- j:
		return nil
	case <-ctx.Done():
		b.pending.Done()
		return ctx.Err()
	case <-b.closeCh:
		b.pending.Done()
		return ErrBusClosed
	}
}

func (b *MemoryBus[P]) work(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case j := <-b.jobs:
			b.handle(ctx, j)
		case <-b.closeCh:
			for {
				select {
				case j := <-b.jobs:
					b.handle(ctx, j)
				default:
					return
				}
			}
		}
	}
}

func (b *MemoryBus[P]) handle(ctx context.Context, j job[P]) {
	defer b.pending.Done()

	err := b.d.dispatch(ctx, j.ch, j.env, j.env.Attempts+1)
	if err == nil {
		return
	}

	if j.ch == ChannelDLQ {
		b.logger.Error("dead letter listener failed",
			slog.String("trace_id", j.env.TraceID),
			slog.String("error", err.Error()))
		return
	}

	// No redelivery in memory: the failure goes straight to DLQ.
	j.env.Attempts++
	j.env.LastError = err.Error()
	observability.LogDeadLetter(b.logger, j.env.TraceID, j.ch.String(), err)
	b.d.metrics.RecordDeadLetter(ctx, j.ch.String())
	if sendErr := b.Send(ctx, ChannelDLQ, j.env); sendErr != nil {
		b.logger.Error("route to dead letter channel failed",
			slog.String("trace_id", j.env.TraceID),
			slog.String("error", sendErr.Error()))
	}
}

// Wait blocks until every accepted envelope, including those sent by
// listeners while Wait runs, has been processed.
func (b *MemoryBus[P]) Wait() {
	b.pending.Wait()
}

// Close stops accepting envelopes from outside the bus, waits until every
// accepted envelope and everything its listeners sent has been processed,
// then stops the workers.
func (b *MemoryBus[P]) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		b.pending.Wait()
		close(b.closeCh)
	})
	b.wg.Wait()
	return nil
}

var _ Bus[int] = (*MemoryBus[int])(nil)

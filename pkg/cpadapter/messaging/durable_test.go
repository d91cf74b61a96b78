package messaging_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cperrors "github.com/randalmurphal/cpadapter/pkg/cpadapter/errors"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/messaging"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/queue"
)

func durableStores(t *testing.T) map[string]queue.Store {
	t.Helper()
	sqliteStore, err := queue.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqliteStore.Close() })
	return map[string]queue.Store{
		"memory": queue.NewMemoryStore(),
		"sqlite": sqliteStore,
	}
}

// deadLetters collects envelopes delivered on DLQ.
type deadLetters struct {
	mu   sync.Mutex
	envs []*messaging.Envelope[payload]
}

func (d *deadLetters) Process(_ context.Context, env *messaging.Envelope[payload]) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.envs = append(d.envs, env)
	return nil
}

func (d *deadLetters) all() []*messaging.Envelope[payload] {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*messaging.Envelope[payload](nil), d.envs...)
}

func count(t *testing.T, s queue.Store) int {
	t.Helper()
	n, err := s.Count(context.Background())
	require.NoError(t, err)
	return n
}

func TestDurableBus_Success(t *testing.T) {
	for name, store := range durableStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := messaging.NewRegistry[payload]()
			var got []string
			reg.AddListener(messaging.ChannelInitial, messaging.ListenerFunc[payload](func(_ context.Context, env *messaging.Envelope[payload]) error {
				got = append(got, env.Payload.Value)
				return nil
			}))
			bus := messaging.NewDurableBus(store, reg, messaging.DefaultDurableConfig)

			env := messaging.NewEnvelope(payload{Value: "asset-1"}, 3)
			require.NoError(t, bus.Send(ctx, messaging.ChannelInitial, env))
			assert.Equal(t, 1, count(t, store))

			n, err := bus.Deliver(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			assert.Equal(t, []string{"asset-1"}, got)
			assert.Equal(t, 0, count(t, store))

			n, err = bus.Deliver(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)
			assert.Len(t, got, 1)
		})
	}
}

func TestDurableBus_RetriesFailedDelivery(t *testing.T) {
	for name, store := range durableStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := messaging.NewRegistry[payload]()
			var calls atomic.Int32
			var seen []int
			reg.AddListener(messaging.ChannelDataReference, messaging.ListenerFunc[payload](func(_ context.Context, env *messaging.Envelope[payload]) error {
				seen = append(seen, env.RetriesLeft)
				if calls.Add(1) == 1 {
					return errors.New("provider unavailable")
				}
				return nil
			}))
			dlq := &deadLetters{}
			reg.AddListener(messaging.ChannelDLQ, dlq)
			bus := messaging.NewDurableBus(store, reg, messaging.DefaultDurableConfig)

			require.NoError(t, bus.Send(ctx, messaging.ChannelDataReference, messaging.NewEnvelope(payload{}, 3)))

			_, err := bus.Deliver(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, count(t, store))

			_, err = bus.Deliver(ctx)
			require.NoError(t, err)
			assert.Equal(t, int32(2), calls.Load())
			assert.Equal(t, []int{3, 2}, seen)
			assert.Equal(t, 0, count(t, store))
			assert.Empty(t, dlq.all())
		})
	}
}

func TestDurableBus_ExhaustedRetriesMoveToDLQ(t *testing.T) {
	for name, store := range durableStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := messaging.NewRegistry[payload]()
			var calls atomic.Int32
			reg.AddListener(messaging.ChannelContractConfirmation, messaging.ListenerFunc[payload](func(context.Context, *messaging.Envelope[payload]) error {
				calls.Add(1)
				return errors.New("negotiation lookup failed")
			}))
			dlq := &deadLetters{}
			reg.AddListener(messaging.ChannelDLQ, dlq)
			bus := messaging.NewDurableBus(store, reg, messaging.DefaultDurableConfig)

			env := messaging.NewEnvelope(payload{Value: "asset-2"}, 1)
			require.NoError(t, bus.Send(ctx, messaging.ChannelContractConfirmation, env))

			for i := 0; i < 3; i++ {
				_, err := bus.Deliver(ctx)
				require.NoError(t, err)
			}

			assert.Equal(t, int32(2), calls.Load())
			dead := dlq.all()
			require.Len(t, dead, 1)
			assert.Equal(t, env.TraceID, dead[0].TraceID)
			assert.Equal(t, "asset-2", dead[0].Payload.Value)
			assert.Contains(t, dead[0].LastError, "negotiation lookup failed")
			assert.Equal(t, 0, count(t, store))
		})
	}
}

func TestDurableBus_PermanentErrorSkipsRetries(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	reg := messaging.NewRegistry[payload]()
	var calls atomic.Int32
	reg.AddListener(messaging.ChannelInitial, messaging.ListenerFunc[payload](func(context.Context, *messaging.Envelope[payload]) error {
		calls.Add(1)
		return cperrors.Permanent(errors.New("malformed request"), "validate")
	}))
	dlq := &deadLetters{}
	reg.AddListener(messaging.ChannelDLQ, dlq)
	bus := messaging.NewDurableBus(store, reg, messaging.DefaultDurableConfig)

	require.NoError(t, bus.Send(ctx, messaging.ChannelInitial, messaging.NewEnvelope(payload{}, 5)))
	_, err := bus.Deliver(ctx)
	require.NoError(t, err)
	_, err = bus.Deliver(ctx)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	require.Len(t, dlq.all(), 1)
	assert.Contains(t, dlq.all()[0].LastError, "malformed request")
}

func TestDurableBus_MaxDeliveryAttempts(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	reg := messaging.NewRegistry[payload]()
	var calls atomic.Int32
	reg.AddListener(messaging.ChannelInitial, messaging.ListenerFunc[payload](func(context.Context, *messaging.Envelope[payload]) error {
		calls.Add(1)
		return errors.New("still failing")
	}))
	dlq := &deadLetters{}
	reg.AddListener(messaging.ChannelDLQ, dlq)

	config := messaging.DefaultDurableConfig
	config.MaxDeliveryAttempts = 2
	bus := messaging.NewDurableBus(store, reg, config)

	require.NoError(t, bus.Send(ctx, messaging.ChannelInitial, messaging.NewEnvelope(payload{}, 100)))
	for i := 0; i < 3; i++ {
		_, err := bus.Deliver(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, int32(2), calls.Load())
	require.Len(t, dlq.all(), 1)
	assert.Contains(t, dlq.all()[0].LastError, "still failing")
}

func TestDurableBus_MissingListenerGoesToDLQ(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	reg := messaging.NewRegistry[payload]()
	dlq := &deadLetters{}
	reg.AddListener(messaging.ChannelDLQ, dlq)
	bus := messaging.NewDurableBus(store, reg, messaging.DefaultDurableConfig)

	require.NoError(t, bus.Send(ctx, messaging.ChannelResult, messaging.NewEnvelope(payload{}, 3)))
	_, err := bus.Deliver(ctx)
	require.NoError(t, err)
	_, err = bus.Deliver(ctx)
	require.NoError(t, err)

	require.Len(t, dlq.all(), 1)
	assert.Contains(t, dlq.all()[0].LastError, messaging.ErrNoListener.Error())
}

func TestDurableBus_FailingDeadLetterIsDropped(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	reg := messaging.NewRegistry[payload]()
	reg.AddListener(messaging.ChannelInitial, messaging.ListenerFunc[payload](func(context.Context, *messaging.Envelope[payload]) error {
		return cperrors.Permanent(errors.New("bad"), "test")
	}))
	var dlqCalls atomic.Int32
	reg.AddListener(messaging.ChannelDLQ, messaging.ListenerFunc[payload](func(context.Context, *messaging.Envelope[payload]) error {
		dlqCalls.Add(1)
		return errors.New("result store down")
	}))

	config := messaging.DefaultDurableConfig
	config.DeadLetterRetries = 1
	bus := messaging.NewDurableBus(store, reg, config)

	require.NoError(t, bus.Send(ctx, messaging.ChannelInitial, messaging.NewEnvelope(payload{}, 3)))
	for i := 0; i < 4; i++ {
		_, err := bus.Deliver(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, int32(2), dlqCalls.Load())
	assert.Equal(t, 0, count(t, store))
}

func TestDurableBus_DropsUndecodableEntry(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	reg := messaging.NewRegistry[payload]()
	var calls atomic.Int32
	reg.AddListener(messaging.ChannelInitial, messaging.ListenerFunc[payload](func(context.Context, *messaging.Envelope[payload]) error {
		calls.Add(1)
		return nil
	}))
	bus := messaging.NewDurableBus(store, reg, messaging.DefaultDurableConfig)

	require.NoError(t, store.Insert(ctx, &queue.Entry{
		Channel: messaging.ChannelInitial.String(),
		Payload: []byte("{not json"),
	}))
	n, err := bus.Deliver(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, calls.Load())
	assert.Equal(t, 0, count(t, store))
}

func TestDurableBus_StartPollsUntilClosed(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	reg := messaging.NewRegistry[payload]()
	var calls atomic.Int32
	reg.AddListener(messaging.ChannelInitial, messaging.ListenerFunc[payload](func(context.Context, *messaging.Envelope[payload]) error {
		calls.Add(1)
		return nil
	}))

	config := messaging.DefaultDurableConfig
	config.PollInterval = 5 * time.Millisecond
	bus := messaging.NewDurableBus(store, reg, config)
	bus.Start(ctx)
	bus.Start(ctx)

	require.NoError(t, bus.Send(ctx, messaging.ChannelInitial, messaging.NewEnvelope(payload{}, 0)))
	require.NoError(t, bus.Send(ctx, messaging.ChannelInitial, messaging.NewEnvelope(payload{}, 0)))
	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Close())
	err := bus.Send(ctx, messaging.ChannelInitial, messaging.NewEnvelope(payload{}, 0))
	assert.ErrorIs(t, err, messaging.ErrBusClosed)
}

func TestDurableBus_ClosedStore(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	require.NoError(t, store.Close())
	bus := messaging.NewDurableBus(store, messaging.NewRegistry[payload](), messaging.DefaultDurableConfig)

	err := bus.Send(ctx, messaging.ChannelInitial, messaging.NewEnvelope(payload{}, 0))
	assert.ErrorIs(t, err, queue.ErrStoreClosed)

	_, err = bus.Deliver(ctx)
	assert.ErrorIs(t, err, queue.ErrStoreClosed)
}

func TestDurableBus_CloseFinishesRunningDelivery(t *testing.T) {
	for name, store := range durableStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := messaging.NewRegistry[payload]()
			config := messaging.DefaultDurableConfig
			config.PollInterval = 5 * time.Millisecond
			config.Lease = 50 * time.Millisecond
			bus := messaging.NewDurableBus(store, reg, config)

			started := make(chan struct{})
			release := make(chan struct{})
			var initialCalls, resultCalls atomic.Int32
			reg.AddListener(messaging.ChannelInitial, messaging.ListenerFunc[payload](func(ctx context.Context, env *messaging.Envelope[payload]) error {
				if initialCalls.Add(1) == 1 {
					close(started)
				}
				<-release
				return bus.Send(ctx, messaging.ChannelResult, env)
			}))
			reg.AddListener(messaging.ChannelResult, messaging.ListenerFunc[payload](func(context.Context, *messaging.Envelope[payload]) error {
				resultCalls.Add(1)
				return nil
			}))

			bus.Start(ctx)
			require.NoError(t, bus.Send(ctx, messaging.ChannelInitial, messaging.NewEnvelope(payload{Value: "x"}, 3)))

			select {
			case <-started:
			case <-time.After(2 * time.Second):
				t.Fatal("listener not invoked")
			}

			closed := make(chan struct{})
			go func() {
				_ = bus.Close()
				close(closed)
			}()
			time.Sleep(20 * time.Millisecond)
			select {
			case <-closed:
				t.Fatal("Close returned while a delivery was running")
			default:
			}
			close(release)

			select {
			case <-closed:
			case <-time.After(2 * time.Second):
				t.Fatal("Close did not return")
			}

			// The INITIAL entry is gone; only the forwarded RESULT remains.
			assert.Equal(t, 1, count(t, store))
			assert.Zero(t, resultCalls.Load(), "poller stopped before RESULT was due")

			time.Sleep(config.Lease + 20*time.Millisecond)
			n, err := bus.Deliver(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			assert.Equal(t, int32(1), initialCalls.Load(), "successful delivery is not repeated")
			assert.Equal(t, int32(1), resultCalls.Load())
			assert.Equal(t, 0, count(t, store))
		})
	}
}

func TestDurableBus_SendAfterClose(t *testing.T) {
	bus := messaging.NewDurableBus(queue.NewMemoryStore(), messaging.NewRegistry[payload](), messaging.DefaultDurableConfig)
	require.NoError(t, bus.Close())

	err := bus.Send(context.Background(), messaging.ChannelInitial, messaging.NewEnvelope(payload{}, 0))
	assert.ErrorIs(t, err, messaging.ErrBusClosed)
}

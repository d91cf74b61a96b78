package messaging_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/cpadapter/pkg/cpadapter/messaging"
)

type payload struct {
	Value string `json:"value"`
}

func TestNewEnvelope(t *testing.T) {
	a := messaging.NewEnvelope(payload{Value: "x"}, 3)
	b := messaging.NewEnvelope(payload{Value: "x"}, 3)

	assert.NotEmpty(t, a.TraceID)
	assert.NotEqual(t, a.TraceID, b.TraceID)
	assert.Equal(t, 3, a.RetriesLeft)
	assert.Equal(t, "x", a.Payload.Value)
}

func TestRegistry(t *testing.T) {
	reg := messaging.NewRegistry[payload]()
	var calls []string
	reg.AddListener(messaging.ChannelInitial, messaging.ListenerFunc[payload](func(context.Context, *messaging.Envelope[payload]) error {
		calls = append(calls, "first")
		return nil
	}))
	reg.AddListener(messaging.ChannelInitial, messaging.ListenerFunc[payload](func(context.Context, *messaging.Envelope[payload]) error {
		calls = append(calls, "second")
		return nil
	}))

	ls := reg.Listeners(messaging.ChannelInitial)
	require.Len(t, ls, 2)
	for _, l := range ls {
		require.NoError(t, l.Process(context.Background(), &messaging.Envelope[payload]{}))
	}
	assert.Equal(t, []string{"first", "second"}, calls)
	assert.Empty(t, reg.Listeners(messaging.ChannelResult))
	assert.Equal(t, []messaging.Channel{messaging.ChannelInitial}, reg.Channels())
}

func TestRecoveryMiddleware(t *testing.T) {
	panicking := messaging.ListenerFunc[payload](func(context.Context, *messaging.Envelope[payload]) error {
		panic("boom")
	})
	l := messaging.ChainMiddleware[payload](panicking, messaging.RecoveryMiddleware[payload]())

	err := l.Process(context.Background(), &messaging.Envelope[payload]{})
	var pe *messaging.PanicError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "boom", pe.Value)
	assert.NotEmpty(t, pe.Stack)
	assert.Contains(t, err.Error(), "listener panic")
}

func TestChainMiddleware_Order(t *testing.T) {
	var order []string
	mw := func(name string) messaging.Middleware[payload] {
		return func(next messaging.Listener[payload]) messaging.Listener[payload] {
			return messaging.ListenerFunc[payload](func(ctx context.Context, env *messaging.Envelope[payload]) error {
				order = append(order, name)
				return next.Process(ctx, env)
			})
		}
	}
	base := messaging.ListenerFunc[payload](func(context.Context, *messaging.Envelope[payload]) error {
		order = append(order, "listener")
		return nil
	})

	l := messaging.ChainMiddleware[payload](base, mw("outer"), mw("inner"))
	require.NoError(t, l.Process(context.Background(), &messaging.Envelope[payload]{}))
	assert.Equal(t, []string{"outer", "inner", "listener"}, order)
}

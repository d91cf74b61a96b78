package messaging

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
)

// Listener processes envelopes delivered on a channel.
// Returning an error marks the delivery failed.
type Listener[P any] interface {
	Process(ctx context.Context, env *Envelope[P]) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc[P any] func(ctx context.Context, env *Envelope[P]) error

// Process implements Listener.
func (f ListenerFunc[P]) Process(ctx context.Context, env *Envelope[P]) error {
	return f(ctx, env)
}

// Middleware wraps a listener with additional behavior.
type Middleware[P any] func(Listener[P]) Listener[P]

// ChainMiddleware applies middleware in order: the first wraps outermost.
func ChainMiddleware[P any](l Listener[P], mw ...Middleware[P]) Listener[P] {
	for i := len(mw) - 1; i >= 0; i-- {
		l = mw[i](l)
	}
	return l
}

// PanicError is returned when a listener panics.
type PanicError struct {
	Value any
	Stack []byte
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("listener panic: %v", e.Value)
}

// RecoveryMiddleware converts listener panics into *PanicError failures.
func RecoveryMiddleware[P any]() Middleware[P] {
	return func(next Listener[P]) Listener[P] {
		return ListenerFunc[P](func(ctx context.Context, env *Envelope[P]) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &PanicError{Value: r, Stack: debug.Stack()}
				}
			}()
			return next.Process(ctx, env)
		})
	}
}

// Registry maps channels to their listeners.
type Registry[P any] struct {
	mu        sync.RWMutex
	listeners map[Channel][]Listener[P]
}

// NewRegistry creates an empty registry.
func NewRegistry[P any]() *Registry[P] {
	return &Registry[P]{listeners: make(map[Channel][]Listener[P])}
}

// AddListener registers l for ch. A channel may have several listeners;
// each delivery invokes all of them in registration order.
func (r *Registry[P]) AddListener(ch Channel, l Listener[P]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[ch] = append(r.listeners[ch], l)
}

// Listeners returns the listeners registered for ch.
func (r *Registry[P]) Listeners(ch Channel) []Listener[P] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ls := r.listeners[ch]
	out := make([]Listener[P], len(ls))
	copy(out, ls)
	return out
}

// Channels returns every channel with at least one listener.
func (r *Registry[P]) Channels() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, 0, len(r.listeners))
	for ch := range r.listeners {
		out = append(out, ch)
	}
	return out
}

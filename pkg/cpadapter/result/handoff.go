// Package result hands a single value from the goroutine that produces it
// to the goroutine waiting for it, keyed by trace id.
//
// Each trace id is written at most once and read at most once. A reader
// that gives up after a timeout leaves nothing behind; a value written
// after its reader gave up is orphaned and removed by Sweep.
package result

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrAlreadyPublished is returned when a trace id is published twice.
var ErrAlreadyPublished = errors.New("result: already published")

// slot holds one trace id's value. ch has capacity 1 and receives at most
// one value.
type slot[T any] struct {
	ch        chan T
	published bool
	createdAt time.Time
}

// Handoff is a set of one-shot channels keyed by trace id.
type Handoff[T any] struct {
	mu    sync.Mutex
	slots map[string]*slot[T]
	now   func() time.Time
}

// Option configures a Handoff.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces the time source used for orphan sweeping.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// New creates an empty Handoff.
func New[T any](opts ...Option) *Handoff[T] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Handoff[T]{
		slots: make(map[string]*slot[T]),
		now:   o.now,
	}
}

// slotFor returns the slot for id, creating it if needed. Callers hold mu.
func (h *Handoff[T]) slotFor(id string) *slot[T] {
	s, ok := h.slots[id]
	if !ok {
		s = &slot[T]{ch: make(chan T, 1), createdAt: h.now()}
		h.slots[id] = s
	}
	return s
}

// Publish stores v for id and wakes its reader. It never blocks.
// Publishing the same id twice returns ErrAlreadyPublished.
func (h *Handoff[T]) Publish(id string, v T) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.slotFor(id)
	if s.published {
		return fmt.Errorf("publish %q: %w", id, ErrAlreadyPublished)
	}
	s.published = true
	s.ch <- v
	return nil
}

// Await blocks until id is published or ctx is done.
func (h *Handoff[T]) Await(ctx context.Context, id string) (T, error) {
	h.mu.Lock()
	s := h.slotFor(id)
	h.mu.Unlock()

	select {
	case v := <-s.ch:
		h.release(id, s)
		return v, nil
	case <-ctx.Done():
		h.abandon(id, s)
		var zero T
		return zero, ctx.Err()
	}
}

// AwaitTimeout waits up to timeout for id. It returns ok=false when the
// timeout elapses first; that is not an error. err is set only when ctx
// ends before the timeout. A timeout of zero or less checks once without
// blocking.
func (h *Handoff[T]) AwaitTimeout(ctx context.Context, id string, timeout time.Duration) (v T, ok bool, err error) {
	h.mu.Lock()
	s := h.slotFor(id)
	h.mu.Unlock()

	if timeout <= 0 {
		select {
		case v = <-s.ch:
			h.release(id, s)
			return v, true, nil
		default:
			h.abandon(id, s)
			return v, false, nil
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v = <-s.ch:
		h.release(id, s)
		return v, true, nil
	case <-timer.C:
		h.abandon(id, s)
		return v, false, nil
	case <-ctx.Done():
		h.abandon(id, s)
		return v, false, ctx.Err()
	}
}

// release drops a consumed slot.
func (h *Handoff[T]) release(id string, s *slot[T]) {
	h.mu.Lock()
	if h.slots[id] == s {
		delete(h.slots, id)
	}
	h.mu.Unlock()
}

// abandon drops a slot whose reader gave up, unless a value already
// landed in it. A value that lands later creates a fresh slot that
// Sweep eventually removes.
func (h *Handoff[T]) abandon(id string, s *slot[T]) {
	h.mu.Lock()
	if h.slots[id] == s && !s.published {
		delete(h.slots, id)
	}
	h.mu.Unlock()
}

// Sweep removes published values older than maxAge that nobody read.
// It returns the number of entries removed.
func (h *Handoff[T]) Sweep(maxAge time.Duration) int {
	cutoff := h.now().Add(-maxAge)
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for id, s := range h.slots {
		if s.published && s.createdAt.Before(cutoff) {
			delete(h.slots, id)
			n++
		}
	}
	return n
}

// RunJanitor calls Sweep(maxAge) every interval until ctx is done.
func (h *Handoff[T]) RunJanitor(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep(maxAge)
		}
	}
}

// Len returns the number of live entries.
func (h *Handoff[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.slots)
}

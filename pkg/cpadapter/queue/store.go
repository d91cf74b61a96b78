// Package queue persists message bus envelopes until a listener has
// processed them.
//
// Delivery follows a claim/lease protocol:
//
//  1. ClaimBatch atomically leases up to max entries that are due and not
//     already leased, stamping each with a fresh claim token.
//  2. The caller processes each entry, then either Deletes it (success),
//     IncrementRetryAndRelease's it (failure with budget left), or
//     MoveToDeadLetter's it (budget spent).
//  3. If the caller crashes, the lease expires and another poller claims
//     the entry again. This is what makes delivery at-least-once.
//
// Follow-up calls carry the claim token; if the lease was lost to another
// poller they fail with ErrLeaseLost and change nothing.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("queue: store closed")

	// ErrLeaseLost is returned when an entry's claim token no longer matches.
	ErrLeaseLost = errors.New("queue: lease lost")
)

// Entry is one persisted envelope.
type Entry struct {
	ID          string
	Channel     string
	Payload     []byte
	RetriesLeft int
	Attempts    int
	EnqueuedAt  time.Time

	// InvokeAfter delays the first delivery.
	InvokeAfter time.Time

	// ClaimToken identifies the lease held by the caller of ClaimBatch.
	ClaimToken string
}

// Store is the persistence contract of the durable message bus.
type Store interface {
	// Insert persists e. ID and EnqueuedAt are assigned when empty.
	Insert(ctx context.Context, e *Entry) error

	// ClaimBatch leases up to max due entries for lease.
	ClaimBatch(ctx context.Context, max int, lease time.Duration) ([]*Entry, error)

	// Delete removes a claimed entry.
	Delete(ctx context.Context, e *Entry) error

	// IncrementRetryAndRelease records a failed attempt and makes the
	// entry immediately claimable again.
	IncrementRetryAndRelease(ctx context.Context, e *Entry) error

	// MoveToDeadLetter re-tags a claimed entry to channel with a fresh
	// retry budget, replaces its payload with e.Payload and releases it.
	MoveToDeadLetter(ctx context.Context, e *Entry, channel string, retries int) error

	// Count returns the number of stored entries.
	Count(ctx context.Context) (int, error)

	// Close releases resources.
	Close() error
}

// Option configures a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// prepare fills the defaults of a new entry.
func prepare(e *Entry, now time.Time) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = now
	}
	if e.InvokeAfter.IsZero() {
		e.InvokeAfter = e.EnqueuedAt
	}
	if e.Payload == nil {
		e.Payload = []byte{}
	}
	e.ClaimToken = ""
}

// Package expiring provides key/value caches whose entries expire a fixed
// time after they were written.
//
// Expiry is evaluated when an entry is read. No background sweeper runs;
// stale entries are dropped on the read that observes them, or replaced by
// the next Put.
package expiring

import (
	"sync"
	"time"
)

// Cache is the common surface of the caches in this package.
type Cache[V any] interface {
	// Get returns the value for key if present and not expired.
	Get(key string) (V, bool)

	// Put stores value under key, resetting its expiry.
	Put(key string, value V)

	// Invalidate removes key.
	Invalidate(key string)
}

// Option configures a Map.
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

type item[V any] struct {
	value    V
	storedAt time.Time
}

// Map is an expiring cache backed by a Go map.
type Map[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]item[V]
	ttl   time.Duration
	now   func() time.Time
}

// New creates a Map whose entries expire ttl after they were stored.
// A ttl of zero or less disables expiry.
func New[K comparable, V any](ttl time.Duration, opts ...Option) *Map[K, V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Map[K, V]{
		items: make(map[K]item[V]),
		ttl:   ttl,
		now:   o.now,
	}
}

// Get returns the value for key if it exists and has not expired.
func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.RLock()
	it, ok := m.items[key]
	m.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if !m.expired(it) {
		return it.value, true
	}

	m.mu.Lock()
	// Re-check: a Put may have landed between the locks.
	if cur, ok := m.items[key]; ok && m.expired(cur) {
		delete(m.items, key)
	}
	m.mu.Unlock()
	return zero, false
}

// Put stores value under key.
func (m *Map[K, V]) Put(key K, value V) {
	m.mu.Lock()
	m.items[key] = item[V]{value: value, storedAt: m.now()}
	m.mu.Unlock()
}

// Invalidate removes key.
func (m *Map[K, V]) Invalidate(key K) {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
}

// Len returns the number of stored entries, including expired ones not yet read.
func (m *Map[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// TTL returns the configured time to live.
func (m *Map[K, V]) TTL() time.Duration {
	return m.ttl
}

func (m *Map[K, V]) expired(it item[V]) bool {
	if m.ttl <= 0 {
		return false
	}
	return m.now().Sub(it.storedAt) >= m.ttl
}

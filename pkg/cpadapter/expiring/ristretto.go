package expiring

import (
	"time"

	"github.com/dgraph-io/ristretto"
)

// Ristretto is a bounded expiring cache backed by dgraph-io/ristretto.
// Unlike Map it evicts under memory pressure, so a Get may miss before
// the TTL has elapsed.
type Ristretto[V any] struct {
	c   *ristretto.Cache
	ttl time.Duration
}

// RistrettoOption adjusts the ristretto configuration.
type RistrettoOption func(*ristretto.Config)

// WithMaxCost bounds the cache. Every entry costs 1.
func WithMaxCost(n int64) RistrettoOption {
	return func(c *ristretto.Config) {
		c.MaxCost = n
		c.NumCounters = n * 10
	}
}

// NewRistretto creates a bounded cache whose entries expire after ttl.
func NewRistretto[V any](ttl time.Duration, opts ...RistrettoOption) (*Ristretto[V], error) {
	cfg := &ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1e3,
		BufferItems: 64,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	c, err := ristretto.NewCache(cfg)
	if err != nil {
		return nil, err
	}
	return &Ristretto[V]{c: c, ttl: ttl}, nil
}

// Get implements Cache.
func (r *Ristretto[V]) Get(key string) (V, bool) {
	var zero V
	v, ok := r.c.Get(key)
	if !ok {
		return zero, false
	}
	val, ok := v.(V)
	if !ok {
		return zero, false
	}
	return val, true
}

// Put implements Cache.
func (r *Ristretto[V]) Put(key string, value V) {
	if r.ttl > 0 {
		r.c.SetWithTTL(key, value, 1, r.ttl)
	} else {
		r.c.Set(key, value, 1)
	}
	r.c.Wait()
}

// Invalidate implements Cache.
func (r *Ristretto[V]) Invalidate(key string) {
	r.c.Del(key)
}

// Close releases the cache's background goroutines.
func (r *Ristretto[V]) Close() {
	r.c.Close()
}

var (
	_ Cache[int] = (*Map[string, int])(nil)
	_ Cache[int] = (*Ristretto[int])(nil)
)

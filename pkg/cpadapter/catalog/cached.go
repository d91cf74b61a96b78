package catalog

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/randalmurphal/cpadapter/pkg/cpadapter/expiring"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/model"
)

// DefaultTTL bounds how long a catalog stays cached.
const DefaultTTL = 180 * time.Second

// Snapshot is a cached catalog and the time it was fetched.
type Snapshot struct {
	Catalog   *model.Catalog
	FetchedAt time.Time
}

// CachedOption configures a CachedRetriever.
type CachedOption func(*CachedRetriever)

// WithCache replaces the default in-process cache, for example with an
// expiring.Ristretto to bound memory.
func WithCache(c expiring.Cache[Snapshot]) CachedOption {
	return func(r *CachedRetriever) {
		if c != nil {
			r.cache = c
		}
	}
}

// WithClock sets the time source used to age snapshots.
func WithClock(now func() time.Time) CachedOption {
	return func(r *CachedRetriever) {
		if now != nil {
			r.now = now
		}
	}
}

// CachedRetriever memoizes catalogs per provider. Concurrent misses for
// the same provider share a single fetch.
type CachedRetriever struct {
	source Source
	cache  expiring.Cache[Snapshot]
	group  singleflight.Group
	now    func() time.Time
}

// NewCachedRetriever caches catalogs from source for at most ttl.
func NewCachedRetriever(source Source, ttl time.Duration, opts ...CachedOption) *CachedRetriever {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	r := &CachedRetriever{source: source, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	if r.cache == nil {
		r.cache = expiring.New[string, Snapshot](ttl, expiring.WithClock(r.now))
	}
	return r
}

// Catalog returns the provider catalog, reusing a cached copy younger
// than maxAge. A non-positive maxAge always fetches.
func (r *CachedRetriever) Catalog(ctx context.Context, provider string, maxAge time.Duration) (*model.Catalog, error) {
	if snap, ok := r.cache.Get(provider); ok && maxAge > 0 && r.now().Sub(snap.FetchedAt) < maxAge {
		return snap.Catalog, nil
	}

	v, err, _ := r.group.Do(provider, func() (any, error) {
		cat, err := r.source.Fetch(ctx, provider)
		if err != nil {
			return nil, err
		}
		r.cache.Put(provider, Snapshot{Catalog: cat, FetchedAt: r.now()})
		return cat, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Catalog), nil
}

// Invalidate drops the cached catalog of provider.
func (r *CachedRetriever) Invalidate(provider string) {
	r.cache.Invalidate(provider)
}

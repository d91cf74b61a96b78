// Package catalog fetches provider catalogs and finds contract offers in
// them.
//
// A Retriever walks the provider catalog page by page through a Fetcher.
// A CachedRetriever sits in front of it so that redelivered INITIAL
// messages do not query the provider again while a recent copy exists.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cperrors "github.com/randalmurphal/cpadapter/pkg/cpadapter/errors"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/model"
)

// DefaultPageSize is the number of offers requested per page.
const DefaultPageSize = 100

// maxPages stops a provider that never returns a short page.
const maxPages = 1000

// ErrEmptyProvider is returned when no provider address is given.
var ErrEmptyProvider = errors.New("catalog: provider is empty")

// Fetcher requests one page of a provider catalog.
type Fetcher interface {
	FetchPage(ctx context.Context, provider string, offset, limit int) ([]model.ContractOffer, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, provider string, offset, limit int) ([]model.ContractOffer, error)

// FetchPage implements Fetcher.
func (f FetcherFunc) FetchPage(ctx context.Context, provider string, offset, limit int) ([]model.ContractOffer, error) {
	return f(ctx, provider, offset, limit)
}

// Source returns the full catalog of a provider.
type Source interface {
	Fetch(ctx context.Context, provider string) (*model.Catalog, error)
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithPageSize sets the page size. Non-positive values are ignored.
func WithPageSize(n int) Option {
	return func(r *Retriever) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// WithRetry sets the retry policy applied to each page request.
func WithRetry(cfg cperrors.RetryConfig) Option {
	return func(r *Retriever) { r.retry = cfg }
}

// WithPageTimeout bounds each page request. A page that runs out of time
// fails with a transient *errors.TimeoutError and is retried. Zero means
// no bound.
func WithPageTimeout(d time.Duration) Option {
	return func(r *Retriever) {
		if d >= 0 {
			r.pageTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Retriever) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Retriever assembles a catalog from paged requests.
type Retriever struct {
	fetcher  Fetcher
	pageSize    int
	pageTimeout time.Duration
	retry       cperrors.RetryConfig
	logger      *slog.Logger
}

// NewRetriever creates a Retriever over fetcher.
func NewRetriever(fetcher Fetcher, opts ...Option) *Retriever {
	r := &Retriever{
		fetcher:  fetcher,
		pageSize: DefaultPageSize,
		retry:    cperrors.DefaultRetry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Fetch implements Source. Pages are requested until one comes back
// shorter than the page size.
func (r *Retriever) Fetch(ctx context.Context, provider string) (*model.Catalog, error) {
	if provider == "" {
		return nil, cperrors.Permanent(ErrEmptyProvider, "fetch catalog")
	}

	cat := &model.Catalog{Provider: provider}
	for page := 0; page < maxPages; page++ {
		offset := page * r.pageSize
		res := cperrors.WithRetryContext(ctx, r.retry, func(ctx context.Context) ([]model.ContractOffer, error) {
			return r.fetchPage(ctx, provider, offset)
		})
		if res.Err != nil {
			return nil, fmt.Errorf("fetch catalog page %d from %s: %w", page, provider, res.Err)
		}
		cat.Offers = append(cat.Offers, res.Value...)
		if len(res.Value) < r.pageSize {
			r.logger.Debug("catalog fetched",
				slog.String("provider", provider),
				slog.Int("pages", page+1),
				slog.Int("offers", len(cat.Offers)))
			return cat, nil
		}
	}
	r.logger.Warn("catalog page limit reached",
		slog.String("provider", provider),
		slog.Int("offers", len(cat.Offers)))
	return cat, nil
}

func (r *Retriever) fetchPage(ctx context.Context, provider string, offset int) ([]model.ContractOffer, error) {
	if r.pageTimeout <= 0 {
		return r.fetcher.FetchPage(ctx, provider, offset, r.pageSize)
	}
	pageCtx, cancel := context.WithTimeout(ctx, r.pageTimeout)
	defer cancel()

	offers, err := r.fetcher.FetchPage(pageCtx, provider, offset, r.pageSize)
	if err != nil && ctx.Err() == nil && errors.Is(pageCtx.Err(), context.DeadlineExceeded) {
		return nil, &cperrors.TimeoutError{Operation: "fetch catalog page from " + provider, Duration: r.pageTimeout.String()}
	}
	return offers, err
}

// FindOffer returns the first offer for assetID.
func FindOffer(cat *model.Catalog, assetID string) (model.ContractOffer, bool) {
	if cat == nil {
		return model.ContractOffer{}, false
	}
	for _, o := range cat.Offers {
		if o.AssetID == assetID {
			return o, true
		}
	}
	return model.ContractOffer{}, false
}

package benchmarks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/randalmurphal/cpadapter/pkg/cpadapter"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/catalog"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/config"
	cperrors "github.com/randalmurphal/cpadapter/pkg/cpadapter/errors"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/lockmap"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/model"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/process"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/result"
)

const queueLease = time.Minute

func nodeKey(n int) string {
	return fmt.Sprintf("key-%d", n)
}

// reusingAgreements returns a valid agreement for every asset so a
// retrieval never waits on a negotiation.
type reusingAgreements struct{}

func (reusingAgreements) FindByID(context.Context, string) (*model.Agreement, error) {
	return nil, process.ErrNotFound
}

func (reusingAgreements) FindByAsset(_ context.Context, assetID string) (*model.Agreement, error) {
	return &model.Agreement{
		ID:        "agreement-" + assetID,
		AssetID:   assetID,
		StartDate: time.Now().Add(-time.Hour),
		EndDate:   time.Now().Add(time.Hour),
	}, nil
}

type noNegotiations struct{}

func (noNegotiations) Initiate(context.Context, process.NegotiationRequest) (string, error) {
	return "", fmt.Errorf("unexpected negotiation")
}

func (noNegotiations) Get(context.Context, string) (*model.Negotiation, error) {
	return nil, process.ErrNotFound
}

type instantTransfers struct{}

func (instantTransfers) Initiate(_ context.Context, req process.TransferRequest) (*model.EndpointDataReference, error) {
	return &model.EndpointDataReference{ID: req.ID, Endpoint: "http://consumer/public"}, nil
}

func newAdapter(b *testing.B, settings config.Settings) *cpadapter.Adapter {
	b.Helper()
	fetch := catalog.FetcherFunc(func(_ context.Context, _ string, offset, _ int) ([]model.ContractOffer, error) {
		if offset > 0 {
			return nil, nil
		}
		return []model.ContractOffer{{ID: "offer-1", AssetID: "asset-1"}}, nil
	})
	a, err := cpadapter.New(settings, cpadapter.Collaborators{
		Agreements:   reusingAgreements{},
		Negotiations: noNegotiations{},
		Transfers:    instantTransfers{},
		Catalog:      fetch,
	},
		cpadapter.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		cpadapter.WithCatalogRetry(cperrors.NoRetry))
	if err != nil {
		b.Fatal(err)
	}
	a.Start(context.Background())
	b.Cleanup(func() { _ = a.Close() })
	return a
}

func benchmarkRetrieve(b *testing.B, settings config.Settings) {
	a := newAdapter(b, settings)
	ctx := context.Background()
	req := cpadapter.Request{AssetID: "asset-1", Provider: "http://provider"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		resp, err := a.Retrieve(ctx, req, 5*time.Second)
		if err != nil || resp.Status != 200 {
			b.Fatalf("retrieve: %v (status %d)", err, resp.Status)
		}
	}
}

// BenchmarkRetrieve_Memory measures a full retrieval with agreement reuse
// on the in-memory bus.
func BenchmarkRetrieve_Memory(b *testing.B) {
	benchmarkRetrieve(b, config.Defaults())
}

// BenchmarkRetrieve_SQLite measures the same retrieval on the durable bus.
func BenchmarkRetrieve_SQLite(b *testing.B) {
	s := config.Defaults()
	s.PollInitialDelay = 0
	s.PollInterval = time.Millisecond
	s.Persistence = config.Persistence{Driver: config.DriverSQLite, DSN: b.TempDir() + "/retrieve.db"}
	benchmarkRetrieve(b, s)
}

// BenchmarkRetrieve_Parallel measures concurrent retrievals in memory.
func BenchmarkRetrieve_Parallel(b *testing.B) {
	a := newAdapter(b, config.Defaults())
	req := cpadapter.Request{AssetID: "asset-1", Provider: "http://provider"}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := a.Retrieve(context.Background(), req, 5*time.Second); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// BenchmarkLockMap_Contended measures lock traffic over a small key set.
func BenchmarkLockMap_Contended(b *testing.B) {
	m := lockmap.New()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			m.WithLock(nodeKey(i%8), func() {})
			i++
		}
	})
}

// BenchmarkHandoff_PublishAwait measures one result hand-off.
func BenchmarkHandoff_PublishAwait(b *testing.B) {
	h := result.New[model.ProcessData]()
	ctx := context.Background()
	p := largePayload()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id := nodeKey(i)
		if err := h.Publish(id, p); err != nil {
			b.Fatal(err)
		}
		if _, err := h.Await(ctx, id); err != nil {
			b.Fatal(err)
		}
	}
}

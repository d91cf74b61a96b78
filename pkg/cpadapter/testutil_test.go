package cpadapter_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/cpadapter/pkg/cpadapter"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/catalog"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/config"
	cperrors "github.com/randalmurphal/cpadapter/pkg/cpadapter/errors"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/model"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/process"
)

type agreementStore struct {
	mu      sync.Mutex
	byID    map[string]*model.Agreement
	byAsset map[string]*model.Agreement
}

func (s *agreementStore) FindByID(_ context.Context, id string) (*model.Agreement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.byID[id]; ok {
		return a, nil
	}
	return nil, process.ErrNotFound
}

func (s *agreementStore) FindByAsset(_ context.Context, assetID string) (*model.Agreement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.byAsset[assetID]; ok {
		return a, nil
	}
	return nil, process.ErrNotFound
}

type negotiationService struct {
	mu        sync.Mutex
	id        string
	initiated []process.NegotiationRequest
}

func (s *negotiationService) Initiate(_ context.Context, req process.NegotiationRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initiated = append(s.initiated, req)
	return s.id, nil
}

func (s *negotiationService) Get(_ context.Context, id string) (*model.Negotiation, error) {
	return &model.Negotiation{ID: id, State: model.NegotiationRequested}, nil
}

func (s *negotiationService) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.initiated)
}

// transferService answers with fn, or with a fixed EDR when fn is nil.
type transferService struct {
	mu       sync.Mutex
	fn       func(calls int) (*model.EndpointDataReference, error)
	requests []process.TransferRequest
}

func (s *transferService) Initiate(_ context.Context, req process.TransferRequest) (*model.EndpointDataReference, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	calls := len(s.requests)
	fn := s.fn
	s.mu.Unlock()
	if fn == nil {
		return &model.EndpointDataReference{ID: "edr-" + req.ID, Endpoint: "http://consumer/public", AuthKey: "Authorization", AuthCode: "token"}, nil
	}
	return fn(calls)
}

func (s *transferService) all() []process.TransferRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]process.TransferRequest(nil), s.requests...)
}

type fixture struct {
	agreements   *agreementStore
	negotiations *negotiationService
	transfers    *transferService
	adapter      *cpadapter.Adapter
}

func testSettings() config.Settings {
	s := config.Defaults()
	s.SyncPullTimeout = 2 * time.Second
	s.PollInterval = 5 * time.Millisecond
	s.PollInitialDelay = 0
	return s
}

func offersFetcher(offers ...model.ContractOffer) catalog.FetcherFunc {
	return func(_ context.Context, _ string, offset, _ int) ([]model.ContractOffer, error) {
		if offset > 0 {
			return nil, nil
		}
		return offers, nil
	}
}

func newFixture(t *testing.T, settings config.Settings, opts ...cpadapter.Option) *fixture {
	t.Helper()
	f := newUnstartedFixture(t, settings, opts...)
	f.adapter.Start(context.Background())
	return f
}

// newUnstartedFixture builds the adapter without calling Start.
func newUnstartedFixture(t *testing.T, settings config.Settings, opts ...cpadapter.Option) *fixture {
	t.Helper()
	f := &fixture{
		agreements:   &agreementStore{byID: map[string]*model.Agreement{}, byAsset: map[string]*model.Agreement{}},
		negotiations: &negotiationService{id: "neg-1"},
		transfers:    &transferService{},
	}
	opts = append([]cpadapter.Option{cpadapter.WithCatalogRetry(cperrors.NoRetry)}, opts...)
	a, err := cpadapter.New(settings, cpadapter.Collaborators{
		Agreements:   f.agreements,
		Negotiations: f.negotiations,
		Transfers:    f.transfers,
		Catalog:      offersFetcher(model.ContractOffer{ID: "offer-A", AssetID: "A"}),
	}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	f.adapter = a
	return f
}

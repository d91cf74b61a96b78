package process_test

import (
	"context"
	"sync"
	"time"

	"github.com/randalmurphal/cpadapter/pkg/cpadapter/exchange"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/messaging"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/model"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/process"
)

type sent struct {
	ch  messaging.Channel
	env process.Envelope
}

// recordingBus keeps a copy of every envelope sent.
type recordingBus struct {
	mu   sync.Mutex
	msgs []sent
	err  error
}

func (b *recordingBus) Send(_ context.Context, ch messaging.Channel, env *process.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.msgs = append(b.msgs, sent{ch: ch, env: *env})
	return nil
}

func (b *recordingBus) Close() error { return nil }

// fail makes every later Send return err; nil restores delivery.
func (b *recordingBus) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

func (b *recordingBus) all() []sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sent(nil), b.msgs...)
}

func (b *recordingBus) last() (sent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.msgs) == 0 {
		return sent{}, false
	}
	return b.msgs[len(b.msgs)-1], true
}

type fakeAgreements struct {
	byID    map[string]*model.Agreement
	byAsset map[string]*model.Agreement
}

func (f *fakeAgreements) FindByID(_ context.Context, id string) (*model.Agreement, error) {
	if a, ok := f.byID[id]; ok {
		return a, nil
	}
	return nil, process.ErrNotFound
}

func (f *fakeAgreements) FindByAsset(_ context.Context, assetID string) (*model.Agreement, error) {
	if a, ok := f.byAsset[assetID]; ok {
		return a, nil
	}
	return nil, process.ErrNotFound
}

type fakeNegotiations struct {
	mu        sync.Mutex
	states    map[string]*model.Negotiation
	initiated []process.NegotiationRequest
	nextID    string
	err       error
}

func newFakeNegotiations() *fakeNegotiations {
	return &fakeNegotiations{states: map[string]*model.Negotiation{}, nextID: "neg-1"}
}

func (f *fakeNegotiations) Initiate(_ context.Context, req process.NegotiationRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.initiated = append(f.initiated, req)
	f.states[f.nextID] = &model.Negotiation{ID: f.nextID, State: model.NegotiationRequested}
	return f.nextID, nil
}

func (f *fakeNegotiations) Get(_ context.Context, id string) (*model.Negotiation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.states[id]; ok {
		c := *n
		return &c, nil
	}
	return &model.Negotiation{ID: id, State: model.NegotiationRequested}, nil
}

type fakeCatalogs struct {
	catalog *model.Catalog
	err     error
	maxAges []time.Duration
}

func (f *fakeCatalogs) Catalog(_ context.Context, provider string, maxAge time.Duration) (*model.Catalog, error) {
	f.maxAges = append(f.maxAges, maxAge)
	if f.err != nil {
		return nil, f.err
	}
	c := *f.catalog
	c.Provider = provider
	return &c, nil
}

type fakeTransfers struct {
	mu       sync.Mutex
	edr      *model.EndpointDataReference
	err      error
	requests []process.TransferRequest
}

func (f *fakeTransfers) Initiate(_ context.Context, req process.TransferRequest) (*model.EndpointDataReference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.edr, nil
}

func newContractStore() *process.ContractStore {
	return exchange.New[process.Envelope, model.ContractInfo](exchange.NewMemoryBackend())
}

func newDataReferenceStore() *process.DataReferenceStore {
	return exchange.New[process.Envelope, model.EndpointDataReference](exchange.NewMemoryBackend())
}

func envelope(p model.ProcessData) *process.Envelope {
	return messaging.NewEnvelope(p, 3)
}

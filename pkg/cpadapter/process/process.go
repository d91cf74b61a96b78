package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/cpadapter/pkg/cpadapter/exchange"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/messaging"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/model"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/observability"
)

// Envelope is the unit of work handled by every stage.
type Envelope = messaging.Envelope[model.ProcessData]

// Bus carries envelopes between stages.
type Bus = messaging.Bus[model.ProcessData]

// ErrNotFound is returned by collaborators for unknown ids.
var ErrNotFound = errors.New("process: not found")

// AgreementService looks up concluded contract agreements.
type AgreementService interface {
	// FindByID returns the agreement with id, or ErrNotFound.
	FindByID(ctx context.Context, id string) (*model.Agreement, error)

	// FindByAsset returns the most recent agreement for assetID, or
	// ErrNotFound.
	FindByAsset(ctx context.Context, assetID string) (*model.Agreement, error)
}

// NegotiationRequest starts a contract negotiation.
type NegotiationRequest struct {
	Provider string
	Offer    model.ContractOffer

	// CorrelationID is the trace id of the request that started it.
	CorrelationID string
}

// NegotiationService starts negotiations and reports their state.
type NegotiationService interface {
	// Initiate starts a negotiation and returns its id.
	Initiate(ctx context.Context, req NegotiationRequest) (string, error)

	// Get returns the negotiation with id, or ErrNotFound.
	Get(ctx context.Context, id string) (*model.Negotiation, error)
}

// TransferRequest starts a data transfer under an agreement.
type TransferRequest struct {
	// ID correlates the endpoint data reference delivered later.
	ID          string
	AssetID     string
	Provider    string
	AgreementID string
}

// TransferInitiator starts data transfers.
type TransferInitiator interface {
	// Initiate starts the transfer. It returns the endpoint data reference
	// when it is available immediately, or nil when it will be delivered
	// later through DataReferenceHandler.ReceiveDataReference.
	Initiate(ctx context.Context, req TransferRequest) (*model.EndpointDataReference, error)
}

// CatalogRetriever returns provider catalogs, reusing copies younger than
// maxAge.
type CatalogRetriever interface {
	Catalog(ctx context.Context, provider string, maxAge time.Duration) (*model.Catalog, error)
}

// ContractStore reconciles negotiation outcomes with parked envelopes,
// keyed by negotiation id.
type ContractStore = exchange.Store[Envelope, model.ContractInfo]

// DataReferenceStore reconciles endpoint data references with parked
// envelopes, keyed by transfer id.
type DataReferenceStore = exchange.Store[Envelope, model.EndpointDataReference]

// Messages of error results.
const (
	MsgOfferNotFound     = "Could not find Contract Offer for given Asset Id"
	MsgContractDeclined  = "Contract for asset is declined."
	MsgContractError     = "Contract Error for asset."
	MsgProcessingFailed  = "message processing failed"
	msgAgreementNotFound = "Not found the contract agreement with ID: "
)

// Option configures a handler.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	now     func() time.Time
}

func buildOptions(opts []Option) options {
	o := options{
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithClock sets the time source used to check agreement validity.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// sendError records an error on env and sends it to RESULT.
func sendError(ctx context.Context, bus Bus, env *Envelope, status int, msg string) error {
	env.Payload.SetError(status, msg)
	return forward(ctx, bus, messaging.ChannelResult, env)
}

func forward(ctx context.Context, bus Bus, ch messaging.Channel, env *Envelope) error {
	if err := bus.Send(ctx, ch, env); err != nil {
		return fmt.Errorf("forward %s to %s: %w", env.TraceID, ch, err)
	}
	return nil
}

package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/randalmurphal/cpadapter/pkg/cpadapter/catalog"
	cperrors "github.com/randalmurphal/cpadapter/pkg/cpadapter/errors"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/messaging"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/model"
)

// NegotiationHandler processes INITIAL. It resolves an agreement for the
// requested asset, reusing an existing one when allowed, and otherwise
// starts a negotiation for the provider's offer.
type NegotiationHandler struct {
	bus          Bus
	agreements   AgreementService
	negotiations NegotiationService
	catalogs     CatalogRetriever
	logger       *slog.Logger
	now          func() time.Time
}

// NewNegotiationHandler creates the INITIAL handler.
func NewNegotiationHandler(bus Bus, agreements AgreementService, negotiations NegotiationService, catalogs CatalogRetriever, opts ...Option) *NegotiationHandler {
	o := buildOptions(opts)
	return &NegotiationHandler{
		bus:          bus,
		agreements:   agreements,
		negotiations: negotiations,
		catalogs:     catalogs,
		logger:       o.logger,
		now:          o.now,
	}
}

// Process implements messaging.Listener.
func (h *NegotiationHandler) Process(ctx context.Context, env *Envelope) error {
	p := &env.Payload
	logger := h.logger.With(slog.String("trace_id", env.TraceID), slog.String("asset_id", p.AssetID))

	agreement, err := h.agreement(ctx, p)
	if errors.Is(err, ErrNotFound) {
		return sendError(ctx, h.bus, env, http.StatusNotFound, msgAgreementNotFound+p.ContractAgreementID)
	}
	if err != nil {
		return err
	}

	if agreement.ValidAt(h.now()) {
		logger.Info("reusing contract agreement", slog.String("agreement_id", agreement.ID))
		p.ContractAgreementID = agreement.ID
		p.ContractConfirmed = true
		return forward(ctx, h.bus, messaging.ChannelContractConfirmation, env)
	}

	cat, err := h.catalogs.Catalog(ctx, p.Provider, p.CatalogExpiryTime)
	if err != nil {
		return fmt.Errorf("catalog of %s: %w", p.Provider, err)
	}
	offer, ok := catalog.FindOffer(cat, p.AssetID)
	if !ok {
		return sendError(ctx, h.bus, env, http.StatusNotFound, MsgOfferNotFound)
	}

	id, err := h.negotiations.Initiate(ctx, NegotiationRequest{
		Provider:      p.Provider,
		Offer:         offer,
		CorrelationID: env.TraceID,
	})
	if err != nil {
		return fmt.Errorf("initiate negotiation for %s: %w", p.AssetID, err)
	}
	if id == "" {
		return fmt.Errorf("initiate negotiation for %s: %w", p.AssetID,
			&cperrors.ValidationError{Field: "negotiationId", Message: "negotiation service returned no id"})
	}
	logger.Info("contract negotiation started", slog.String("negotiation_id", id))

	p.ContractNegotiationID = id
	return forward(ctx, h.bus, messaging.ChannelContractConfirmation, env)
}

// agreement returns the agreement named in the request, or the latest one
// for the asset when reuse is on. A named agreement that does not exist
// yields ErrNotFound; no agreement for the asset yields nil.
func (h *NegotiationHandler) agreement(ctx context.Context, p *model.ProcessData) (*model.Agreement, error) {
	if p.ContractAgreementID != "" {
		a, err := h.agreements.FindByID(ctx, p.ContractAgreementID)
		if err != nil {
			return nil, fmt.Errorf("agreement %s: %w", p.ContractAgreementID, err)
		}
		return a, nil
	}
	if !p.ContractAgreementReuseOn {
		return nil, nil
	}

	a, err := h.agreements.FindByAsset(ctx, p.AssetID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("agreement for %s: %w", p.AssetID, err)
	}
	return a, nil
}

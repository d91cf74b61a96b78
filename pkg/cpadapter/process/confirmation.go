package process

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/randalmurphal/cpadapter/pkg/cpadapter/messaging"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/model"
)

// ConfirmationHandler processes CONTRACT_CONFIRMATION and receives
// negotiation outcomes. Whichever of the envelope and the outcome arrives
// second continues the workflow.
type ConfirmationHandler struct {
	bus          Bus
	negotiations NegotiationService
	store        *ContractStore
	logger       *slog.Logger
}

// NewConfirmationHandler creates the CONTRACT_CONFIRMATION handler.
func NewConfirmationHandler(bus Bus, negotiations NegotiationService, store *ContractStore, opts ...Option) *ConfirmationHandler {
	o := buildOptions(opts)
	return &ConfirmationHandler{
		bus:          bus,
		negotiations: negotiations,
		store:        store,
		logger:       o.logger,
	}
}

// Process implements messaging.Listener.
func (h *ConfirmationHandler) Process(ctx context.Context, env *Envelope) error {
	p := &env.Payload
	if p.ContractConfirmed {
		return forward(ctx, h.bus, messaging.ChannelDataReference, env)
	}

	negID := p.ContractNegotiationID
	neg, err := h.negotiations.Get(ctx, negID)
	if err != nil {
		return fmt.Errorf("negotiation %s: %w", negID, err)
	}
	if neg.State == model.NegotiationConfirmed {
		// The outcome event may already be parked; nobody will claim it.
		if err := h.store.Evict(ctx, negID); err != nil {
			h.logger.Warn("evict negotiation outcome failed",
				slog.String("negotiation_id", negID),
				slog.String("error", err.Error()))
		}
		return h.resume(ctx, env, model.ContractInfo{AgreementID: neg.AgreementID, Status: model.ContractConfirmed})
	}

	info, ok, err := h.store.OfferRequest(ctx, negID, *env)
	if err != nil {
		return err
	}
	if !ok {
		h.logger.Debug("waiting for negotiation outcome",
			slog.String("trace_id", env.TraceID),
			slog.String("negotiation_id", negID))
		return nil
	}
	if err := h.resume(ctx, env, info); err != nil {
		// A redelivered envelope must find the outcome again.
		if _, _, rerr := h.store.OfferOutcome(context.WithoutCancel(ctx), negID, info); rerr != nil {
			h.logger.Error("restore negotiation outcome failed",
				slog.String("negotiation_id", negID),
				slog.String("error", rerr.Error()))
		}
		return err
	}
	return nil
}

// Confirmed records that negotiation negotiationID produced agreementID.
func (h *ConfirmationHandler) Confirmed(ctx context.Context, negotiationID, agreementID string) error {
	return h.outcome(ctx, negotiationID, model.ContractInfo{AgreementID: agreementID, Status: model.ContractConfirmed})
}

// Declined records that the provider declined negotiationID.
func (h *ConfirmationHandler) Declined(ctx context.Context, negotiationID string) error {
	return h.outcome(ctx, negotiationID, model.ContractInfo{Status: model.ContractDeclined})
}

// Failed records that negotiationID ended in error.
func (h *ConfirmationHandler) Failed(ctx context.Context, negotiationID string) error {
	return h.outcome(ctx, negotiationID, model.ContractInfo{Status: model.ContractError})
}

func (h *ConfirmationHandler) outcome(ctx context.Context, negotiationID string, info model.ContractInfo) error {
	env, ok, err := h.store.OfferOutcome(ctx, negotiationID, info)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	parked := env
	if err := h.resume(ctx, &env, info); err != nil {
		// Park the envelope again so a repeated event can resume it.
		if _, _, rerr := h.store.OfferRequest(context.WithoutCancel(ctx), negotiationID, parked); rerr != nil {
			h.logger.Error("restore parked envelope failed",
				slog.String("trace_id", parked.TraceID),
				slog.String("negotiation_id", negotiationID),
				slog.String("error", rerr.Error()))
		}
		return err
	}
	return nil
}

// resume moves env on according to the negotiation outcome.
func (h *ConfirmationHandler) resume(ctx context.Context, env *Envelope, info model.ContractInfo) error {
	logger := h.logger.With(
		slog.String("trace_id", env.TraceID),
		slog.String("negotiation_id", env.Payload.ContractNegotiationID))

	switch info.Status {
	case model.ContractConfirmed:
		logger.Info("contract confirmed", slog.String("agreement_id", info.AgreementID))
		env.Payload.ContractAgreementID = info.AgreementID
		env.Payload.ContractConfirmed = true
		return forward(ctx, h.bus, messaging.ChannelDataReference, env)
	case model.ContractDeclined:
		logger.Info("contract declined")
		return sendError(ctx, h.bus, env, http.StatusBadGateway, MsgContractDeclined)
	default:
		logger.Warn("contract negotiation failed", slog.String("status", string(info.Status)))
		return sendError(ctx, h.bus, env, http.StatusBadGateway, MsgContractError)
	}
}

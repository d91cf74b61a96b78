package process

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/cpadapter/pkg/cpadapter/messaging"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/model"
)

// DataReferenceHandler processes DATA_REFERENCE. It starts the transfer
// and sends the envelope to RESULT once the endpoint data reference is
// known, which may be immediately or when ReceiveDataReference is called.
type DataReferenceHandler struct {
	bus       Bus
	transfers TransferInitiator
	store     *DataReferenceStore
	logger    *slog.Logger
}

// NewDataReferenceHandler creates the DATA_REFERENCE handler.
func NewDataReferenceHandler(bus Bus, transfers TransferInitiator, store *DataReferenceStore, opts ...Option) *DataReferenceHandler {
	o := buildOptions(opts)
	return &DataReferenceHandler{
		bus:       bus,
		transfers: transfers,
		store:     store,
		logger:    o.logger,
	}
}

// Process implements messaging.Listener. Transfer failures are returned so
// the bus can redeliver.
func (h *DataReferenceHandler) Process(ctx context.Context, env *Envelope) error {
	p := &env.Payload
	edr, err := h.transfers.Initiate(ctx, TransferRequest{
		ID:          env.TraceID,
		AssetID:     p.AssetID,
		Provider:    p.Provider,
		AgreementID: p.ContractAgreementID,
	})
	if err != nil {
		return fmt.Errorf("initiate transfer for %s: %w", p.AssetID, err)
	}
	if edr != nil {
		return h.complete(ctx, env, *edr)
	}

	got, ok, err := h.store.OfferRequest(ctx, env.TraceID, *env)
	if err != nil {
		return err
	}
	if !ok {
		h.logger.Debug("waiting for endpoint data reference", slog.String("trace_id", env.TraceID))
		return nil
	}
	if err := h.complete(ctx, env, got); err != nil {
		if _, _, rerr := h.store.OfferOutcome(context.WithoutCancel(ctx), env.TraceID, got); rerr != nil {
			h.logger.Error("restore endpoint data reference failed",
				slog.String("trace_id", env.TraceID),
				slog.String("error", rerr.Error()))
		}
		return err
	}
	return nil
}

// ReceiveDataReference delivers the endpoint data reference of transfer
// transferID.
func (h *DataReferenceHandler) ReceiveDataReference(ctx context.Context, transferID string, edr model.EndpointDataReference) error {
	env, ok, err := h.store.OfferOutcome(ctx, transferID, edr)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	parked := env
	if err := h.complete(ctx, &env, edr); err != nil {
		if _, _, rerr := h.store.OfferRequest(context.WithoutCancel(ctx), transferID, parked); rerr != nil {
			h.logger.Error("restore parked envelope failed",
				slog.String("trace_id", transferID),
				slog.String("error", rerr.Error()))
		}
		return err
	}
	return nil
}

func (h *DataReferenceHandler) complete(ctx context.Context, env *Envelope, edr model.EndpointDataReference) error {
	env.Payload.EndpointDataReference = &edr
	h.logger.Info("endpoint data reference received",
		slog.String("trace_id", env.TraceID),
		slog.String("edr_id", edr.ID))
	return forward(ctx, h.bus, messaging.ChannelResult, env)
}

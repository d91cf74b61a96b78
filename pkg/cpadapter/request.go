package cpadapter

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/randalmurphal/cpadapter/pkg/cpadapter/model"
)

// MsgInvalidRequest is the message of a 400 response.
const MsgInvalidRequest = "AssetId or providerUrl is empty!"

// Request asks for the endpoint data reference of an asset.
type Request struct {
	AssetID  string
	Provider string

	// ContractAgreementID names an existing agreement to use. The request
	// fails with 404 if it does not exist.
	ContractAgreementID string

	// SkipAgreementReuse forces a new negotiation even when a valid
	// agreement for the asset exists.
	SkipAgreementReuse bool
}

func (r Request) validate() error {
	if strings.TrimSpace(r.AssetID) == "" || strings.TrimSpace(r.Provider) == "" {
		return ErrInvalidRequest
	}
	return nil
}

// Response is the outcome of Retrieve in HTTP terms.
type Response struct {
	// Status is an HTTP status code.
	Status int

	// DataReference is set when Status is 200.
	DataReference *model.EndpointDataReference

	// Message describes a non-200 status.
	Message string

	TraceID string
}

// Retrieve submits req and waits for its result. A non-positive timeout
// uses the configured default.
//
// Status codes:
//   - 400 when asset id or provider is missing
//   - 200 with the endpoint data reference
//   - the error status recorded by the workflow (404, 502, 500)
//   - 408 when no result arrived in time
//
// An error is returned only when the request could not be submitted or
// ctx ended while waiting.
func (a *Adapter) Retrieve(ctx context.Context, req Request, timeout time.Duration) (Response, error) {
	traceID, err := a.Submit(ctx, req)
	if errors.Is(err, ErrInvalidRequest) {
		return Response{Status: http.StatusBadRequest, Message: MsgInvalidRequest}, nil
	}
	if err != nil {
		return Response{}, err
	}

	var (
		p  model.ProcessData
		ok bool
	)
	if timeout > 0 {
		p, ok, err = a.PullTimeout(ctx, traceID, timeout)
	} else {
		p, ok, err = a.Pull(ctx, traceID)
	}
	if err != nil {
		return Response{TraceID: traceID}, err
	}
	return responseFor(traceID, p, ok), nil
}

func responseFor(traceID string, p model.ProcessData, ok bool) Response {
	switch {
	case !ok:
		return Response{Status: http.StatusRequestTimeout, Message: http.StatusText(http.StatusRequestTimeout), TraceID: traceID}
	case p.HasError():
		return Response{Status: p.ErrorStatus, Message: p.ErrorMessage, TraceID: traceID}
	case p.EndpointDataReference != nil:
		return Response{Status: http.StatusOK, DataReference: p.EndpointDataReference, TraceID: traceID}
	default:
		return Response{Status: http.StatusRequestTimeout, Message: http.StatusText(http.StatusRequestTimeout), TraceID: traceID}
	}
}

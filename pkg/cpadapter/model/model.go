// Package model holds the data carried through the adapter workflow.
package model

import (
	"time"
)

// ProcessData is the payload of every workflow envelope. Handlers enrich it
// as it moves from channel to channel; the final copy is what a caller
// pulling the result receives.
type ProcessData struct {
	AssetID  string `json:"assetId"`
	Provider string `json:"provider"`

	ContractAgreementID      string `json:"contractAgreementId,omitempty"`
	ContractAgreementReuseOn bool   `json:"contractAgreementReuseOn"`
	ContractNegotiationID    string `json:"contractNegotiationId,omitempty"`
	ContractConfirmed        bool   `json:"contractConfirmed"`

	// CatalogExpiryTime is how long a fetched provider catalog may be reused.
	CatalogExpiryTime time.Duration `json:"catalogExpiryTime"`

	EndpointDataReference *EndpointDataReference `json:"endpointDataReference,omitempty"`

	// ErrorStatus is an HTTP status code. Zero means no error.
	ErrorStatus  int    `json:"errorStatus,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Clone returns a copy that shares no pointers with p.
func (p *ProcessData) Clone() *ProcessData {
	if p == nil {
		return nil
	}
	c := *p
	if p.EndpointDataReference != nil {
		edr := *p.EndpointDataReference
		if p.EndpointDataReference.Properties != nil {
			edr.Properties = make(map[string]string, len(p.EndpointDataReference.Properties))
			for k, v := range p.EndpointDataReference.Properties {
				edr.Properties[k] = v
			}
		}
		c.EndpointDataReference = &edr
	}
	return &c
}

// HasError reports whether an error status has been set.
func (p *ProcessData) HasError() bool {
	return p != nil && p.ErrorStatus != 0
}

// SetError records an error status and message.
func (p *ProcessData) SetError(status int, message string) {
	p.ErrorStatus = status
	p.ErrorMessage = message
}

// EndpointDataReference tells the consumer where and how to fetch the data.
type EndpointDataReference struct {
	ID         string            `json:"id"`
	Endpoint   string            `json:"endpoint"`
	AuthKey    string            `json:"authKey,omitempty"`
	AuthCode   string            `json:"authCode,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// ContractStatus is the terminal state of a contract negotiation.
type ContractStatus string

const (
	ContractConfirmed ContractStatus = "CONFIRMED"
	ContractDeclined  ContractStatus = "DECLINED"
	ContractError     ContractStatus = "ERROR"
)

// ContractInfo is the outcome delivered by a negotiation event.
type ContractInfo struct {
	AgreementID string         `json:"agreementId,omitempty"`
	Status      ContractStatus `json:"status"`
}

// IsConfirmed reports whether the negotiation produced an agreement.
func (c ContractInfo) IsConfirmed() bool {
	return c.Status == ContractConfirmed
}

// ContractOffer is a provider offer for an asset.
type ContractOffer struct {
	ID       string `json:"id"`
	AssetID  string `json:"assetId"`
	PolicyID string `json:"policyId,omitempty"`
}

// Catalog is the set of offers a provider publishes.
type Catalog struct {
	Provider string          `json:"provider"`
	Offers   []ContractOffer `json:"offers"`
}

// Agreement is a concluded contract.
type Agreement struct {
	ID        string    `json:"id"`
	AssetID   string    `json:"assetId"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
}

// ValidAt reports whether the agreement is in force at t.
func (a *Agreement) ValidAt(t time.Time) bool {
	if a == nil {
		return false
	}
	return a.StartDate.Before(t) && a.EndDate.After(t)
}

// NegotiationState is the state reported by the negotiation service.
type NegotiationState string

const (
	NegotiationRequested NegotiationState = "REQUESTED"
	NegotiationConfirmed NegotiationState = "CONFIRMED"
	NegotiationDeclined  NegotiationState = "DECLINED"
	NegotiationError     NegotiationState = "ERROR"
)

// Negotiation is a snapshot of a contract negotiation.
type Negotiation struct {
	ID          string           `json:"id"`
	State       NegotiationState `json:"state"`
	AgreementID string           `json:"agreementId,omitempty"`
}

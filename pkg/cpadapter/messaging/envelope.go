package messaging

import (
	"github.com/google/uuid"
)

// Channel names a workflow stage.
type Channel string

const (
	ChannelInitial              Channel = "INITIAL"
	ChannelContractConfirmation Channel = "CONTRACT_CONFIRMATION"
	ChannelDataReference        Channel = "DATA_REFERENCE"
	ChannelResult               Channel = "RESULT"
	ChannelDLQ                  Channel = "DLQ"
)

// String returns the channel name.
func (c Channel) String() string {
	return string(c)
}

// Envelope carries a payload through the workflow.
type Envelope[P any] struct {
	// TraceID identifies the request end to end. It is assigned once and
	// never changes as the envelope moves between channels.
	TraceID string `json:"traceId"`

	Payload P `json:"payload"`

	// RetriesLeft is the remaining redelivery budget.
	RetriesLeft int `json:"retriesLeft"`

	// Attempts counts failed deliveries on the current channel.
	Attempts int `json:"attempts"`

	// LastError is the failure that sent the envelope to DLQ.
	LastError string `json:"lastError,omitempty"`
}

// NewEnvelope wraps payload with a fresh trace id and retry budget.
func NewEnvelope[P any](payload P, retries int) *Envelope[P] {
	return &Envelope[P]{
		TraceID:     uuid.NewString(),
		Payload:     payload,
		RetriesLeft: retries,
	}
}

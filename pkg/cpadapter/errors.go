package cpadapter

import "errors"

var (
	// ErrInvalidRequest indicates a request without asset id or provider.
	ErrInvalidRequest = errors.New("asset id or provider is empty")

	// ErrClosed indicates the adapter has been closed.
	ErrClosed = errors.New("adapter closed")

	// ErrMissingCollaborator indicates New was given an incomplete
	// Collaborators value.
	ErrMissingCollaborator = errors.New("missing collaborator")
)

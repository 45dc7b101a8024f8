package webhook

import "errors"

var (
	// ErrProviderNotConfigured is returned when a dispatcher is missing a
	// required collaborator or secret
	ErrProviderNotConfigured = errors.New("webhook provider not configured")

	// ErrInvalidSignature is returned when signature verification fails.
	// The request is rejected with 400 and no handler runs.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrInvalidPayload is returned when a verified body cannot be parsed
	ErrInvalidPayload = errors.New("invalid webhook payload")
)

package gobilling

import "errors"

var (
	// ErrUserNotFound is returned when the user row is missing. Retrying a
	// webhook will not fix this, so callers acknowledge and log instead.
	ErrUserNotFound = errors.New("user not found")

	// ErrSessionNotFound is returned for an unknown checkout session ID
	ErrSessionNotFound = errors.New("checkout session not found")

	// ErrSessionTerminal is returned when a transition targets a session
	// already in a terminal state; callers treat it as a benign no-op
	ErrSessionTerminal = errors.New("checkout session already in terminal state")

	// ErrNoPendingSession is returned when no pending session exists for a
	// (user, plan) pair
	ErrNoPendingSession = errors.New("no pending checkout session")

	// ErrAlreadyProcessed is returned when the idempotency ledger already
	// contains the event; a benign duplicate, not a failure
	ErrAlreadyProcessed = errors.New("event already processed")

	// ErrPhoneAlreadyAssigned is returned when a phone assignment exists for
	// the user; provisioning treats it as a benign no-op
	ErrPhoneAlreadyAssigned = errors.New("phone number already assigned")

	// ErrStorageUnavailable wraps datastore connectivity failures. These are
	// the only failures surfaced to the provider as retryable (5xx).
	ErrStorageUnavailable = errors.New("storage unavailable")
)

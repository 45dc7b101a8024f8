package gobilling

import (
	"context"
	"time"
)

// Datastore defines the persistence contract for the billing core.
// All methods use concrete types from this package to avoid import cycles.
//
// The core runs as multiple stateless instances behind a load balancer, so
// every coordination point is a conditional or atomic write here rather than
// an in-process lock: implementations must honor the uniqueness and
// conditional-transition semantics documented per method.
type Datastore interface {
	// ReadUser retrieves a user by ID.
	// Returns ErrUserNotFound if the row is missing.
	ReadUser(ctx context.Context, id string) (*User, error)

	// UpdateUser atomically applies the non-nil fields of the patch and
	// returns the updated user. Returns ErrUserNotFound if the row is missing.
	UpdateUser(ctx context.Context, id string, patch UserUpdate) (*User, error)

	// GetPendingSession returns the pending checkout session for a
	// (userID, plan) pair. Returns ErrNoPendingSession if there is none.
	GetPendingSession(ctx context.Context, userID, plan string) (*CheckoutSession, error)

	// CreateSession inserts a pending checkout session. If a pending session
	// already exists for the same (userID, plan), the existing row is
	// returned instead of inserting a duplicate. The uniqueness check and
	// insert must be atomic (unique partial index or equivalent).
	CreateSession(ctx context.Context, session *CheckoutSession) (*CheckoutSession, error)

	// GetSession retrieves a checkout session by ID.
	// Returns ErrSessionNotFound if the row is missing.
	GetSession(ctx context.Context, id string) (*CheckoutSession, error)

	// TransitionSession conditionally moves a session from one status to
	// another, applying the non-nil fields of the patch in the same write.
	// If the session's current status is not `from`, the write is refused:
	// ErrSessionTerminal when the session is already terminal,
	// ErrSessionNotFound when the row is missing.
	TransitionSession(ctx context.Context, id string, from, to SessionStatus, patch SessionUpdate) (*CheckoutSession, error)

	// ExpireStaleSessions transitions every pending session whose ExpiresAt
	// is before now to SessionExpired and returns the count. Only pending
	// rows are touched, so a concurrent Complete or Cancel simply wins or
	// loses the conditional write, never both.
	ExpireStaleSessions(ctx context.Context, now time.Time) (int, error)

	// InsertProcessedEvent inserts into the idempotency ledger.
	// Must be an atomic insert-if-absent keyed on ProviderEventID;
	// a uniqueness conflict returns ErrAlreadyProcessed.
	InsertProcessedEvent(ctx context.Context, event *ProcessedEvent) error

	// HasProcessedEvent reports whether the ledger contains the event.
	// This is a fast-path optimization only; InsertProcessedEvent is the
	// correctness mechanism.
	HasProcessedEvent(ctx context.Context, providerEventID string) (bool, error)

	// InsertPhoneAssignment inserts a phone assignment. At most one
	// assignment may exist per user; a conflict returns
	// ErrPhoneAlreadyAssigned.
	InsertPhoneAssignment(ctx context.Context, assignment *PhoneAssignment) error

	// GetPhoneAssignment retrieves the assignment for a user.
	// Returns nil, nil when the user has no assignment.
	GetPhoneAssignment(ctx context.Context, userID string) (*PhoneAssignment, error)
}

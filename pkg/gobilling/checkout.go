package gobilling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CheckoutTracker owns the pending -> completed/cancelled/expired lifecycle
// of checkout sessions. Uniqueness of pending sessions per (user, plan) is
// enforced by the Datastore's conditional create, not in-process locking,
// since multiple instances may run concurrently.
type CheckoutTracker struct {
	store   Datastore
	ttl     time.Duration
	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// TrackerConfig holds CheckoutTracker configuration.
type TrackerConfig struct {
	// SessionTTL is how long a pending session stays claimable.
	// Defaults to DefaultSessionTTL (24h).
	SessionTTL time.Duration

	// Logger is optional; defaults to NoopLogger.
	Logger Logger

	// Metrics is optional; defaults to NoopMetrics.
	Metrics Metrics

	// Now overrides the time source (tests). Defaults to time.Now.
	Now func() time.Time
}

// NewCheckoutTracker creates a tracker backed by the given Datastore.
func NewCheckoutTracker(store Datastore, config TrackerConfig) (*CheckoutTracker, error) {
	if store == nil {
		return nil, ErrStorageUnavailable
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = DefaultSessionTTL
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &CheckoutTracker{
		store:   store,
		ttl:     config.SessionTTL,
		logger:  config.Logger,
		metrics: config.Metrics,
		now:     config.Now,
	}, nil
}

// GetOrCreate returns the existing unexpired pending session for
// (userID, plan), or creates one. Two concurrent calls for the same pair
// yield sessions with the same ID: the Datastore's conditional create
// returns the winning row to the loser.
func (t *CheckoutTracker) GetOrCreate(
	ctx context.Context, userID, email, plan string, price int64, provider PaymentProvider,
) (*CheckoutSession, error) {
	now := t.now().UTC()

	existing, err := t.store.GetPendingSession(ctx, userID, plan)
	if err != nil && !errors.Is(err, ErrNoPendingSession) {
		return nil, fmt.Errorf("failed to look up pending session: %w", err)
	}
	if existing != nil {
		if now.Before(existing.ExpiresAt) {
			return existing, nil
		}
		// Stale pending row the sweep has not reached yet. Move it out of
		// the way so the conditional create can insert a fresh one.
		if _, terr := t.store.TransitionSession(
			ctx, existing.ID, SessionPending, SessionExpired, SessionUpdate{},
		); terr != nil && !errors.Is(terr, ErrSessionTerminal) {
			return nil, fmt.Errorf("failed to expire stale session %s: %w", existing.ID, terr)
		}
		t.metrics.RecordSessionTransition(SessionPending, SessionExpired)
	}

	session := &CheckoutSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		Email:     email,
		Plan:      plan,
		Price:     price,
		Provider:  provider,
		Status:    SessionPending,
		CreatedAt: now,
		ExpiresAt: now.Add(t.ttl),
	}

	created, err := t.store.CreateSession(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	if created.ID == session.ID {
		t.logger.Info("checkout session created",
			Field{Key: "session_id", Value: created.ID},
			Field{Key: "user_id", Value: userID},
			Field{Key: "plan", Value: plan},
		)
	}
	return created, nil
}

// Complete transitions a session from pending to completed, stamping the
// provider identifiers and completion time. A second call for the same
// session observes ErrSessionTerminal; callers treat that as success-no-op.
func (t *CheckoutTracker) Complete(
	ctx context.Context, sessionID, providerSessionID, providerCustomerID string,
) (*CheckoutSession, error) {
	now := t.now().UTC()
	patch := SessionUpdate{CompletedAt: &now}
	if providerSessionID != "" {
		patch.ProviderSessionID = &providerSessionID
	}
	if providerCustomerID != "" {
		patch.ProviderCustomerID = &providerCustomerID
	}

	session, err := t.store.TransitionSession(ctx, sessionID, SessionPending, SessionCompleted, patch)
	if err != nil {
		return nil, err
	}

	t.metrics.RecordSessionTransition(SessionPending, SessionCompleted)
	t.logger.Info("checkout session completed",
		Field{Key: "session_id", Value: sessionID},
		Field{Key: "provider_session_id", Value: providerSessionID},
	)
	return session, nil
}

// CompletePending completes the pending session for (userID, plan) when the
// provider event does not carry a session ID. Returns ErrNoPendingSession
// when there is nothing to reconcile.
func (t *CheckoutTracker) CompletePending(
	ctx context.Context, userID, plan, providerSessionID, providerCustomerID string,
) (*CheckoutSession, error) {
	session, err := t.store.GetPendingSession(ctx, userID, plan)
	if err != nil {
		return nil, err
	}
	return t.Complete(ctx, session.ID, providerSessionID, providerCustomerID)
}

// Cancel transitions a session from pending to cancelled.
func (t *CheckoutTracker) Cancel(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	now := t.now().UTC()
	session, err := t.store.TransitionSession(
		ctx, sessionID, SessionPending, SessionCancelled, SessionUpdate{CancelledAt: &now},
	)
	if err != nil {
		return nil, err
	}

	t.metrics.RecordSessionTransition(SessionPending, SessionCancelled)
	t.logger.Info("checkout session cancelled", Field{Key: "session_id", Value: sessionID})
	return session, nil
}

// ExpireStale bulk-transitions pending sessions past their ExpiresAt to
// expired. Intended to run on a periodic schedule; safe to run concurrently
// with Complete and Cancel because only pending rows are touched, and safe
// to re-run after an interruption.
func (t *CheckoutTracker) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	count, err := t.store.ExpireStaleSessions(ctx, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("expiry sweep failed: %w", err)
	}
	if count > 0 {
		t.metrics.RecordSessionsExpired(count)
		t.logger.Info("expired stale checkout sessions", Field{Key: "count", Value: count})
	}
	return count, nil
}

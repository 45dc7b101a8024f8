package gobilling

import (
	"context"
	"fmt"
	"time"
)

// CancellationPolicy controls what happens to the subscription end date
// when a deletion event arrives.
type CancellationPolicy string

const (
	// CancelImmediately stamps the end date to the current time: service
	// cuts off as soon as the deletion webhook lands.
	CancelImmediately CancellationPolicy = "immediate"

	// CancelAtPeriodEnd leaves the end date at the already-paid billing
	// period boundary, so access continues until the period the user paid
	// for runs out.
	CancelAtPeriodEnd CancellationPolicy = "period_end"
)

// providerStatusActive is the gateway status string that maps to
// SubscriptionActive; every other status maps to SubscriptionPastDue.
const providerStatusActive = "active"

// StateMachine holds transition authority over user subscription state.
// All operations are single atomic UpdateUser writes with no branching on
// why the event was sent, which makes the activation path order-independent:
// ApplyCheckoutCompleted and ApplyStatusUpdate overwrite the same target
// fields, so a late-arriving event is a harmless overwrite.
//
// Provisioning and notification are never performed here; that is the
// Coordinator's job, invoked by webhook handlers after the state write.
type StateMachine struct {
	store   Datastore
	policy  CancellationPolicy
	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// StateMachineConfig holds StateMachine configuration.
type StateMachineConfig struct {
	// CancellationPolicy defaults to CancelImmediately, matching the
	// production behavior this core was extracted from.
	CancellationPolicy CancellationPolicy

	// Logger is optional; defaults to NoopLogger.
	Logger Logger

	// Metrics is optional; defaults to NoopMetrics.
	Metrics Metrics

	// Now overrides the time source (tests). Defaults to time.Now.
	Now func() time.Time
}

// NewStateMachine creates a state machine backed by the given Datastore.
func NewStateMachine(store Datastore, config StateMachineConfig) (*StateMachine, error) {
	if store == nil {
		return nil, ErrStorageUnavailable
	}
	if config.CancellationPolicy == "" {
		config.CancellationPolicy = CancelImmediately
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
	return &StateMachine{
		store:   store,
		policy:  config.CancellationPolicy,
		logger:  config.Logger,
		metrics: config.Metrics,
		now:     config.Now,
	}, nil
}

// ApplyCheckoutCompleted moves a user to SubscriptionActive, setting plan,
// provider identifiers, and period dates in a single atomic update. This is
// the only entry point permitted to activate a user from a checkout flow.
func (m *StateMachine) ApplyCheckoutCompleted(
	ctx context.Context, userID, plan, providerSessionID, providerCustomerID, providerSubscriptionID string,
) (*User, error) {
	now := m.now().UTC()
	end := now.AddDate(0, 1, 0)
	state := SubscriptionActive

	patch := UserUpdate{
		SubscriptionState:     &state,
		SubscriptionPlan:      &plan,
		SubscriptionStartDate: &now,
		SubscriptionEndDate:   &end,
	}
	if providerCustomerID != "" {
		patch.ProviderCustomerID = &providerCustomerID
	}
	if providerSubscriptionID != "" {
		patch.ProviderSubscriptionID = &providerSubscriptionID
	}

	user, err := m.apply(ctx, userID, patch, SubscriptionActive)
	if err != nil {
		return nil, err
	}

	m.logger.Info("subscription activated",
		Field{Key: "user_id", Value: userID},
		Field{Key: "plan", Value: plan},
		Field{Key: "provider_session_id", Value: providerSessionID},
	)
	return user, nil
}

// ApplyStatusUpdate maps a provider subscription status onto
// {Active, PastDue} and writes it. An "active" status refreshes the period
// end date when the event carries one; any other status marks past due.
func (m *StateMachine) ApplyStatusUpdate(
	ctx context.Context, userID, providerStatus string, periodEnd time.Time,
) (*User, error) {
	state := SubscriptionPastDue
	patch := UserUpdate{}
	if providerStatus == providerStatusActive {
		state = SubscriptionActive
		if !periodEnd.IsZero() {
			end := periodEnd.UTC()
			patch.SubscriptionEndDate = &end
		}
	}
	patch.SubscriptionState = &state

	user, err := m.apply(ctx, userID, patch, state)
	if err != nil {
		return nil, err
	}

	m.logger.Info("subscription status updated",
		Field{Key: "user_id", Value: userID},
		Field{Key: "provider_status", Value: providerStatus},
		Field{Key: "state", Value: string(state)},
	)
	return user, nil
}

// ApplyCancellation moves a user to SubscriptionCancelled. The end date is
// stamped according to the configured CancellationPolicy.
func (m *StateMachine) ApplyCancellation(ctx context.Context, userID string) (*User, error) {
	state := SubscriptionCancelled
	patch := UserUpdate{SubscriptionState: &state}
	if m.policy == CancelImmediately {
		now := m.now().UTC()
		patch.SubscriptionEndDate = &now
	}

	user, err := m.apply(ctx, userID, patch, SubscriptionCancelled)
	if err != nil {
		return nil, err
	}

	m.logger.Info("subscription cancelled",
		Field{Key: "user_id", Value: userID},
		Field{Key: "policy", Value: string(m.policy)},
	)
	return user, nil
}

// ApplyRenewal extends the subscription end date one billing period from
// now and ensures the state is SubscriptionActive. Used on recurring
// invoice.payment_succeeded events, including recovery from past_due.
func (m *StateMachine) ApplyRenewal(ctx context.Context, userID, plan string) (*User, error) {
	now := m.now().UTC()
	end := now.AddDate(0, 1, 0)
	state := SubscriptionActive

	patch := UserUpdate{
		SubscriptionState:   &state,
		SubscriptionEndDate: &end,
	}
	if plan != "" {
		patch.SubscriptionPlan = &plan
	}

	user, err := m.apply(ctx, userID, patch, SubscriptionActive)
	if err != nil {
		return nil, err
	}

	m.logger.Info("subscription renewed",
		Field{Key: "user_id", Value: userID},
		Field{Key: "end_date", Value: end},
	)
	return user, nil
}

// apply reads the prior state for the transition metric, then performs the
// atomic patch. The read is observational only; correctness rests entirely
// on the UpdateUser write.
func (m *StateMachine) apply(ctx context.Context, userID string, patch UserUpdate, to SubscriptionState) (*User, error) {
	from := SubscriptionNone
	if prior, err := m.store.ReadUser(ctx, userID); err == nil {
		from = prior.SubscriptionState
	}

	user, err := m.store.UpdateUser(ctx, userID, patch)
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription state for %s: %w", userID, err)
	}

	m.metrics.RecordStateTransition(from, to)
	return user, nil
}

package gobilling_test

import (
	"context"
	"testing"
	"time"

	"github.com/merchmail/gobilling/pkg/gobilling"
	"github.com/merchmail/gobilling/storage/memory"
)

func seedUser(store *memory.Storage, id string) {
	store.PutUser(&gobilling.User{
		ID:                id,
		Email:             id + "@example.com",
		SubscriptionState: gobilling.SubscriptionNone,
	})
}

func newTestStateMachine(t *testing.T, store *memory.Storage, config gobilling.StateMachineConfig) *gobilling.StateMachine {
	t.Helper()
	sm, err := gobilling.NewStateMachine(store, config)
	if err != nil {
		t.Fatalf("failed to create state machine: %v", err)
	}
	return sm
}

func TestApplyCheckoutCompleted(t *testing.T) {
	store := memory.New()
	seedUser(store, "user1")
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	sm := newTestStateMachine(t, store, gobilling.StateMachineConfig{Now: func() time.Time { return now }})

	user, err := sm.ApplyCheckoutCompleted(context.Background(), "user1", "pro", "cs_1", "cus_1", "sub_1")
	if err != nil {
		t.Fatalf("ApplyCheckoutCompleted failed: %v", err)
	}

	if user.SubscriptionState != gobilling.SubscriptionActive {
		t.Errorf("expected active, got %s", user.SubscriptionState)
	}
	if user.SubscriptionPlan != "pro" {
		t.Errorf("expected plan pro, got %s", user.SubscriptionPlan)
	}
	if !user.SubscriptionStartDate.Equal(now) {
		t.Errorf("expected start %v, got %v", now, user.SubscriptionStartDate)
	}
	if want := now.AddDate(0, 1, 0); !user.SubscriptionEndDate.Equal(want) {
		t.Errorf("expected end %v, got %v", want, user.SubscriptionEndDate)
	}
	if user.ProviderCustomerID != "cus_1" || user.ProviderSubscriptionID != "sub_1" {
		t.Errorf("provider identifiers not stored: %+v", user)
	}
}

func TestApplyCheckoutCompleted_UserNotFound(t *testing.T) {
	store := memory.New()
	sm := newTestStateMachine(t, store, gobilling.StateMachineConfig{})

	_, err := sm.ApplyCheckoutCompleted(context.Background(), "ghost", "pro", "cs_1", "", "")
	if err == nil {
		t.Fatal("expected error for missing user")
	}
}

func TestApplyStatusUpdate(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	periodEnd := now.AddDate(0, 1, 0)

	tests := []struct {
		name           string
		providerStatus string
		periodEnd      time.Time
		wantState      gobilling.SubscriptionState
	}{
		{"active refreshes period", "active", periodEnd, gobilling.SubscriptionActive},
		{"active without period end", "active", time.Time{}, gobilling.SubscriptionActive},
		{"past_due", "past_due", time.Time{}, gobilling.SubscriptionPastDue},
		{"unpaid maps to past_due", "unpaid", time.Time{}, gobilling.SubscriptionPastDue},
		{"incomplete maps to past_due", "incomplete", time.Time{}, gobilling.SubscriptionPastDue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			seedUser(store, "user1")
			sm := newTestStateMachine(t, store, gobilling.StateMachineConfig{Now: func() time.Time { return now }})

			user, err := sm.ApplyStatusUpdate(context.Background(), "user1", tt.providerStatus, tt.periodEnd)
			if err != nil {
				t.Fatalf("ApplyStatusUpdate failed: %v", err)
			}
			if user.SubscriptionState != tt.wantState {
				t.Errorf("expected %s, got %s", tt.wantState, user.SubscriptionState)
			}
			if !tt.periodEnd.IsZero() && !user.SubscriptionEndDate.Equal(tt.periodEnd) {
				t.Errorf("expected end %v, got %v", tt.periodEnd, user.SubscriptionEndDate)
			}
		})
	}
}

func TestApplyCancellation_Immediate(t *testing.T) {
	store := memory.New()
	seedUser(store, "user1")
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	sm := newTestStateMachine(t, store, gobilling.StateMachineConfig{Now: func() time.Time { return now }})

	if _, err := sm.ApplyCheckoutCompleted(context.Background(), "user1", "pro", "cs_1", "", ""); err != nil {
		t.Fatalf("activation failed: %v", err)
	}

	user, err := sm.ApplyCancellation(context.Background(), "user1")
	if err != nil {
		t.Fatalf("ApplyCancellation failed: %v", err)
	}
	if user.SubscriptionState != gobilling.SubscriptionCancelled {
		t.Errorf("expected cancelled, got %s", user.SubscriptionState)
	}
	if !user.SubscriptionEndDate.Equal(now) {
		t.Errorf("expected immediate cutoff at %v, got %v", now, user.SubscriptionEndDate)
	}
}

func TestApplyCancellation_AtPeriodEnd(t *testing.T) {
	store := memory.New()
	seedUser(store, "user1")
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	sm := newTestStateMachine(t, store, gobilling.StateMachineConfig{
		CancellationPolicy: gobilling.CancelAtPeriodEnd,
		Now:                func() time.Time { return now },
	})

	if _, err := sm.ApplyCheckoutCompleted(context.Background(), "user1", "pro", "cs_1", "", ""); err != nil {
		t.Fatalf("activation failed: %v", err)
	}
	paidThrough := now.AddDate(0, 1, 0)

	user, err := sm.ApplyCancellation(context.Background(), "user1")
	if err != nil {
		t.Fatalf("ApplyCancellation failed: %v", err)
	}
	if user.SubscriptionState != gobilling.SubscriptionCancelled {
		t.Errorf("expected cancelled, got %s", user.SubscriptionState)
	}
	if !user.SubscriptionEndDate.Equal(paidThrough) {
		t.Errorf("expected access until %v, got %v", paidThrough, user.SubscriptionEndDate)
	}
}

func TestApplyRenewal_RecoversPastDue(t *testing.T) {
	store := memory.New()
	seedUser(store, "user1")
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	sm := newTestStateMachine(t, store, gobilling.StateMachineConfig{Now: func() time.Time { return now }})
	ctx := context.Background()

	if _, err := sm.ApplyStatusUpdate(ctx, "user1", "past_due", time.Time{}); err != nil {
		t.Fatalf("ApplyStatusUpdate failed: %v", err)
	}

	user, err := sm.ApplyRenewal(ctx, "user1", "pro")
	if err != nil {
		t.Fatalf("ApplyRenewal failed: %v", err)
	}
	if user.SubscriptionState != gobilling.SubscriptionActive {
		t.Errorf("expected active after renewal, got %s", user.SubscriptionState)
	}
	if want := now.AddDate(0, 1, 0); !user.SubscriptionEndDate.Equal(want) {
		t.Errorf("expected end %v, got %v", want, user.SubscriptionEndDate)
	}
	if user.SubscriptionPlan != "pro" {
		t.Errorf("expected plan pro, got %s", user.SubscriptionPlan)
	}
}

// The activation path must converge regardless of webhook ordering: Stripe
// makes no delivery-order promises, so checkout.session.completed and a
// subscription status update may land in either order.
func TestActivationOrderIndependence(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	periodEnd := now.AddDate(0, 1, 0)
	ctx := context.Background()

	run := func(t *testing.T, ops []func(sm *gobilling.StateMachine) error) *gobilling.User {
		t.Helper()
		store := memory.New()
		seedUser(store, "user1")
		sm := newTestStateMachine(t, store, gobilling.StateMachineConfig{Now: func() time.Time { return now }})
		for _, op := range ops {
			if err := op(sm); err != nil {
				t.Fatalf("operation failed: %v", err)
			}
		}
		user, err := store.ReadUser(ctx, "user1")
		if err != nil {
			t.Fatalf("ReadUser failed: %v", err)
		}
		return user
	}

	checkout := func(sm *gobilling.StateMachine) error {
		_, err := sm.ApplyCheckoutCompleted(ctx, "user1", "pro", "cs_1", "cus_1", "sub_1")
		return err
	}
	statusUpdate := func(sm *gobilling.StateMachine) error {
		_, err := sm.ApplyStatusUpdate(ctx, "user1", "active", periodEnd)
		return err
	}

	forward := run(t, []func(*gobilling.StateMachine) error{checkout, statusUpdate})
	reversed := run(t, []func(*gobilling.StateMachine) error{statusUpdate, checkout})

	for _, user := range []*gobilling.User{forward, reversed} {
		if user.SubscriptionState != gobilling.SubscriptionActive {
			t.Errorf("expected active, got %s", user.SubscriptionState)
		}
		if !user.SubscriptionEndDate.Equal(periodEnd) {
			t.Errorf("expected end %v, got %v", periodEnd, user.SubscriptionEndDate)
		}
	}
	if forward.SubscriptionPlan != reversed.SubscriptionPlan {
		t.Errorf("plan diverged by order: %q vs %q", forward.SubscriptionPlan, reversed.SubscriptionPlan)
	}
}

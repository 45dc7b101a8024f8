package gobilling_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/merchmail/gobilling/pkg/gobilling"
	"github.com/merchmail/gobilling/storage/memory"
)

type stubTelephony struct {
	calls atomic.Int64
	err   error
}

func (s *stubTelephony) AssignNumber(_ context.Context, userID string) (gobilling.PhoneNumber, error) {
	s.calls.Add(1)
	if s.err != nil {
		return gobilling.PhoneNumber{}, s.err
	}
	return gobilling.PhoneNumber{Number: "+15555550100", ProviderNumberID: "num_" + userID}, nil
}

type stubNotifier struct {
	mu     sync.Mutex
	emails []string
	tokens []string
	err    error
}

func (s *stubNotifier) SendVerificationEmail(_ context.Context, email, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.emails = append(s.emails, email)
	s.tokens = append(s.tokens, token)
	return nil
}

func (s *stubNotifier) sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.emails)
}

func TestOnActivated_AssignsPhoneAndSendsEmail(t *testing.T) {
	store := memory.New()
	seedUser(store, "user1")
	telephony := &stubTelephony{}
	notifier := &stubNotifier{}

	coordinator, err := gobilling.NewCoordinator(store, gobilling.CoordinatorConfig{
		Telephony: telephony,
		Notifier:  notifier,
		NewToken:  func() string { return "token-1" },
	})
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}
	ctx := context.Background()

	coordinator.OnActivated(ctx, "user1")

	user, err := store.ReadUser(ctx, "user1")
	if err != nil {
		t.Fatalf("ReadUser failed: %v", err)
	}
	if user.AssignedPhoneNumber != "+15555550100" {
		t.Errorf("expected phone assigned, got %q", user.AssignedPhoneNumber)
	}

	assignment, err := store.GetPhoneAssignment(ctx, "user1")
	if err != nil {
		t.Fatalf("GetPhoneAssignment failed: %v", err)
	}
	if assignment == nil || assignment.PhoneNumber != "+15555550100" {
		t.Errorf("expected assignment row, got %+v", assignment)
	}

	if notifier.sent() != 1 {
		t.Fatalf("expected 1 email, got %d", notifier.sent())
	}
	if notifier.emails[0] != "user1@example.com" || notifier.tokens[0] != "token-1" {
		t.Errorf("unexpected email delivery: %v %v", notifier.emails, notifier.tokens)
	}
}

func TestOnActivated_Idempotent(t *testing.T) {
	store := memory.New()
	seedUser(store, "user1")
	telephony := &stubTelephony{}

	coordinator, err := gobilling.NewCoordinator(store, gobilling.CoordinatorConfig{Telephony: telephony})
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}
	ctx := context.Background()

	coordinator.OnActivated(ctx, "user1")
	coordinator.OnActivated(ctx, "user1")

	if got := telephony.calls.Load(); got != 1 {
		t.Errorf("expected 1 carrier call, got %d", got)
	}
}

func TestOnActivated_HookFailureDoesNotStopSiblings(t *testing.T) {
	store := memory.New()
	seedUser(store, "user1")
	telephony := &stubTelephony{err: errors.New("carrier down")}
	notifier := &stubNotifier{}

	coordinator, err := gobilling.NewCoordinator(store, gobilling.CoordinatorConfig{
		Telephony: telephony,
		Notifier:  notifier,
	})
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}
	ctx := context.Background()

	coordinator.OnActivated(ctx, "user1")

	if notifier.sent() != 1 {
		t.Errorf("expected email despite phone failure, got %d deliveries", notifier.sent())
	}
	user, _ := store.ReadUser(ctx, "user1")
	if user.AssignedPhoneNumber != "" {
		t.Errorf("expected no phone after carrier failure, got %q", user.AssignedPhoneNumber)
	}

	// A later activation retries the failed hook.
	telephony.err = nil
	coordinator.OnActivated(ctx, "user1")
	user, _ = store.ReadUser(ctx, "user1")
	if user.AssignedPhoneNumber == "" {
		t.Error("expected phone assigned on retry")
	}
}

func TestOnActivated_SkipsEmailWhenAddressEmpty(t *testing.T) {
	store := memory.New()
	store.PutUser(&gobilling.User{ID: "user1", SubscriptionState: gobilling.SubscriptionActive})
	notifier := &stubNotifier{}

	coordinator, err := gobilling.NewCoordinator(store, gobilling.CoordinatorConfig{Notifier: notifier})
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}

	coordinator.OnActivated(context.Background(), "user1")

	if notifier.sent() != 0 {
		t.Errorf("expected no email for empty address, got %d", notifier.sent())
	}
}

func TestOnActivated_UnknownUserIsNoop(t *testing.T) {
	store := memory.New()
	telephony := &stubTelephony{}

	coordinator, err := gobilling.NewCoordinator(store, gobilling.CoordinatorConfig{Telephony: telephony})
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}

	coordinator.OnActivated(context.Background(), "ghost")

	if got := telephony.calls.Load(); got != 0 {
		t.Errorf("expected no carrier calls for unknown user, got %d", got)
	}
}

func TestRegisterHook_CustomHookRuns(t *testing.T) {
	store := memory.New()
	seedUser(store, "user1")

	coordinator, err := gobilling.NewCoordinator(store, gobilling.CoordinatorConfig{})
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}

	var ran atomic.Bool
	coordinator.RegisterHook(gobilling.ActivationHook{
		Name: "crm_sync",
		Run: func(_ context.Context, user *gobilling.User) error {
			if user.ID != "user1" {
				t.Errorf("hook got wrong user: %s", user.ID)
			}
			ran.Store(true)
			return nil
		},
	})

	coordinator.OnActivated(context.Background(), "user1")

	if !ran.Load() {
		t.Error("expected custom hook to run")
	}
}

func TestActivateAsync(t *testing.T) {
	store := memory.New()
	seedUser(store, "user1")
	notifier := &stubNotifier{}

	coordinator, err := gobilling.NewCoordinator(store, gobilling.CoordinatorConfig{
		Notifier: notifier,
		Timeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}

	coordinator.ActivateAsync("user1")

	deadline := time.Now().Add(2 * time.Second)
	for notifier.sent() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for async activation")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

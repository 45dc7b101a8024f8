package gobilling_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/merchmail/gobilling/pkg/gobilling"
	"github.com/merchmail/gobilling/storage/memory"
)

func newTestTracker(t *testing.T, store *memory.Storage, now func() time.Time) *gobilling.CheckoutTracker {
	t.Helper()
	tracker, err := gobilling.NewCheckoutTracker(store, gobilling.TrackerConfig{Now: now})
	if err != nil {
		t.Fatalf("failed to create tracker: %v", err)
	}
	return tracker
}

func TestGetOrCreate_ReturnsExistingPending(t *testing.T) {
	store := memory.New()
	tracker := newTestTracker(t, store, nil)
	ctx := context.Background()

	first, err := tracker.GetOrCreate(ctx, "user1", "a@b.com", "pro", 2900, gobilling.ProviderStripe)
	if err != nil {
		t.Fatalf("first GetOrCreate failed: %v", err)
	}
	second, err := tracker.GetOrCreate(ctx, "user1", "a@b.com", "pro", 2900, gobilling.ProviderStripe)
	if err != nil {
		t.Fatalf("second GetOrCreate failed: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("expected same session, got %s and %s", first.ID, second.ID)
	}
	if second.Status != gobilling.SessionPending {
		t.Errorf("expected pending status, got %s", second.Status)
	}
}

func TestGetOrCreate_DifferentPlansGetDifferentSessions(t *testing.T) {
	store := memory.New()
	tracker := newTestTracker(t, store, nil)
	ctx := context.Background()

	pro, err := tracker.GetOrCreate(ctx, "user1", "a@b.com", "pro", 2900, gobilling.ProviderStripe)
	if err != nil {
		t.Fatalf("GetOrCreate pro failed: %v", err)
	}
	starter, err := tracker.GetOrCreate(ctx, "user1", "a@b.com", "starter", 900, gobilling.ProviderStripe)
	if err != nil {
		t.Fatalf("GetOrCreate starter failed: %v", err)
	}

	if pro.ID == starter.ID {
		t.Error("expected distinct sessions per plan")
	}
}

func TestGetOrCreate_ReplacesStalePending(t *testing.T) {
	store := memory.New()
	current := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	tracker := newTestTracker(t, store, now)
	ctx := context.Background()

	stale, err := tracker.GetOrCreate(ctx, "user1", "a@b.com", "pro", 2900, gobilling.ProviderStripe)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	// Past the TTL without the sweep having run.
	mu.Lock()
	current = current.Add(gobilling.DefaultSessionTTL + time.Hour)
	mu.Unlock()

	fresh, err := tracker.GetOrCreate(ctx, "user1", "a@b.com", "pro", 2900, gobilling.ProviderStripe)
	if err != nil {
		t.Fatalf("GetOrCreate after TTL failed: %v", err)
	}
	if fresh.ID == stale.ID {
		t.Fatal("expected a fresh session after the old one went stale")
	}

	old, err := store.GetSession(ctx, stale.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if old.Status != gobilling.SessionExpired {
		t.Errorf("expected stale session expired, got %s", old.Status)
	}
}

func TestGetOrCreate_ConcurrentCallsShareOneSession(t *testing.T) {
	store := memory.New()
	tracker := newTestTracker(t, store, nil)
	ctx := context.Background()

	const workers = 16
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session, err := tracker.GetOrCreate(ctx, "user1", "a@b.com", "pro", 2900, gobilling.ProviderStripe)
			if err != nil {
				t.Errorf("GetOrCreate failed: %v", err)
				return
			}
			ids[i] = session.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("worker %d got session %s, worker 0 got %s", i, ids[i], ids[0])
		}
	}
}

func TestComplete_StampsProviderIdentifiers(t *testing.T) {
	store := memory.New()
	tracker := newTestTracker(t, store, nil)
	ctx := context.Background()

	session, err := tracker.GetOrCreate(ctx, "user1", "a@b.com", "pro", 2900, gobilling.ProviderStripe)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	completed, err := tracker.Complete(ctx, session.ID, "cs_123", "cus_456")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if completed.Status != gobilling.SessionCompleted {
		t.Errorf("expected completed, got %s", completed.Status)
	}
	if completed.ProviderSessionID != "cs_123" || completed.ProviderCustomerID != "cus_456" {
		t.Errorf("provider identifiers not stamped: %+v", completed)
	}
	if completed.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
}

func TestComplete_TerminalSessionIsImmutable(t *testing.T) {
	store := memory.New()
	tracker := newTestTracker(t, store, nil)
	ctx := context.Background()

	session, err := tracker.GetOrCreate(ctx, "user1", "a@b.com", "pro", 2900, gobilling.ProviderStripe)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if _, err := tracker.Complete(ctx, session.ID, "cs_123", ""); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if _, err := tracker.Complete(ctx, session.ID, "cs_999", ""); !errors.Is(err, gobilling.ErrSessionTerminal) {
		t.Errorf("expected ErrSessionTerminal on re-complete, got %v", err)
	}
	if _, err := tracker.Cancel(ctx, session.ID); !errors.Is(err, gobilling.ErrSessionTerminal) {
		t.Errorf("expected ErrSessionTerminal on cancel after complete, got %v", err)
	}

	// The original completion must not have been overwritten.
	got, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.ProviderSessionID != "cs_123" {
		t.Errorf("terminal session mutated: %s", got.ProviderSessionID)
	}
}

func TestCompletePending_NoPendingSession(t *testing.T) {
	store := memory.New()
	tracker := newTestTracker(t, store, nil)

	_, err := tracker.CompletePending(context.Background(), "user1", "pro", "cs_1", "")
	if !errors.Is(err, gobilling.ErrNoPendingSession) {
		t.Errorf("expected ErrNoPendingSession, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	store := memory.New()
	tracker := newTestTracker(t, store, nil)
	ctx := context.Background()

	session, err := tracker.GetOrCreate(ctx, "user1", "a@b.com", "pro", 2900, gobilling.ProviderStripe)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	cancelled, err := tracker.Cancel(ctx, session.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != gobilling.SessionCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}
	if cancelled.CancelledAt == nil {
		t.Error("expected CancelledAt to be set")
	}

	// The pending slot frees up for a new attempt.
	fresh, err := tracker.GetOrCreate(ctx, "user1", "a@b.com", "pro", 2900, gobilling.ProviderStripe)
	if err != nil {
		t.Fatalf("GetOrCreate after cancel failed: %v", err)
	}
	if fresh.ID == session.ID {
		t.Error("expected a new session after cancellation")
	}
}

func TestExpireStale_OnlyTouchesPendingPastTTL(t *testing.T) {
	store := memory.New()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	current := start
	tracker := newTestTracker(t, store, func() time.Time { return current })
	ctx := context.Background()

	stale1, _ := tracker.GetOrCreate(ctx, "user1", "a@b.com", "pro", 2900, gobilling.ProviderStripe)
	stale2, _ := tracker.GetOrCreate(ctx, "user2", "c@d.com", "pro", 2900, gobilling.ProviderStripe)
	done, _ := tracker.GetOrCreate(ctx, "user3", "e@f.com", "pro", 2900, gobilling.ProviderStripe)
	if _, err := tracker.Complete(ctx, done.ID, "cs_1", ""); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	current = start.Add(gobilling.DefaultSessionTTL + time.Minute)

	count, err := tracker.ExpireStale(ctx, current)
	if err != nil {
		t.Fatalf("ExpireStale failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 expired, got %d", count)
	}

	for _, id := range []string{stale1.ID, stale2.ID} {
		got, _ := store.GetSession(ctx, id)
		if got.Status != gobilling.SessionExpired {
			t.Errorf("session %s: expected expired, got %s", id, got.Status)
		}
	}
	gotDone, _ := store.GetSession(ctx, done.ID)
	if gotDone.Status != gobilling.SessionCompleted {
		t.Errorf("completed session touched by sweep: %s", gotDone.Status)
	}

	// Re-running the sweep finds nothing.
	count, err = tracker.ExpireStale(ctx, current)
	if err != nil {
		t.Fatalf("second ExpireStale failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 on re-run, got %d", count)
	}
}

func TestExpireStale_RacesWithComplete(t *testing.T) {
	store := memory.New()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	current := start
	tracker := newTestTracker(t, store, func() time.Time { return current })
	ctx := context.Background()

	session, _ := tracker.GetOrCreate(ctx, "user1", "a@b.com", "pro", 2900, gobilling.ProviderStripe)
	current = start.Add(gobilling.DefaultSessionTTL + time.Minute)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = tracker.ExpireStale(ctx, current)
	}()
	go func() {
		defer wg.Done()
		_, _ = tracker.Complete(ctx, session.ID, "cs_1", "")
	}()
	wg.Wait()

	got, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	// Either side may win, but exactly one terminal state holds.
	if got.Status != gobilling.SessionCompleted && got.Status != gobilling.SessionExpired {
		t.Errorf("unexpected status after race: %s", got.Status)
	}
}

package gobilling

import (
	"context"
	"time"
)

// IdempotencyGuard records which provider event IDs have been fully
// processed, so replayed or duplicated deliveries become no-ops.
//
// HasProcessed is a fast path only. The correctness mechanism is the
// datastore's uniqueness constraint behind InsertProcessedEvent: two
// instances racing the same event both reach MarkProcessed, and exactly
// one insert wins.
type IdempotencyGuard struct {
	store  Datastore
	logger Logger
	now    func() time.Time
}

// GuardConfig holds IdempotencyGuard configuration.
type GuardConfig struct {
	// Logger is optional; defaults to NoopLogger.
	Logger Logger

	// Now overrides the time source (tests). Defaults to time.Now.
	Now func() time.Time
}

// NewIdempotencyGuard creates a guard backed by the given Datastore.
func NewIdempotencyGuard(store Datastore, config GuardConfig) (*IdempotencyGuard, error) {
	if store == nil {
		return nil, ErrStorageUnavailable
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &IdempotencyGuard{store: store, logger: config.Logger, now: config.Now}, nil
}

// HasProcessed reports whether the ledger already contains the event.
// Used to skip redundant handler work, never as a correctness gate.
func (g *IdempotencyGuard) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	return g.store.HasProcessedEvent(ctx, eventID)
}

// MarkProcessed writes the event into the ledger. A uniqueness conflict
// surfaces as ErrAlreadyProcessed, which callers treat as benign.
func (g *IdempotencyGuard) MarkProcessed(ctx context.Context, eventID, eventType string) error {
	err := g.store.InsertProcessedEvent(ctx, &ProcessedEvent{
		ProviderEventID: eventID,
		EventType:       eventType,
		ProcessedAt:     g.now().UTC(),
	})
	if err != nil {
		return err
	}

	g.logger.Debug("event marked processed",
		Field{Key: "event_id", Value: eventID},
		Field{Key: "event_type", Value: eventType},
	)
	return nil
}

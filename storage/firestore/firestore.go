// Package firestore provides a Firestore implementation of the
// gobilling.Datastore interface. Conditional mutations run inside Firestore
// transactions; uniqueness constraints (idempotency ledger, phone
// assignments, the one-pending-session rule) lean on document Create, which
// fails with AlreadyExists when another writer got there first.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/merchmail/gobilling/pkg/gobilling"
)

// Storage implements gobilling.Datastore using Google Cloud Firestore
type Storage struct {
	client             *firestore.Client
	usersCollection    string
	sessionsCollection string
	pendingCollection  string
	eventsCollection   string
	phonesCollection   string
}

// Config holds Firestore storage configuration
type Config struct {
	// UsersCollection is the Firestore collection holding user records
	// Default: "users"
	UsersCollection string

	// SessionsCollection is the Firestore collection for checkout sessions
	// Default: "checkout_sessions"
	SessionsCollection string

	// PendingCollection holds one lock document per (user, plan) with a
	// pending session. Default: "pending_checkouts"
	PendingCollection string

	// EventsCollection is the idempotency ledger collection
	// Default: "processed_events"
	EventsCollection string

	// PhonesCollection is the phone assignment collection
	// Default: "phone_assignments"
	PhonesCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.UsersCollection == "" {
		config.UsersCollection = "users"
	}
	if config.SessionsCollection == "" {
		config.SessionsCollection = "checkout_sessions"
	}
	if config.PendingCollection == "" {
		config.PendingCollection = "pending_checkouts"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "processed_events"
	}
	if config.PhonesCollection == "" {
		config.PhonesCollection = "phone_assignments"
	}

	return &Storage{
		client:             client,
		usersCollection:    config.UsersCollection,
		sessionsCollection: config.SessionsCollection,
		pendingCollection:  config.PendingCollection,
		eventsCollection:   config.EventsCollection,
		phonesCollection:   config.PhonesCollection,
	}, nil
}

// ReadUser implements gobilling.Datastore.
func (s *Storage) ReadUser(ctx context.Context, id string) (*gobilling.User, error) {
	snap, err := s.client.Collection(s.usersCollection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, gobilling.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to read user: %w", err)
	}
	return userFromDoc(id, snap.Data()), nil
}

// UpdateUser implements gobilling.Datastore.
func (s *Storage) UpdateUser(ctx context.Context, id string, patch gobilling.UserUpdate) (*gobilling.User, error) {
	doc := s.client.Collection(s.usersCollection).Doc(id)
	var updated *gobilling.User

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return gobilling.ErrUserNotFound
			}
			return err
		}

		fields := map[string]interface{}{}
		if patch.SubscriptionState != nil {
			fields["subscriptionState"] = string(*patch.SubscriptionState)
		}
		if patch.SubscriptionPlan != nil {
			fields["subscriptionPlan"] = *patch.SubscriptionPlan
		}
		if patch.SubscriptionStartDate != nil {
			fields["subscriptionStart"] = *patch.SubscriptionStartDate
		}
		if patch.SubscriptionEndDate != nil {
			fields["subscriptionEnd"] = *patch.SubscriptionEndDate
		}
		if patch.ProviderCustomerID != nil {
			fields["providerCustomerId"] = *patch.ProviderCustomerID
		}
		if patch.ProviderSubscriptionID != nil {
			fields["providerSubscriptionId"] = *patch.ProviderSubscriptionID
		}
		if patch.AssignedPhoneNumber != nil {
			fields["assignedPhoneNumber"] = *patch.AssignedPhoneNumber
		}

		data := snap.Data()
		for k, v := range fields {
			data[k] = v
		}
		updated = userFromDoc(id, data)

		if len(fields) == 0 {
			return nil
		}
		return tx.Set(doc, fields, firestore.MergeAll)
	})
	if err != nil {
		if errors.Is(err, gobilling.ErrUserNotFound) {
			return nil, gobilling.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	return updated, nil
}

// GetPendingSession implements gobilling.Datastore.
func (s *Storage) GetPendingSession(ctx context.Context, userID, plan string) (*gobilling.CheckoutSession, error) {
	snap, err := s.pendingDoc(userID, plan).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, gobilling.ErrNoPendingSession
		}
		return nil, fmt.Errorf("failed to resolve pending session: %w", err)
	}

	sessionID := getString(snap.Data(), "sessionId")
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != gobilling.SessionPending {
		return nil, gobilling.ErrNoPendingSession
	}
	return session, nil
}

// CreateSession implements gobilling.Datastore. The lock document with the
// deterministic ID userID_plan is the uniqueness constraint: whoever creates
// it owns the pending slot, everyone else gets the winner's session back.
func (s *Storage) CreateSession(ctx context.Context, session *gobilling.CheckoutSession) (*gobilling.CheckoutSession, error) {
	if session == nil || session.ID == "" {
		return nil, fmt.Errorf("invalid checkout session")
	}

	lockDoc := s.pendingDoc(session.UserID, session.Plan)
	sessionDoc := s.client.Collection(s.sessionsCollection).Doc(session.ID)
	var winnerID string

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(lockDoc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			winnerID = getString(snap.Data(), "sessionId")
			return nil
		}

		winnerID = session.ID
		if err := tx.Create(lockDoc, map[string]interface{}{
			"sessionId": session.ID,
			"userId":    session.UserID,
			"plan":      session.Plan,
		}); err != nil {
			return err
		}
		return tx.Create(sessionDoc, sessionToDoc(session))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	return s.GetSession(ctx, winnerID)
}

// GetSession implements gobilling.Datastore.
func (s *Storage) GetSession(ctx context.Context, id string) (*gobilling.CheckoutSession, error) {
	snap, err := s.client.Collection(s.sessionsCollection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, gobilling.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sessionFromDoc(id, snap.Data()), nil
}

// TransitionSession implements gobilling.Datastore.
func (s *Storage) TransitionSession(
	ctx context.Context, id string, from, to gobilling.SessionStatus, patch gobilling.SessionUpdate,
) (*gobilling.CheckoutSession, error) {
	sessionDoc := s.client.Collection(s.sessionsCollection).Doc(id)
	var result *gobilling.CheckoutSession

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(sessionDoc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return gobilling.ErrSessionNotFound
			}
			return err
		}

		data := snap.Data()
		current := gobilling.SessionStatus(getString(data, "status"))
		if current != from {
			if current.Terminal() {
				return gobilling.ErrSessionTerminal
			}
			return fmt.Errorf("session %s is %s, expected %s", id, current, from)
		}

		fields := map[string]interface{}{"status": string(to)}
		if patch.ProviderSessionID != nil {
			fields["providerSessionId"] = *patch.ProviderSessionID
		}
		if patch.ProviderCustomerID != nil {
			fields["providerCustomerId"] = *patch.ProviderCustomerID
		}
		if patch.CompletedAt != nil {
			fields["completedAt"] = *patch.CompletedAt
		}
		if patch.CancelledAt != nil {
			fields["cancelledAt"] = *patch.CancelledAt
		}

		for k, v := range fields {
			data[k] = v
		}
		result = sessionFromDoc(id, data)

		if from == gobilling.SessionPending {
			lockDoc := s.pendingDoc(getString(data, "userId"), getString(data, "plan"))
			if err := tx.Delete(lockDoc); err != nil {
				return err
			}
		}
		return tx.Set(sessionDoc, fields, firestore.MergeAll)
	})
	if err != nil {
		if errors.Is(err, gobilling.ErrSessionNotFound) || errors.Is(err, gobilling.ErrSessionTerminal) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to transition session: %w", err)
	}
	return result, nil
}

// ExpireStaleSessions implements gobilling.Datastore. Candidates come from a
// query (needs a composite index on status + expiresAt); each one is then
// transitioned transactionally, so a session completed mid-sweep is skipped.
func (s *Storage) ExpireStaleSessions(ctx context.Context, now time.Time) (int, error) {
	docs, err := s.client.Collection(s.sessionsCollection).
		Where("status", "==", string(gobilling.SessionPending)).
		Where("expiresAt", "<", now).
		Documents(ctx).GetAll()
	if err != nil {
		return 0, fmt.Errorf("failed to list stale sessions: %w", err)
	}

	expired := 0
	for _, snap := range docs {
		_, err := s.TransitionSession(ctx, snap.Ref.ID, gobilling.SessionPending, gobilling.SessionExpired, gobilling.SessionUpdate{})
		switch {
		case err == nil:
			expired++
		case errors.Is(err, gobilling.ErrSessionTerminal), errors.Is(err, gobilling.ErrSessionNotFound):
			// Lost the race to a completion or a concurrent sweep.
		default:
			return expired, err
		}
	}
	return expired, nil
}

// InsertProcessedEvent implements gobilling.Datastore.
func (s *Storage) InsertProcessedEvent(ctx context.Context, event *gobilling.ProcessedEvent) error {
	if event == nil || event.ProviderEventID == "" {
		return fmt.Errorf("invalid processed event")
	}

	_, err := s.client.Collection(s.eventsCollection).Doc(event.ProviderEventID).Create(ctx, map[string]interface{}{
		"eventType":   event.EventType,
		"processedAt": event.ProcessedAt,
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return gobilling.ErrAlreadyProcessed
		}
		return fmt.Errorf("failed to insert processed event: %w", err)
	}
	return nil
}

// HasProcessedEvent implements gobilling.Datastore.
func (s *Storage) HasProcessedEvent(ctx context.Context, providerEventID string) (bool, error) {
	_, err := s.client.Collection(s.eventsCollection).Doc(providerEventID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return true, nil
}

// InsertPhoneAssignment implements gobilling.Datastore.
func (s *Storage) InsertPhoneAssignment(ctx context.Context, assignment *gobilling.PhoneAssignment) error {
	if assignment == nil || assignment.UserID == "" {
		return fmt.Errorf("invalid phone assignment")
	}

	_, err := s.client.Collection(s.phonesCollection).Doc(assignment.UserID).Create(ctx, map[string]interface{}{
		"phoneNumber":      assignment.PhoneNumber,
		"providerNumberId": assignment.ProviderNumberID,
		"assignedAt":       assignment.AssignedAt,
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return gobilling.ErrPhoneAlreadyAssigned
		}
		return fmt.Errorf("failed to insert phone assignment: %w", err)
	}
	return nil
}

// GetPhoneAssignment implements gobilling.Datastore.
func (s *Storage) GetPhoneAssignment(ctx context.Context, userID string) (*gobilling.PhoneAssignment, error) {
	snap, err := s.client.Collection(s.phonesCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get phone assignment: %w", err)
	}

	data := snap.Data()
	return &gobilling.PhoneAssignment{
		UserID:           userID,
		PhoneNumber:      getString(data, "phoneNumber"),
		ProviderNumberID: getString(data, "providerNumberId"),
		AssignedAt:       getTime(data, "assignedAt"),
	}, nil
}

// Close closes the Firestore client
func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) pendingDoc(userID, plan string) *firestore.DocumentRef {
	return s.client.Collection(s.pendingCollection).Doc(userID + "_" + plan)
}

// Helper functions for extracting typed values from Firestore documents

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}

func getTimePtr(data map[string]interface{}, key string) *time.Time {
	if v, ok := data[key].(time.Time); ok && !v.IsZero() {
		return &v
	}
	return nil
}

func userFromDoc(id string, data map[string]interface{}) *gobilling.User {
	return &gobilling.User{
		ID:                     id,
		Email:                  getString(data, "email"),
		SubscriptionState:      gobilling.SubscriptionState(getString(data, "subscriptionState")),
		SubscriptionPlan:       getString(data, "subscriptionPlan"),
		SubscriptionStartDate:  getTime(data, "subscriptionStart"),
		SubscriptionEndDate:    getTime(data, "subscriptionEnd"),
		ProviderCustomerID:     getString(data, "providerCustomerId"),
		ProviderSubscriptionID: getString(data, "providerSubscriptionId"),
		AssignedPhoneNumber:    getString(data, "assignedPhoneNumber"),
	}
}

func sessionToDoc(session *gobilling.CheckoutSession) map[string]interface{} {
	doc := map[string]interface{}{
		"userId":             session.UserID,
		"email":              session.Email,
		"plan":               session.Plan,
		"price":              session.Price,
		"provider":           string(session.Provider),
		"status":             string(session.Status),
		"providerSessionId":  session.ProviderSessionID,
		"providerCustomerId": session.ProviderCustomerID,
		"createdAt":          session.CreatedAt,
		"expiresAt":          session.ExpiresAt,
	}
	if session.CompletedAt != nil {
		doc["completedAt"] = *session.CompletedAt
	}
	if session.CancelledAt != nil {
		doc["cancelledAt"] = *session.CancelledAt
	}
	return doc
}

func sessionFromDoc(id string, data map[string]interface{}) *gobilling.CheckoutSession {
	return &gobilling.CheckoutSession{
		ID:                 id,
		UserID:             getString(data, "userId"),
		Email:              getString(data, "email"),
		Plan:               getString(data, "plan"),
		Price:              getInt64(data, "price"),
		Provider:           gobilling.PaymentProvider(getString(data, "provider")),
		Status:             gobilling.SessionStatus(getString(data, "status")),
		ProviderSessionID:  getString(data, "providerSessionId"),
		ProviderCustomerID: getString(data, "providerCustomerId"),
		CreatedAt:          getTime(data, "createdAt"),
		ExpiresAt:          getTime(data, "expiresAt"),
		CompletedAt:        getTimePtr(data, "completedAt"),
		CancelledAt:        getTimePtr(data, "cancelledAt"),
	}
}

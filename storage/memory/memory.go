// Package memory provides an in-memory implementation of the
// gobilling.Datastore interface. This implementation is primarily intended
// for testing and development; conditional semantics match the durable
// backends so concurrency properties can be exercised without a database.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/merchmail/gobilling/pkg/gobilling"
)

// Storage implements gobilling.Datastore using in-memory maps.
type Storage struct {
	mu          sync.RWMutex
	users       map[string]*gobilling.User
	sessions    map[string]*gobilling.CheckoutSession
	pendingIdx  map[string]string // (userID, plan) -> session ID, pending rows only
	processed   map[string]*gobilling.ProcessedEvent
	assignments map[string]*gobilling.PhoneAssignment
}

// New creates a new in-memory storage adapter.
func New() *Storage {
	return &Storage{
		users:       make(map[string]*gobilling.User),
		sessions:    make(map[string]*gobilling.CheckoutSession),
		pendingIdx:  make(map[string]string),
		processed:   make(map[string]*gobilling.ProcessedEvent),
		assignments: make(map[string]*gobilling.PhoneAssignment),
	}
}

// PutUser seeds a user record. Test/dev helper; the billing core never
// creates users itself.
func (s *Storage) PutUser(user *gobilling.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	userCopy := *user
	s.users[user.ID] = &userCopy
}

// ReadUser implements gobilling.Datastore.
func (s *Storage) ReadUser(ctx context.Context, id string) (*gobilling.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, gobilling.ErrUserNotFound
	}
	userCopy := *user
	return &userCopy, nil
}

// UpdateUser implements gobilling.Datastore.
func (s *Storage) UpdateUser(ctx context.Context, id string, patch gobilling.UserUpdate) (*gobilling.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok {
		return nil, gobilling.ErrUserNotFound
	}

	if patch.SubscriptionState != nil {
		user.SubscriptionState = *patch.SubscriptionState
	}
	if patch.SubscriptionPlan != nil {
		user.SubscriptionPlan = *patch.SubscriptionPlan
	}
	if patch.SubscriptionStartDate != nil {
		user.SubscriptionStartDate = *patch.SubscriptionStartDate
	}
	if patch.SubscriptionEndDate != nil {
		user.SubscriptionEndDate = *patch.SubscriptionEndDate
	}
	if patch.ProviderCustomerID != nil {
		user.ProviderCustomerID = *patch.ProviderCustomerID
	}
	if patch.ProviderSubscriptionID != nil {
		user.ProviderSubscriptionID = *patch.ProviderSubscriptionID
	}
	if patch.AssignedPhoneNumber != nil {
		user.AssignedPhoneNumber = *patch.AssignedPhoneNumber
	}

	userCopy := *user
	return &userCopy, nil
}

// GetPendingSession implements gobilling.Datastore.
func (s *Storage) GetPendingSession(ctx context.Context, userID, plan string) (*gobilling.CheckoutSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.pendingIdx[pendingKey(userID, plan)]
	if !ok {
		return nil, gobilling.ErrNoPendingSession
	}
	sessionCopy := *s.sessions[id]
	return &sessionCopy, nil
}

// CreateSession implements gobilling.Datastore. The pending index plays the
// role of the partial unique index: a concurrent creator loses and receives
// the winning row.
func (s *Storage) CreateSession(ctx context.Context, session *gobilling.CheckoutSession) (*gobilling.CheckoutSession, error) {
	if session == nil || session.ID == "" {
		return nil, fmt.Errorf("invalid checkout session")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := pendingKey(session.UserID, session.Plan)
	if existingID, ok := s.pendingIdx[key]; ok {
		existingCopy := *s.sessions[existingID]
		return &existingCopy, nil
	}

	sessionCopy := *session
	sessionCopy.Status = gobilling.SessionPending
	s.sessions[session.ID] = &sessionCopy
	s.pendingIdx[key] = session.ID

	resultCopy := sessionCopy
	return &resultCopy, nil
}

// GetSession implements gobilling.Datastore.
func (s *Storage) GetSession(ctx context.Context, id string) (*gobilling.CheckoutSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, gobilling.ErrSessionNotFound
	}
	sessionCopy := *session
	return &sessionCopy, nil
}

// TransitionSession implements gobilling.Datastore.
func (s *Storage) TransitionSession(
	ctx context.Context, id string, from, to gobilling.SessionStatus, patch gobilling.SessionUpdate,
) (*gobilling.CheckoutSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, gobilling.ErrSessionNotFound
	}
	if session.Status != from {
		if session.Status.Terminal() {
			return nil, gobilling.ErrSessionTerminal
		}
		return nil, fmt.Errorf("session %s is %s, expected %s", id, session.Status, from)
	}

	session.Status = to
	if patch.ProviderSessionID != nil {
		session.ProviderSessionID = *patch.ProviderSessionID
	}
	if patch.ProviderCustomerID != nil {
		session.ProviderCustomerID = *patch.ProviderCustomerID
	}
	if patch.CompletedAt != nil {
		completedAt := *patch.CompletedAt
		session.CompletedAt = &completedAt
	}
	if patch.CancelledAt != nil {
		cancelledAt := *patch.CancelledAt
		session.CancelledAt = &cancelledAt
	}

	if from == gobilling.SessionPending && to != gobilling.SessionPending {
		delete(s.pendingIdx, pendingKey(session.UserID, session.Plan))
	}

	sessionCopy := *session
	return &sessionCopy, nil
}

// ExpireStaleSessions implements gobilling.Datastore.
func (s *Storage) ExpireStaleSessions(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, session := range s.sessions {
		if session.Status == gobilling.SessionPending && session.ExpiresAt.Before(now) {
			session.Status = gobilling.SessionExpired
			delete(s.pendingIdx, pendingKey(session.UserID, session.Plan))
			count++
		}
	}
	return count, nil
}

// InsertProcessedEvent implements gobilling.Datastore.
func (s *Storage) InsertProcessedEvent(ctx context.Context, event *gobilling.ProcessedEvent) error {
	if event == nil || event.ProviderEventID == "" {
		return fmt.Errorf("invalid processed event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.processed[event.ProviderEventID]; ok {
		return gobilling.ErrAlreadyProcessed
	}
	eventCopy := *event
	s.processed[event.ProviderEventID] = &eventCopy
	return nil
}

// HasProcessedEvent implements gobilling.Datastore.
func (s *Storage) HasProcessedEvent(ctx context.Context, providerEventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.processed[providerEventID]
	return ok, nil
}

// InsertPhoneAssignment implements gobilling.Datastore.
func (s *Storage) InsertPhoneAssignment(ctx context.Context, assignment *gobilling.PhoneAssignment) error {
	if assignment == nil || assignment.UserID == "" {
		return fmt.Errorf("invalid phone assignment")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.assignments[assignment.UserID]; ok {
		return gobilling.ErrPhoneAlreadyAssigned
	}
	assignmentCopy := *assignment
	s.assignments[assignment.UserID] = &assignmentCopy
	return nil
}

// GetPhoneAssignment implements gobilling.Datastore.
func (s *Storage) GetPhoneAssignment(ctx context.Context, userID string) (*gobilling.PhoneAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	assignment, ok := s.assignments[userID]
	if !ok {
		return nil, nil
	}
	assignmentCopy := *assignment
	return &assignmentCopy, nil
}

// Clear removes all data (useful for testing).
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = make(map[string]*gobilling.User)
	s.sessions = make(map[string]*gobilling.CheckoutSession)
	s.pendingIdx = make(map[string]string)
	s.processed = make(map[string]*gobilling.ProcessedEvent)
	s.assignments = make(map[string]*gobilling.PhoneAssignment)
}

func pendingKey(userID, plan string) string {
	return userID + "\x00" + plan
}

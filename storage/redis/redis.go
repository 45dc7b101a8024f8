// Package redis provides a Redis implementation of the gobilling.Datastore
// interface. Entities are stored as hashes and every conditional mutation
// runs as a Lua script, so concurrent webhook deliveries racing on the same
// session or ledger row are serialized by Redis itself.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/merchmail/gobilling/pkg/gobilling"
)

// Storage implements gobilling.Datastore using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gobilling:")
	KeyPrefix string

	// EventTTL is the TTL for idempotency ledger rows (0 = no expiration).
	// Stripe retries deliveries for days, so keep this generous.
	EventTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "gobilling:",
		EventTTL:  30 * 24 * time.Hour,
	}
}

// New creates a new Redis storage adapter.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "gobilling:"
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}

	s.loadScripts()

	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Patch user fields only if the user exists.
	s.scripts["patchUser"] = redis.NewScript(`
		local userKey = KEYS[1]

		if redis.call('EXISTS', userKey) == 0 then
			return 0
		end

		for i = 1, #ARGV, 2 do
			redis.call('HSET', userKey, ARGV[i], ARGV[i+1])
		end
		return 1
	`)

	// Claim the pending slot for (user, plan). The lock key holds the
	// session ID of the single pending session; the zset orders pending
	// sessions by expiry for the sweep.
	s.scripts["createSession"] = redis.NewScript(`
		local lockKey = KEYS[1]
		local sessionKey = KEYS[2]
		local pendingKey = KEYS[3]
		local sessionID = ARGV[1]
		local expiresAt = tonumber(ARGV[2])

		local existing = redis.call('GET', lockKey)
		if existing then
			return {0, existing}
		end

		redis.call('SET', lockKey, sessionID)
		for i = 3, #ARGV, 2 do
			redis.call('HSET', sessionKey, ARGV[i], ARGV[i+1])
		end
		redis.call('ZADD', pendingKey, expiresAt, sessionID)
		return {1, sessionID}
	`)

	// Conditional status transition. Releases the pending lock and removes
	// the session from the expiry zset when it leaves pending.
	s.scripts["transitionSession"] = redis.NewScript(`
		local sessionKey = KEYS[1]
		local lockKey = KEYS[2]
		local pendingKey = KEYS[3]
		local from = ARGV[1]
		local to = ARGV[2]
		local sessionID = ARGV[3]

		if redis.call('EXISTS', sessionKey) == 0 then
			return {-1, ''}
		end

		local status = redis.call('HGET', sessionKey, 'status')
		if status ~= from then
			return {0, status}
		end

		redis.call('HSET', sessionKey, 'status', to)
		for i = 4, #ARGV, 2 do
			redis.call('HSET', sessionKey, ARGV[i], ARGV[i+1])
		end
		if from == 'pending' then
			if redis.call('GET', lockKey) == sessionID then
				redis.call('DEL', lockKey)
			end
			redis.call('ZREM', pendingKey, sessionID)
		end
		return {1, to}
	`)
}

// ReadUser implements gobilling.Datastore.
func (s *Storage) ReadUser(ctx context.Context, id string) (*gobilling.User, error) {
	fields, err := s.client.HGetAll(ctx, s.userKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read user: %w", err)
	}
	if len(fields) == 0 {
		return nil, gobilling.ErrUserNotFound
	}
	return userFromHash(fields), nil
}

// PutUser stores a full user record. The surrounding application owns user
// creation; this is the seam it writes through.
func (s *Storage) PutUser(ctx context.Context, user *gobilling.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}
	if err := s.client.HSet(ctx, s.userKey(user.ID), userToHash(user)).Err(); err != nil {
		return fmt.Errorf("failed to store user: %w", err)
	}
	return nil
}

// UpdateUser implements gobilling.Datastore.
func (s *Storage) UpdateUser(ctx context.Context, id string, patch gobilling.UserUpdate) (*gobilling.User, error) {
	argv := make([]interface{}, 0, 14)

	add := func(field, value string) {
		argv = append(argv, field, value)
	}

	if patch.SubscriptionState != nil {
		add("state", string(*patch.SubscriptionState))
	}
	if patch.SubscriptionPlan != nil {
		add("plan", *patch.SubscriptionPlan)
	}
	if patch.SubscriptionStartDate != nil {
		add("start", formatTime(*patch.SubscriptionStartDate))
	}
	if patch.SubscriptionEndDate != nil {
		add("end", formatTime(*patch.SubscriptionEndDate))
	}
	if patch.ProviderCustomerID != nil {
		add("customer_id", *patch.ProviderCustomerID)
	}
	if patch.ProviderSubscriptionID != nil {
		add("subscription_id", *patch.ProviderSubscriptionID)
	}
	if patch.AssignedPhoneNumber != nil {
		add("phone", *patch.AssignedPhoneNumber)
	}

	if len(argv) > 0 {
		result, err := s.scripts["patchUser"].Run(ctx, s.client, []string{s.userKey(id)}, argv...).Int()
		if err != nil {
			return nil, fmt.Errorf("failed to update user: %w", err)
		}
		if result == 0 {
			return nil, gobilling.ErrUserNotFound
		}
	}

	return s.ReadUser(ctx, id)
}

// GetPendingSession implements gobilling.Datastore.
func (s *Storage) GetPendingSession(ctx context.Context, userID, plan string) (*gobilling.CheckoutSession, error) {
	sessionID, err := s.client.Get(ctx, s.pendingLockKey(userID, plan)).Result()
	if err == redis.Nil {
		return nil, gobilling.ErrNoPendingSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve pending session: %w", err)
	}

	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != gobilling.SessionPending {
		return nil, gobilling.ErrNoPendingSession
	}
	return session, nil
}

// CreateSession implements gobilling.Datastore.
func (s *Storage) CreateSession(ctx context.Context, session *gobilling.CheckoutSession) (*gobilling.CheckoutSession, error) {
	if session == nil || session.ID == "" {
		return nil, fmt.Errorf("invalid checkout session")
	}

	argv := []interface{}{session.ID, session.ExpiresAt.UnixMilli()}
	for field, value := range sessionToHash(session) {
		argv = append(argv, field, value)
	}

	keys := []string{
		s.pendingLockKey(session.UserID, session.Plan),
		s.sessionKey(session.ID),
		s.pendingSetKey(),
	}
	result, err := s.scripts["createSession"].Run(ctx, s.client, keys, argv...).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	winnerID, _ := result[1].(string)
	return s.GetSession(ctx, winnerID)
}

// GetSession implements gobilling.Datastore.
func (s *Storage) GetSession(ctx context.Context, id string) (*gobilling.CheckoutSession, error) {
	fields, err := s.client.HGetAll(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if len(fields) == 0 {
		return nil, gobilling.ErrSessionNotFound
	}
	return sessionFromHash(fields), nil
}

// TransitionSession implements gobilling.Datastore.
func (s *Storage) TransitionSession(
	ctx context.Context, id string, from, to gobilling.SessionStatus, patch gobilling.SessionUpdate,
) (*gobilling.CheckoutSession, error) {
	session, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	argv := []interface{}{string(from), string(to), id}
	add := func(field, value string) {
		argv = append(argv, field, value)
	}

	if patch.ProviderSessionID != nil {
		add("provider_session_id", *patch.ProviderSessionID)
	}
	if patch.ProviderCustomerID != nil {
		add("provider_customer_id", *patch.ProviderCustomerID)
	}
	if patch.CompletedAt != nil {
		add("completed_at", formatTime(*patch.CompletedAt))
	}
	if patch.CancelledAt != nil {
		add("cancelled_at", formatTime(*patch.CancelledAt))
	}

	keys := []string{
		s.sessionKey(id),
		s.pendingLockKey(session.UserID, session.Plan),
		s.pendingSetKey(),
	}
	result, err := s.scripts["transitionSession"].Run(ctx, s.client, keys, argv...).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to transition session: %w", err)
	}

	code, _ := result[0].(int64)
	switch code {
	case 1:
		return s.GetSession(ctx, id)
	case -1:
		return nil, gobilling.ErrSessionNotFound
	default:
		status, _ := result[1].(string)
		if gobilling.SessionStatus(status).Terminal() {
			return nil, gobilling.ErrSessionTerminal
		}
		return nil, fmt.Errorf("session %s is %s, expected %s", id, status, from)
	}
}

// ExpireStaleSessions implements gobilling.Datastore. Candidates come from
// the expiry zset; each transition re-checks status atomically, so a session
// completed between the range read and the script run is left alone.
func (s *Storage) ExpireStaleSessions(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.pendingSetKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list stale sessions: %w", err)
	}

	expired := 0
	for _, id := range ids {
		_, err := s.TransitionSession(ctx, id, gobilling.SessionPending, gobilling.SessionExpired, gobilling.SessionUpdate{})
		switch {
		case err == nil:
			expired++
		case isBenignSweepError(err):
			// Another worker got there first, or the session completed.
			s.client.ZRem(ctx, s.pendingSetKey(), id)
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

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal processed event: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.eventKey(event.ProviderEventID), data, s.config.EventTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to insert processed event: %w", err)
	}
	if !ok {
		return gobilling.ErrAlreadyProcessed
	}
	return nil
}

// HasProcessedEvent implements gobilling.Datastore.
func (s *Storage) HasProcessedEvent(ctx context.Context, providerEventID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.eventKey(providerEventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return n > 0, nil
}

// InsertPhoneAssignment implements gobilling.Datastore.
func (s *Storage) InsertPhoneAssignment(ctx context.Context, assignment *gobilling.PhoneAssignment) error {
	if assignment == nil || assignment.UserID == "" {
		return fmt.Errorf("invalid phone assignment")
	}

	data, err := json.Marshal(assignment)
	if err != nil {
		return fmt.Errorf("failed to marshal phone assignment: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.phoneKey(assignment.UserID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to insert phone assignment: %w", err)
	}
	if !ok {
		return gobilling.ErrPhoneAlreadyAssigned
	}
	return nil
}

// GetPhoneAssignment implements gobilling.Datastore.
func (s *Storage) GetPhoneAssignment(ctx context.Context, userID string) (*gobilling.PhoneAssignment, error) {
	data, err := s.client.Get(ctx, s.phoneKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get phone assignment: %w", err)
	}

	var assignment gobilling.PhoneAssignment
	if err := json.Unmarshal(data, &assignment); err != nil {
		return nil, fmt.Errorf("failed to unmarshal phone assignment: %w", err)
	}
	return &assignment, nil
}

// Key builders

func (s *Storage) userKey(id string) string {
	return s.config.KeyPrefix + "user:" + id
}

func (s *Storage) sessionKey(id string) string {
	return s.config.KeyPrefix + "session:" + id
}

func (s *Storage) pendingLockKey(userID, plan string) string {
	return s.config.KeyPrefix + "pending:" + userID + ":" + plan
}

func (s *Storage) pendingSetKey() string {
	return s.config.KeyPrefix + "pending_by_expiry"
}

func (s *Storage) eventKey(providerEventID string) string {
	return s.config.KeyPrefix + "event:" + providerEventID
}

func (s *Storage) phoneKey(userID string) string {
	return s.config.KeyPrefix + "phone:" + userID
}

// Close closes the Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func isBenignSweepError(err error) bool {
	return errors.Is(err, gobilling.ErrSessionNotFound) ||
		errors.Is(err, gobilling.ErrSessionTerminal)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t := parseTime(s)
	if t.IsZero() {
		return nil
	}
	return &t
}

func userToHash(user *gobilling.User) map[string]string {
	return map[string]string{
		"id":              user.ID,
		"email":           user.Email,
		"state":           string(user.SubscriptionState),
		"plan":            user.SubscriptionPlan,
		"start":           formatTime(user.SubscriptionStartDate),
		"end":             formatTime(user.SubscriptionEndDate),
		"customer_id":     user.ProviderCustomerID,
		"subscription_id": user.ProviderSubscriptionID,
		"phone":           user.AssignedPhoneNumber,
	}
}

func userFromHash(fields map[string]string) *gobilling.User {
	return &gobilling.User{
		ID:                     fields["id"],
		Email:                  fields["email"],
		SubscriptionState:      gobilling.SubscriptionState(fields["state"]),
		SubscriptionPlan:       fields["plan"],
		SubscriptionStartDate:  parseTime(fields["start"]),
		SubscriptionEndDate:    parseTime(fields["end"]),
		ProviderCustomerID:     fields["customer_id"],
		ProviderSubscriptionID: fields["subscription_id"],
		AssignedPhoneNumber:    fields["phone"],
	}
}

func sessionToHash(session *gobilling.CheckoutSession) map[string]string {
	fields := map[string]string{
		"id":                   session.ID,
		"user_id":              session.UserID,
		"email":                session.Email,
		"plan":                 session.Plan,
		"price":                strconv.FormatInt(session.Price, 10),
		"provider":             string(session.Provider),
		"status":               string(session.Status),
		"provider_session_id":  session.ProviderSessionID,
		"provider_customer_id": session.ProviderCustomerID,
		"created_at":           formatTime(session.CreatedAt),
		"expires_at":           formatTime(session.ExpiresAt),
	}
	if session.CompletedAt != nil {
		fields["completed_at"] = formatTime(*session.CompletedAt)
	}
	if session.CancelledAt != nil {
		fields["cancelled_at"] = formatTime(*session.CancelledAt)
	}
	return fields
}

func sessionFromHash(fields map[string]string) *gobilling.CheckoutSession {
	price, _ := strconv.ParseInt(fields["price"], 10, 64)
	return &gobilling.CheckoutSession{
		ID:                 fields["id"],
		UserID:             fields["user_id"],
		Email:              fields["email"],
		Plan:               fields["plan"],
		Price:              price,
		Provider:           gobilling.PaymentProvider(fields["provider"]),
		Status:             gobilling.SessionStatus(fields["status"]),
		ProviderSessionID:  fields["provider_session_id"],
		ProviderCustomerID: fields["provider_customer_id"],
		CreatedAt:          parseTime(fields["created_at"]),
		ExpiresAt:          parseTime(fields["expires_at"]),
		CompletedAt:        parseTimePtr(fields["completed_at"]),
		CancelledAt:        parseTimePtr(fields["cancelled_at"]),
	}
}

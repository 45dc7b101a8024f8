// Package postgres provides a PostgreSQL implementation of the
// gobilling.Datastore interface. Conditional transitions use single
// UPDATE ... WHERE status = $from statements, pending-session uniqueness a
// partial unique index, and the idempotency ledger an
// INSERT ... ON CONFLICT DO NOTHING, so the database is the arbiter of
// every race between process instances.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/merchmail/gobilling/pkg/gobilling"
)

// Schema is the DDL this adapter expects. Applied by the surrounding
// application's migration tooling, reproduced here for reference.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
    id                        TEXT PRIMARY KEY,
    email                     TEXT NOT NULL DEFAULT '',
    subscription_state        TEXT NOT NULL DEFAULT 'none',
    subscription_plan         TEXT NOT NULL DEFAULT '',
    subscription_start        TIMESTAMPTZ,
    subscription_end          TIMESTAMPTZ,
    provider_customer_id      TEXT NOT NULL DEFAULT '',
    provider_subscription_id  TEXT NOT NULL DEFAULT '',
    assigned_phone_number     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS checkout_sessions (
    id                    TEXT PRIMARY KEY,
    user_id               TEXT NOT NULL,
    email                 TEXT NOT NULL DEFAULT '',
    plan                  TEXT NOT NULL,
    price                 BIGINT NOT NULL DEFAULT 0,
    provider              TEXT NOT NULL DEFAULT 'stripe',
    status                TEXT NOT NULL DEFAULT 'pending',
    provider_session_id   TEXT NOT NULL DEFAULT '',
    provider_customer_id  TEXT NOT NULL DEFAULT '',
    created_at            TIMESTAMPTZ NOT NULL,
    expires_at            TIMESTAMPTZ NOT NULL,
    completed_at          TIMESTAMPTZ,
    cancelled_at          TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_checkout_sessions_pending
    ON checkout_sessions (user_id, plan) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS processed_events (
    provider_event_id  TEXT PRIMARY KEY,
    event_type         TEXT NOT NULL,
    processed_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS phone_assignments (
    user_id             TEXT PRIMARY KEY,
    phone_number        TEXT NOT NULL,
    provider_number_id  TEXT NOT NULL DEFAULT '',
    assigned_at         TIMESTAMPTZ NOT NULL
);
`

const sessionColumns = `id, user_id, email, plan, price, provider, status,
	provider_session_id, provider_customer_id, created_at, expires_at, completed_at, cancelled_at`

const userColumns = `id, email, subscription_state, subscription_plan,
	subscription_start, subscription_end, provider_customer_id, provider_subscription_id, assigned_phone_number`

// Storage implements gobilling.Datastore using PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", gobilling.ErrStorageUnavailable, err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// Close closes the PostgreSQL connection pool.
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// ReadUser implements gobilling.Datastore.
func (s *Storage) ReadUser(ctx context.Context, id string) (*gobilling.User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)

	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gobilling.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read user: %w", err)
	}
	return user, nil
}

// UpdateUser implements gobilling.Datastore. The SET clause is built from
// the non-nil patch fields so the whole patch lands in one statement.
func (s *Storage) UpdateUser(ctx context.Context, id string, patch gobilling.UserUpdate) (*gobilling.User, error) {
	sets := make([]string, 0, 7)
	args := make([]interface{}, 0, 8)
	args = append(args, id)

	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, column+" = $"+strconv.Itoa(len(args)))
	}

	if patch.SubscriptionState != nil {
		add("subscription_state", string(*patch.SubscriptionState))
	}
	if patch.SubscriptionPlan != nil {
		add("subscription_plan", *patch.SubscriptionPlan)
	}
	if patch.SubscriptionStartDate != nil {
		add("subscription_start", *patch.SubscriptionStartDate)
	}
	if patch.SubscriptionEndDate != nil {
		add("subscription_end", *patch.SubscriptionEndDate)
	}
	if patch.ProviderCustomerID != nil {
		add("provider_customer_id", *patch.ProviderCustomerID)
	}
	if patch.ProviderSubscriptionID != nil {
		add("provider_subscription_id", *patch.ProviderSubscriptionID)
	}
	if patch.AssignedPhoneNumber != nil {
		add("assigned_phone_number", *patch.AssignedPhoneNumber)
	}

	if len(sets) == 0 {
		return s.ReadUser(ctx, id)
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE users SET `+strings.Join(sets, ", ")+` WHERE id = $1 RETURNING `+userColumns,
		args...)

	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gobilling.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	return user, nil
}

// GetPendingSession implements gobilling.Datastore.
func (s *Storage) GetPendingSession(ctx context.Context, userID, plan string) (*gobilling.CheckoutSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM checkout_sessions
			WHERE user_id = $1 AND plan = $2 AND status = 'pending'`,
		userID, plan)

	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gobilling.ErrNoPendingSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending session: %w", err)
	}
	return session, nil
}

// CreateSession implements gobilling.Datastore. The partial unique index on
// (user_id, plan) WHERE status = 'pending' makes the insert race-free: the
// loser's insert affects zero rows and the winner's row is returned.
func (s *Storage) CreateSession(ctx context.Context, session *gobilling.CheckoutSession) (*gobilling.CheckoutSession, error) {
	if session == nil || session.ID == "" {
		return nil, fmt.Errorf("invalid checkout session")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO checkout_sessions
			(id, user_id, email, plan, price, provider, status, provider_session_id,
			 provider_customer_id, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8, $9, $10)
			ON CONFLICT DO NOTHING`,
		session.ID, session.UserID, session.Email, session.Plan, session.Price,
		string(session.Provider), session.ProviderSessionID, session.ProviderCustomerID,
		session.CreatedAt, session.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// Lost the race (or a pending row already existed): hand back the winner.
		return s.GetPendingSession(ctx, session.UserID, session.Plan)
	}
	return s.GetSession(ctx, session.ID)
}

// GetSession implements gobilling.Datastore.
func (s *Storage) GetSession(ctx context.Context, id string) (*gobilling.CheckoutSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM checkout_sessions WHERE id = $1`, id)

	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gobilling.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// TransitionSession implements gobilling.Datastore.
func (s *Storage) TransitionSession(
	ctx context.Context, id string, from, to gobilling.SessionStatus, patch gobilling.SessionUpdate,
) (*gobilling.CheckoutSession, error) {
	sets := []string{"status = $3"}
	args := []interface{}{id, string(from), string(to)}

	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, column+" = $"+strconv.Itoa(len(args)))
	}

	if patch.ProviderSessionID != nil {
		add("provider_session_id", *patch.ProviderSessionID)
	}
	if patch.ProviderCustomerID != nil {
		add("provider_customer_id", *patch.ProviderCustomerID)
	}
	if patch.CompletedAt != nil {
		add("completed_at", *patch.CompletedAt)
	}
	if patch.CancelledAt != nil {
		add("cancelled_at", *patch.CancelledAt)
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE checkout_sessions SET `+strings.Join(sets, ", ")+`
			WHERE id = $1 AND status = $2 RETURNING `+sessionColumns,
		args...)

	session, err := scanSession(row)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to transition session: %w", err)
	}

	// Zero rows: distinguish missing from already-transitioned.
	current, gerr := s.GetSession(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	if current.Status.Terminal() {
		return nil, gobilling.ErrSessionTerminal
	}
	return nil, fmt.Errorf("session %s is %s, expected %s", id, current.Status, from)
}

// ExpireStaleSessions implements gobilling.Datastore.
func (s *Storage) ExpireStaleSessions(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE checkout_sessions SET status = 'expired'
			WHERE status = 'pending' AND expires_at < $1`,
		now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// InsertProcessedEvent implements gobilling.Datastore.
func (s *Storage) InsertProcessedEvent(ctx context.Context, event *gobilling.ProcessedEvent) error {
	if event == nil || event.ProviderEventID == "" {
		return fmt.Errorf("invalid processed event")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO processed_events (provider_event_id, event_type, processed_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (provider_event_id) DO NOTHING`,
		event.ProviderEventID, event.EventType, event.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert processed event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gobilling.ErrAlreadyProcessed
	}
	return nil
}

// HasProcessedEvent implements gobilling.Datastore.
func (s *Storage) HasProcessedEvent(ctx context.Context, providerEventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE provider_event_id = $1)`,
		providerEventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return exists, nil
}

// InsertPhoneAssignment implements gobilling.Datastore.
func (s *Storage) InsertPhoneAssignment(ctx context.Context, assignment *gobilling.PhoneAssignment) error {
	if assignment == nil || assignment.UserID == "" {
		return fmt.Errorf("invalid phone assignment")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO phone_assignments (user_id, phone_number, provider_number_id, assigned_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id) DO NOTHING`,
		assignment.UserID, assignment.PhoneNumber, assignment.ProviderNumberID, assignment.AssignedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert phone assignment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gobilling.ErrPhoneAlreadyAssigned
	}
	return nil
}

// GetPhoneAssignment implements gobilling.Datastore.
func (s *Storage) GetPhoneAssignment(ctx context.Context, userID string) (*gobilling.PhoneAssignment, error) {
	var assignment gobilling.PhoneAssignment
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, phone_number, provider_number_id, assigned_at
			FROM phone_assignments WHERE user_id = $1`,
		userID).Scan(
		&assignment.UserID,
		&assignment.PhoneNumber,
		&assignment.ProviderNumberID,
		&assignment.AssignedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get phone assignment: %w", err)
	}
	return &assignment, nil
}

func scanUser(row pgx.Row) (*gobilling.User, error) {
	var user gobilling.User
	var state string
	var start, end *time.Time

	err := row.Scan(
		&user.ID,
		&user.Email,
		&state,
		&user.SubscriptionPlan,
		&start,
		&end,
		&user.ProviderCustomerID,
		&user.ProviderSubscriptionID,
		&user.AssignedPhoneNumber,
	)
	if err != nil {
		return nil, err
	}

	user.SubscriptionState = gobilling.SubscriptionState(state)
	if start != nil {
		user.SubscriptionStartDate = *start
	}
	if end != nil {
		user.SubscriptionEndDate = *end
	}
	return &user, nil
}

func scanSession(row pgx.Row) (*gobilling.CheckoutSession, error) {
	var session gobilling.CheckoutSession
	var provider, status string

	err := row.Scan(
		&session.ID,
		&session.UserID,
		&session.Email,
		&session.Plan,
		&session.Price,
		&provider,
		&status,
		&session.ProviderSessionID,
		&session.ProviderCustomerID,
		&session.CreatedAt,
		&session.ExpiresAt,
		&session.CompletedAt,
		&session.CancelledAt,
	)
	if err != nil {
		return nil, err
	}

	session.Provider = gobilling.PaymentProvider(provider)
	session.Status = gobilling.SessionStatus(status)
	return &session, nil
}

package gobilling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// TelephonyProvider allocates phone numbers for activated users.
type TelephonyProvider interface {
	// AssignNumber requests a new number for the user from the carrier.
	AssignNumber(ctx context.Context, userID string) (PhoneNumber, error)
}

// Notifier delivers transactional email.
type Notifier interface {
	// SendVerificationEmail dispatches a verification email for the address.
	SendVerificationEmail(ctx context.Context, email, token string) error
}

// ActivationHook is a post-commit side effect run after a subscription
// reaches SubscriptionActive. Hooks run outside the transactional boundary
// of the state transition: a hook failure is logged and never rolls back or
// invalidates the transition, and each hook runs regardless of whether the
// others fail.
type ActivationHook struct {
	Name string
	Run  func(ctx context.Context, user *User) error
}

// Coordinator fires best-effort provisioning side effects on activation:
// a telephony number assignment and a verification email, modeled as an
// explicit hook list so new side effects can never accidentally end up on
// the transactional path.
type Coordinator struct {
	store     Datastore
	telephony TelephonyProvider
	notifier  Notifier
	hooks     []ActivationHook
	logger    Logger
	metrics   Metrics
	timeout   time.Duration
	newToken  func() string
	now       func() time.Time
}

// CoordinatorConfig holds Coordinator configuration.
type CoordinatorConfig struct {
	// Telephony is optional; when nil the phone hook is not registered.
	Telephony TelephonyProvider

	// Notifier is optional; when nil the email hook is not registered.
	Notifier Notifier

	// Timeout bounds a detached activation run. Defaults to 30s.
	Timeout time.Duration

	// Logger is optional; defaults to NoopLogger.
	Logger Logger

	// Metrics is optional; defaults to NoopMetrics.
	Metrics Metrics

	// NewToken overrides verification token generation (tests).
	NewToken func() string

	// Now overrides the time source (tests). Defaults to time.Now.
	Now func() time.Time
}

// NewCoordinator creates a coordinator and registers the built-in phone
// assignment and verification email hooks for the providers supplied.
func NewCoordinator(store Datastore, config CoordinatorConfig) (*Coordinator, error) {
	if store == nil {
		return nil, ErrStorageUnavailable
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.NewToken == nil {
		config.NewToken = uuid.NewString
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	c := &Coordinator{
		store:     store,
		telephony: config.Telephony,
		notifier:  config.Notifier,
		logger:    config.Logger,
		metrics:   config.Metrics,
		timeout:   config.Timeout,
		newToken:  config.NewToken,
		now:       config.Now,
	}

	if c.telephony != nil {
		c.RegisterHook(ActivationHook{Name: "phone_assignment", Run: c.assignPhoneNumber})
	}
	if c.notifier != nil {
		c.RegisterHook(ActivationHook{Name: "verification_email", Run: c.sendVerificationEmail})
	}
	return c, nil
}

// RegisterHook appends a post-activation side effect.
func (c *Coordinator) RegisterHook(hook ActivationHook) {
	c.hooks = append(c.hooks, hook)
}

// OnActivated runs every registered hook for the user. It never returns an
// error: failures are logged and counted, and one hook failing does not
// stop the others. The subscription transition is final regardless of what
// happens here.
func (c *Coordinator) OnActivated(ctx context.Context, userID string) {
	user, err := c.store.ReadUser(ctx, userID)
	if err != nil {
		c.logger.Error("provisioning skipped: user lookup failed",
			Field{Key: "user_id", Value: userID},
			Field{Key: "error", Value: err.Error()},
		)
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, hook := range c.hooks {
		g.Go(func() error {
			if err := hook.Run(ctx, user); err != nil {
				c.metrics.RecordProvisioning(hook.Name, "error")
				c.logger.Error("provisioning hook failed",
					Field{Key: "hook", Value: hook.Name},
					Field{Key: "user_id", Value: userID},
					Field{Key: "error", Value: err.Error()},
				)
				return nil // isolate: sibling hooks keep running
			}
			c.metrics.RecordProvisioning(hook.Name, "success")
			return nil
		})
	}
	_ = g.Wait()
}

// ActivateAsync hands OnActivated to a detached goroutine with its own
// deadline, so the webhook response never waits on carrier or mail latency.
func (c *Coordinator) ActivateAsync(userID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		c.OnActivated(ctx, userID)
	}()
}

// assignPhoneNumber is the built-in phone hook. Idempotent: activation may
// be observed more than once (e.g. on a renewal), so an existing assignment
// short-circuits and nothing is ever allocated speculatively.
func (c *Coordinator) assignPhoneNumber(ctx context.Context, user *User) error {
	if user.AssignedPhoneNumber != "" {
		c.metrics.RecordProvisioning("phone_assignment", "skipped")
		return nil
	}
	if existing, err := c.store.GetPhoneAssignment(ctx, user.ID); err == nil && existing != nil {
		c.metrics.RecordProvisioning("phone_assignment", "skipped")
		return nil
	}

	number, err := c.telephony.AssignNumber(ctx, user.ID)
	if err != nil {
		return err
	}

	err = c.store.InsertPhoneAssignment(ctx, &PhoneAssignment{
		UserID:           user.ID,
		PhoneNumber:      number.Number,
		ProviderNumberID: number.ProviderNumberID,
		AssignedAt:       c.now().UTC(),
	})
	if errors.Is(err, ErrPhoneAlreadyAssigned) {
		// Lost a race with a concurrent activation; the winner's number stands.
		c.metrics.RecordProvisioning("phone_assignment", "skipped")
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := c.store.UpdateUser(ctx, user.ID, UserUpdate{AssignedPhoneNumber: &number.Number}); err != nil {
		return err
	}

	c.logger.Info("phone number assigned",
		Field{Key: "user_id", Value: user.ID},
		Field{Key: "phone_number", Value: number.Number},
	)
	return nil
}

// sendVerificationEmail is the built-in email hook.
func (c *Coordinator) sendVerificationEmail(ctx context.Context, user *User) error {
	if user.Email == "" {
		c.metrics.RecordProvisioning("verification_email", "skipped")
		return nil
	}
	return c.notifier.SendVerificationEmail(ctx, user.Email, c.newToken())
}

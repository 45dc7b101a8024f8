package gobilling

import "time"

// SubscriptionState represents a user's subscription lifecycle state.
type SubscriptionState string

const (
	// SubscriptionNone means the user has never had a paid subscription
	SubscriptionNone SubscriptionState = "none"
	// SubscriptionActive means the subscription is paid and current
	SubscriptionActive SubscriptionState = "active"
	// SubscriptionPastDue means the last payment attempt failed
	SubscriptionPastDue SubscriptionState = "past_due"
	// SubscriptionCancelled means the subscription was terminated
	SubscriptionCancelled SubscriptionState = "cancelled"
)

// PaymentProvider identifies the payment gateway a checkout session runs on.
type PaymentProvider string

const (
	ProviderStripe PaymentProvider = "stripe"
	ProviderPayPal PaymentProvider = "paypal"
)

// SessionStatus represents a checkout session's lifecycle state.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
	SessionExpired   SessionStatus = "expired"
)

// Terminal reports whether the status permits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionCancelled || s == SessionExpired
}

// DefaultSessionTTL is how long a pending checkout session stays claimable
// before the expiry sweep moves it to SessionExpired.
const DefaultSessionTTL = 24 * time.Hour

// User is the subset of the application's user record this core reads and
// mutates. Users are created and deleted by the surrounding application;
// this package only patches subscription and provisioning fields.
type User struct {
	ID                     string
	Email                  string
	SubscriptionState      SubscriptionState
	SubscriptionPlan       string
	SubscriptionStartDate  time.Time
	SubscriptionEndDate    time.Time
	ProviderCustomerID     string
	ProviderSubscriptionID string

	// AssignedPhoneNumber is empty until provisioning assigns one.
	AssignedPhoneNumber string
}

// UserUpdate is a field-level patch applied atomically by the Datastore.
// Nil fields are left untouched.
type UserUpdate struct {
	SubscriptionState      *SubscriptionState
	SubscriptionPlan       *string
	SubscriptionStartDate  *time.Time
	SubscriptionEndDate    *time.Time
	ProviderCustomerID     *string
	ProviderSubscriptionID *string
	AssignedPhoneNumber    *string
}

// CheckoutSession tracks one attempt by a user to pay for a plan,
// independent of whether the payment provider has confirmed it yet.
type CheckoutSession struct {
	ID                 string
	UserID             string
	Email              string
	Plan               string
	Price              int64 // smallest currency unit (cents)
	Provider           PaymentProvider
	Status             SessionStatus
	ProviderSessionID  string
	ProviderCustomerID string
	CreatedAt          time.Time
	ExpiresAt          time.Time
	CompletedAt        *time.Time
	CancelledAt        *time.Time
}

// SessionUpdate carries the fields stamped during a session transition.
// Nil fields are left untouched.
type SessionUpdate struct {
	ProviderSessionID  *string
	ProviderCustomerID *string
	CompletedAt        *time.Time
	CancelledAt        *time.Time
}

// ProcessedEvent is a row in the idempotency ledger. The existence of a row
// for a given ProviderEventID is the sole signal that the event's effects
// have been applied.
type ProcessedEvent struct {
	ProviderEventID string
	EventType       string
	ProcessedAt     time.Time
}

// PhoneAssignment records a telephony number allocated to a user after
// their subscription reached SubscriptionActive.
type PhoneAssignment struct {
	UserID           string
	PhoneNumber      string
	ProviderNumberID string
	AssignedAt       time.Time
}

// PhoneNumber is the result of a TelephonyProvider allocation.
type PhoneNumber struct {
	Number           string
	ProviderNumberID string
}

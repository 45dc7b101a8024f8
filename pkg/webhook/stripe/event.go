package stripe

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/merchmail/gobilling/pkg/webhook"
)

// EventKind tags the parsed event union. Kinds mirror the gateway event
// type strings so dispatch tables and metrics stay readable.
type EventKind string

const (
	KindCheckoutCompleted       EventKind = "checkout.session.completed"
	KindSubscriptionUpdated     EventKind = "customer.subscription.updated"
	KindSubscriptionDeleted     EventKind = "customer.subscription.deleted"
	KindInvoicePaymentFailed    EventKind = "invoice.payment_failed"
	KindInvoicePaymentSucceeded EventKind = "invoice.payment_succeeded"
	KindUnknown                 EventKind = "unknown"
)

// Event is the typed form of a verified gateway event. Exactly one variant
// pointer matching Kind is non-nil; KindUnknown carries no variant and is
// acknowledged without processing.
type Event struct {
	ID   string
	Kind EventKind

	CheckoutCompleted   *CheckoutCompletedEvent
	SubscriptionUpdated *SubscriptionUpdatedEvent
	SubscriptionDeleted *SubscriptionDeletedEvent
	InvoiceFailed       *InvoiceFailedEvent
	InvoiceSucceeded    *InvoiceSucceededEvent
}

// CheckoutCompletedEvent carries the fields consumed from
// checkout.session.completed. All other payload fields are ignored.
type CheckoutCompletedEvent struct {
	UserID            string // metadata.userId
	Plan              string // metadata.plan
	CheckoutSessionID string // metadata.checkoutSessionId, optional
	CustomerEmail     string
	ProviderSessionID string // the gateway's session id
	CustomerID        string
	SubscriptionID    string
}

// SubscriptionUpdatedEvent carries the fields consumed from
// customer.subscription.updated.
type SubscriptionUpdatedEvent struct {
	UserID           string
	Status           string
	CurrentPeriodEnd time.Time
}

// SubscriptionDeletedEvent carries the fields consumed from
// customer.subscription.deleted.
type SubscriptionDeletedEvent struct {
	UserID string
}

// InvoiceFailedEvent carries the fields consumed from
// invoice.payment_failed. UserID is empty when the payload did not embed
// subscription metadata; the handler resolves it through the gateway API.
type InvoiceFailedEvent struct {
	SubscriptionID string
	UserID         string
}

// InvoiceSucceededEvent carries the fields consumed from
// invoice.payment_succeeded.
type InvoiceSucceededEvent struct {
	SubscriptionID string
	UserID         string
	PlanName       string // metadata.planName, optional
}

// expandable handles gateway fields that arrive as either a bare ID string
// or an expanded object.
type expandable struct {
	ID string
}

func (e *expandable) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &e.ID)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	e.ID = obj.ID
	return nil
}

// parseEvent converts a verified stripe event into the typed union.
// Unrecognized event types parse to KindUnknown, never an error: the
// gateway sends many types this core does not care about.
func parseEvent(ev *stripe.Event) (Event, error) {
	out := Event{ID: ev.ID, Kind: KindUnknown}

	switch EventKind(ev.Type) {
	case KindCheckoutCompleted:
		var payload struct {
			ID            string            `json:"id"`
			CustomerEmail string            `json:"customer_email"`
			Customer      expandable        `json:"customer"`
			Subscription  expandable        `json:"subscription"`
			Metadata      map[string]string `json:"metadata"`
		}
		if err := unmarshalPayload(ev, &payload); err != nil {
			return out, err
		}
		out.Kind = KindCheckoutCompleted
		out.CheckoutCompleted = &CheckoutCompletedEvent{
			UserID:            payload.Metadata["userId"],
			Plan:              payload.Metadata["plan"],
			CheckoutSessionID: payload.Metadata["checkoutSessionId"],
			CustomerEmail:     payload.CustomerEmail,
			ProviderSessionID: payload.ID,
			CustomerID:        payload.Customer.ID,
			SubscriptionID:    payload.Subscription.ID,
		}

	case KindSubscriptionUpdated:
		var payload struct {
			Status           string            `json:"status"`
			CurrentPeriodEnd int64             `json:"current_period_end"`
			Metadata         map[string]string `json:"metadata"`
		}
		if err := unmarshalPayload(ev, &payload); err != nil {
			return out, err
		}
		out.Kind = KindSubscriptionUpdated
		updated := &SubscriptionUpdatedEvent{
			UserID: payload.Metadata["userId"],
			Status: payload.Status,
		}
		if payload.CurrentPeriodEnd > 0 {
			updated.CurrentPeriodEnd = time.Unix(payload.CurrentPeriodEnd, 0).UTC()
		}
		out.SubscriptionUpdated = updated

	case KindSubscriptionDeleted:
		var payload struct {
			Metadata map[string]string `json:"metadata"`
		}
		if err := unmarshalPayload(ev, &payload); err != nil {
			return out, err
		}
		out.Kind = KindSubscriptionDeleted
		out.SubscriptionDeleted = &SubscriptionDeletedEvent{
			UserID: payload.Metadata["userId"],
		}

	case KindInvoicePaymentFailed:
		subscriptionID, metadata, err := parseInvoice(ev)
		if err != nil {
			return out, err
		}
		out.Kind = KindInvoicePaymentFailed
		out.InvoiceFailed = &InvoiceFailedEvent{
			SubscriptionID: subscriptionID,
			UserID:         metadata["userId"],
		}

	case KindInvoicePaymentSucceeded:
		subscriptionID, metadata, err := parseInvoice(ev)
		if err != nil {
			return out, err
		}
		out.Kind = KindInvoicePaymentSucceeded
		out.InvoiceSucceeded = &InvoiceSucceededEvent{
			SubscriptionID: subscriptionID,
			UserID:         metadata["userId"],
			PlanName:       metadata["planName"],
		}
	}

	return out, nil
}

// parseInvoice extracts the subscription reference and the best available
// metadata from an invoice payload. Invoice metadata wins; the embedded
// subscription_details metadata is the fallback for rows the application
// never stamped directly.
func parseInvoice(ev *stripe.Event) (string, map[string]string, error) {
	var payload struct {
		Subscription        expandable        `json:"subscription"`
		Metadata            map[string]string `json:"metadata"`
		SubscriptionDetails struct {
			Metadata map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	}
	if err := unmarshalPayload(ev, &payload); err != nil {
		return "", nil, err
	}

	metadata := make(map[string]string)
	for k, v := range payload.SubscriptionDetails.Metadata {
		metadata[k] = v
	}
	for k, v := range payload.Metadata {
		if v != "" {
			metadata[k] = v
		}
	}
	return payload.Subscription.ID, metadata, nil
}

func unmarshalPayload(ev *stripe.Event, v interface{}) error {
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return fmt.Errorf("%w: empty event data", webhook.ErrInvalidPayload)
	}
	if err := json.Unmarshal(ev.Data.Raw, v); err != nil {
		return fmt.Errorf("%w: %v", webhook.ErrInvalidPayload, err)
	}
	return nil
}

package stripe

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/merchmail/gobilling/pkg/gobilling"
	"github.com/merchmail/gobilling/pkg/webhook/internal"
)

type handlerFunc func(ctx context.Context, event *Event) error

// ackResponse is the acknowledgment body the gateway receives for every
// accepted delivery, benign duplicates and ignored event types included.
type ackResponse struct {
	Received bool `json:"received"`
}

// handleWebhook processes one inbound delivery:
// received -> verified -> dispatched -> acknowledged, or
// received -> rejected when signature verification fails.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, webhookBodyLimit)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		sig = r.Header.Get("stripe-signature")
	}

	// Trust boundary: nothing below runs for an unverified body.
	raw, err := p.verifier.Verify(body, sig)
	if err != nil {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(raw.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	ctx := r.Context()
	event, err := parseEvent(&raw)
	if err != nil {
		// Verified but malformed: the gateway cannot fix this by retrying.
		p.logger.Warn("unparseable webhook payload",
			gobilling.Field{Key: "event_id", Value: raw.ID},
			gobilling.Field{Key: "event_type", Value: eventType},
			gobilling.Field{Key: "error", Value: err.Error()},
		)
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		p.acknowledge(w, eventType, "error", startTime)
		return
	}

	if event.Kind == KindUnknown {
		p.logger.Debug("ignoring unhandled event type",
			gobilling.Field{Key: "event_id", Value: event.ID},
			gobilling.Field{Key: "event_type", Value: eventType},
		)
		p.acknowledge(w, eventType, "ignored", startTime)
		return
	}

	// Fast path only: the ledger's unique constraint in MarkProcessed is
	// the actual correctness mechanism for duplicates.
	if processed, err := p.idempotency.HasProcessed(ctx, event.ID); err == nil && processed {
		p.acknowledge(w, eventType, "duplicate", startTime)
		return
	}

	if err := p.handlers[event.Kind](ctx, &event); err != nil {
		if !errors.Is(err, gobilling.ErrUserNotFound) {
			// Plausibly transient (datastore down): 5xx so the gateway
			// redelivers. The event stays unmarked.
			p.logger.Error("webhook processing failed",
				gobilling.Field{Key: "event_id", Value: event.ID},
				gobilling.Field{Key: "event_type", Value: eventType},
				gobilling.Field{Key: "error", Value: err.Error()},
			)
			http.Error(w, "failed to process webhook", http.StatusInternalServerError)
			p.metrics.RecordWebhookEvent(providerName, eventType, "error")
			p.metrics.RecordWebhookError(providerName, "processing_error")
			p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
			return
		}
		// Data-integrity warning: the referenced user does not exist and a
		// retry will not help, so acknowledge and mark below.
		p.logger.Warn("webhook references unknown user",
			gobilling.Field{Key: "event_id", Value: event.ID},
			gobilling.Field{Key: "event_type", Value: eventType},
		)
	}

	if err := p.idempotency.MarkProcessed(ctx, event.ID, eventType); err != nil &&
		!errors.Is(err, gobilling.ErrAlreadyProcessed) {
		// Effects applied but the ledger write failed; redelivery is safe
		// because every handler is idempotent.
		p.logger.Error("failed to mark event processed",
			gobilling.Field{Key: "event_id", Value: event.ID},
			gobilling.Field{Key: "error", Value: err.Error()},
		)
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhookError(providerName, "ledger_write_failed")
		return
	}

	p.acknowledge(w, eventType, "success", startTime)
}

func (p *Provider) acknowledge(w http.ResponseWriter, eventType, status string, startTime time.Time) {
	_ = internal.WriteJSON(w, http.StatusOK, ackResponse{Received: true})
	p.metrics.RecordWebhookEvent(providerName, eventType, status)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// handleCheckoutCompleted reconciles the checkout session record, activates
// the subscription, and fires provisioning. Order independence: the state
// write is an idempotent overwrite, so replays and late deliveries land on
// the same final state.
func (p *Provider) handleCheckoutCompleted(ctx context.Context, event *Event) error {
	data := event.CheckoutCompleted
	if data.UserID == "" {
		p.logger.Warn("checkout.session.completed missing metadata.userId",
			gobilling.Field{Key: "provider_session_id", Value: data.ProviderSessionID},
		)
		return nil
	}

	var serr error
	if data.CheckoutSessionID != "" {
		_, serr = p.sessions.Complete(ctx, data.CheckoutSessionID, data.ProviderSessionID, data.CustomerID)
	} else {
		_, serr = p.sessions.CompletePending(ctx, data.UserID, data.Plan, data.ProviderSessionID, data.CustomerID)
	}
	switch {
	case serr == nil:
	case errors.Is(serr, gobilling.ErrSessionTerminal):
		// Duplicate completion; the first transition stands.
	case errors.Is(serr, gobilling.ErrSessionNotFound), errors.Is(serr, gobilling.ErrNoPendingSession):
		// Checkout was initiated outside our tracker (or the record aged
		// out). The subscription transition must still happen.
		p.logger.Warn("no checkout session to reconcile",
			gobilling.Field{Key: "user_id", Value: data.UserID},
			gobilling.Field{Key: "plan", Value: data.Plan},
		)
	default:
		return serr
	}

	if _, err := p.subscriptions.ApplyCheckoutCompleted(
		ctx, data.UserID, data.Plan, data.ProviderSessionID, data.CustomerID, data.SubscriptionID,
	); err != nil {
		return err
	}

	p.provisioner.ActivateAsync(data.UserID)
	return nil
}

func (p *Provider) handleSubscriptionUpdated(ctx context.Context, event *Event) error {
	data := event.SubscriptionUpdated
	if data.UserID == "" {
		p.logger.Warn("customer.subscription.updated missing metadata.userId")
		return nil
	}
	_, err := p.subscriptions.ApplyStatusUpdate(ctx, data.UserID, data.Status, data.CurrentPeriodEnd)
	return err
}

func (p *Provider) handleSubscriptionDeleted(ctx context.Context, event *Event) error {
	data := event.SubscriptionDeleted
	if data.UserID == "" {
		p.logger.Warn("customer.subscription.deleted missing metadata.userId")
		return nil
	}
	_, err := p.subscriptions.ApplyCancellation(ctx, data.UserID)
	return err
}

func (p *Provider) handleInvoicePaymentFailed(ctx context.Context, event *Event) error {
	data := event.InvoiceFailed
	userID, err := p.resolveUserID(ctx, data.UserID, data.SubscriptionID)
	if err != nil {
		return err
	}
	if userID == "" {
		p.logger.Warn("invoice.payment_failed has no resolvable userId",
			gobilling.Field{Key: "subscription_id", Value: data.SubscriptionID},
		)
		return nil
	}
	_, err = p.subscriptions.ApplyStatusUpdate(ctx, userID, "past_due", time.Time{})
	return err
}

func (p *Provider) handleInvoicePaymentSucceeded(ctx context.Context, event *Event) error {
	data := event.InvoiceSucceeded
	if data.SubscriptionID == "" {
		// One-off invoice, not a subscription renewal.
		return nil
	}
	userID, err := p.resolveUserID(ctx, data.UserID, data.SubscriptionID)
	if err != nil {
		return err
	}
	if userID == "" {
		p.logger.Warn("invoice.payment_succeeded has no resolvable userId",
			gobilling.Field{Key: "subscription_id", Value: data.SubscriptionID},
		)
		return nil
	}

	if _, err := p.subscriptions.ApplyRenewal(ctx, userID, data.PlanName); err != nil {
		return err
	}

	// A renewal re-observes activation; provisioning is idempotent.
	p.provisioner.ActivateAsync(userID)
	return nil
}

// resolveUserID returns the embedded userId when the payload carried one,
// falling back to a gateway subscription lookup.
func (p *Provider) resolveUserID(ctx context.Context, embedded, subscriptionID string) (string, error) {
	if embedded != "" {
		return embedded, nil
	}
	if p.stripeClient == nil || subscriptionID == "" {
		return "", nil
	}

	sub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		return "", err
	}
	if sub.Metadata != nil {
		return sub.Metadata["userId"], nil
	}
	return "", nil
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

package webhook

import "time"

// Metrics defines the interface for tracking webhook processing.
// All methods are optional - dispatchers should gracefully handle nil
// metrics by substituting NoopMetrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the gateway.
	// eventType: the gateway event type (e.g., "checkout.session.completed")
	// status: "success", "duplicate", "ignored", or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long processing took.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g., "auth_failed", "invalid_payload", "processing_error"
	RecordWebhookError(provider, errorType string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}

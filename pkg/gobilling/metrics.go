package gobilling

// Metrics defines the interface for tracking billing core operations.
// All methods are optional - components should gracefully handle nil metrics
// by substituting NoopMetrics.
type Metrics interface {
	// RecordStateTransition records a subscription state transition.
	RecordStateTransition(from, to SubscriptionState)

	// RecordSessionTransition records a checkout session transition.
	RecordSessionTransition(from, to SessionStatus)

	// RecordSessionsExpired records how many sessions an expiry sweep moved
	// to SessionExpired.
	RecordSessionsExpired(count int)

	// RecordProvisioning records the outcome of a provisioning hook.
	// hook: the hook name (e.g., "phone_assignment", "verification_email")
	// status: "success", "error", or "skipped"
	RecordProvisioning(hook, status string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordStateTransition(_, _ SubscriptionState) {}
func (n *NoopMetrics) RecordSessionTransition(_, _ SessionStatus)   {}
func (n *NoopMetrics) RecordSessionsExpired(_ int)                  {}
func (n *NoopMetrics) RecordProvisioning(_, _ string)               {}

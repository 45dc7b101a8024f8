// Package webhook defines the provider-agnostic contracts for inbound
// payment-gateway webhook processing. Gateway-specific dispatchers
// (pkg/webhook/stripe) implement Provider on top of the gobilling core.
package webhook

import "net/http"

// Provider is the generic interface a payment-gateway webhook backend
// implements. Signature verification, event parsing, and dispatch to the
// billing core all happen inside WebhookHandler.
type Provider interface {
	// Name returns the gateway name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes gateway events.
	WebhookHandler() http.Handler
}

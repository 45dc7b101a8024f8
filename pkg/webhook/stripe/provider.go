package stripe

import (
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/merchmail/gobilling/pkg/gobilling"
	"github.com/merchmail/gobilling/pkg/webhook"
	"github.com/merchmail/gobilling/pkg/webhook/ratelimit"
)

const (
	providerName             = "stripe"
	webhookBodyLimit         = 256 * 1024
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
)

// Config holds the Stripe webhook dispatcher configuration.
type Config struct {
	// Sessions reconciles checkout session records. Required.
	Sessions *gobilling.CheckoutTracker

	// Subscriptions applies subscription state transitions. Required.
	Subscriptions *gobilling.StateMachine

	// Idempotency guards against duplicated and replayed deliveries. Required.
	Idempotency *gobilling.IdempotencyGuard

	// Provisioner fires post-activation side effects. Required.
	Provisioner *gobilling.Coordinator

	// WebhookSecret is the endpoint signing secret (whsec_...). Required.
	WebhookSecret string

	// APIKey enables gateway lookups for invoice events whose payloads do
	// not embed subscription metadata. Optional.
	APIKey string

	// RateLimiter is optional; defaults to an in-memory per-IP limiter.
	// Multi-instance deployments should pass a ratelimit.RedisLimiter.
	RateLimiter ratelimit.Limiter

	// Logger is optional; defaults to NoopLogger.
	Logger gobilling.Logger

	// Metrics is optional; defaults to NoopMetrics.
	Metrics webhook.Metrics
}

// Provider implements webhook.Provider for Stripe. It is the entry point of
// the billing event-processing core: verify signature, parse the event,
// consult the idempotency guard, dispatch to the handler table, then mark
// the event processed.
type Provider struct {
	sessions      *gobilling.CheckoutTracker
	subscriptions *gobilling.StateMachine
	idempotency   *gobilling.IdempotencyGuard
	provisioner   *gobilling.Coordinator
	verifier      *Verifier
	stripeClient  *stripe.Client
	limiter       ratelimit.Limiter
	handlers      map[EventKind]handlerFunc
	logger        gobilling.Logger
	metrics       webhook.Metrics
}

// NewProvider creates a new Stripe webhook dispatcher.
func NewProvider(config Config) (*Provider, error) {
	if config.Sessions == nil || config.Subscriptions == nil ||
		config.Idempotency == nil || config.Provisioner == nil {
		return nil, webhook.ErrProviderNotConfigured
	}

	secret := strings.TrimSpace(config.WebhookSecret)
	if secret == "" {
		return nil, webhook.ErrProviderNotConfigured
	}

	var client *stripe.Client
	if apiKey := strings.TrimSpace(config.APIKey); apiKey != "" {
		client = stripe.NewClient(apiKey)
	}

	limiter := config.RateLimiter
	if limiter == nil {
		limiter = ratelimit.NewMemoryLimiter(defaultRateLimitRequests, defaultRateLimitWindow)
	}

	logger := config.Logger
	if logger == nil {
		logger = &gobilling.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &webhook.NoopMetrics{}
	}

	p := &Provider{
		sessions:      config.Sessions,
		subscriptions: config.Subscriptions,
		idempotency:   config.Idempotency,
		provisioner:   config.Provisioner,
		verifier:      NewVerifier(secret),
		stripeClient:  client,
		limiter:       limiter,
		logger:        logger,
		metrics:       metrics,
	}

	// Static dispatch table over the typed event union: adding a kind here
	// is the single place a new event type gets wired, and anything absent
	// falls through to the acknowledge-and-log default arm.
	p.handlers = map[EventKind]handlerFunc{
		KindCheckoutCompleted:       p.handleCheckoutCompleted,
		KindSubscriptionUpdated:     p.handleSubscriptionUpdated,
		KindSubscriptionDeleted:     p.handleSubscriptionDeleted,
		KindInvoicePaymentFailed:    p.handleInvoicePaymentFailed,
		KindInvoicePaymentSucceeded: p.handleInvoicePaymentSucceeded,
	}
	return p, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks.
func (p *Provider) WebhookHandler() http.Handler {
	return ratelimit.Middleware(p.limiter, http.HandlerFunc(p.handleWebhook))
}

package stripe

import (
	"fmt"

	"github.com/stripe/stripe-go/v83"

	"github.com/merchmail/gobilling/pkg/webhook"
)

// Verifier authenticates inbound webhook bodies. Signature verification is
// the only authentication mechanism for the endpoint - there is no session
// or API key - so it fails closed: a missing header, malformed signature,
// or secret mismatch all yield ErrInvalidSignature and the caller must not
// invoke any handler.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for the given webhook signing secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify recomputes the expected signature over the exact raw request bytes
// and compares in constant time (both handled inside stripe-go's
// ConstructEvent, along with the timestamp tolerance check). The body must
// be the unmodified wire payload: re-serializing a parsed body changes byte
// order and breaks the HMAC comparison.
func (v *Verifier) Verify(body []byte, sigHeader string) (stripe.Event, error) {
	if len(v.secret) == 0 {
		return stripe.Event{}, webhook.ErrProviderNotConfigured
	}
	if sigHeader == "" {
		return stripe.Event{}, webhook.ErrInvalidSignature
	}

	event, err := stripe.ConstructEvent(body, sigHeader, string(v.secret))
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", webhook.ErrInvalidSignature, err)
	}
	return event, nil
}

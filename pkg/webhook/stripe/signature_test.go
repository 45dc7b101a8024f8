package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/merchmail/gobilling/pkg/webhook"
)

const testSecret = "whsec_test_secret"

// signBody produces a Stripe-Signature header over the exact body bytes,
// the same scheme the gateway uses: HMAC-SHA256 over "<timestamp>.<body>".
func signBody(secret string, body []byte, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), body)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifier_ValidSignature(t *testing.T) {
	body := []byte(`{"id":"evt_1","object":"event","api_version":"` + stripe.APIVersion + `","type":"checkout.session.completed","data":{"object":{}}}`)
	verifier := NewVerifier(testSecret)

	event, err := verifier.Verify(body, signBody(testSecret, body, time.Now()))
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if event.ID != "evt_1" {
		t.Errorf("expected evt_1, got %s", event.ID)
	}
}

func TestVerifier_MissingHeader(t *testing.T) {
	verifier := NewVerifier(testSecret)

	_, err := verifier.Verify([]byte(`{}`), "")
	if !errors.Is(err, webhook.ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifier_TamperedBody(t *testing.T) {
	body := []byte(`{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{}}}`)
	sig := signBody(testSecret, body, time.Now())
	verifier := NewVerifier(testSecret)

	tampered := []byte(`{"id":"evt_2","object":"event","type":"checkout.session.completed","data":{"object":{}}}`)
	if _, err := verifier.Verify(tampered, sig); !errors.Is(err, webhook.ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature for tampered body, got %v", err)
	}
}

func TestVerifier_WrongSecret(t *testing.T) {
	body := []byte(`{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{}}}`)
	sig := signBody("whsec_other", body, time.Now())
	verifier := NewVerifier(testSecret)

	if _, err := verifier.Verify(body, sig); !errors.Is(err, webhook.ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature for wrong secret, got %v", err)
	}
}

func TestVerifier_StaleTimestamp(t *testing.T) {
	body := []byte(`{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{}}}`)
	sig := signBody(testSecret, body, time.Now().Add(-time.Hour))
	verifier := NewVerifier(testSecret)

	if _, err := verifier.Verify(body, sig); !errors.Is(err, webhook.ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature for stale timestamp, got %v", err)
	}
}

func TestVerifier_EmptySecret(t *testing.T) {
	verifier := NewVerifier("")

	_, err := verifier.Verify([]byte(`{}`), "t=1,v1=deadbeef")
	if !errors.Is(err, webhook.ErrProviderNotConfigured) {
		t.Errorf("expected ErrProviderNotConfigured, got %v", err)
	}
}

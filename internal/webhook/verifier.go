// Package webhook authenticates inbound payment-provider webhooks and maps
// them onto typed billing events.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

var (
	// ErrConfig means no signing secret is configured.
	ErrConfig = errors.New("webhook secret not configured")
	// ErrSignatureInvalid means the signature header is missing, stale or
	// does not match the body.
	ErrSignatureInvalid = errors.New("invalid signature")
	// ErrMalformedPayload means the signed body is not a usable event.
	ErrMalformedPayload = errors.New("malformed payload")
)

// Verifier checks provider signatures and decodes events.
type Verifier struct {
	tolerance time.Duration
}

// NewVerifier returns a verifier using the provider's default timestamp
// tolerance.
func NewVerifier() *Verifier {
	return &Verifier{tolerance: stripewebhook.DefaultTolerance}
}

// Verify authenticates rawBody against signatureHeader and returns the typed
// event. rawBody must be the exact bytes received. The signature is checked
// before anything is parsed.
func (v *Verifier) Verify(rawBody []byte, signatureHeader, secret string) (Event, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrConfig
	}
	if strings.TrimSpace(signatureHeader) == "" {
		return nil, fmt.Errorf("%w: missing signature header", ErrSignatureInvalid)
	}

	tolerance := v.tolerance
	if tolerance <= 0 {
		tolerance = stripewebhook.DefaultTolerance
	}
	if err := stripewebhook.ValidatePayloadWithTolerance(rawBody, signatureHeader, secret, tolerance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	var envelope stripelib.Event
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return Decode(&envelope)
}

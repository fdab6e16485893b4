package payment

import (
	"errors"
	"fmt"
	"time"

	stripewebhook "github.com/stripe/stripe-go/v79/webhook"
)

// SignatureHeader carries "t=<unix>,v1=<hex hmac>" where the HMAC-SHA256 is
// computed over "<t>.<raw body>" with the endpoint secret.
const SignatureHeader = "Stripe-Signature"

var ErrInvalidSignature = errors.New("invalid payment webhook signature")

// ConstructEvent authenticates a webhook body and decodes it. Any v1 entry
// may match, which lets the processor roll secrets. Deliveries signed more
// than tolerance ago are rejected. Authenticity failures wrap
// ErrInvalidSignature; any other error means the body was signed but could
// not be decoded.
func ConstructEvent(payload []byte, header, secret string, tolerance time.Duration) (*Event, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: no webhook secret configured", ErrInvalidSignature)
	}

	ev, err := stripewebhook.ConstructEventWithOptions(payload, header, secret, stripewebhook.ConstructEventOptions{
		Tolerance:                tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return nil, fmt.Errorf("decode payment event: %w", err)
	}
	return fromStripe(ev)
}

func isSignatureError(err error) bool {
	return errors.Is(err, stripewebhook.ErrNotSigned) ||
		errors.Is(err, stripewebhook.ErrInvalidHeader) ||
		errors.Is(err, stripewebhook.ErrNoValidSignature) ||
		errors.Is(err, stripewebhook.ErrTooOld)
}

// Package payment talks to the card processor: it opens hosted checkout
// sessions and authenticates the processor's webhook deliveries. The
// processor is Stripe, reached through stripe-go.
package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v79"
	stripesession "github.com/stripe/stripe-go/v79/checkout/session"
)

// LineItem is one catalog-priced entry on the hosted checkout page.
type LineItem struct {
	Name       string
	UnitAmount int64 // minor units
	Quantity   int64
}

type SessionRequest struct {
	OrderID       string
	CustomerEmail string
	Currency      string
	Items         []LineItem
	SuccessURL    string
	CancelURL     string
	Metadata      map[string]string
}

type Session struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Gateway creates checkout sessions. Client is the production
// implementation.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, req SessionRequest) (*Session, error)
}

// APIError is a non-2xx answer from the processor.
type APIError struct {
	StatusCode int
	Type       string
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("payment api: %d %s: %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("payment api: status %d", e.StatusCode)
}

// ErrUnavailable wraps transport failures reaching the processor.
var ErrUnavailable = errors.New("payment processor unavailable")

type Client struct {
	sessions stripesession.Client
}

// NewClient builds a client against baseURL ("https://api.stripe.com" in
// production). The SDK's own retries are off: a failed checkout leaves the
// order pending and the patient retries.
func NewClient(baseURL, secretKey string, timeout time.Duration, logger zerolog.Logger) *Client {
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(strings.TrimRight(baseURL, "/")),
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     stripeLogger{logger.With().Str("component", "stripe").Logger()},
	})
	return &Client{sessions: stripesession.Client{B: backend, Key: secretKey}}
}

func (c *Client) CreateCheckoutSession(ctx context.Context, req SessionRequest) (*Session, error) {
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("checkout session needs at least one line item")
	}

	params := sessionParams(req)
	params.Context = ctx
	// A retried checkout for the same order reuses the processor's session.
	params.SetIdempotencyKey("checkout-" + req.OrderID)

	s, err := c.sessions.New(params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) {
			return nil, &APIError{
				StatusCode: se.HTTPStatusCode,
				Type:       string(se.Type),
				Code:       string(se.Code),
				Message:    se.Msg,
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if s.ID == "" || s.URL == "" {
		return nil, fmt.Errorf("checkout session response missing id or url")
	}
	return &Session{ID: s.ID, URL: s.URL}, nil
}

func sessionParams(req SessionRequest) *stripe.CheckoutSessionParams {
	currency := strings.ToLower(req.Currency)
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.OrderID),
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	for _, item := range req.Items {
		qty := item.Quantity
		if qty <= 0 {
			qty = 1
		}
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(currency),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(item.Name),
				},
				UnitAmount: stripe.Int64(item.UnitAmount),
			},
			Quantity: stripe.Int64(qty),
		})
	}

	params.AddMetadata("order_id", req.OrderID)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	return params
}

// stripeLogger routes the SDK's request logging into zerolog.
type stripeLogger struct {
	zerolog.Logger
}

func (l stripeLogger) Debugf(format string, v ...interface{}) { l.Debug().Msgf(format, v...) }
func (l stripeLogger) Infof(format string, v ...interface{})  { l.Debug().Msgf(format, v...) }
func (l stripeLogger) Warnf(format string, v ...interface{})  { l.Warn().Msgf(format, v...) }
func (l stripeLogger) Errorf(format string, v ...interface{}) { l.Error().Msgf(format, v...) }

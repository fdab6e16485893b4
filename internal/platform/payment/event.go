package payment

import (
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v79"
)

const (
	EventCheckoutCompleted             = "checkout.session.completed"
	EventCheckoutAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
)

type CheckoutSession struct {
	ID                string
	ClientReferenceID string
	PaymentIntent     string
	PaymentStatus     string
	AmountTotal       int64
	Currency          string
	Metadata          map[string]string
}

// OrderID prefers the metadata we set at session creation and falls back
// to the client reference id.
func (s *CheckoutSession) OrderID() string {
	if id := s.Metadata["order_id"]; id != "" {
		return id
	}
	return s.ClientReferenceID
}

// Event is a decoded webhook delivery. Session is nil for event types that
// do not carry a checkout session.
type Event struct {
	ID      string
	Type    string
	Session *CheckoutSession
}

// ConfirmsPayment reports whether the event proves the order was paid.
// A completed session paid with a delayed method reports "unpaid" and is
// confirmed later by the async success event.
func (e *Event) ConfirmsPayment() bool {
	if e.Session == nil {
		return false
	}
	switch e.Type {
	case EventCheckoutCompleted:
		return e.Session.PaymentStatus == string(stripe.CheckoutSessionPaymentStatusPaid) ||
			e.Session.PaymentStatus == string(stripe.CheckoutSessionPaymentStatusNoPaymentRequired)
	case EventCheckoutAsyncPaymentSucceeded:
		return true
	}
	return false
}

// ParseEvent decodes a body that was authenticated earlier, when a logged
// delivery is replayed.
func ParseEvent(body []byte) (*Event, error) {
	var ev stripe.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode payment event: %w", err)
	}
	return fromStripe(ev)
}

func fromStripe(ev stripe.Event) (*Event, error) {
	if ev.ID == "" || ev.Type == "" {
		return nil, fmt.Errorf("decode payment event: missing id or type")
	}

	out := &Event{ID: ev.ID, Type: string(ev.Type)}
	switch out.Type {
	case EventCheckoutCompleted, EventCheckoutAsyncPaymentSucceeded:
		if ev.Data == nil || len(ev.Data.Raw) == 0 {
			return nil, fmt.Errorf("decode checkout session: missing object")
		}
		var s stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("decode checkout session: %w", err)
		}
		if s.ID == "" {
			return nil, fmt.Errorf("decode checkout session: missing id")
		}
		out.Session = &CheckoutSession{
			ID:                s.ID,
			ClientReferenceID: s.ClientReferenceID,
			PaymentStatus:     string(s.PaymentStatus),
			AmountTotal:       s.AmountTotal,
			Currency:          string(s.Currency),
			Metadata:          s.Metadata,
		}
		if s.PaymentIntent != nil {
			out.Session.PaymentIntent = s.PaymentIntent.ID
		}
	}
	return out, nil
}

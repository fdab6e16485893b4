package order

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/testwell/testwell/internal/domain/catalog"
	"github.com/testwell/testwell/internal/platform/auth"
	"github.com/testwell/testwell/internal/platform/payment"
	"github.com/testwell/testwell/pkg/money"
)

type CheckoutResult struct {
	OrderID     uuid.UUID   `json:"order_id"`
	SessionID   string      `json:"session_id"`
	RedirectURL string      `json:"redirect_url"`
	Total       money.Cents `json:"total"`
	Currency    string      `json:"currency"`
}

// Checkout turns a cart into a pending order and a hosted payment session.
// Names and prices in items are ignored; the catalog is authoritative. If
// the processor cannot open a session the order stays pending without one
// and can never be paid.
func (s *Service) Checkout(ctx context.Context, patientID string, items []catalog.CartItem) (*CheckoutResult, error) {
	if patientID == "" {
		return nil, &ValidationError{Code: "missing_patient", Field: "patient_id", Message: "patient is required"}
	}

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.TestID
	}
	tests, err := s.catalog.Resolve(ids)
	if err != nil {
		var re *catalog.ResolveError
		if errors.As(err, &re) {
			return nil, &ValidationError{Code: re.Code, Field: re.Field(), Message: re.Error()}
		}
		return nil, err
	}

	o := &Order{
		PatientID: patientID,
		Status:    StatusPending,
		Total:     catalog.Total(tests),
		Currency:  s.cfg.Currency,
	}
	lines := make([]payment.LineItem, len(tests))
	for i, t := range tests {
		o.Items = append(o.Items, LineItem{TestID: t.ID, TestName: t.Name, Price: t.Price})
		lines[i] = payment.LineItem{Name: t.Name, UnitAmount: int64(t.Price), Quantity: 1}
	}

	if err := s.repo.Create(ctx, o); err != nil {
		return nil, err
	}

	session, err := s.payments.CreateCheckoutSession(ctx, payment.SessionRequest{
		OrderID:       o.ID.String(),
		CustomerEmail: auth.EmailFromContext(ctx),
		Currency:      o.Currency,
		Items:         lines,
		SuccessURL:    s.cfg.SuccessURL,
		CancelURL:     s.cfg.CancelURL,
		Metadata:      map[string]string{"patient_id": patientID},
	})
	if err != nil {
		s.logger.Error().Err(err).
			Str("order_id", o.ID.String()).
			Str("patient_id", patientID).
			Msg("create checkout session")
		return nil, &DependencyError{Op: "failed to create order", Err: err}
	}

	if err := s.repo.SetPaymentSession(ctx, o.ID, session.ID); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("order_id", o.ID.String()).
		Str("patient_id", patientID).
		Str("total", o.Total.String()).
		Int("items", len(o.Items)).
		Msg("checkout session created")

	return &CheckoutResult{
		OrderID:     o.ID,
		SessionID:   session.ID,
		RedirectURL: session.URL,
		Total:       o.Total,
		Currency:    o.Currency,
	}, nil
}

package order

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/testwell/testwell/pkg/money"
)

type Order struct {
	ID                    uuid.UUID   `json:"id"`
	PatientID             string      `json:"patient_id"`
	Status                Status      `json:"status"`
	Total                 money.Cents `json:"total"`
	Currency              string      `json:"currency"`
	PaymentSessionID      *string     `json:"payment_session_id,omitempty"`
	PaymentConfirmationID *string     `json:"payment_confirmation_id,omitempty"`
	TreatmentPlanID       *string     `json:"treatment_plan_id,omitempty"`
	LabOrderID            *string     `json:"lab_order_id,omitempty"`
	CancelReason          *string     `json:"cancel_reason,omitempty"`
	CreatedAt             time.Time   `json:"created_at"`
	UpdatedAt             time.Time   `json:"updated_at"`
	Items                 []LineItem  `json:"items,omitempty"`
}

// MarshalJSON adds the display label and category of the status.
func (o Order) MarshalJSON() ([]byte, error) {
	type plain Order
	return json.Marshal(struct {
		plain
		StatusLabel    string `json:"status_label"`
		StatusCategory string `json:"status_category"`
	}{plain(o), o.Status.Label(), o.Status.Category()})
}

// LineItem snapshots a catalog test at checkout. It is never updated.
type LineItem struct {
	ID        uuid.UUID   `json:"id"`
	OrderID   uuid.UUID   `json:"order_id"`
	TestID    string      `json:"test_id"`
	TestName  string      `json:"test_name"`
	Price     money.Cents `json:"price"`
	CreatedAt time.Time   `json:"created_at"`
}

type ListFilter struct {
	PatientID string
	Status    Status
}

// StatusUpdate is written together with a status change. Nil fields keep
// their stored value.
type StatusUpdate struct {
	To                    Status
	PaymentConfirmationID *string
	TreatmentPlanID       *string
	LabOrderID            *string
	CancelReason          *string
}

func (u StatusUpdate) applyTo(o *Order) {
	o.Status = u.To
	if u.PaymentConfirmationID != nil {
		o.PaymentConfirmationID = u.PaymentConfirmationID
	}
	if u.TreatmentPlanID != nil {
		o.TreatmentPlanID = u.TreatmentPlanID
	}
	if u.LabOrderID != nil {
		o.LabOrderID = u.LabOrderID
	}
	if u.CancelReason != nil {
		o.CancelReason = u.CancelReason
	}
}

// TransitionRequest asks the lifecycle controller to move an order.
type TransitionRequest struct {
	Trigger Trigger
	// Target is the mapped lab status for TriggerLabStatus.
	Target                Status
	PaymentConfirmationID string
	TreatmentPlanID       string
	LabOrderID            string
	Reason                string
	// Actor is the subject or webhook source responsible, for logs.
	Actor string
}

// Outcome tells the caller whether Apply changed anything.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeNoop    Outcome = "noop"
)

var (
	ErrNotFound = errors.New("order not found")
	// ErrConflict means the order is bound to different external data, or
	// kept moving under concurrent writers.
	ErrConflict = errors.New("order conflict")
)

// ValidationError is a request the caller must fix. Nothing was written.
type ValidationError struct {
	Code    string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

// DependencyError is a failure of the payment processor or clinical
// platform. Op is safe to show to the caller; Err is only logged.
type DependencyError struct {
	Op  string
	Err error
}

func (e *DependencyError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *DependencyError) Unwrap() error { return e.Err }

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

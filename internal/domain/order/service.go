package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/testwell/testwell/internal/domain/catalog"
	"github.com/testwell/testwell/internal/platform/clinical"
	"github.com/testwell/testwell/internal/platform/payment"
	"github.com/testwell/testwell/internal/platform/websocket"
)

// EventStatusChanged is published after every applied transition.
const EventStatusChanged = "order.status_changed"

// PlanActivator runs treatment plan activation on the clinical platform.
type PlanActivator interface {
	ActivateTreatmentPlan(ctx context.Context, planID string) (*clinical.Activation, error)
}

// Registrar links an order's patient to a clinical platform chart.
type Registrar interface {
	EnsureRegisteredBySubject(ctx context.Context, subject string) (string, error)
}

type CheckoutConfig struct {
	Currency   string
	SuccessURL string
	CancelURL  string
}

// Service is the order lifecycle controller and checkout sequencer.
type Service struct {
	repo      Repository
	catalog   *catalog.Catalog
	payments  payment.Gateway
	activator PlanActivator
	registrar Registrar
	events    websocket.EventPublisher
	cfg       CheckoutConfig
	logger    zerolog.Logger
}

type Deps struct {
	Repo      Repository
	Catalog   *catalog.Catalog
	Payments  payment.Gateway
	Activator PlanActivator
	Registrar Registrar
	Events    websocket.EventPublisher
}

func NewService(d Deps, cfg CheckoutConfig, logger zerolog.Logger) *Service {
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	return &Service{
		repo:      d.Repo,
		catalog:   d.Catalog,
		payments:  d.Payments,
		activator: d.Activator,
		registrar: d.Registrar,
		events:    d.Events,
		cfg:       cfg,
		logger:    logger.With().Str("component", "orders").Logger(),
	}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Order, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Order, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, &ValidationError{Code: "invalid_status", Field: "status", Message: fmt.Sprintf("unknown status %q", f.Status)}
	}
	return s.repo.List(ctx, f, limit, offset)
}

// Apply moves an order through the transition table. A conditional update
// guards every write; if a concurrent writer moved the order first the
// order is re-read and the trigger evaluated once more.
func (s *Service) Apply(ctx context.Context, id uuid.UUID, req TransitionRequest) (*Order, Outcome, error) {
	o, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}

	for attempt := 0; attempt < 2; attempt++ {
		if err := checkBinding(o, req); err != nil {
			return o, "", err
		}

		next, err := Next(o.Status, req.Trigger, req.Target)
		if err != nil {
			return o, "", err
		}
		if next == o.Status {
			s.logger.Debug().
				Str("order_id", o.ID.String()).
				Str("status", string(o.Status)).
				Str("trigger", string(req.Trigger)).
				Msg("transition already applied")
			return o, OutcomeNoop, nil
		}

		from := o.Status
		u := updateFor(next, req)
		ok, err := s.repo.UpdateStatus(ctx, o.ID, from, u)
		if err != nil {
			return o, "", err
		}
		if ok {
			u.applyTo(o)
			o.UpdatedAt = time.Now().UTC()
			s.logger.Info().
				Str("order_id", o.ID.String()).
				Str("from", string(from)).
				Str("to", string(next)).
				Str("trigger", string(req.Trigger)).
				Str("actor", req.Actor).
				Msg("order status changed")
			s.publish(ctx, o, from)
			return o, OutcomeApplied, nil
		}

		s.logger.Warn().
			Str("order_id", o.ID.String()).
			Str("expected", string(from)).
			Msg("order moved concurrently, re-evaluating")
		if o, err = s.repo.Get(ctx, id); err != nil {
			return nil, "", err
		}
	}
	return o, "", fmt.Errorf("%w: order %s kept changing", ErrConflict, id)
}

// checkBinding refuses triggers that carry a different external reference
// than the one already stored on the order.
func checkBinding(o *Order, req TransitionRequest) error {
	if req.Trigger == TriggerPlanActivated && o.TreatmentPlanID != nil && *o.TreatmentPlanID != req.TreatmentPlanID {
		return fmt.Errorf("%w: order already bound to treatment plan %s", ErrConflict, *o.TreatmentPlanID)
	}
	return nil
}

func updateFor(next Status, req TransitionRequest) StatusUpdate {
	u := StatusUpdate{To: next}
	switch req.Trigger {
	case TriggerPaymentConfirmed:
		u.PaymentConfirmationID = strPtr(req.PaymentConfirmationID)
	case TriggerPlanActivated:
		u.TreatmentPlanID = strPtr(req.TreatmentPlanID)
		u.LabOrderID = strPtr(req.LabOrderID)
	case TriggerLabStatus:
		u.LabOrderID = strPtr(req.LabOrderID)
	case TriggerCancelled:
		u.CancelReason = strPtr(req.Reason)
	}
	return u
}

type statusChanged struct {
	OrderID        uuid.UUID `json:"order_id"`
	PatientID      string    `json:"patient_id"`
	From           Status    `json:"from"`
	Status         Status    `json:"status"`
	StatusLabel    string    `json:"status_label"`
	StatusCategory string    `json:"status_category"`
}

func (s *Service) publish(ctx context.Context, o *Order, from Status) {
	if s.events == nil {
		return
	}
	data, err := json.Marshal(statusChanged{
		OrderID:        o.ID,
		PatientID:      o.PatientID,
		From:           from,
		Status:         o.Status,
		StatusLabel:    o.Status.Label(),
		StatusCategory: o.Status.Category(),
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("marshal status event")
		return
	}
	for _, topic := range []string{
		websocket.OrderTopic(o.ID.String()),
		websocket.PatientTopic(o.PatientID),
		websocket.AllOrdersTopic,
	} {
		ev := websocket.Event{Type: EventStatusChanged, Topic: topic, Timestamp: o.UpdatedAt, Data: data}
		if err := s.events.Publish(ctx, ev); err != nil {
			s.logger.Warn().Err(err).Str("topic", topic).Msg("publish status event")
		}
	}
}

// PaymentConfirmation reports what a payment confirmation did. A failed
// registration does not undo the transition; it is reported so the caller
// can surface it.
type PaymentConfirmation struct {
	Order             *Order
	Outcome           Outcome
	ClinicalPatientID string
	RegistrationErr   error
}

// ConfirmPayment marks an order paid. Only the delivery that applies the
// transition registers the patient with the clinical platform, so replays
// never register twice.
func (s *Service) ConfirmPayment(ctx context.Context, id uuid.UUID, confirmationID string) (*PaymentConfirmation, error) {
	o, outcome, err := s.Apply(ctx, id, TransitionRequest{
		Trigger:               TriggerPaymentConfirmed,
		PaymentConfirmationID: confirmationID,
		Actor:                 "payment",
	})
	if err != nil {
		return nil, err
	}
	pc := &PaymentConfirmation{Order: o, Outcome: outcome}
	if outcome != OutcomeApplied || s.registrar == nil {
		return pc, nil
	}

	pc.ClinicalPatientID, pc.RegistrationErr = s.registrar.EnsureRegisteredBySubject(ctx, o.PatientID)
	if pc.RegistrationErr != nil {
		s.logger.Error().Err(pc.RegistrationErr).
			Str("order_id", o.ID.String()).
			Str("patient_id", o.PatientID).
			Msg("patient registration after payment failed")
	}
	return pc, nil
}

// StartReview moves a paid order to awaiting a treatment plan.
func (s *Service) StartReview(ctx context.Context, id uuid.UUID, actor string) (*Order, Outcome, error) {
	return s.Apply(ctx, id, TransitionRequest{Trigger: TriggerReviewStarted, Actor: actor})
}

// ActivatePlan activates a treatment plan on the clinical platform and only
// then records it on the order. The plan id is checked before any remote
// call, and a remote failure leaves the order untouched.
func (s *Service) ActivatePlan(ctx context.Context, id uuid.UUID, planID, actor string) (*Order, Outcome, error) {
	planID = strings.TrimSpace(planID)
	if planID == "" {
		return nil, "", &ValidationError{Code: "missing_treatment_plan_id", Field: "treatment_plan_id", Message: "treatment plan id is required"}
	}

	o, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	req := TransitionRequest{Trigger: TriggerPlanActivated, TreatmentPlanID: planID, Actor: actor}
	if err := checkBinding(o, req); err != nil {
		return o, "", err
	}
	next, err := Next(o.Status, req.Trigger, "")
	if err != nil {
		return o, "", err
	}
	if next == o.Status {
		return o, OutcomeNoop, nil
	}
	owner, err := s.repo.GetByTreatmentPlan(ctx, planID)
	switch {
	case err == nil && owner.ID != o.ID:
		return o, "", fmt.Errorf("%w: treatment plan %s already belongs to order %s", ErrConflict, planID, owner.ID)
	case err != nil && !errors.Is(err, ErrNotFound):
		return o, "", err
	}

	act, err := s.activator.ActivateTreatmentPlan(ctx, planID)
	if err != nil {
		s.logger.Error().Err(err).
			Str("order_id", id.String()).
			Str("treatment_plan_id", planID).
			Msg("treatment plan activation failed")
		return o, "", &DependencyError{Op: "failed to activate order", Err: err}
	}
	req.LabOrderID = act.LabOrderID
	applied, outcome, err := s.Apply(ctx, id, req)
	if err != nil {
		s.logger.Error().Err(err).
			Str("order_id", id.String()).
			Str("treatment_plan_id", planID).
			Str("lab_order_id", act.LabOrderID).
			Msg("treatment plan activated remotely but not recorded on order")
	}
	return applied, outcome, err
}

func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason, actor string) (*Order, Outcome, error) {
	return s.Apply(ctx, id, TransitionRequest{Trigger: TriggerCancelled, Reason: strings.TrimSpace(reason), Actor: actor})
}

// ApplyLabStatus records a clinical platform status for the order bound to
// planID.
func (s *Service) ApplyLabStatus(ctx context.Context, planID string, target Status, labOrderID string) (*Order, Outcome, error) {
	o, err := s.repo.GetByTreatmentPlan(ctx, planID)
	if err != nil {
		return nil, "", err
	}
	return s.Apply(ctx, o.ID, TransitionRequest{
		Trigger:    TriggerLabStatus,
		Target:     target,
		LabOrderID: labOrderID,
		Actor:      "clinical",
	})
}

// FindForPayment locates the order a checkout session belongs to: by the
// stored session id first, then by the order id the session carries.
func (s *Service) FindForPayment(ctx context.Context, sessionID, orderRef string) (*Order, error) {
	if sessionID != "" {
		o, err := s.repo.GetByPaymentSession(ctx, sessionID)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return o, err
		}
	}
	id, err := uuid.Parse(orderRef)
	if err != nil {
		return nil, ErrNotFound
	}
	return s.repo.Get(ctx, id)
}

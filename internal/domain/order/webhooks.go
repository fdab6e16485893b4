package order

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/testwell/testwell/internal/platform/clinical"
	"github.com/testwell/testwell/internal/platform/payment"
	"github.com/testwell/testwell/internal/platform/webhook"
)

// PaymentReceiver handles the card processor's webhook. It implements
// webhook.Processor so dead-lettered deliveries can be replayed.
type PaymentReceiver struct {
	svc       *Service
	log       *webhook.Log
	secret    string
	tolerance time.Duration
	logger    zerolog.Logger
}

func NewPaymentReceiver(svc *Service, log *webhook.Log, secret string, tolerance time.Duration, logger zerolog.Logger) *PaymentReceiver {
	return &PaymentReceiver{
		svc:       svc,
		log:       log,
		secret:    secret,
		tolerance: tolerance,
		logger:    logger.With().Str("webhook", string(webhook.SourcePayment)).Logger(),
	}
}

func (p *PaymentReceiver) RegisterRoutes(e *echo.Echo) {
	e.POST("/webhooks/payment", p.Handle)
}

// Handle verifies the signature before reading anything from the body.
// Every verified delivery is acknowledged, including ones that failed
// internally; those stay in the webhook log for replay.
func (p *PaymentReceiver) Handle(c echo.Context) error {
	ctx := c.Request().Context()
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}

	header := c.Request().Header.Get(payment.SignatureHeader)
	ev, err := payment.ConstructEvent(body, header, p.secret, p.tolerance)
	if errors.Is(err, payment.ErrInvalidSignature) {
		p.logger.Warn().Err(err).Str("remote_ip", c.RealIP()).Msg("payment webhook rejected")
		record(ctx, p.log, webhook.SourcePayment, body, webhook.Result{Outcome: webhook.OutcomeRejected, Detail: err.Error()})
		return echo.NewHTTPError(http.StatusBadRequest, "invalid signature")
	}
	if err != nil {
		return acknowledge(c, p.log, webhook.SourcePayment, body, webhook.Result{Outcome: webhook.OutcomeIgnored, Detail: err.Error()})
	}

	return acknowledge(c, p.log, webhook.SourcePayment, body, p.apply(ctx, ev))
}

// Process applies a payment event that was verified on first delivery.
func (p *PaymentReceiver) Process(ctx context.Context, payload []byte) webhook.Result {
	ev, err := payment.ParseEvent(payload)
	if err != nil {
		return webhook.Result{Outcome: webhook.OutcomeIgnored, Detail: err.Error()}
	}
	return p.apply(ctx, ev)
}

func (p *PaymentReceiver) apply(ctx context.Context, ev *payment.Event) webhook.Result {
	res := webhook.Result{EventID: ev.ID, EventType: ev.Type}

	if ev.Session == nil {
		res.Outcome = webhook.OutcomeIgnored
		res.Detail = "unhandled event type"
		return res
	}
	if !ev.ConfirmsPayment() {
		res.Outcome = webhook.OutcomeIgnored
		res.Detail = "payment not settled: " + ev.Session.PaymentStatus
		return res
	}

	o, err := p.svc.FindForPayment(ctx, ev.Session.ID, ev.Session.OrderID())
	if errors.Is(err, ErrNotFound) {
		res.Outcome = webhook.OutcomeIgnored
		res.Detail = fmt.Sprintf("no order for session %s", ev.Session.ID)
		return res
	}
	if err != nil {
		return webhook.Failed(ev.ID, ev.Type, err)
	}
	res.OrderID = &o.ID

	if ev.Session.AmountTotal != 0 && ev.Session.AmountTotal != int64(o.Total) {
		p.logger.Warn().
			Str("order_id", o.ID.String()).
			Int64("paid", ev.Session.AmountTotal).
			Int64("total", int64(o.Total)).
			Msg("paid amount differs from order total")
	}

	confirmation := ev.Session.PaymentIntent
	if confirmation == "" {
		confirmation = ev.Session.ID
	}
	pc, err := p.svc.ConfirmPayment(ctx, o.ID, confirmation)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			res.Outcome = webhook.OutcomeIgnored
			res.Detail = err.Error()
			return res
		}
		failed := webhook.Failed(ev.ID, ev.Type, err)
		failed.OrderID = res.OrderID
		return failed
	}

	res.Outcome = resultOutcome(pc.Outcome)
	if pc.RegistrationErr != nil {
		res.Detail = "patient registration failed: " + pc.RegistrationErr.Error()
	}
	return res
}

// ClinicalReceiver handles lab order notifications from the clinical
// platform.
type ClinicalReceiver struct {
	svc    *Service
	log    *webhook.Log
	secret string
	logger zerolog.Logger
}

// NewClinicalReceiver builds the receiver. With an empty secret deliveries
// are not signature checked.
func NewClinicalReceiver(svc *Service, log *webhook.Log, secret string, logger zerolog.Logger) *ClinicalReceiver {
	return &ClinicalReceiver{
		svc:    svc,
		log:    log,
		secret: secret,
		logger: logger.With().Str("webhook", string(webhook.SourceClinical)).Logger(),
	}
}

func (r *ClinicalReceiver) RegisterRoutes(e *echo.Echo) {
	e.POST("/webhooks/clinical", r.Handle)
}

func (r *ClinicalReceiver) Handle(c echo.Context) error {
	ctx := c.Request().Context()
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}

	ch, ev, parseErr := clinical.ParseWebhook(body)
	if ch != nil {
		r.logger.Info().Msg("answering subscription challenge")
		return c.JSON(http.StatusOK, map[string]string{"challenge": ch.Value})
	}

	if r.secret != "" && !webhook.VerifyHeader(body, r.secret, c.Request().Header.Get(clinical.SignatureHeader)) {
		r.logger.Warn().Str("remote_ip", c.RealIP()).Msg("clinical webhook rejected")
		record(ctx, r.log, webhook.SourceClinical, body, webhook.Result{Outcome: webhook.OutcomeRejected, Detail: "invalid signature"})
		return echo.NewHTTPError(http.StatusBadRequest, "invalid signature")
	}

	var res webhook.Result
	if parseErr != nil {
		res = webhook.Result{Outcome: webhook.OutcomeIgnored, Detail: parseErr.Error()}
	} else {
		res = r.apply(ctx, ev)
	}
	return acknowledge(c, r.log, webhook.SourceClinical, body, res)
}

// Process re-parses a stored delivery; used on replay.
func (r *ClinicalReceiver) Process(ctx context.Context, payload []byte) webhook.Result {
	ch, ev, err := clinical.ParseWebhook(payload)
	if err != nil {
		return webhook.Result{Outcome: webhook.OutcomeIgnored, Detail: err.Error()}
	}
	if ch != nil {
		return webhook.Result{Outcome: webhook.OutcomeIgnored, Detail: "challenge"}
	}
	return r.apply(ctx, ev)
}

func (r *ClinicalReceiver) apply(ctx context.Context, ev *clinical.Event) webhook.Result {
	res := webhook.Result{EventID: ev.ID, EventType: ev.Type}

	status := ev.Status
	switch ev.Type {
	case clinical.EventLabOrderStatusUpdated:
	case clinical.EventLabOrderCreated:
		if status == "" {
			status = "ordered"
		}
	default:
		res.Outcome = webhook.OutcomeIgnored
		res.Detail = "unhandled event type"
		return res
	}

	// The clinical package maps upstream names onto order status strings;
	// anything that does not parse as one is treated as unknown.
	var target Status
	mapped, ok := clinical.MapStatus(status)
	if ok {
		var err error
		target, err = ParseStatus(mapped)
		ok = err == nil
	}
	if !ok {
		r.logger.Warn().
			Str("event_id", ev.ID).
			Str("treatment_plan_id", ev.TreatmentPlanID).
			Str("status", status).
			Msg("unknown lab status left unapplied")
		res.Outcome = webhook.OutcomeIgnored
		res.Detail = "unknown lab status: " + status
		return res
	}
	if ev.TreatmentPlanID == "" {
		res.Outcome = webhook.OutcomeIgnored
		res.Detail = "missing treatment plan id"
		return res
	}

	o, outcome, err := r.svc.ApplyLabStatus(ctx, ev.TreatmentPlanID, target, ev.LabOrderID)
	if o != nil {
		res.OrderID = &o.ID
	}
	switch {
	case errors.Is(err, ErrNotFound):
		res.Outcome = webhook.OutcomeIgnored
		res.Detail = "unknown treatment plan: " + ev.TreatmentPlanID
	case errors.Is(err, ErrInvalidTransition):
		res.Outcome = webhook.OutcomeIgnored
		res.Detail = err.Error()
	case err != nil:
		res.Outcome = webhook.OutcomeFailed
		res.Detail = err.Error()
	default:
		res.Outcome = resultOutcome(outcome)
	}
	return res
}

func resultOutcome(o Outcome) webhook.Outcome {
	if o == OutcomeApplied {
		return webhook.OutcomeApplied
	}
	return webhook.OutcomeNoop
}

func record(ctx context.Context, log *webhook.Log, source webhook.Source, body []byte, res webhook.Result) (*webhook.Event, error) {
	e, err := log.Record(ctx, source, body, res)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).
			Str("source", string(source)).
			Str("event_id", res.EventID).
			Str("outcome", string(res.Outcome)).
			Msg("record webhook event")
	}
	return e, err
}

// acknowledge answers a verified delivery with 200. The only exception is
// a failed delivery whose failure could not be written down either: the
// sender is asked to retry instead of the event being lost.
func acknowledge(c echo.Context, log *webhook.Log, source webhook.Source, body []byte, res webhook.Result) error {
	if _, err := record(c.Request().Context(), log, source, body, res); err != nil && res.Outcome == webhook.OutcomeFailed {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"received": true,
		"outcome":  res.Outcome,
	})
}

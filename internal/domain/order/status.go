package order

import (
	"errors"
	"fmt"
)

// Status is the lifecycle position of an order.
type Status string

const (
	StatusPending          Status = "pending"
	StatusPaid             Status = "paid"
	StatusAwaitingPlan     Status = "awaiting_plan"
	StatusLabOrdered       Status = "lab_ordered"
	StatusKitShipped       Status = "kit_shipped"
	StatusKitDelivered     Status = "kit_delivered"
	StatusSpecimenReceived Status = "specimen_received"
	StatusProcessing       Status = "processing"
	StatusResultsReady     Status = "results_ready"
	StatusCompleted        Status = "completed"
	StatusCancelled        Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order, cancelled last.
var AllStatuses = []Status{
	StatusPending,
	StatusPaid,
	StatusAwaitingPlan,
	StatusLabOrdered,
	StatusKitShipped,
	StatusKitDelivered,
	StatusSpecimenReceived,
	StatusProcessing,
	StatusResultsReady,
	StatusCompleted,
	StatusCancelled,
}

// Status categories for display.
const (
	CategoryPending    = "pending"
	CategoryInProgress = "in_progress"
	CategoryComplete   = "complete"
	CategoryError      = "error"
)

type presentation struct {
	label    string
	category string
}

var presentations = map[Status]presentation{
	StatusPending:          {"Awaiting payment", CategoryPending},
	StatusPaid:             {"Payment received", CategoryInProgress},
	StatusAwaitingPlan:     {"Awaiting physician review", CategoryInProgress},
	StatusLabOrdered:       {"Lab order placed", CategoryInProgress},
	StatusKitShipped:       {"Kit shipped", CategoryInProgress},
	StatusKitDelivered:     {"Kit delivered", CategoryInProgress},
	StatusSpecimenReceived: {"Specimen received", CategoryInProgress},
	StatusProcessing:       {"Processing at lab", CategoryInProgress},
	StatusResultsReady:     {"Results ready", CategoryComplete},
	StatusCompleted:        {"Completed", CategoryComplete},
	StatusCancelled:        {"Cancelled", CategoryError},
}

func (s Status) Valid() bool {
	_, ok := presentations[s]
	return ok
}

func (s Status) Label() string {
	if p, ok := presentations[s]; ok {
		return p.label
	}
	return string(s)
}

func (s Status) Category() string {
	if p, ok := presentations[s]; ok {
		return p.category
	}
	return CategoryError
}

// rank orders the forward path. Cancelled sits outside it.
func (s Status) rank() int {
	for i, st := range AllStatuses[:len(AllStatuses)-1] {
		if st == s {
			return i
		}
	}
	return -1
}

// fulfillment reports whether s is one of the lab-driven states a
// clinical status update can move an order into.
func (s Status) fulfillment() bool {
	return s.rank() >= StatusLabOrdered.rank()
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown order status %q", s)
	}
	return st, nil
}

// Trigger names what is asking the order to move.
type Trigger string

const (
	TriggerPaymentConfirmed Trigger = "payment_confirmed"
	TriggerReviewStarted    Trigger = "review_started"
	TriggerPlanActivated    Trigger = "plan_activated"
	TriggerLabStatus        Trigger = "lab_status"
	TriggerCancelled        Trigger = "cancelled"
)

var ErrInvalidTransition = errors.New("invalid order status transition")

// Next is the single transition table. It returns the status an order in
// current moves to for trigger; target is only read for TriggerLabStatus.
// A result equal to current means the trigger was already applied and the
// caller must treat it as a no-op.
func Next(current Status, trigger Trigger, target Status) (Status, error) {
	invalid := func() (Status, error) {
		return current, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, trigger, current)
	}
	if !current.Valid() {
		return invalid()
	}

	switch trigger {
	case TriggerPaymentConfirmed:
		if current == StatusPending {
			return StatusPaid, nil
		}
		// Already paid, further along, or cancelled: a late or repeated
		// confirmation changes nothing.
		return current, nil

	case TriggerReviewStarted:
		switch {
		case current == StatusPaid:
			return StatusAwaitingPlan, nil
		case current != StatusCancelled && current.rank() >= StatusAwaitingPlan.rank():
			return current, nil
		}
		return invalid()

	case TriggerPlanActivated:
		switch {
		case current == StatusPaid || current == StatusAwaitingPlan:
			return StatusLabOrdered, nil
		case current.fulfillment():
			return current, nil
		}
		return invalid()

	case TriggerLabStatus:
		if !target.fulfillment() {
			return current, fmt.Errorf("%w: %s is not a lab status", ErrInvalidTransition, target)
		}
		if !current.fulfillment() {
			return invalid()
		}
		if target.rank() <= current.rank() {
			return current, nil
		}
		return target, nil

	case TriggerCancelled:
		switch current {
		case StatusPending, StatusPaid, StatusAwaitingPlan:
			return StatusCancelled, nil
		case StatusCancelled:
			return current, nil
		}
		return invalid()
	}

	return current, fmt.Errorf("%w: unknown trigger %q", ErrInvalidTransition, trigger)
}

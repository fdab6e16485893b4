// Package webhook keeps a durable log of every inbound webhook delivery and
// its outcome. Deliveries that failed internally are acknowledged to the
// sender but stay in the log as a dead-letter queue that admins can replay.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Source string

const (
	SourcePayment  Source = "payment"
	SourceClinical Source = "clinical"
)

type Outcome string

const (
	// OutcomeApplied means the delivery changed an order.
	OutcomeApplied Outcome = "applied"
	// OutcomeNoop is a duplicate or stale delivery for a known order.
	OutcomeNoop Outcome = "noop"
	// OutcomeIgnored covers unknown event types, statuses and references.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeRejected is an authenticity failure. The body is not trusted.
	OutcomeRejected Outcome = "rejected"
	// OutcomeFailed is an internal processing error: the dead-letter queue.
	OutcomeFailed Outcome = "failed"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeApplied, OutcomeNoop, OutcomeIgnored, OutcomeRejected, OutcomeFailed:
		return true
	}
	return false
}

// Replayable reports whether an event with this outcome may be processed
// again. Rejected deliveries never are: their body was not authenticated.
func (o Outcome) Replayable() bool {
	return o == OutcomeFailed || o == OutcomeIgnored
}

var ErrNotFound = errors.New("webhook event not found")

// ErrNotReplayable is returned when replaying an event whose outcome is
// final.
var ErrNotReplayable = errors.New("webhook event is not replayable")

// Event is one row of the webhook log. Redeliveries of the same sender
// event id update the existing row and bump Attempts.
type Event struct {
	ID          uuid.UUID       `json:"id"`
	Source      Source          `json:"source"`
	EventID     string          `json:"event_id,omitempty"`
	EventType   string          `json:"event_type,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Outcome     Outcome         `json:"outcome"`
	OrderID     *uuid.UUID      `json:"order_id,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	ReceivedAt  time.Time       `json:"received_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

// Result is what a Processor reports back for one delivery.
type Result struct {
	Outcome   Outcome
	EventID   string
	EventType string
	OrderID   *uuid.UUID
	// Detail is stored in the event's error column: the raw unknown status
	// for ignored deliveries or the error text for failed ones.
	Detail string
}

// Failed builds a Result for an internal error.
func Failed(eventID, eventType string, err error) Result {
	return Result{Outcome: OutcomeFailed, EventID: eventID, EventType: eventType, Detail: err.Error()}
}

// Processor applies a verified webhook body. It is called on first delivery
// and again on replay, so it must be idempotent.
type Processor interface {
	Process(ctx context.Context, payload []byte) Result
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, payload []byte) Result

func (f ProcessorFunc) Process(ctx context.Context, payload []byte) Result { return f(ctx, payload) }

type Filter struct {
	Source  Source
	Outcome Outcome
}

// Store persists webhook events.
type Store interface {
	// Save inserts the event, or merges it into the row with the same
	// (source, event id), filling in ID, Attempts and ReceivedAt.
	Save(ctx context.Context, e *Event) error
	// Update overwrites the processing fields of an existing event.
	Update(ctx context.Context, e *Event) error
	Get(ctx context.Context, id uuid.UUID) (*Event, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Event, int, error)
}

// mergeOutcome keeps "applied" when a later duplicate delivery of the same
// event turns out to be a no-op.
func mergeOutcome(prev, next Outcome) Outcome {
	if prev == OutcomeApplied && next == OutcomeNoop {
		return OutcomeApplied
	}
	return next
}

// normalizePayload makes arbitrary bytes storable in a JSON column.
func normalizePayload(body []byte) json.RawMessage {
	if len(body) > 0 && json.Valid(body) {
		return json.RawMessage(body)
	}
	const maxRaw = 4096
	if len(body) > maxRaw {
		body = body[:maxRaw]
	}
	raw, _ := json.Marshal(map[string]string{"raw": string(body)})
	return raw
}

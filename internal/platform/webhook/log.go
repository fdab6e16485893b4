package webhook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Log records deliveries and replays dead-lettered ones through the
// processor registered for their source.
type Log struct {
	store  Store
	logger zerolog.Logger
	now    func() time.Time

	mu         sync.RWMutex
	processors map[Source]Processor
}

func NewLog(store Store, logger zerolog.Logger) *Log {
	return &Log{
		store:      store,
		logger:     logger.With().Str("component", "webhook_log").Logger(),
		now:        time.Now,
		processors: make(map[Source]Processor),
	}
}

// Register sets the processor used to replay events from source.
func (l *Log) Register(source Source, p Processor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.processors[source] = p
}

func (l *Log) processor(source Source) (Processor, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.processors[source]
	return p, ok
}

// Record persists the outcome of one delivery. Rejected deliveries are
// stored without their claimed event id so a forged body cannot touch the
// row of a genuine event.
func (l *Log) Record(ctx context.Context, source Source, body []byte, res Result) (*Event, error) {
	now := l.now().UTC()
	e := &Event{
		Source:      source,
		EventID:     res.EventID,
		EventType:   res.EventType,
		Payload:     normalizePayload(body),
		Outcome:     res.Outcome,
		OrderID:     res.OrderID,
		Error:       res.Detail,
		Attempts:    1,
		ReceivedAt:  now,
		ProcessedAt: &now,
	}
	if res.Outcome == OutcomeRejected {
		e.EventID = ""
	}

	if err := l.store.Save(ctx, e); err != nil {
		return nil, err
	}

	evt := l.logger.Info()
	switch e.Outcome {
	case OutcomeFailed:
		evt = l.logger.Error()
	case OutcomeRejected, OutcomeIgnored:
		evt = l.logger.Warn()
	}
	evt.Str("id", e.ID.String()).
		Str("source", string(e.Source)).
		Str("event_id", e.EventID).
		Str("event_type", e.EventType).
		Str("outcome", string(e.Outcome)).
		Str("detail", e.Error).
		Int("attempts", e.Attempts).
		Msg("webhook recorded")
	return e, nil
}

// Replay runs a failed or ignored event through its processor again and
// stores the new outcome.
func (l *Log) Replay(ctx context.Context, id uuid.UUID) (*Event, error) {
	e, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.Outcome.Replayable() {
		return nil, fmt.Errorf("%w: outcome %s", ErrNotReplayable, e.Outcome)
	}
	p, ok := l.processor(e.Source)
	if !ok {
		return nil, fmt.Errorf("no processor registered for source %q", e.Source)
	}

	res := p.Process(ctx, e.Payload)
	now := l.now().UTC()
	e.Outcome = res.Outcome
	e.Error = res.Detail
	if res.OrderID != nil {
		e.OrderID = res.OrderID
	}
	if res.EventType != "" {
		e.EventType = res.EventType
	}
	e.Attempts++
	e.ProcessedAt = &now

	if err := l.store.Update(ctx, e); err != nil {
		return nil, err
	}
	l.logger.Info().
		Str("id", e.ID.String()).
		Str("source", string(e.Source)).
		Str("outcome", string(e.Outcome)).
		Int("attempts", e.Attempts).
		Msg("webhook replayed")
	return e, nil
}

func (l *Log) Get(ctx context.Context, id uuid.UUID) (*Event, error) {
	return l.store.Get(ctx, id)
}

func (l *Log) List(ctx context.Context, f Filter, limit, offset int) ([]*Event, int, error) {
	return l.store.List(ctx, f, limit, offset)
}

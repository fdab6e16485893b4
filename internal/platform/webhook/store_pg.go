package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const eventCols = `id, source, COALESCE(event_id, ''), event_type, payload, outcome, order_id, error, attempts, received_at, processed_at`

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	err := row.Scan(&e.ID, &e.Source, &e.EventID, &e.EventType, &e.Payload, &e.Outcome,
		&e.OrderID, &e.Error, &e.Attempts, &e.ReceivedAt, &e.ProcessedAt)
	return &e, err
}

func (s *PGStore) Save(ctx context.Context, e *Event) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO webhook_events (id, source, event_id, event_type, payload, outcome, order_id, error, processed_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9)
		ON CONFLICT (source, event_id) WHERE event_id IS NOT NULL DO UPDATE SET
			attempts = webhook_events.attempts + 1,
			event_type = EXCLUDED.event_type,
			payload = EXCLUDED.payload,
			outcome = CASE
				WHEN webhook_events.outcome = 'applied' AND EXCLUDED.outcome = 'noop' THEN 'applied'
				ELSE EXCLUDED.outcome END,
			order_id = COALESCE(EXCLUDED.order_id, webhook_events.order_id),
			error = EXCLUDED.error,
			processed_at = EXCLUDED.processed_at
		RETURNING `+eventCols,
		e.ID, e.Source, e.EventID, e.EventType, e.Payload, e.Outcome, e.OrderID, e.Error, e.ProcessedAt)

	saved, err := scanEvent(row)
	if err != nil {
		return fmt.Errorf("save webhook event: %w", err)
	}
	*e = *saved
	return nil
}

func (s *PGStore) Update(ctx context.Context, e *Event) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_events
		SET outcome = $2, order_id = $3, error = $4, attempts = $5, processed_at = $6, event_type = $7
		WHERE id = $1`,
		e.ID, e.Outcome, e.OrderID, e.Error, e.Attempts, e.ProcessedAt, e.EventType)
	if err != nil {
		return fmt.Errorf("update webhook event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id uuid.UUID) (*Event, error) {
	e, err := scanEvent(s.pool.QueryRow(ctx, `SELECT `+eventCols+` FROM webhook_events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook event: %w", err)
	}
	return e, nil
}

func (s *PGStore) List(ctx context.Context, f Filter, limit, offset int) ([]*Event, int, error) {
	where := ` WHERE ($1 = '' OR source = $1) AND ($2 = '' OR outcome = $2)`

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM webhook_events`+where, string(f.Source), string(f.Outcome)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count webhook events: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT `+eventCols+` FROM webhook_events`+where+
		` ORDER BY received_at DESC LIMIT $3 OFFSET $4`, string(f.Source), string(f.Outcome), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list webhook events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan webhook event: %w", err)
		}
		events = append(events, e)
	}
	return events, total, rows.Err()
}

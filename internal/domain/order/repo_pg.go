package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/testwell/testwell/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const orderCols = `id, patient_id, status, total_cents, currency, payment_session_id,
	payment_confirmation_id, treatment_plan_id, lab_order_id, cancel_reason, created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.PatientID, &o.Status, &o.Total, &o.Currency, &o.PaymentSessionID,
		&o.PaymentConfirmationID, &o.TreatmentPlanID, &o.LabOrderID, &o.CancelReason, &o.CreatedAt, &o.UpdatedAt)
	return &o, err
}

func (r *repoPG) Create(ctx context.Context, o *Order) error {
	o.ID = uuid.New()
	now := time.Now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now

	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		_, err := q.Exec(ctx, `
			INSERT INTO orders (id, patient_id, status, total_cents, currency, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			o.ID, o.PatientID, string(o.Status), int64(o.Total), o.Currency, o.CreatedAt, o.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		batch := &pgx.Batch{}
		for i := range o.Items {
			it := &o.Items[i]
			it.ID = uuid.New()
			it.OrderID = o.ID
			it.CreatedAt = now
			batch.Queue(`
				INSERT INTO order_line_items (id, order_id, test_id, test_name, price_cents, created_at)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				it.ID, it.OrderID, it.TestID, it.TestName, int64(it.Price), it.CreatedAt)
		}
		br := q.SendBatch(ctx, batch)
		for range o.Items {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("insert line item: %w", err)
			}
		}
		return br.Close()
	})
}

func (r *repoPG) getOne(ctx context.Context, where string, arg interface{}) (*Order, error) {
	o, err := scanOrder(r.conn(ctx).QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	items, err := r.items(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	o.Items = items
	return o, nil
}

func (r *repoPG) items(ctx context.Context, orderID uuid.UUID) ([]LineItem, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, order_id, test_id, test_name, price_cents, created_at
		FROM order_line_items WHERE order_id = $1 ORDER BY created_at, test_id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list line items: %w", err)
	}
	defer rows.Close()

	var items []LineItem
	for rows.Next() {
		var it LineItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.TestID, &it.TestName, &it.Price, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan line item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (r *repoPG) Get(ctx context.Context, id uuid.UUID) (*Order, error) {
	return r.getOne(ctx, "id = $1", id)
}

func (r *repoPG) GetByPaymentSession(ctx context.Context, sessionID string) (*Order, error) {
	return r.getOne(ctx, "payment_session_id = $1", sessionID)
}

func (r *repoPG) GetByTreatmentPlan(ctx context.Context, planID string) (*Order, error) {
	return r.getOne(ctx, "treatment_plan_id = $1", planID)
}

func (r *repoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Order, int, error) {
	var where []string
	var args []interface{}
	if f.PatientID != "" {
		args = append(args, f.PatientID)
		where = append(where, fmt.Sprintf("patient_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM orders`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+orderCols+` FROM orders`+clause+
			fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, total, rows.Err()
}

func (r *repoPG) SetPaymentSession(ctx context.Context, id uuid.UUID, sessionID string) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE orders SET payment_session_id = $2, updated_at = NOW() WHERE id = $1`, id, sessionID)
	if err != nil {
		return fmt.Errorf("set payment session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) UpdateStatus(ctx context.Context, id uuid.UUID, from Status, u StatusUpdate) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE orders SET
			status = $3,
			payment_confirmation_id = COALESCE($4, payment_confirmation_id),
			treatment_plan_id = COALESCE($5, treatment_plan_id),
			lab_order_id = COALESCE($6, lab_order_id),
			cancel_reason = COALESCE($7, cancel_reason),
			updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, string(from), string(u.To), u.PaymentConfirmationID, u.TreatmentPlanID, u.LabOrderID, u.CancelReason)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return false, fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

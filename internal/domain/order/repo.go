package order

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Create inserts the order and its line items atomically, assigning
	// ids and timestamps.
	Create(ctx context.Context, o *Order) error
	// Get returns the order with its line items.
	Get(ctx context.Context, id uuid.UUID) (*Order, error)
	GetByPaymentSession(ctx context.Context, sessionID string) (*Order, error)
	GetByTreatmentPlan(ctx context.Context, planID string) (*Order, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Order, int, error)
	SetPaymentSession(ctx context.Context, id uuid.UUID, sessionID string) error
	// UpdateStatus writes u only if the order is still in from. It reports
	// false when another writer got there first.
	UpdateStatus(ctx context.Context, id uuid.UUID, from Status, u StatusUpdate) (bool, error)
}

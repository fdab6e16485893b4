package patient

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, p *Profile) error
	Get(ctx context.Context, id uuid.UUID) (*Profile, error)
	GetBySubject(ctx context.Context, subject string) (*Profile, error)
	GetByEmail(ctx context.Context, email string) (*Profile, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Profile, int, error)
	// Update writes the editable fields. It never touches the clinical
	// patient id.
	Update(ctx context.Context, p *Profile) error

	// Claim marks an unlinked profile as being registered unless another
	// claim newer than staleBefore exists. It reports whether the claim
	// was taken.
	Claim(ctx context.Context, id uuid.UUID, staleBefore time.Time) (bool, error)
	// ReleaseClaim drops the claim after a failed registration.
	ReleaseClaim(ctx context.Context, id uuid.UUID) error
	// Link sets the clinical patient id if none is set yet and reports
	// whether it did.
	Link(ctx context.Context, id uuid.UUID, clinicalPatientID string) (bool, error)
}

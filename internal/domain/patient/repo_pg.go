package patient

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

const profileCols = `id, subject, email, first_name, last_name, birth_date, gender, phone,
	address_line1, address_line2, city, state, postal_code,
	clinical_patient_id, registration_claimed_at, created_at, updated_at`

func scanProfile(row pgx.Row) (*Profile, error) {
	var p Profile
	err := row.Scan(&p.ID, &p.Subject, &p.Email, &p.FirstName, &p.LastName, &p.BirthDate, &p.Gender, &p.Phone,
		&p.AddressLine1, &p.AddressLine2, &p.City, &p.State, &p.PostalCode,
		&p.ClinicalPatientID, &p.RegistrationClaimedAt, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (r *repoPG) Create(ctx context.Context, p *Profile) error {
	p.ID = uuid.New()
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patient_profiles (
			id, subject, email, first_name, last_name, birth_date, gender, phone,
			address_line1, address_line2, city, state, postal_code, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		p.ID, p.Subject, p.Email, p.FirstName, p.LastName, p.BirthDate, p.Gender, p.Phone,
		p.AddressLine1, p.AddressLine2, p.City, p.State, p.PostalCode, p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert patient profile: %w", err)
	}
	return nil
}

func (r *repoPG) getOne(ctx context.Context, where string, arg interface{}) (*Profile, error) {
	p, err := scanProfile(r.conn(ctx).QueryRow(ctx, `SELECT `+profileCols+` FROM patient_profiles WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get patient profile: %w", err)
	}
	return p, nil
}

func (r *repoPG) Get(ctx context.Context, id uuid.UUID) (*Profile, error) {
	return r.getOne(ctx, `id = $1`, id)
}

func (r *repoPG) GetBySubject(ctx context.Context, subject string) (*Profile, error) {
	return r.getOne(ctx, `subject = $1`, subject)
}

func (r *repoPG) GetByEmail(ctx context.Context, email string) (*Profile, error) {
	return r.getOne(ctx, `LOWER(email) = LOWER($1)`, email)
}

func (r *repoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Profile, int, error) {
	var where []string
	var args []interface{}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		n := len(args)
		where = append(where, fmt.Sprintf("(email ILIKE $%d OR first_name ILIKE $%d OR last_name ILIKE $%d)", n, n, n))
	}
	if f.Registered != nil {
		if *f.Registered {
			where = append(where, "clinical_patient_id IS NOT NULL")
		} else {
			where = append(where, "clinical_patient_id IS NULL")
		}
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patient_profiles`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count patient profiles: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`SELECT %s FROM patient_profiles%s
		ORDER BY last_name, first_name, created_at LIMIT $%d OFFSET $%d`, profileCols, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list patient profiles: %w", err)
	}
	defer rows.Close()

	var out []*Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

func (r *repoPG) Update(ctx context.Context, p *Profile) error {
	p.UpdatedAt = time.Now().UTC()
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient_profiles SET
			email=$2, first_name=$3, last_name=$4, birth_date=$5, gender=$6, phone=$7,
			address_line1=$8, address_line2=$9, city=$10, state=$11, postal_code=$12, updated_at=$13
		WHERE id = $1`,
		p.ID, p.Email, p.FirstName, p.LastName, p.BirthDate, p.Gender, p.Phone,
		p.AddressLine1, p.AddressLine2, p.City, p.State, p.PostalCode, p.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("update patient profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) Claim(ctx context.Context, id uuid.UUID, staleBefore time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient_profiles SET registration_claimed_at = NOW()
		WHERE id = $1 AND clinical_patient_id IS NULL
		  AND (registration_claimed_at IS NULL OR registration_claimed_at < $2)`,
		id, staleBefore)
	if err != nil {
		return false, fmt.Errorf("claim patient registration: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) ReleaseClaim(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient_profiles SET registration_claimed_at = NULL
		WHERE id = $1 AND clinical_patient_id IS NULL`, id)
	if err != nil {
		return fmt.Errorf("release patient registration claim: %w", err)
	}
	return nil
}

func (r *repoPG) Link(ctx context.Context, id uuid.UUID, clinicalPatientID string) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient_profiles
		SET clinical_patient_id = $2, registration_claimed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND clinical_patient_id IS NULL`,
		id, clinicalPatientID)
	if isUniqueViolation(err) {
		return false, fmt.Errorf("clinical patient %s is linked to another profile: %w", clinicalPatientID, ErrDuplicate)
	}
	if err != nil {
		return false, fmt.Errorf("link clinical patient: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

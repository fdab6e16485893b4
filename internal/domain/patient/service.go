package patient

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/testwell/testwell/internal/platform/clinical"
)

// ClaimTTL is how long a registration claim blocks other registrations of
// the same profile. A claim older than this is assumed abandoned.
const ClaimTTL = 2 * time.Minute

// Directory is the part of the clinical platform the bridge talks to.
type Directory interface {
	SearchPatientByEmail(ctx context.Context, email string) (*clinical.Patient, error)
	CreatePatient(ctx context.Context, p clinical.NewPatient) (*clinical.Patient, error)
}

type Service struct {
	repo      Repository
	directory Directory
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(repo Repository, directory Directory, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		directory: directory,
		logger:    logger.With().Str("component", "patient").Logger(),
		now:       time.Now,
	}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Profile, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) GetBySubject(ctx context.Context, subject string) (*Profile, error) {
	return s.repo.GetBySubject(ctx, subject)
}

func (s *Service) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Profile, int, error) {
	f.Search = strings.TrimSpace(f.Search)
	return s.repo.List(ctx, f, limit, offset)
}

// Create adds a profile for an auth subject.
func (s *Service) Create(ctx context.Context, subject string, in ProfileInput) (*Profile, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, &ValidationError{Code: "missing_subject", Field: "subject", Message: "subject is required"}
	}
	p := &Profile{Subject: subject}
	if err := in.applyTo(p); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) Update(ctx context.Context, id uuid.UUID, in ProfileInput) (*Profile, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := in.applyTo(p); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// SaveForSubject is the self-service write: it updates the caller's
// profile or creates it on first use. created reports which happened.
func (s *Service) SaveForSubject(ctx context.Context, subject string, in ProfileInput) (p *Profile, created bool, err error) {
	existing, err := s.repo.GetBySubject(ctx, subject)
	if errors.Is(err, ErrNotFound) {
		p, err = s.Create(ctx, subject, in)
		return p, err == nil, err
	}
	if err != nil {
		return nil, false, err
	}
	p, err = s.Update(ctx, existing.ID, in)
	return p, false, err
}

// Register links the patient with the given email to the clinical
// platform, creating the local profile first when there is none. Calling
// it again for a linked patient returns the stored id without any remote
// call.
func (s *Service) Register(ctx context.Context, req RegistrationRequest) (string, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" {
		return "", &ValidationError{Code: "missing_email", Field: "email", Message: "email is required"}
	}

	p, err := s.repo.GetByEmail(ctx, email)
	switch {
	case errors.Is(err, ErrNotFound):
		if p, err = s.Create(ctx, req.Subject, req.input()); err != nil {
			return "", err
		}
	case err != nil:
		return "", err
	case p.Registered():
		return *p.ClinicalPatientID, nil
	default:
		if p, err = s.Update(ctx, p.ID, req.input()); err != nil {
			return "", err
		}
	}
	return s.EnsureRegistered(ctx, p.ID)
}

// EnsureRegisteredBySubject registers the profile owned by an auth subject.
func (s *Service) EnsureRegisteredBySubject(ctx context.Context, subject string) (string, error) {
	p, err := s.repo.GetBySubject(ctx, subject)
	if err != nil {
		return "", err
	}
	if p.Registered() {
		return *p.ClinicalPatientID, nil
	}
	return s.EnsureRegistered(ctx, p.ID)
}

// EnsureRegistered returns the profile's clinical patient id, registering
// it first when needed. The remote side is searched by email before a new
// patient is created there. A local claim keeps concurrent callers for the
// same profile from both reaching the remote side; the loser of the final
// link returns the winner's id.
func (s *Service) EnsureRegistered(ctx context.Context, profileID uuid.UUID) (string, error) {
	p, err := s.repo.Get(ctx, profileID)
	if err != nil {
		return "", err
	}
	if p.Registered() {
		return *p.ClinicalPatientID, nil
	}
	if missing := p.missingForRegistration(); len(missing) > 0 {
		return "", &ValidationError{
			Code:    "incomplete_profile",
			Field:   missing[0],
			Message: "profile is missing " + strings.Join(missing, ", "),
		}
	}

	claimed, err := s.repo.Claim(ctx, p.ID, s.now().Add(-ClaimTTL))
	if err != nil {
		return "", err
	}
	if !claimed {
		current, err := s.repo.Get(ctx, p.ID)
		if err != nil {
			return "", err
		}
		if current.Registered() {
			return *current.ClinicalPatientID, nil
		}
		return "", ErrRegistrationInProgress
	}

	remoteID, err := s.lookupOrCreate(ctx, p)
	if err != nil {
		if rerr := s.repo.ReleaseClaim(context.WithoutCancel(ctx), p.ID); rerr != nil {
			s.logger.Error().Err(rerr).Str("profile_id", p.ID.String()).Msg("release registration claim")
		}
		return "", &DependencyError{Op: "failed to register patient", Err: err}
	}

	linked, err := s.repo.Link(ctx, p.ID, remoteID)
	if err != nil {
		return "", err
	}
	if !linked {
		winner, err := s.repo.Get(ctx, p.ID)
		if err != nil {
			return "", err
		}
		if deref(winner.ClinicalPatientID) != remoteID {
			s.logger.Warn().
				Str("profile_id", p.ID.String()).
				Str("linked", deref(winner.ClinicalPatientID)).
				Str("discarded", remoteID).
				Msg("lost registration race")
		}
		return deref(winner.ClinicalPatientID), nil
	}

	s.logger.Info().
		Str("profile_id", p.ID.String()).
		Str("clinical_patient_id", remoteID).
		Msg("patient registered")
	return remoteID, nil
}

func (s *Service) lookupOrCreate(ctx context.Context, p *Profile) (string, error) {
	found, err := s.directory.SearchPatientByEmail(ctx, p.Email)
	if err != nil {
		return "", err
	}
	if found != nil && found.ID != "" {
		s.logger.Info().Str("profile_id", p.ID.String()).Msg("linking existing clinical patient")
		return found.ID, nil
	}

	created, err := s.directory.CreatePatient(ctx, toRemote(p))
	if err != nil {
		return "", err
	}
	if created == nil || created.ID == "" {
		return "", errors.New("clinical platform returned no patient id")
	}
	return created.ID, nil
}

func toRemote(p *Profile) clinical.NewPatient {
	np := clinical.NewPatient{
		Email:     p.Email,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Gender:    p.Gender,
		Phone:     p.Phone,
	}
	if p.BirthDate != nil {
		np.BirthDate = p.BirthDate.Format(dateLayout)
	}
	if p.AddressLine1 != "" || p.City != "" || p.PostalCode != "" {
		np.Address = &clinical.Address{
			Line1:      p.AddressLine1,
			Line2:      p.AddressLine2,
			City:       p.City,
			State:      p.State,
			PostalCode: p.PostalCode,
		}
	}
	return np
}

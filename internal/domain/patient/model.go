package patient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

const dateLayout = "2006-01-02"

// Profile is the local record of a patient. ClinicalPatientID is set once,
// on the first successful registration with the clinical platform.
type Profile struct {
	ID                    uuid.UUID  `json:"id"`
	Subject               string     `json:"subject"`
	Email                 string     `json:"email"`
	FirstName             string     `json:"first_name"`
	LastName              string     `json:"last_name"`
	BirthDate             *time.Time `json:"-"`
	Gender                string     `json:"gender,omitempty"`
	Phone                 string     `json:"phone,omitempty"`
	AddressLine1          string     `json:"address_line1,omitempty"`
	AddressLine2          string     `json:"address_line2,omitempty"`
	City                  string     `json:"city,omitempty"`
	State                 string     `json:"state,omitempty"`
	PostalCode            string     `json:"postal_code,omitempty"`
	ClinicalPatientID     *string    `json:"clinical_patient_id,omitempty"`
	RegistrationClaimedAt *time.Time `json:"-"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

func (p *Profile) MarshalJSON() ([]byte, error) {
	type alias Profile
	out := struct {
		*alias
		BirthDate  string `json:"birth_date,omitempty"`
		Registered bool   `json:"registered"`
	}{alias: (*alias)(p), Registered: p.Registered()}
	if p.BirthDate != nil {
		out.BirthDate = p.BirthDate.Format(dateLayout)
	}
	return json.Marshal(out)
}

func (p *Profile) Registered() bool {
	return p.ClinicalPatientID != nil && *p.ClinicalPatientID != ""
}

// missingForRegistration lists the fields the clinical platform requires
// that the profile does not have.
func (p *Profile) missingForRegistration() []string {
	var missing []string
	if p.Email == "" {
		missing = append(missing, "email")
	}
	if p.FirstName == "" {
		missing = append(missing, "first_name")
	}
	if p.LastName == "" {
		missing = append(missing, "last_name")
	}
	if p.BirthDate == nil {
		missing = append(missing, "birth_date")
	}
	return missing
}

// ProfileInput carries the editable fields of a profile.
type ProfileInput struct {
	Email        string `json:"email"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	BirthDate    string `json:"birth_date"`
	Gender       string `json:"gender"`
	Phone        string `json:"phone"`
	AddressLine1 string `json:"address_line1"`
	AddressLine2 string `json:"address_line2"`
	City         string `json:"city"`
	State        string `json:"state"`
	PostalCode   string `json:"postal_code"`
}

var genders = map[string]bool{"": true, "male": true, "female": true, "other": true, "unknown": true}

// applyTo validates the input and copies it onto p. Emails are stored
// lower-cased.
func (in ProfileInput) applyTo(p *Profile) error {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if email == "" {
		return &ValidationError{Code: "missing_email", Field: "email", Message: "email is required"}
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return &ValidationError{Code: "invalid_email", Field: "email", Message: "email is not a valid address"}
	}
	gender := strings.ToLower(strings.TrimSpace(in.Gender))
	if !genders[gender] {
		return &ValidationError{Code: "invalid_gender", Field: "gender", Message: fmt.Sprintf("unknown gender %q", in.Gender)}
	}
	var birth *time.Time
	if in.BirthDate != "" {
		d, err := time.Parse(dateLayout, in.BirthDate)
		if err != nil {
			return &ValidationError{Code: "invalid_birth_date", Field: "birth_date", Message: "birth_date must be YYYY-MM-DD"}
		}
		if d.After(time.Now()) {
			return &ValidationError{Code: "invalid_birth_date", Field: "birth_date", Message: "birth_date is in the future"}
		}
		birth = &d
	}
	if p.Registered() && email != p.Email {
		return &ValidationError{Code: "email_locked", Field: "email", Message: "email cannot change after clinical registration"}
	}

	p.Email = email
	p.FirstName = strings.TrimSpace(in.FirstName)
	p.LastName = strings.TrimSpace(in.LastName)
	p.BirthDate = birth
	p.Gender = gender
	p.Phone = strings.TrimSpace(in.Phone)
	p.AddressLine1 = strings.TrimSpace(in.AddressLine1)
	p.AddressLine2 = strings.TrimSpace(in.AddressLine2)
	p.City = strings.TrimSpace(in.City)
	p.State = strings.TrimSpace(in.State)
	p.PostalCode = strings.TrimSpace(in.PostalCode)
	return nil
}

// Demographics are the fields forwarded to the clinical platform on
// registration besides email and name.
type Demographics struct {
	BirthDate    string `json:"birth_date"`
	Gender       string `json:"gender"`
	Phone        string `json:"phone"`
	AddressLine1 string `json:"address_line1"`
	AddressLine2 string `json:"address_line2"`
	City         string `json:"city"`
	State        string `json:"state"`
	PostalCode   string `json:"postal_code"`
}

// RegistrationRequest registers a patient by email. Subject is needed only
// when no local profile with that email exists yet.
type RegistrationRequest struct {
	Subject      string `json:"subject"`
	Email        string `json:"email"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Demographics `json:"demographics"`
}

func (r RegistrationRequest) input() ProfileInput {
	return ProfileInput{
		Email:        r.Email,
		FirstName:    r.FirstName,
		LastName:     r.LastName,
		BirthDate:    r.BirthDate,
		Gender:       r.Gender,
		Phone:        r.Phone,
		AddressLine1: r.AddressLine1,
		AddressLine2: r.AddressLine2,
		City:         r.City,
		State:        r.State,
		PostalCode:   r.PostalCode,
	}
}

type ListFilter struct {
	// Search matches email, first or last name.
	Search     string
	Registered *bool
}

var (
	ErrNotFound = errors.New("patient profile not found")
	// ErrDuplicate is returned when the subject or email already has a
	// profile.
	ErrDuplicate = errors.New("patient profile already exists")
	// ErrRegistrationInProgress means another request holds a fresh
	// registration claim on the profile.
	ErrRegistrationInProgress = errors.New("patient registration already in progress")
)

type ValidationError struct {
	Code    string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// DependencyError reports a clinical platform failure. Op is safe to show
// to callers; Err is only logged.
type DependencyError struct {
	Op  string
	Err error
}

func (e *DependencyError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *DependencyError) Unwrap() error { return e.Err }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

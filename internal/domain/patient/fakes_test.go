package patient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/testwell/testwell/internal/platform/clinical"
)

type mockRepo struct {
	mu       sync.Mutex
	profiles map[uuid.UUID]*Profile

	// beforeLink runs inside Link before the conditional write, standing
	// in for a concurrent registration of the same profile.
	beforeLink func(p *Profile)
}

func newMockRepo() *mockRepo {
	return &mockRepo{profiles: make(map[uuid.UUID]*Profile)}
}

func cloneProfile(p *Profile) *Profile {
	cp := *p
	return &cp
}

func (m *mockRepo) Create(_ context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.profiles {
		if existing.Subject == p.Subject || strings.EqualFold(existing.Email, p.Email) {
			return ErrDuplicate
		}
	}
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	m.profiles[p.ID] = cloneProfile(p)
	return nil
}

func (m *mockRepo) Get(_ context.Context, id uuid.UUID) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneProfile(p), nil
}

func (m *mockRepo) find(match func(*Profile) bool) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.profiles {
		if match(p) {
			return cloneProfile(p), nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepo) GetBySubject(_ context.Context, subject string) (*Profile, error) {
	return m.find(func(p *Profile) bool { return p.Subject == subject })
}

func (m *mockRepo) GetByEmail(_ context.Context, email string) (*Profile, error) {
	return m.find(func(p *Profile) bool { return strings.EqualFold(p.Email, email) })
}

func (m *mockRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*Profile, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Profile
	for _, p := range m.profiles {
		if f.Search != "" && !strings.Contains(p.Email+" "+p.FirstName+" "+p.LastName, f.Search) {
			continue
		}
		if f.Registered != nil && p.Registered() != *f.Registered {
			continue
		}
		out = append(out, cloneProfile(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastName < out[j].LastName })
	total := len(out)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (m *mockRepo) Update(_ context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.profiles[p.ID]
	if !ok {
		return ErrNotFound
	}
	for id, other := range m.profiles {
		if id != p.ID && strings.EqualFold(other.Email, p.Email) {
			return ErrDuplicate
		}
	}
	cp := cloneProfile(p)
	cp.ClinicalPatientID = stored.ClinicalPatientID
	cp.RegistrationClaimedAt = stored.RegistrationClaimedAt
	cp.UpdatedAt = time.Now()
	m.profiles[p.ID] = cp
	return nil
}

func (m *mockRepo) Claim(_ context.Context, id uuid.UUID, staleBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok || p.Registered() {
		return false, nil
	}
	if p.RegistrationClaimedAt != nil && !p.RegistrationClaimedAt.Before(staleBefore) {
		return false, nil
	}
	now := time.Now()
	p.RegistrationClaimedAt = &now
	return true, nil
}

func (m *mockRepo) ReleaseClaim(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.profiles[id]; ok && !p.Registered() {
		p.RegistrationClaimedAt = nil
	}
	return nil
}

func (m *mockRepo) Link(_ context.Context, id uuid.UUID, clinicalPatientID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return false, nil
	}
	if m.beforeLink != nil {
		hook := m.beforeLink
		m.beforeLink = nil
		hook(p)
	}
	if p.Registered() {
		return false, nil
	}
	p.ClinicalPatientID = &clinicalPatientID
	p.RegistrationClaimedAt = nil
	return true, nil
}

// mockDirectory is an in-memory clinical platform patient directory.
type mockDirectory struct {
	mu        sync.Mutex
	byEmail   map[string]string
	searches  int
	created   []clinical.NewPatient
	searchErr error
	createErr error
	// onSearch runs after each search, outside the lock.
	onSearch func()
}

func newMockDirectory() *mockDirectory {
	return &mockDirectory{byEmail: make(map[string]string)}
}

func (d *mockDirectory) SearchPatientByEmail(_ context.Context, email string) (*clinical.Patient, error) {
	d.mu.Lock()
	d.searches++
	hook := d.onSearch
	var res *clinical.Patient
	err := d.searchErr
	if id, ok := d.byEmail[email]; ok && err == nil {
		res = &clinical.Patient{ID: id, Email: email}
	}
	d.mu.Unlock()
	if hook != nil {
		hook()
	}
	return res, err
}

func (d *mockDirectory) CreatePatient(_ context.Context, p clinical.NewPatient) (*clinical.Patient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createErr != nil {
		return nil, d.createErr
	}
	d.created = append(d.created, p)
	id := fmt.Sprintf("cp_%d", len(d.created))
	d.byEmail[p.Email] = id
	return &clinical.Patient{ID: id, Email: p.Email}, nil
}

func (d *mockDirectory) createCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.created)
}

type fixture struct {
	svc       *Service
	repo      *mockRepo
	directory *mockDirectory
}

func newFixture() *fixture {
	f := &fixture{repo: newMockRepo(), directory: newMockDirectory()}
	f.svc = NewService(f.repo, f.directory, zerolog.Nop())
	return f
}

func completeInput(email string) ProfileInput {
	return ProfileInput{
		Email:        email,
		FirstName:    "Ada",
		LastName:     "Lovelace",
		BirthDate:    "1990-12-10",
		Gender:       "female",
		Phone:        "+15555550100",
		AddressLine1: "1 Main St",
		City:         "Austin",
		State:        "TX",
		PostalCode:   "78701",
	}
}

// seed stores a complete, unregistered profile.
func (f *fixture) seed(subject, email string) *Profile {
	p, err := f.svc.Create(context.Background(), subject, completeInput(email))
	if err != nil {
		panic(err)
	}
	return p
}

var errBoom = errors.New("boom")

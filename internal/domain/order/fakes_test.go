package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/testwell/testwell/internal/domain/catalog"
	"github.com/testwell/testwell/internal/platform/clinical"
	"github.com/testwell/testwell/internal/platform/payment"
	"github.com/testwell/testwell/internal/platform/websocket"
)

// -- Mock Repository --

type mockRepo struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*Order

	// beforeUpdate runs inside UpdateStatus before the compare, standing
	// in for a concurrent writer.
	beforeUpdate func(o *Order)
	updateErr    error
}

func newMockRepo() *mockRepo {
	return &mockRepo{orders: make(map[uuid.UUID]*Order)}
}

func clone(o *Order) *Order {
	cp := *o
	cp.Items = append([]LineItem(nil), o.Items...)
	return &cp
}

func (m *mockRepo) Create(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.ID = uuid.New()
	o.CreatedAt = time.Now()
	o.UpdatedAt = o.CreatedAt
	for i := range o.Items {
		o.Items[i].ID = uuid.New()
		o.Items[i].OrderID = o.ID
	}
	m.orders[o.ID] = clone(o)
	return nil
}

func (m *mockRepo) Get(_ context.Context, id uuid.UUID) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(o), nil
}

func (m *mockRepo) find(match func(*Order) bool) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if match(o) {
			return clone(o), nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepo) GetByPaymentSession(_ context.Context, sessionID string) (*Order, error) {
	return m.find(func(o *Order) bool { return deref(o.PaymentSessionID) == sessionID })
}

func (m *mockRepo) GetByTreatmentPlan(_ context.Context, planID string) (*Order, error) {
	return m.find(func(o *Order) bool { return deref(o.TreatmentPlanID) == planID })
}

func (m *mockRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*Order, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Order
	for _, o := range m.orders {
		if f.PatientID != "" && o.PatientID != f.PatientID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		out = append(out, clone(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
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

func (m *mockRepo) SetPaymentSession(_ context.Context, id uuid.UUID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.PaymentSessionID = &sessionID
	return nil
}

func (m *mockRepo) UpdateStatus(_ context.Context, id uuid.UUID, from Status, u StatusUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return false, m.updateErr
	}
	o, ok := m.orders[id]
	if !ok {
		return false, nil
	}
	if m.beforeUpdate != nil {
		hook := m.beforeUpdate
		m.beforeUpdate = nil
		hook(o)
	}
	if o.Status != from {
		return false, nil
	}
	if u.TreatmentPlanID != nil {
		for _, other := range m.orders {
			if other.ID != id && deref(other.TreatmentPlanID) == *u.TreatmentPlanID {
				return false, fmt.Errorf("%w: uq_orders_treatment_plan", ErrConflict)
			}
		}
	}
	u.applyTo(o)
	o.UpdatedAt = time.Now()
	return true, nil
}

func (m *mockRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *mockRepo) lineItemCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.orders {
		n += len(o.Items)
	}
	return n
}

// -- Mock Gateways --

type mockGateway struct {
	mu       sync.Mutex
	requests []payment.SessionRequest
	err      error
}

func (g *mockGateway) CreateCheckoutSession(_ context.Context, req payment.SessionRequest) (*payment.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	id := fmt.Sprintf("cs_test_%d", len(g.requests))
	return &payment.Session{ID: id, URL: "https://pay.example/" + id}, nil
}

type mockActivator struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (a *mockActivator) ActivateTreatmentPlan(_ context.Context, planID string) (*clinical.Activation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, planID)
	if a.err != nil {
		return nil, a.err
	}
	return &clinical.Activation{TreatmentPlanID: planID, Status: "active", LabOrderID: "lo_" + planID}, nil
}

type mockRegistrar struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *mockRegistrar) EnsureRegisteredBySubject(_ context.Context, subject string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, subject)
	if r.err != nil {
		return "", r.err
	}
	return "cp_" + subject, nil
}

type mockPublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (p *mockPublisher) Publish(_ context.Context, ev websocket.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

// -- Fixture --

type fixture struct {
	svc       *Service
	repo      *mockRepo
	gateway   *mockGateway
	activator *mockActivator
	registrar *mockRegistrar
	events    *mockPublisher
}

func newFixture() *fixture {
	f := &fixture{
		repo:      newMockRepo(),
		gateway:   &mockGateway{},
		activator: &mockActivator{},
		registrar: &mockRegistrar{},
		events:    &mockPublisher{},
	}
	f.svc = NewService(Deps{
		Repo:      f.repo,
		Catalog:   catalog.Default(),
		Payments:  f.gateway,
		Activator: f.activator,
		Registrar: f.registrar,
		Events:    f.events,
	}, CheckoutConfig{Currency: "USD", SuccessURL: "https://app/success", CancelURL: "https://app/cart"}, zerolog.Nop())
	return f
}

// seed stores an order directly in the given status.
func (f *fixture) seed(patientID string, status Status, planID string) *Order {
	o := &Order{PatientID: patientID, Status: status, Total: 1999, Currency: "USD",
		Items: []LineItem{{TestID: "cbc", TestName: "Complete Blood Count (CBC)", Price: 1999}}}
	if planID != "" {
		o.TreatmentPlanID = &planID
	}
	if err := f.repo.Create(context.Background(), o); err != nil {
		panic(err)
	}
	return o
}

var errBoom = errors.New("boom")

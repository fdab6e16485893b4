package webhook

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// InMemoryStore is a thread-safe Store used by tests and by the dev server
// when no database is configured.
type InMemoryStore struct {
	mu     sync.RWMutex
	events map[uuid.UUID]*Event
	// ordered keys for deterministic pagination
	order []uuid.UUID
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{events: make(map[uuid.UUID]*Event)}
}

func (s *InMemoryStore) Save(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.EventID != "" {
		for _, id := range s.order {
			prev := s.events[id]
			if prev.Source != e.Source || prev.EventID != e.EventID {
				continue
			}
			prev.Attempts++
			prev.Outcome = mergeOutcome(prev.Outcome, e.Outcome)
			prev.EventType = e.EventType
			prev.Payload = e.Payload
			prev.Error = e.Error
			prev.ProcessedAt = e.ProcessedAt
			if e.OrderID != nil {
				prev.OrderID = e.OrderID
			}
			*e = *prev
			return nil
		}
	}

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Attempts == 0 {
		e.Attempts = 1
	}
	cp := *e
	s.events[e.ID] = &cp
	s.order = append(s.order, e.ID)
	return nil
}

func (s *InMemoryStore) Update(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.ID]; !ok {
		return ErrNotFound
	}
	cp := *e
	s.events[e.ID] = &cp
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id uuid.UUID) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// List returns newest first.
func (s *InMemoryStore) List(_ context.Context, f Filter, limit, offset int) ([]*Event, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filtered []*Event
	for i := len(s.order) - 1; i >= 0; i-- {
		e := s.events[s.order[i]]
		if f.Source != "" && e.Source != f.Source {
			continue
		}
		if f.Outcome != "" && e.Outcome != f.Outcome {
			continue
		}
		cp := *e
		filtered = append(filtered, &cp)
	}
	total := len(filtered)
	if offset >= total {
		return []*Event{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return filtered[offset:end], total, nil
}

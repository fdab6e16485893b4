package clinical

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

type fakeTokens struct {
	mu          sync.Mutex
	access      []string
	calls       int
	invalidated int
	err         error
}

func (f *fakeTokens) TokenContext(context.Context) (*oauth2.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	i := f.calls
	if i >= len(f.access) {
		i = len(f.access) - 1
	}
	f.calls++
	return &oauth2.Token{AccessToken: f.access[i], TokenType: "Bearer"}, nil
}

func (f *fakeTokens) Invalidate() {
	f.mu.Lock()
	f.invalidated++
	f.mu.Unlock()
}

func TestClient_SearchPatientByEmail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/patients" || r.URL.Query().Get("email") != "jane@example.com" {
			t.Errorf("unexpected request %s", r.URL)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token: %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`{"data":[{"id":"cp_1","email":"jane@example.com"},{"id":"cp_2"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, &fakeTokens{access: []string{"tok"}}, time.Second)
	p, err := c.SearchPatientByEmail(context.Background(), " Jane@Example.com ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil || p.ID != "cp_1" {
		t.Fatalf("expected first match, got %+v", p)
	}
}

func TestClient_SearchPatientByEmail_NoMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	p, err := NewClient(srv.URL, &fakeTokens{access: []string{"tok"}}, time.Second).SearchPatientByEmail(context.Background(), "nobody@example.com")
	if err != nil || p != nil {
		t.Fatalf("expected nil, nil; got %+v, %v", p, err)
	}
}

func TestClient_CreatePatient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/patients" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["email"] != "jane@example.com" || body["first_name"] != "Jane" || body["dob"] != "1990-04-01" {
			t.Errorf("unexpected body %v", body)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"cp_9","email":"jane@example.com"}`))
	}))
	defer srv.Close()

	p, err := NewClient(srv.URL, &fakeTokens{access: []string{"tok"}}, time.Second).CreatePatient(context.Background(), NewPatient{
		Email: "jane@example.com", FirstName: "Jane", LastName: "Doe", BirthDate: "1990-04-01",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID != "cp_9" {
		t.Errorf("expected cp_9, got %s", p.ID)
	}
}

func TestClient_ActivateTreatmentPlan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/treatment-plans/tp_123/activate" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte(`{"id":"tp_123","status":"active","lab_order_id":"lo_7"}`))
	}))
	defer srv.Close()

	a, err := NewClient(srv.URL, &fakeTokens{access: []string{"tok"}}, time.Second).ActivateTreatmentPlan(context.Background(), "tp_123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.TreatmentPlanID != "tp_123" || a.LabOrderID != "lo_7" {
		t.Errorf("unexpected activation %+v", a)
	}
}

func TestClient_ActivateTreatmentPlan_EmptyID(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	defer srv.Close()

	if _, err := NewClient(srv.URL, &fakeTokens{access: []string{"tok"}}, time.Second).ActivateTreatmentPlan(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty plan id")
	}
	if called {
		t.Error("remote must not be called with an empty plan id")
	}
}

func TestClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message":"plan already active"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, &fakeTokens{access: []string{"tok"}}, time.Second).ActivateTreatmentPlan(context.Background(), "tp_1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.Message != "plan already active" {
		t.Errorf("unexpected error %+v", apiErr)
	}
}

func TestClient_RetriesOnceAfterUnauthorized(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	tokens := &fakeTokens{access: []string{"stale", "fresh"}}
	if _, err := NewClient(srv.URL, tokens, time.Second).SearchPatientByEmail(context.Background(), "a@b.c"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tokens.invalidated != 1 {
		t.Errorf("expected one invalidation, got %d", tokens.invalidated)
	}
	if len(seen) != 2 {
		t.Errorf("expected two attempts, got %v", seen)
	}
}

func TestClient_UnauthorizedTwice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, &fakeTokens{access: []string{"a", "b"}}, time.Second).SearchPatientByEmail(context.Background(), "a@b.c")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 APIError, got %v", err)
	}
}

func TestClient_TokenError(t *testing.T) {
	_, err := NewClient("http://unused", &fakeTokens{err: ErrNoToken}, time.Second).SearchPatientByEmail(context.Background(), "a@b.c")
	if !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
}

func TestClient_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	u := srv.URL
	srv.Close()

	_, err := NewClient(u, &fakeTokens{access: []string{"tok"}}, time.Second).CreatePatient(context.Background(), NewPatient{Email: "a@b.c"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

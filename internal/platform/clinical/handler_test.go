package clinical

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/testwell/testwell/internal/platform/auth"
)

type fakeAuthorizer struct {
	codes []string
	err   error
}

func (f *fakeAuthorizer) AuthCodeURL(state string) string {
	return "https://clinical.example/authorize?state=" + state
}

func (f *fakeAuthorizer) Exchange(_ context.Context, code string) (*oauth2.Token, error) {
	f.codes = append(f.codes, code)
	if f.err != nil {
		return nil, f.err
	}
	return &oauth2.Token{AccessToken: "at", Expiry: time.Now().Add(time.Hour)}, nil
}

func newOAuthServer(a Authorizer) (*echo.Echo, *OAuthHandler) {
	e := echo.New()
	e.Use(auth.DevAuthMiddleware())
	h := NewOAuthHandler(a, zerolog.Nop())
	h.RegisterRoutes(e.Group("/api/v1"))
	return e, h
}

func get(e *echo.Echo, path, roles string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("X-Dev-Roles", roles)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func authorize(t *testing.T, e *echo.Echo) string {
	t.Helper()
	rec := get(e, "/api/v1/clinical/oauth/authorize", auth.RoleAdmin)
	if rec.Code != http.StatusOK {
		t.Fatalf("authorize: %d", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["state"] == "" || body["authorization_url"] != "https://clinical.example/authorize?state="+body["state"] {
		t.Fatalf("unexpected authorize body %v", body)
	}
	return body["state"]
}

func TestOAuthHandler_Flow(t *testing.T) {
	fa := &fakeAuthorizer{}
	e, _ := newOAuthServer(fa)
	state := authorize(t, e)

	rec := get(e, "/api/v1/clinical/oauth/callback?code=abc&state="+state, auth.RoleAdmin)
	if rec.Code != http.StatusOK {
		t.Fatalf("callback: %d %s", rec.Code, rec.Body.String())
	}
	if len(fa.codes) != 1 || fa.codes[0] != "abc" {
		t.Errorf("expected code exchanged once, got %v", fa.codes)
	}

	rec = get(e, "/api/v1/clinical/oauth/callback?code=abc&state="+state, auth.RoleAdmin)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("reused state: expected 400, got %d", rec.Code)
	}
}

func TestOAuthHandler_RejectsUnknownAndExpiredState(t *testing.T) {
	fa := &fakeAuthorizer{}
	e, h := newOAuthServer(fa)

	if rec := get(e, "/api/v1/clinical/oauth/callback?code=abc&state=forged", auth.RoleAdmin); rec.Code != http.StatusBadRequest {
		t.Errorf("forged state: expected 400, got %d", rec.Code)
	}

	state := authorize(t, e)
	h.now = func() time.Time { return time.Now().Add(stateTTL + time.Minute) }
	if rec := get(e, "/api/v1/clinical/oauth/callback?code=abc&state="+state, auth.RoleAdmin); rec.Code != http.StatusBadRequest {
		t.Errorf("expired state: expected 400, got %d", rec.Code)
	}
	if len(fa.codes) != 0 {
		t.Error("no code should be exchanged without a valid state")
	}
}

func TestOAuthHandler_ExchangeFailure(t *testing.T) {
	e, _ := newOAuthServer(&fakeAuthorizer{err: errors.New("invalid_grant")})
	state := authorize(t, e)
	rec := get(e, "/api/v1/clinical/oauth/callback?code=abc&state="+state, auth.RoleAdmin)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestOAuthHandler_AdminOnly(t *testing.T) {
	e, _ := newOAuthServer(&fakeAuthorizer{})
	if rec := get(e, "/api/v1/clinical/oauth/authorize", auth.RoleProvider); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestOAuthHandler_Denied(t *testing.T) {
	e, _ := newOAuthServer(&fakeAuthorizer{})
	if rec := get(e, "/api/v1/clinical/oauth/callback?error=access_denied", auth.RoleAdmin); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

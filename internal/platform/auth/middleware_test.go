package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims(subject string, roles ...string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Email: subject + "@example.com",
		Roles: roles,
	}
}

func runMiddleware(t *testing.T, mw echo.MiddlewareFunc, path, authHeader string, handler echo.HandlerFunc) error {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	if handler == nil {
		handler = func(c echo.Context) error { return c.String(http.StatusOK, "ok") }
	}
	return mw(handler)(c)
}

func assertStatus(t *testing.T, err error, code int) {
	t.Helper()
	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected echo.HTTPError %d, got %v", code, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "/api/v1/orders", "", nil)
	assertStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "/", tt.header, nil)
			assertStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	tokenStr := createTestToken(t, validClaims("patient-1", RolePatient), testSigningKey)

	err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "/", "Bearer "+tokenStr, func(c echo.Context) error {
		ctx := c.Request().Context()
		if uid := UserIDFromContext(ctx); uid != "patient-1" {
			t.Errorf("expected user_id=patient-1, got %s", uid)
		}
		if email := EmailFromContext(ctx); email != "patient-1@example.com" {
			t.Errorf("unexpected email %s", email)
		}
		if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != RolePatient {
			t.Errorf("expected roles=[patient], got %v", roles)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	claims := validClaims("patient-1")
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	tokenStr := createTestToken(t, claims, testSigningKey)

	err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "/", "Bearer "+tokenStr, nil)
	assertStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	tokenStr := createTestToken(t, validClaims("patient-1"), []byte("some-other-key"))
	err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "/", "Bearer "+tokenStr, nil)
	assertStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_MissingSubject(t *testing.T) {
	tokenStr := createTestToken(t, validClaims(""), testSigningKey)
	err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "/", "Bearer "+tokenStr, nil)
	assertStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_IssuerAndAudience(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey, Issuer: "https://id.testwell.example", Audience: "testwell-api"}

	claims := validClaims("patient-1")
	claims.Issuer = "https://id.testwell.example"
	claims.Audience = jwt.ClaimStrings{"testwell-api"}
	if err := runMiddleware(t, JWTMiddleware(cfg), "/", "Bearer "+createTestToken(t, claims, testSigningKey), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	claims.Audience = jwt.ClaimStrings{"someone-else"}
	err := runMiddleware(t, JWTMiddleware(cfg), "/", "Bearer "+createTestToken(t, claims, testSigningKey), nil)
	assertStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_Skipper(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper}
	if err := runMiddleware(t, JWTMiddleware(cfg), "/webhooks/payment", "", nil); err != nil {
		t.Fatalf("expected public path to skip auth, got %v", err)
	}
	err := runMiddleware(t, JWTMiddleware(cfg), "/api/v1/orders", "", nil)
	assertStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_JWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(JWKSResponse{Keys: []JWKSKey{{
			Kty: "RSA",
			Kid: "k1",
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}})
	}))
	defer srv.Close()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims("provider-1", RoleProvider))
	token.Header["kid"] = "k1"
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	mw := JWTMiddleware(JWTConfig{JWKSURL: srv.URL})
	err = runMiddleware(t, mw, "/", "Bearer "+tokenStr, func(c echo.Context) error {
		if !HasRole(c.Request().Context(), RoleProvider) {
			t.Error("expected provider role")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// An HMAC token must not be accepted by an RS256 verifier.
	hmacToken := createTestToken(t, validClaims("provider-1"), testSigningKey)
	assertStatus(t, runMiddleware(t, mw, "/", "Bearer "+hmacToken, nil), http.StatusUnauthorized)
}

func TestDevAuthMiddleware_Defaults(t *testing.T) {
	err := runMiddleware(t, DevAuthMiddleware(), "/", "", func(c echo.Context) error {
		ctx := c.Request().Context()
		if uid := UserIDFromContext(ctx); uid != "dev-user" {
			t.Errorf("expected user_id=dev-user, got %s", uid)
		}
		if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != RoleAdmin {
			t.Errorf("expected roles=[admin], got %v", roles)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDevAuthMiddleware_Overrides(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Dev-User", "patient-9")
	req.Header.Set("X-Dev-Email", "p9@example.com")
	req.Header.Set("X-Dev-Roles", "patient, provider")
	c := e.NewContext(req, httptest.NewRecorder())

	DevAuthMiddleware()(func(c echo.Context) error {
		ctx := c.Request().Context()
		if UserIDFromContext(ctx) != "patient-9" || EmailFromContext(ctx) != "p9@example.com" {
			t.Errorf("unexpected identity %s %s", UserIDFromContext(ctx), EmailFromContext(ctx))
		}
		if roles := RolesFromContext(ctx); len(roles) != 2 || roles[1] != RoleProvider {
			t.Errorf("expected [patient provider], got %v", roles)
		}
		if HasRole(ctx, RoleAdmin) {
			t.Error("overridden roles must not include admin")
		}
		return nil
	})(c)
}

func TestJWTMiddleware_WebsocketQueryToken(t *testing.T) {
	tokenStr := createTestToken(t, validClaims("patient-1", RolePatient), testSigningKey)
	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws?access_token="+tokenStr, nil)
	req.Header.Set("Upgrade", "websocket")
	c := e.NewContext(req, httptest.NewRecorder())
	if err := mw(func(c echo.Context) error { return nil })(c); err != nil {
		t.Fatalf("expected query token accepted on upgrade, got %v", err)
	}

	plain := httptest.NewRequest(http.MethodGet, "/api/v1/orders?access_token="+tokenStr, nil)
	c = e.NewContext(plain, httptest.NewRecorder())
	assertStatus(t, mw(func(c echo.Context) error { return nil })(c), http.StatusUnauthorized)
}

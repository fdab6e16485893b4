package clinical

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/testwell/testwell/internal/platform/auth"
)

// stateTTL bounds how long an administrator has to finish the consent
// screen.
const stateTTL = 10 * time.Minute

// Authorizer runs the authorization code flow. *TokenManager implements it.
type Authorizer interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
}

// OAuthHandler lets an administrator connect the server to the clinical
// platform. The console asks for an authorization URL, sends the admin
// there, and forwards the code and state it gets back to the callback.
// Pending states are held in memory, so both calls must reach the same
// instance.
type OAuthHandler struct {
	auth   Authorizer
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.Mutex
	states map[string]time.Time
}

func NewOAuthHandler(a Authorizer, logger zerolog.Logger) *OAuthHandler {
	return &OAuthHandler{
		auth:   a,
		logger: logger.With().Str("component", "clinical-oauth").Logger(),
		now:    time.Now,
		states: make(map[string]time.Time),
	}
}

func (h *OAuthHandler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/clinical/oauth", auth.RequireRole(auth.RoleAdmin))
	g.GET("/authorize", h.Authorize)
	g.GET("/callback", h.Callback)
}

func (h *OAuthHandler) Authorize(c echo.Context) error {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
	state := hex.EncodeToString(buf)

	h.mu.Lock()
	now := h.now()
	for s, exp := range h.states {
		if now.After(exp) {
			delete(h.states, s)
		}
	}
	h.states[state] = now.Add(stateTTL)
	h.mu.Unlock()

	return c.JSON(http.StatusOK, map[string]string{
		"authorization_url": h.auth.AuthCodeURL(state),
		"state":             state,
	})
}

// consume removes state and reports whether it was pending and unexpired.
func (h *OAuthHandler) consume(state string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	exp, ok := h.states[state]
	delete(h.states, state)
	return ok && !h.now().After(exp)
}

func (h *OAuthHandler) Callback(c echo.Context) error {
	if errCode := c.QueryParam("error"); errCode != "" {
		h.logger.Warn().Str("error", errCode).Msg("clinical authorization denied")
		return echo.NewHTTPError(http.StatusBadRequest, "authorization denied: "+errCode)
	}
	code, state := c.QueryParam("code"), c.QueryParam("state")
	if code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "code is required")
	}
	if !h.consume(state) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown or expired state")
	}

	ctx := c.Request().Context()
	tok, err := h.auth.Exchange(ctx, code)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("clinical code exchange failed")
		return echo.NewHTTPError(http.StatusBadGateway, "failed to authorize clinical platform")
	}
	h.logger.Info().Str("admin", auth.UserIDFromContext(ctx)).Msg("clinical platform connected")
	return c.JSON(http.StatusOK, map[string]interface{}{
		"connected":  true,
		"expires_at": tok.Expiry,
	})
}

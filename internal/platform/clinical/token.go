package clinical

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// DefaultRefreshSkew is how long before expiry a stored access token is
// replaced.
const DefaultRefreshSkew = 5 * time.Minute

var (
	// ErrNoToken means no administrator has completed the authorization
	// code flow yet.
	ErrNoToken = errors.New("clinical platform not authorized")
	// ErrTokenRefresh wraps failures exchanging a refresh token.
	ErrTokenRefresh = errors.New("clinical token refresh failed")
)

// TokenStore persists the single server-side credential for the clinical
// platform. Load returns ErrNoToken when nothing has been stored.
type TokenStore interface {
	Load(ctx context.Context) (*oauth2.Token, error)
	Save(ctx context.Context, tok *oauth2.Token) error
}

// TokenManager hands out a valid access token, refreshing it ahead of
// expiry and persisting whatever the authorization server rotates.
type TokenManager struct {
	cfg        *oauth2.Config
	store      TokenStore
	skew       time.Duration
	httpClient *http.Client
	logger     zerolog.Logger
	now        func() time.Time

	mu     sync.Mutex
	cached *oauth2.Token
}

type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string
}

func NewTokenManager(oc OAuthConfig, store TokenStore, httpClient *http.Client, logger zerolog.Logger) *TokenManager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &TokenManager{
		cfg: &oauth2.Config{
			ClientID:     oc.ClientID,
			ClientSecret: oc.ClientSecret,
			RedirectURL:  oc.RedirectURL,
			Scopes:       oc.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  oc.AuthURL,
				TokenURL: oc.TokenURL,
			},
		},
		store:      store,
		skew:       DefaultRefreshSkew,
		httpClient: httpClient,
		logger:     logger.With().Str("component", "clinical-token").Logger(),
		now:        time.Now,
	}
}

// AuthCodeURL is where an administrator is sent to grant access.
func (m *TokenManager) AuthCodeURL(state string) string {
	return m.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Exchange completes the authorization code flow and stores the result.
func (m *TokenManager) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := m.cfg.Exchange(m.clientContext(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	if err := m.store.Save(ctx, tok); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cached = tok
	m.mu.Unlock()
	m.logger.Info().Time("expires_at", tok.Expiry).Msg("clinical platform authorized")
	return tok, nil
}

// Token satisfies oauth2.TokenSource.
func (m *TokenManager) Token() (*oauth2.Token, error) {
	return m.TokenContext(context.Background())
}

// TokenContext returns a token that stays valid for at least the refresh
// skew. Concurrent callers share one refresh.
func (m *TokenManager) TokenContext(ctx context.Context) (*oauth2.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok := m.cached
	if tok == nil {
		loaded, err := m.store.Load(ctx)
		if err != nil {
			return nil, err
		}
		tok = loaded
	}

	if m.fresh(tok) {
		m.cached = tok
		return tok, nil
	}

	if tok.RefreshToken == "" {
		m.cached = nil
		return nil, fmt.Errorf("%w: token expired and no refresh token stored", ErrTokenRefresh)
	}

	// An empty access token forces the oauth2 package to use the refresh
	// token regardless of the stored expiry.
	src := m.cfg.TokenSource(m.clientContext(ctx), &oauth2.Token{RefreshToken: tok.RefreshToken})
	refreshed, err := src.Token()
	if err != nil {
		m.logger.Error().Err(err).Msg("refresh clinical token")
		return nil, fmt.Errorf("%w: %v", ErrTokenRefresh, err)
	}
	if err := m.store.Save(ctx, refreshed); err != nil {
		return nil, err
	}
	m.cached = refreshed
	m.logger.Debug().Time("expires_at", refreshed.Expiry).Msg("clinical token refreshed")
	return refreshed, nil
}

// Invalidate drops the in-memory copy so the next call re-reads the store
// and refreshes if needed. Called after the API answers 401.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached != nil {
		expired := *m.cached
		expired.Expiry = m.now().Add(-time.Second)
		m.cached = &expired
	}
}

func (m *TokenManager) fresh(tok *oauth2.Token) bool {
	if tok.AccessToken == "" {
		return false
	}
	if tok.Expiry.IsZero() {
		return true
	}
	return tok.Expiry.After(m.now().Add(m.skew))
}

func (m *TokenManager) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

// PGTokenStore keeps the token in clinical_oauth_tokens, one row per
// provider.
type PGTokenStore struct {
	pool     *pgxpool.Pool
	provider string
}

func NewPGTokenStore(pool *pgxpool.Pool, provider string) *PGTokenStore {
	return &PGTokenStore{pool: pool, provider: provider}
}

func (s *PGTokenStore) Load(ctx context.Context) (*oauth2.Token, error) {
	var tok oauth2.Token
	var expires *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT access_token, refresh_token, token_type, expires_at
		FROM clinical_oauth_tokens WHERE provider = $1`, s.provider).
		Scan(&tok.AccessToken, &tok.RefreshToken, &tok.TokenType, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("load clinical token: %w", err)
	}
	if expires != nil {
		tok.Expiry = *expires
	}
	return &tok, nil
}

func (s *PGTokenStore) Save(ctx context.Context, tok *oauth2.Token) error {
	var expires *time.Time
	if !tok.Expiry.IsZero() {
		expires = &tok.Expiry
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO clinical_oauth_tokens (provider, access_token, refresh_token, token_type, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (provider) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = CASE WHEN EXCLUDED.refresh_token = '' THEN clinical_oauth_tokens.refresh_token ELSE EXCLUDED.refresh_token END,
			token_type = EXCLUDED.token_type,
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW()`,
		s.provider, tok.AccessToken, tok.RefreshToken, tok.TokenType, expires)
	if err != nil {
		return fmt.Errorf("save clinical token: %w", err)
	}
	return nil
}

// MemoryTokenStore is used in development and tests.
type MemoryTokenStore struct {
	mu  sync.Mutex
	tok *oauth2.Token
}

func NewMemoryTokenStore(initial *oauth2.Token) *MemoryTokenStore {
	return &MemoryTokenStore{tok: initial}
}

func (s *MemoryTokenStore) Load(_ context.Context) (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tok == nil {
		return nil, ErrNoToken
	}
	cp := *s.tok
	return &cp, nil
}

func (s *MemoryTokenStore) Save(_ context.Context, tok *oauth2.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tok
	if cp.RefreshToken == "" && s.tok != nil {
		cp.RefreshToken = s.tok.RefreshToken
	}
	s.tok = &cp
	return nil
}

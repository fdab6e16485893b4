package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	PaymentAPIURL           string        `mapstructure:"PAYMENT_API_URL"`
	PaymentSecretKey        string        `mapstructure:"PAYMENT_SECRET_KEY"`
	PaymentWebhookSecret    string        `mapstructure:"PAYMENT_WEBHOOK_SECRET"`
	PaymentWebhookTolerance time.Duration `mapstructure:"PAYMENT_WEBHOOK_TOLERANCE"`
	PaymentSuccessURL       string        `mapstructure:"PAYMENT_SUCCESS_URL"`
	PaymentCancelURL        string        `mapstructure:"PAYMENT_CANCEL_URL"`
	Currency                string        `mapstructure:"CURRENCY"`

	ClinicalAPIURL        string `mapstructure:"CLINICAL_API_URL"`
	ClinicalClientID      string `mapstructure:"CLINICAL_CLIENT_ID"`
	ClinicalClientSecret  string `mapstructure:"CLINICAL_CLIENT_SECRET"`
	ClinicalAuthURL       string `mapstructure:"CLINICAL_AUTH_URL"`
	ClinicalTokenURL      string `mapstructure:"CLINICAL_TOKEN_URL"`
	ClinicalRedirectURL   string `mapstructure:"CLINICAL_REDIRECT_URL"`
	ClinicalWebhookSecret string `mapstructure:"CLINICAL_WEBHOOK_SECRET"`

	HTTPClientTimeout time.Duration `mapstructure:"HTTP_CLIENT_TIMEOUT"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT", "REQUEST_TIMEOUT",
	"PAYMENT_API_URL", "PAYMENT_SECRET_KEY", "PAYMENT_WEBHOOK_SECRET", "PAYMENT_WEBHOOK_TOLERANCE",
	"PAYMENT_SUCCESS_URL", "PAYMENT_CANCEL_URL", "CURRENCY",
	"CLINICAL_API_URL", "CLINICAL_CLIENT_ID", "CLINICAL_CLIENT_SECRET", "CLINICAL_AUTH_URL",
	"CLINICAL_TOKEN_URL", "CLINICAL_REDIRECT_URL", "CLINICAL_WEBHOOK_SECRET",
	"HTTP_CLIENT_TIMEOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("BODY_LIMIT", "256K")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("PAYMENT_API_URL", "https://api.stripe.com")
	v.SetDefault("PAYMENT_WEBHOOK_TOLERANCE", "5m")
	v.SetDefault("PAYMENT_SUCCESS_URL", "http://localhost:3000/checkout/success")
	v.SetDefault("PAYMENT_CANCEL_URL", "http://localhost:3000/cart")
	v.SetDefault("CURRENCY", "usd")
	v.SetDefault("HTTP_CLIENT_TIMEOUT", "15s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ClinicalEnabled reports whether enough clinical platform settings are
// present to build the OAuth2 client.
func (c *Config) ClinicalEnabled() bool {
	return c.ClinicalAPIURL != "" && c.ClinicalClientID != "" && c.ClinicalTokenURL != ""
}

// Validate checks that the configuration is safe to run. Outside
// development real token validation and both payment secrets are required;
// a server that cannot verify payment webhooks must not start.
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("ENV must be development, staging or production, got %q", c.Env)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if len(c.Currency) != 3 {
		return fmt.Errorf("CURRENCY must be a 3-letter ISO code, got %q", c.Currency)
	}

	if c.IsDev() {
		return nil
	}

	if c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("one of AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when ENV=%s", c.Env)
	}
	if c.IsProduction() && c.AuthSigningKey != "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is for development and staging only")
	}
	if c.PaymentSecretKey == "" {
		return fmt.Errorf("PAYMENT_SECRET_KEY is required when ENV=%s", c.Env)
	}
	if c.PaymentWebhookSecret == "" {
		return fmt.Errorf("PAYMENT_WEBHOOK_SECRET is required when ENV=%s", c.Env)
	}
	if !c.ClinicalEnabled() {
		return fmt.Errorf("CLINICAL_API_URL, CLINICAL_CLIENT_ID and CLINICAL_TOKEN_URL are required when ENV=%s", c.Env)
	}
	return nil
}

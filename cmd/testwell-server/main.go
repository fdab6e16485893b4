package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/testwell/testwell/internal/config"
	"github.com/testwell/testwell/internal/domain/catalog"
	"github.com/testwell/testwell/internal/domain/order"
	"github.com/testwell/testwell/internal/domain/patient"
	"github.com/testwell/testwell/internal/platform/auth"
	"github.com/testwell/testwell/internal/platform/clinical"
	"github.com/testwell/testwell/internal/platform/db"
	"github.com/testwell/testwell/internal/platform/middleware"
	"github.com/testwell/testwell/internal/platform/payment"
	"github.com/testwell/testwell/internal/platform/webhook"
	"github.com/testwell/testwell/internal/platform/websocket"
	"github.com/testwell/testwell/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "testwell-server",
		Short: "TestWell lab-testing storefront API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(dir, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(dir, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)

	return cmd
}

func migrationSource(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

func withMigrator(dir string, fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, migrationSource(dir)))
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func newLogger(env string, out io.Writer) zerolog.Logger {
	if env == "development" {
		out = zerolog.ConsoleWriter{Out: out}
	}
	return zerolog.New(out).With().Timestamp().Str("service", "testwell").Logger()
}

// authMiddleware picks bearer token validation, or the header-driven dev
// identity when running locally.
func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.IsDev() && cfg.AuthIssuer == "" && cfg.AuthJWKSURL == "" && cfg.AuthSigningKey == "" {
		return auth.DevAuthMiddleware()
	}
	jwtCfg := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
		Skipper:  auth.AuthSkipper,
	}
	if cfg.AuthSigningKey != "" {
		jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
	}
	return auth.JWTMiddleware(jwtCfg)
}

// errClinicalNotConfigured is returned by every clinical call when the
// server runs without clinical platform credentials (development only).
var errClinicalNotConfigured = errors.New("clinical platform not configured")

type unconfiguredClinical struct{}

func (unconfiguredClinical) ActivateTreatmentPlan(context.Context, string) (*clinical.Activation, error) {
	return nil, errClinicalNotConfigured
}

func (unconfiguredClinical) SearchPatientByEmail(context.Context, string) (*clinical.Patient, error) {
	return nil, errClinicalNotConfigured
}

func (unconfiguredClinical) CreatePatient(context.Context, clinical.NewPatient) (*clinical.Patient, error) {
	return nil, errClinicalNotConfigured
}

// clinicalPlatform is everything the order and patient services need from
// the clinical platform.
type clinicalPlatform interface {
	order.PlanActivator
	patient.Directory
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, "1M", "/webhooks/"))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/ws"))
	e.Use(authMiddleware(cfg))

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.PoolHealthHandler(pool))

	apiV1 := e.Group("/api/v1")
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	// Real-time status feed
	hub := websocket.NewHub(logger)
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(e)

	// Catalog
	cat := catalog.Default()
	catalog.NewHandler(cat, cfg.Currency).RegisterRoutes(apiV1)

	// Clinical platform
	var platform clinicalPlatform = unconfiguredClinical{}
	if cfg.ClinicalEnabled() {
		tokens := clinical.NewTokenManager(clinical.OAuthConfig{
			ClientID:     cfg.ClinicalClientID,
			ClientSecret: cfg.ClinicalClientSecret,
			AuthURL:      cfg.ClinicalAuthURL,
			TokenURL:     cfg.ClinicalTokenURL,
			RedirectURL:  cfg.ClinicalRedirectURL,
		}, clinical.NewPGTokenStore(pool, "clinical"), &http.Client{Timeout: cfg.HTTPClientTimeout}, logger)
		platform = clinical.NewClient(cfg.ClinicalAPIURL, tokens, cfg.HTTPClientTimeout)
		clinical.NewOAuthHandler(tokens, logger).RegisterRoutes(apiV1)
	} else {
		logger.Warn().Msg("clinical platform not configured; activation and registration will fail")
	}

	// Patients
	patientSvc := patient.NewService(patient.NewRepoPG(pool), platform, logger)
	patient.NewHandler(patientSvc).RegisterRoutes(apiV1)

	// Orders
	orderSvc := order.NewService(order.Deps{
		Repo:      order.NewRepoPG(pool),
		Catalog:   cat,
		Payments:  payment.NewClient(cfg.PaymentAPIURL, cfg.PaymentSecretKey, cfg.HTTPClientTimeout, logger),
		Activator: platform,
		Registrar: patientSvc,
		Events:    hub,
	}, order.CheckoutConfig{
		Currency:   cfg.Currency,
		SuccessURL: cfg.PaymentSuccessURL,
		CancelURL:  cfg.PaymentCancelURL,
	}, logger)
	order.NewHandler(orderSvc).RegisterRoutes(apiV1)

	// Webhooks and their dead-letter log
	webhookLog := webhook.NewLog(webhook.NewPGStore(pool), logger)
	payments := order.NewPaymentReceiver(orderSvc, webhookLog, cfg.PaymentWebhookSecret, cfg.PaymentWebhookTolerance, logger)
	labs := order.NewClinicalReceiver(orderSvc, webhookLog, cfg.ClinicalWebhookSecret, logger)
	webhookLog.Register(webhook.SourcePayment, payments)
	webhookLog.Register(webhook.SourceClinical, labs)
	payments.RegisterRoutes(e)
	labs.RegisterRoutes(e)
	webhook.NewHandler(webhookLog).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

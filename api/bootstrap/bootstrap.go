package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/canastacr/payments/api/access"
	"github.com/canastacr/payments/api/auth"
	"github.com/canastacr/payments/api/config"
	"github.com/canastacr/payments/api/database"
	paymentsapp "github.com/canastacr/payments/api/services/payments/app"
	"github.com/canastacr/payments/api/services/payments/cache"
	paymentsdb "github.com/canastacr/payments/api/services/payments/db"
	"github.com/canastacr/payments/api/services/payments/directory"
	stripegw "github.com/canastacr/payments/api/services/payments/gateway/stripe"
)

// App holds the wired services of one process.
type App struct {
	Config   *config.Config
	DB       *sql.DB
	Service  paymentsapp.Service
	Verifier *auth.Verifier
	Gate     *access.Gate
	Logger   *slog.Logger

	cache *cache.StatusCache
}

// Init connects the database, applies migrations, constructs the Stripe, Supabase
// and Redis clients and wires the payments service. A nil cfg is loaded from the environment.
func Init(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var err error
	if cfg == nil {
		cfg, err = config.LoadConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	db, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := database.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	a := &App{Config: cfg, DB: db, Logger: logger}

	deps := paymentsapp.Deps{
		Gateway:   stripegw.New(cfg.StripeSecretKey, cfg.StripeWebhookSecret),
		Store:     paymentsdb.NewStore(db),
		Directory: directory.New(cfg.SupabaseURL, cfg.SupabaseServiceRoleKey),
		Logger:    logger,
	}
	if cfg.RedisURL != "" {
		c, err := cache.New(ctx, cfg.RedisURL, cache.DefaultTTL)
		if err != nil {
			// the status read path works without the cache
			logger.Warn("status cache disabled", "err", err)
		} else {
			a.cache = c
			deps.Cache = c
		}
	}

	a.Service = paymentsapp.NewService(deps)
	a.Verifier = auth.NewVerifier(cfg.SupabaseJWTSecret)
	a.Gate = access.NewGate(a.Verifier, a.Service, logger)
	return a, nil
}

// Close releases the database pool and the cache connection.
func (a *App) Close() error {
	var errs []error
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

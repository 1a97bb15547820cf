// Package app wires the billing engine from configuration. It is shared by
// the HTTP server and the sweeper binaries.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/gradekit/pkg/logger"
	"github.com/dmitrymomot/gradekit/pkg/pg"
	"github.com/dmitrymomot/gradekit/pkg/redis"
	"github.com/dmitrymomot/gradekit/pkg/requestid"
	"github.com/dmitrymomot/gradekit/pkg/retry"
	"github.com/dmitrymomot/gradekit/svc/billing"
	"github.com/dmitrymomot/gradekit/svc/billing/pgstore"
	"github.com/dmitrymomot/gradekit/svc/billing/snapshot"
)

// Provider names accepted in BILLING_PROVIDER.
const (
	ProviderStripe = "stripe"
	ProviderPaddle = "paddle"
)

// App holds the connections and the billing services built on them.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Registry *prometheus.Registry

	Pool      *pgxpool.Pool
	DB        *sql.DB
	Redis     *goredis.Client
	Store     *pgstore.Store
	Snapshots *snapshot.Cache

	Provider billing.Provider
	Catalog  *billing.Catalog
	Metrics  *billing.Metrics
	Syncer   *billing.Syncer
}

// NewLogger builds the process logger. LOG_LEVEL and LOG_FORMAT override the
// environment defaults.
func NewLogger(cfg Config, service string) *slog.Logger {
	opts := []logger.Option{
		logger.WithEnvironment(cfg.Env, service),
		logger.WithContextExtractors(requestid.LoggerExtractor()),
	}
	if cfg.LogLevel != "" {
		opts = append(opts, logger.WithLevelName(cfg.LogLevel))
	}
	if cfg.LogFormat != "" {
		opts = append(opts, logger.WithFormat(logger.Format(cfg.LogFormat)))
	}
	return logger.New(opts...)
}

// New connects to PostgreSQL and Redis, applies migrations and builds the
// provider and the syncer. Close releases everything New opened.
func New(ctx context.Context, cfg Config, log *slog.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Logger: log, Registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = billing.NewMetrics(a.Registry)

	if a.Catalog, err = billing.LoadCatalog(cfg.Billing.PlanCatalog); err != nil {
		return nil, err
	}

	provider, err := NewProvider(cfg)
	if err != nil {
		return nil, err
	}
	a.Provider = billing.GuardProvider(provider, cfg.Billing.ProviderTimeout, a.Metrics)

	if a.Pool, err = pg.Connect(ctx, cfg.PG); err != nil {
		return nil, err
	}
	a.DB = pg.OpenDB(a.Pool)
	if cfg.PG.AutoMigrate {
		if err = pg.Migrate(ctx, a.DB, pgstore.Migrations, pgstore.MigrationsDir, cfg.PG, log); err != nil {
			return nil, err
		}
	}
	a.Store = pgstore.New(a.DB)

	if a.Redis, err = redis.Connect(ctx, cfg.Redis); err != nil {
		return nil, err
	}
	a.Snapshots = snapshot.New(a.Redis, cfg.Billing.SnapshotTTL)

	resolver := billing.NewTierResolver(a.Catalog, log)
	a.Syncer = billing.NewSyncer(a.Provider, a.Store, resolver, a.BillingOptions()...)

	log.InfoContext(ctx, "billing engine ready",
		logger.Provider(a.Provider.Name()), slog.Int("admins", len(cfg.Billing.AdminEmails)))
	return a, nil
}

// BillingOptions are the options shared by every billing service.
func (a *App) BillingOptions(extra ...billing.Option) []billing.Option {
	b := a.Config.Billing
	return append([]billing.Option{
		billing.WithLogger(a.Logger),
		billing.WithMetrics(a.Metrics),
		billing.WithSnapshots(a.Snapshots),
		billing.WithRetryPolicy(retry.Policy{
			MaxAttempts:   b.RetryMaxAttempts,
			BaseDelay:     b.RetryBaseDelay,
			MaxDelay:      4 * b.RetryBaseDelay,
			JitterPercent: 10,
		}),
		billing.WithSyncTimeout(b.SyncTimeout),
		billing.WithBootstrapAdmins(b.AdminEmails...),
		billing.WithConcurrency(a.Config.Sweep.Concurrency),
	}, extra...)
}

// Close releases the connections. It is safe on a partially built App.
func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Warn("failed to close redis client", logger.Error(err))
		}
	}
	if a.DB != nil {
		_ = a.DB.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}

// NewProvider builds the configured billing provider.
func NewProvider(cfg Config) (billing.Provider, error) {
	switch cfg.Billing.Provider {
	case ProviderStripe:
		return billing.NewStripeProvider(cfg.Stripe)
	case ProviderPaddle:
		return billing.NewPaddleProvider(cfg.Paddle)
	default:
		return nil, fmt.Errorf("%w: %q", billing.ErrUnsupportedProvider, cfg.Billing.Provider)
	}
}

package app

import (
	"time"

	"github.com/dmitrymomot/gradekit/pkg/config"
	"github.com/dmitrymomot/gradekit/pkg/httpserver"
	"github.com/dmitrymomot/gradekit/pkg/pg"
	"github.com/dmitrymomot/gradekit/pkg/redis"
	"github.com/dmitrymomot/gradekit/pkg/session"
	"github.com/dmitrymomot/gradekit/svc/billing"
)

// BillingConfig configures the billing engine.
type BillingConfig struct {
	Provider         string        `env:"BILLING_PROVIDER" envDefault:"stripe"`        // Provider is "stripe" or "paddle".
	ProviderTimeout  time.Duration `env:"BILLING_PROVIDER_TIMEOUT" envDefault:"10s"`   // ProviderTimeout bounds every provider call.
	RetryMaxAttempts int           `env:"BILLING_RETRY_MAX_ATTEMPTS" envDefault:"3"`   // RetryMaxAttempts bounds the on-demand sync.
	RetryBaseDelay   time.Duration `env:"BILLING_RETRY_BASE_DELAY" envDefault:"200ms"` // RetryBaseDelay is the first backoff delay.
	SyncTimeout      time.Duration `env:"BILLING_SYNC_TIMEOUT" envDefault:"20s"`       // SyncTimeout bounds a detached sync including retries.
	PlanCatalog      string        `env:"BILLING_PLAN_CATALOG"`                        // PlanCatalog is a YAML catalog path; empty uses the built-in one.
	SnapshotTTL      time.Duration `env:"BILLING_SNAPSHOT_TTL" envDefault:"168h"`      // SnapshotTTL is the lifetime of cached subscriber snapshots.
	EventRetention   time.Duration `env:"BILLING_EVENT_RETENTION" envDefault:"2160h"`  // EventRetention is the cutoff of the manual -prune-events task.
	AdminEmails      []string      `env:"ADMIN_EMAILS" envSeparator:","`               // AdminEmails are always administrators.
}

// SweepConfig configures the reconciliation sweeper.
type SweepConfig struct {
	Schedule    string `env:"SWEEP_SCHEDULE" envDefault:"0 3 * * *"` // Schedule is a standard five-field cron spec.
	Concurrency int    `env:"SWEEP_CONCURRENCY" envDefault:"4"`      // Concurrency bounds accounts reconciled in parallel.
}

type Config struct {
	Env       string `env:"APP_ENV" envDefault:"development"`
	LogLevel  string `env:"LOG_LEVEL"`
	LogFormat string `env:"LOG_FORMAT"`

	HTTP    httpserver.Config
	PG      pg.Config
	Redis   redis.Config
	Session session.Config
	Billing BillingConfig
	Sweep   SweepConfig
	Stripe  billing.StripeConfig
	Paddle  billing.PaddleConfig
}

// LoadConfig reads the configuration from the environment and .env.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := config.Load(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

package billing

import (
	"log/slog"
	"strings"
	"time"

	"github.com/dmitrymomot/gradekit/pkg/retry"
)

// Option configures the engine components. Options that do not apply to a
// component are ignored by it.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	metrics     *Metrics
	snapshots   SnapshotCache
	now         func() time.Time
	retry       retry.Policy
	syncTimeout time.Duration
	erasers     []ContentEraser
	admins      []string
	concurrency int
}

func newOptions(opts []Option) *options {
	o := &options{
		logger:      slog.Default(),
		snapshots:   noopSnapshots{},
		now:         time.Now,
		retry:       retry.DefaultPolicy(),
		syncTimeout: 30 * time.Second,
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithSnapshots sets the cache written on every persisted change and read
// as the last fallback of degraded checks.
func WithSnapshots(c SnapshotCache) Option {
	return func(o *options) {
		if c != nil {
			o.snapshots = c
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithRetryPolicy sets the bounded retry used around provider calls on the
// read path.
func WithRetryPolicy(p retry.Policy) Option {
	return func(o *options) { o.retry = p }
}

// WithSyncTimeout bounds a sync started from a read request. The sync runs
// detached from the request so a disconnecting client cannot abort the
// write.
func WithSyncTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.syncTimeout = d
		}
	}
}

// WithContentErasers registers erasers of account-owned content run during
// account deletion, in the given order.
func WithContentErasers(erasers ...ContentEraser) Option {
	return func(o *options) {
		for _, e := range erasers {
			if e != nil {
				o.erasers = append(o.erasers, e)
			}
		}
	}
}

// WithBootstrapAdmins grants the administrator capability to the given
// emails in addition to the store's directory.
func WithBootstrapAdmins(emails ...string) Option {
	return func(o *options) {
		for _, e := range emails {
			if e = NormalizeEmail(e); e != "" {
				o.admins = append(o.admins, e)
			}
		}
	}
}

// WithConcurrency sets how many accounts the sweeper reconciles at once.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// NormalizeEmail returns the canonical account key, or "" if email is not
// an address.
func NormalizeEmail(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if i := strings.IndexByte(email, '@'); i <= 0 || i == len(email)-1 {
		return ""
	}
	return email
}

package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dmitrymomot/gradekit/pkg/logger"
	"github.com/dmitrymomot/gradekit/pkg/retry"
)

// Check result sources.
const (
	SourceProvider = "provider"
	SourceStore    = "store"
	SourceSnapshot = "snapshot"
	SourceDefault  = "default"
)

// CheckResult is the answer to an on-demand subscription check.
type CheckResult struct {
	Record SubscriberRecord
	Usage  UsageSummary
	Window Window
	// Degraded is set when the provider could not be reached and the result
	// is built from last-known state.
	Degraded bool
	Source   string
}

// Checker serves on-demand checks: a fresh sync with bounded retry, then
// last-known state when the provider or the store is unavailable.
type Checker struct {
	syncer      *Syncer
	store       SubscriberStore
	usage       *Usage
	catalog     *Catalog
	snapshots   SnapshotCache
	policy      retry.Policy
	syncTimeout time.Duration
	logger      *slog.Logger
	metrics     *Metrics
	now         func() time.Time
}

// NewChecker creates a Checker. Panics if a dependency is nil.
func NewChecker(syncer *Syncer, store SubscriberStore, usage *Usage, catalog *Catalog, opts ...Option) *Checker {
	if syncer == nil || store == nil || usage == nil || catalog == nil {
		panic("billing: checker dependencies are required")
	}
	o := newOptions(opts)
	return &Checker{
		syncer:      syncer,
		store:       store,
		usage:       usage,
		catalog:     catalog,
		snapshots:   o.snapshots,
		policy:      o.retry,
		syncTimeout: o.syncTimeout,
		logger:      o.logger.With(logger.Component("billing_check")),
		metrics:     o.metrics,
		now:         o.now,
	}
}

// Check returns the account's current tier and usage. Transient and
// inconsistent failures produce a degraded result instead of an error;
// rejected and fatal errors are returned.
func (c *Checker) Check(ctx context.Context, email string) (*CheckResult, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, ErrInvalidEmail
	}

	rec, err := c.sync(ctx, email)
	if err == nil {
		res := &CheckResult{Record: *rec, Source: SourceProvider}
		if err := c.summarize(ctx, res); err != nil {
			c.logger.WarnContext(ctx, "usage counters unavailable, serving degraded summary",
				logger.Account(email), logger.Error(err))
		}
		c.metrics.check(res.Degraded)
		return res, nil
	}

	switch Classify(err) {
	case ClassTransient, ClassInconsistent:
	default:
		return nil, err
	}

	c.logger.WarnContext(ctx, "billing sync unavailable, serving cached state",
		logger.Account(email), logger.Error(err))

	res := c.cached(ctx, email)
	res.Degraded = true
	if err := c.summarize(ctx, res); err != nil {
		c.logger.WarnContext(ctx, "usage counters unavailable", logger.Account(email), logger.Error(err))
	}
	c.metrics.check(true)
	return res, nil
}

// sync runs the Billing Sync detached from the caller's cancellation, so a
// client disconnect cannot abort the write, and bounded by syncTimeout.
func (c *Checker) sync(ctx context.Context, email string) (*SubscriberRecord, error) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.syncTimeout)
	defer cancel()

	return retry.DoValue(sctx, c.policy, IsTransient, func(ctx context.Context) (*SubscriberRecord, error) {
		rec, err := c.syncer.Sync(ctx, email)
		if err != nil && IsTransient(err) {
			c.logger.InfoContext(ctx, "billing sync attempt failed",
				logger.Account(email), logger.Attempt(retry.Attempt(ctx)), logger.Error(err))
		}
		return rec, err
	})
}

// cached reads the last-persisted record: store, then snapshot cache, then
// the free-trial default.
func (c *Checker) cached(ctx context.Context, email string) *CheckResult {
	rec, err := c.store.GetSubscriber(ctx, email)
	if err == nil {
		return &CheckResult{Record: *rec, Source: SourceStore}
	}
	if !errors.Is(err, ErrSubscriberNotFound) {
		c.logger.WarnContext(ctx, "subscriber store unavailable, trying snapshot",
			logger.Account(email), logger.Error(err))
		if snap, serr := c.snapshots.GetSnapshot(ctx, email); serr == nil {
			return &CheckResult{Record: *snap, Source: SourceSnapshot}
		}
	}

	w := TrialWindow(c.now())
	return &CheckResult{
		Record: SubscriberRecord{
			Email:         email,
			Tier:          TierFreeTrial,
			PeriodStart:   &w.Start,
			NextResetDate: &w.End,
			AccountStatus: AccountActive,
		},
		Source: SourceDefault,
	}
}

// summarize fills in usage. When counters cannot be read the summary is
// computed from the tier alone and the result is marked degraded.
func (c *Checker) summarize(ctx context.Context, res *CheckResult) error {
	sum, w, err := c.usage.Summarize(ctx, &res.Record)
	res.Window = w
	if err != nil {
		res.Degraded = true
		res.Usage = CalculateUsage(c.catalog.BaseLimit(res.Record.Tier), 0, 0, res.Record.UnlimitedOverride)
		return err
	}
	res.Usage = sum
	return nil
}

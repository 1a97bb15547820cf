package billing

import (
	"context"
	"errors"
	"time"
)

// Usage keeps per-period submission counters and answers quota checks.
type Usage struct {
	subscribers SubscriberStore
	counters    UsageStore
	credits     CreditStore
	catalog     *Catalog
	syncer      *Syncer
	now         func() time.Time
}

// NewUsage creates a Usage service. The syncer creates the subscriber row
// of accounts that were never synced. Panics if a dependency is nil.
func NewUsage(subscribers SubscriberStore, counters UsageStore, credits CreditStore, catalog *Catalog, syncer *Syncer, opts ...Option) *Usage {
	if subscribers == nil || counters == nil || credits == nil || catalog == nil || syncer == nil {
		panic("billing: usage dependencies are required")
	}
	o := newOptions(opts)
	return &Usage{
		subscribers: subscribers,
		counters:    counters,
		credits:     credits,
		catalog:     catalog,
		syncer:      syncer,
		now:         o.now,
	}
}

// Summarize computes the usage summary of rec in its current window.
func (u *Usage) Summarize(ctx context.Context, rec *SubscriberRecord) (UsageSummary, Window, error) {
	w := CurrentWindow(rec, u.now())
	used, err := u.counters.GetUsage(ctx, rec.Email, w.Label())
	if err != nil {
		return UsageSummary{}, w, err
	}
	purchased, err := u.credits.SumCompletedCredits(ctx, rec.Email)
	if err != nil {
		return UsageSummary{}, w, err
	}
	return CalculateUsage(u.catalog.BaseLimit(rec.Tier), used, purchased, rec.UnlimitedOverride), w, nil
}

// Check reports whether n more submissions are allowed, without spending.
func (u *Usage) Check(ctx context.Context, email string, n int64) (UsageSummary, error) {
	if n <= 0 {
		return UsageSummary{}, ErrRejected
	}
	rec, err := u.record(ctx, email)
	if err != nil {
		return UsageSummary{}, err
	}
	sum, _, err := u.Summarize(ctx, rec)
	if err != nil {
		return UsageSummary{}, err
	}
	if !sum.Allows(n) {
		return sum, ErrQuotaExceeded
	}
	return sum, nil
}

// Record spends n submissions after a successful check. Concurrent spends
// may overshoot the limit, which the summary reports as over 100 percent.
func (u *Usage) Record(ctx context.Context, email string, n int64) (UsageSummary, error) {
	if n <= 0 {
		return UsageSummary{}, ErrRejected
	}
	rec, err := u.record(ctx, email)
	if err != nil {
		return UsageSummary{}, err
	}
	sum, w, err := u.Summarize(ctx, rec)
	if err != nil {
		return UsageSummary{}, err
	}
	if !sum.Allows(n) {
		return sum, ErrQuotaExceeded
	}
	if _, err := u.counters.IncrementUsage(ctx, rec.Email, w.Label(), n); err != nil {
		return UsageSummary{}, err
	}
	sum, _, err = u.Summarize(ctx, rec)
	return sum, err
}

// Reset zeroes the counter of the account's current window.
func (u *Usage) Reset(ctx context.Context, email string) error {
	rec, err := u.record(ctx, email)
	if err != nil {
		return err
	}
	return u.counters.ResetUsage(ctx, rec.Email, CurrentWindow(rec, u.now()).Label())
}

func (u *Usage) record(ctx context.Context, email string) (*SubscriberRecord, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, ErrInvalidEmail
	}
	rec, err := u.subscribers.GetSubscriber(ctx, email)
	if errors.Is(err, ErrSubscriberNotFound) {
		return u.syncer.Sync(ctx, email)
	}
	return rec, err
}

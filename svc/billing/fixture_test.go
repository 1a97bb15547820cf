package billing_test

import (
	"testing"
	"time"

	"github.com/dmitrymomot/gradekit/pkg/logger"
	"github.com/dmitrymomot/gradekit/pkg/retry"
	"github.com/dmitrymomot/gradekit/svc/billing"
	"github.com/dmitrymomot/gradekit/svc/billing/billingtest"
)

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store     *billingtest.Store
	provider  *billingtest.Provider
	snapshots *billingtest.Snapshots
	catalog   *billing.Catalog
	resolver  *billing.TierResolver
	syncer    *billing.Syncer
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     billingtest.NewStore(),
		provider:  billingtest.NewProvider(),
		snapshots: billingtest.NewSnapshots(),
		catalog:   billing.DefaultCatalog(),
		now:       testNow,
	}
	f.resolver = billing.NewTierResolver(f.catalog, logger.Discard())
	f.syncer = billing.NewSyncer(f.provider, f.store, f.resolver, f.opts()...)
	return f
}

func (f *fixture) opts(extra ...billing.Option) []billing.Option {
	return append([]billing.Option{
		billing.WithLogger(logger.Discard()),
		billing.WithSnapshots(f.snapshots),
		billing.WithClock(func() time.Time { return f.now }),
		billing.WithRetryPolicy(retry.Immediate(3)),
	}, extra...)
}

// subscribe registers customer cus_<name> with one active subscription.
func (f *fixture) subscribe(email, customerID, subID, priceID string, start time.Time) billing.Subscription {
	f.provider.AddCustomer(customerID, email)
	sub := billing.Subscription{
		ID:          subID,
		Status:      "active",
		StartedAt:   start,
		PeriodStart: start,
		PeriodEnd:   start.AddDate(0, 1, 0),
		PriceID:     priceID,
	}
	f.provider.SetSubscriptions(customerID, sub)
	return sub
}

func (f *fixture) usage() *billing.Usage {
	return billing.NewUsage(f.store, f.store, f.store, f.catalog, f.syncer, f.opts()...)
}

package billing_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/gradekit/svc/billing"
)

func TestSweeper_Run(t *testing.T) {
	t.Parallel()

	t.Run("corrects drift and leaves converged accounts alone", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.subscribe("ann@school.edu", "cus_ann", "sub_a", "price_core_monthly", testNow)
		f.subscribe("bo@school.edu", "cus_bo", "sub_b", "price_lite_monthly", testNow)
		f.subscribe("cy@school.edu", "cus_cy", "sub_c", "price_super_monthly", testNow)
		for _, email := range []string{"ann@school.edu", "bo@school.edu", "cy@school.edu"} {
			_, err := f.syncer.Sync(context.Background(), email)
			require.NoError(t, err)
		}

		// bo missed the cancellation webhook, cy upgraded without one.
		f.provider.SetSubscriptions("cus_bo")
		f.provider.SetSubscriptions("cus_cy", billing.Subscription{
			ID: "sub_c2", StartedAt: testNow, PeriodStart: testNow, PeriodEnd: testNow.AddDate(0, 1, 0), PriceID: "price_fulltime_monthly",
		})
		upserts := f.store.Calls("UpsertSyncState")

		s := billing.NewSweeper(f.syncer, f.store, f.opts(billing.WithConcurrency(2))...)
		report, err := s.Run(context.Background(), "")
		require.NoError(t, err)

		assert.Equal(t, 3, report.Visited)
		assert.Equal(t, 2, report.Updated)
		assert.Equal(t, 1, report.Unchanged)
		assert.Empty(t, report.Failures)
		assert.False(t, report.Interrupted)
		assert.Equal(t, upserts+2, f.store.Calls("UpsertSyncState"))

		bo, _ := f.store.GetSubscriber(context.Background(), "bo@school.edu")
		assert.False(t, bo.Subscribed)
		assert.Equal(t, billing.TierFreeTrial, bo.Tier)
		assert.Nil(t, bo.PeriodEnd)

		cy, _ := f.store.GetSubscriber(context.Background(), "cy@school.edu")
		assert.Equal(t, billing.TierFullTime, cy.Tier)
	})

	t.Run("per account failures are reported", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.subscribe("ann@school.edu", "cus_ann", "sub_a", "price_core_monthly", testNow)
		_, err := f.syncer.Sync(context.Background(), "ann@school.edu")
		require.NoError(t, err)
		f.provider.Fail("ListActiveSubscriptions", billing.ErrProviderUnavailable)

		report, err := billing.NewSweeper(f.syncer, f.store, f.opts()...).Run(context.Background(), "")
		require.NoError(t, err)
		require.Len(t, report.Failures, 1)
		assert.Equal(t, "ann@school.edu", report.Failures[0].Email)
		assert.ErrorIs(t, report.Failures[0].Err, billing.ErrProviderUnavailable)

		rec, _ := f.store.GetSubscriber(context.Background(), "ann@school.edu")
		assert.True(t, rec.Subscribed)
	})

	t.Run("single account", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.subscribe("di@school.edu", "cus_di", "sub_d", "price_core_monthly", testNow)

		report, err := billing.NewSweeper(f.syncer, f.store, f.opts()...).Run(context.Background(), "DI@school.edu")
		require.NoError(t, err)
		assert.Equal(t, 1, report.Visited)
		assert.Equal(t, 1, report.Updated)
		assert.Zero(t, f.store.Calls("ListSubscribedEmails"))

		_, err = billing.NewSweeper(f.syncer, f.store, f.opts()...).Run(context.Background(), "invalid")
		require.ErrorIs(t, err, billing.ErrInvalidEmail)
	})

	t.Run("cancelled context stops scheduling", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.subscribe("ed@school.edu", "cus_ed", "sub_e", "price_core_monthly", testNow)
		_, err := f.syncer.Sync(context.Background(), "ed@school.edu")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		report, err := billing.NewSweeper(f.syncer, f.store, f.opts()...).Run(ctx, "")
		require.NoError(t, err)
		assert.True(t, report.Interrupted)
		assert.Zero(t, report.Visited)
	})

	t.Run("listing failure is returned", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.store.Fail("ListSubscribedEmails", billing.ErrStoreUnavailable)
		_, err := billing.NewSweeper(f.syncer, f.store, f.opts()...).Run(context.Background(), "")
		require.ErrorIs(t, err, billing.ErrStoreUnavailable)
	})
}

package billing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/gradekit/svc/billing"
)

func TestCredits_RegisterPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	c := billing.NewCredits(f.store, f.provider, f.opts()...)

	require.ErrorIs(t, c.RegisterPending(context.Background(), "bad", "cs_1", 10), billing.ErrInvalidEmail)
	require.ErrorIs(t, c.RegisterPending(context.Background(), "a@school.edu", "", 10), billing.ErrInvalidSession)
	require.ErrorIs(t, c.RegisterPending(context.Background(), "a@school.edu", "cs_1", 0), billing.ErrInvalidSession)

	require.NoError(t, c.RegisterPending(context.Background(), "A@school.edu", "cs_1", 10))
	credit, err := f.store.GetCredit(context.Background(), "cs_1")
	require.NoError(t, err)
	assert.Equal(t, billing.CreditPending, credit.Status)
	assert.Equal(t, "a@school.edu", credit.Email)
	assert.Equal(t, testNow, credit.CreatedAt)

	total, err := c.Total(context.Background(), "a@school.edu")
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestCredits_Verify(t *testing.T) {
	t.Parallel()

	paid := func(f *fixture, id, email string) {
		f.provider.SetSession(billing.CheckoutSession{
			ID: id, Paid: true,
			Metadata: map[string]string{billing.MetadataAccountEmail: email, billing.MetadataSubmissions: "50"},
		})
	}

	t.Run("completes pending credit once", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		c := billing.NewCredits(f.store, f.provider, f.opts()...)
		require.NoError(t, c.RegisterPending(context.Background(), "ann@school.edu", "cs_1", 50))
		paid(f, "cs_1", "ann@school.edu")

		credit, completed, err := c.Verify(context.Background(), "ann@school.edu", "cs_1")
		require.NoError(t, err)
		assert.True(t, completed)
		assert.Equal(t, billing.CreditCompleted, credit.Status)
		require.NotNil(t, credit.CompletedAt)

		credit, completed, err = c.Verify(context.Background(), "ann@school.edu", "cs_1")
		require.NoError(t, err)
		assert.False(t, completed)
		assert.Equal(t, billing.CreditCompleted, credit.Status)
		assert.Equal(t, 1, f.provider.Calls("GetCheckoutSession"))
	})

	t.Run("webhook then verify", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		c := billing.NewCredits(f.store, f.provider, f.opts()...)
		require.NoError(t, c.RegisterPending(context.Background(), "bo@school.edu", "cs_1", 50))
		paid(f, "cs_1", "bo@school.edu")

		require.NoError(t, c.CompleteFromEvent(context.Background(), &billing.Event{
			ID: "evt_1", SessionID: "cs_1", Paid: true,
			Metadata: map[string]string{billing.MetadataAccountEmail: "bo@school.edu"},
		}))
		_, completed, err := c.Verify(context.Background(), "bo@school.edu", "cs_1")
		require.NoError(t, err)
		assert.False(t, completed)

		total, err := c.Total(context.Background(), "bo@school.edu")
		require.NoError(t, err)
		assert.Equal(t, int64(50), total)
	})

	t.Run("unregistered session is created from metadata", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		c := billing.NewCredits(f.store, f.provider, f.opts()...)
		paid(f, "cs_9", "cy@school.edu")

		credit, completed, err := c.Verify(context.Background(), "cy@school.edu", "cs_9")
		require.NoError(t, err)
		assert.True(t, completed)
		assert.Equal(t, int64(50), credit.Submissions)
	})

	t.Run("unpaid session", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		c := billing.NewCredits(f.store, f.provider, f.opts()...)
		require.NoError(t, c.RegisterPending(context.Background(), "di@school.edu", "cs_1", 50))
		f.provider.SetSession(billing.CheckoutSession{ID: "cs_1", CustomerEmail: "di@school.edu"})

		_, _, err := c.Verify(context.Background(), "di@school.edu", "cs_1")
		require.ErrorIs(t, err, billing.ErrSessionNotPaid)
		credit, _ := f.store.GetCredit(context.Background(), "cs_1")
		assert.Equal(t, billing.CreditPending, credit.Status)
	})

	t.Run("session of another account", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		c := billing.NewCredits(f.store, f.provider, f.opts()...)
		require.NoError(t, c.RegisterPending(context.Background(), "ed@school.edu", "cs_1", 50))
		paid(f, "cs_1", "ed@school.edu")

		_, _, err := c.Verify(context.Background(), "mallory@school.edu", "cs_1")
		require.ErrorIs(t, err, billing.ErrSessionOwnership)
		assert.True(t, billing.IsRejected(err))

		paid(f, "cs_2", "ed@school.edu")
		_, _, err = c.Verify(context.Background(), "mallory@school.edu", "cs_2")
		require.ErrorIs(t, err, billing.ErrSessionOwnership)
	})

	t.Run("registered size is replaced by the sold size", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		c := billing.NewCredits(f.store, f.provider, f.opts()...)
		require.NoError(t, c.RegisterPending(context.Background(), "ann@school.edu", "cs_1", 1_000_000))
		paid(f, "cs_1", "ann@school.edu")

		credit, completed, err := c.Verify(context.Background(), "ann@school.edu", "cs_1")
		require.NoError(t, err)
		assert.True(t, completed)
		assert.Equal(t, int64(50), credit.Submissions)

		total, err := c.Total(context.Background(), "ann@school.edu")
		require.NoError(t, err)
		assert.Equal(t, int64(50), total)
	})

	t.Run("owner can claim a session registered by someone else", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		c := billing.NewCredits(f.store, f.provider, f.opts()...)
		require.NoError(t, c.RegisterPending(context.Background(), "mallory@school.edu", "cs_1", 50))
		paid(f, "cs_1", "kim@school.edu")

		_, _, err := c.Verify(context.Background(), "mallory@school.edu", "cs_1")
		require.ErrorIs(t, err, billing.ErrSessionOwnership)

		credit, completed, err := c.Verify(context.Background(), "kim@school.edu", "cs_1")
		require.NoError(t, err)
		assert.True(t, completed)
		assert.Equal(t, "kim@school.edu", credit.Email)
	})

	t.Run("paid session without size metadata is rejected", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		c := billing.NewCredits(f.store, f.provider, f.opts()...)
		require.NoError(t, c.RegisterPending(context.Background(), "lu@school.edu", "cs_1", 50))
		f.provider.SetSession(billing.CheckoutSession{ID: "cs_1", Paid: true, CustomerEmail: "lu@school.edu"})

		_, _, err := c.Verify(context.Background(), "lu@school.edu", "cs_1")
		require.ErrorIs(t, err, billing.ErrInvalidSession)
		credit, _ := f.store.GetCredit(context.Background(), "cs_1")
		assert.Equal(t, billing.CreditPending, credit.Status)
	})

	t.Run("provider unavailable", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		c := billing.NewCredits(f.store, f.provider, f.opts()...)
		f.provider.Fail("GetCheckoutSession", billing.ErrProviderUnavailable)

		_, _, err := c.Verify(context.Background(), "fa@school.edu", "cs_1")
		assert.True(t, billing.IsTransient(err))
	})
}

func TestCredits_CompleteFromEvent(t *testing.T) {
	t.Parallel()

	t.Run("unpaid checkout leaves credit pending", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		c := billing.NewCredits(f.store, f.provider, f.opts()...)
		require.NoError(t, c.RegisterPending(context.Background(), "gil@school.edu", "cs_1", 10))

		require.NoError(t, c.CompleteFromEvent(context.Background(), &billing.Event{ID: "evt_1", SessionID: "cs_1"}))
		credit, _ := f.store.GetCredit(context.Background(), "cs_1")
		assert.Equal(t, billing.CreditPending, credit.Status)
	})

	t.Run("missing session id", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		c := billing.NewCredits(f.store, f.provider, f.opts()...)
		err := c.CompleteFromEvent(context.Background(), &billing.Event{ID: "evt_1", Paid: true})
		require.ErrorIs(t, err, billing.ErrInvalidPayload)
	})

	t.Run("unknown session without metadata", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		c := billing.NewCredits(f.store, f.provider, f.opts()...)
		err := c.CompleteFromEvent(context.Background(), &billing.Event{ID: "evt_1", SessionID: "cs_x", Paid: true})
		require.ErrorIs(t, err, billing.ErrInvalidSession)
	})

	t.Run("store failure surfaces", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		c := billing.NewCredits(f.store, f.provider, f.opts()...)
		require.NoError(t, c.RegisterPending(context.Background(), "hal@school.edu", "cs_1", 10))
		f.store.Fail("CompleteCredit", errors.Join(billing.ErrStoreUnavailable, errors.New("timeout")))
		err := c.CompleteFromEvent(context.Background(), &billing.Event{
			ID: "evt_1", SessionID: "cs_1", Paid: true,
			Metadata: map[string]string{billing.MetadataAccountEmail: "hal@school.edu", billing.MetadataSubmissions: "10"},
		})
		assert.True(t, billing.IsTransient(err))
	})

	t.Run("event owner and size replace the registration", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		c := billing.NewCredits(f.store, f.provider, f.opts()...)
		require.NoError(t, c.RegisterPending(context.Background(), "mallory@school.edu", "cs_1", 5000))

		require.NoError(t, c.CompleteFromEvent(context.Background(), &billing.Event{
			ID: "evt_1", SessionID: "cs_1", Paid: true,
			Metadata: map[string]string{billing.MetadataAccountEmail: "ivy@school.edu", billing.MetadataSubmissions: "50"},
		}))

		credit, err := f.store.GetCredit(context.Background(), "cs_1")
		require.NoError(t, err)
		assert.Equal(t, "ivy@school.edu", credit.Email)
		assert.Equal(t, int64(50), credit.Submissions)

		stolen, err := c.Total(context.Background(), "mallory@school.edu")
		require.NoError(t, err)
		assert.Zero(t, stolen)
	})

	t.Run("event without size reads the checkout session", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		c := billing.NewCredits(f.store, f.provider, f.opts()...)
		require.NoError(t, c.RegisterPending(context.Background(), "jo@school.edu", "cs_1", 900))
		f.provider.SetSession(billing.CheckoutSession{
			ID: "cs_1", Paid: true,
			Metadata: map[string]string{billing.MetadataAccountEmail: "jo@school.edu", billing.MetadataSubmissions: "30"},
		})

		require.NoError(t, c.CompleteFromEvent(context.Background(), &billing.Event{ID: "evt_1", SessionID: "cs_1", Paid: true}))
		total, err := c.Total(context.Background(), "jo@school.edu")
		require.NoError(t, err)
		assert.Equal(t, int64(30), total)
		assert.Equal(t, 1, f.provider.Calls("GetCheckoutSession"))
	})
}

package billing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/gradekit/pkg/audit"
	"github.com/dmitrymomot/gradekit/svc/billing"
)

type mockAuditStorage struct {
	mock.Mock
}

func (m *mockAuditStorage) Append(ctx context.Context, event audit.Event) error {
	return m.Called(ctx, event).Error(0)
}

func (m *mockAuditStorage) events() []audit.Event {
	var out []audit.Event
	for _, c := range m.Calls {
		out = append(out, c.Arguments.Get(1).(audit.Event))
	}
	return out
}

type eraserFunc struct {
	name string
	fn   func(ctx context.Context, email string) error
}

func (e eraserFunc) Name() string { return e.name }
func (e eraserFunc) EraseAccountContent(ctx context.Context, email string) error {
	return e.fn(ctx, email)
}

const adminEmail = "root@school.edu"

func (f *fixture) admin(t *testing.T, extra ...billing.Option) (*billing.Admin, *mockAuditStorage) {
	t.Helper()
	storage := &mockAuditStorage{}
	storage.On("Append", mock.Anything, mock.Anything).Return(nil)
	opts := f.opts(append([]billing.Option{billing.WithBootstrapAdmins(adminEmail)}, extra...)...)
	return billing.NewAdmin(f.store, f.syncer, f.provider, f.usage(), audit.NewLogger(storage), opts...), storage
}

func override(target string) billing.Override {
	return billing.Override{Actor: adminEmail, Target: target, Reason: "support ticket 4411"}
}

func TestAdmin_Authorization(t *testing.T) {
	t.Parallel()

	t.Run("non admin is rejected and audited", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		a, storage := f.admin(t)

		_, err := a.Resync(context.Background(), billing.Override{Actor: "ms.lee@school.edu", Target: "ann@school.edu", Reason: "x"})
		require.ErrorIs(t, err, billing.ErrForbidden)
		assert.Zero(t, f.store.Calls("UpsertSyncState"))

		events := storage.events()
		require.Len(t, events, 1)
		assert.Equal(t, billing.ActionUnauthorized, events[0].Action)
		assert.Equal(t, audit.ResultFailure, events[0].Result)
	})

	t.Run("directory admin is accepted", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.store.AddAdmin("ops@school.edu")
		a, _ := f.admin(t)

		require.NoError(t, a.Authorize(context.Background(), "OPS@school.edu"))
		require.ErrorIs(t, a.Authorize(context.Background(), ""), billing.ErrForbidden)
	})

	t.Run("reason is required", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		a, storage := f.admin(t)

		_, err := a.Resync(context.Background(), billing.Override{Actor: adminEmail, Target: "ann@school.edu", Reason: "  "})
		require.ErrorIs(t, err, billing.ErrReasonRequired)
		assert.Empty(t, storage.Calls)
	})
}

func TestAdmin_Resync(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.subscribe("ann@school.edu", "cus_ann", "sub_1", "price_core_monthly", testNow)
	a, storage := f.admin(t)

	rec, err := a.Resync(context.Background(), override("ann@school.edu"))
	require.NoError(t, err)
	assert.Equal(t, billing.TierCore, rec.Tier)

	events := storage.events()
	require.Len(t, events, 1)
	assert.Equal(t, billing.ActionResync, events[0].Action)
	assert.Equal(t, adminEmail, events[0].Actor)
	assert.Equal(t, "ann@school.edu", events[0].Target)
	assert.Equal(t, "support ticket 4411", events[0].Reason)
	assert.True(t, audit.Verify(events[0]))
}

func TestAdmin_PauseResume(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.subscribe("bo@school.edu", "cus_bo", "sub_1", "price_lite_monthly", testNow)
	_, err := f.syncer.Sync(context.Background(), "bo@school.edu")
	require.NoError(t, err)
	a, _ := f.admin(t)

	res, err := a.Pause(context.Background(), override("bo@school.edu"))
	require.NoError(t, err)
	assert.Equal(t, billing.AccountPaused, res.Record.AccountStatus)
	assert.Equal(t, billing.TierLite, res.Record.Tier)
	assert.True(t, res.Record.Subscribed)
	assert.Equal(t, []string{"sub_1"}, f.provider.Paused)

	snap, err := f.snapshots.GetSnapshot(context.Background(), "bo@school.edu")
	require.NoError(t, err)
	assert.Equal(t, billing.AccountPaused, snap.AccountStatus)

	// A sync must not undo an admin pause.
	rec, err := f.syncer.Sync(context.Background(), "bo@school.edu")
	require.NoError(t, err)
	assert.Equal(t, billing.AccountPaused, rec.AccountStatus)

	res, err = a.Resume(context.Background(), override("bo@school.edu"))
	require.NoError(t, err)
	assert.Equal(t, billing.AccountActive, res.Record.AccountStatus)
	assert.Equal(t, []string{"sub_1"}, f.provider.Resumed)
}

func TestAdmin_PausePartialFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.subscribe("cy@school.edu", "cus_cy", "sub_1", "price_lite_monthly", testNow)
	_, err := f.syncer.Sync(context.Background(), "cy@school.edu")
	require.NoError(t, err)
	f.provider.Fail("PauseCollection", billing.ErrProviderUnavailable)
	a, storage := f.admin(t)

	res, err := a.Pause(context.Background(), override("cy@school.edu"))
	require.ErrorIs(t, err, billing.ErrPartialFailure)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, billing.AccountPaused, res.Record.AccountStatus)

	events := storage.events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.ResultPartial, events[0].Result)
}

func TestAdmin_SetUnlimitedAndResetUsage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	u := f.usage()
	_, err := u.Record(context.Background(), "di@school.edu", 25)
	require.NoError(t, err)
	a, storage := f.admin(t)

	rec, err := a.SetUnlimited(context.Background(), override("di@school.edu"), true)
	require.NoError(t, err)
	assert.True(t, rec.UnlimitedOverride)

	require.NoError(t, a.ResetUsage(context.Background(), override("di@school.edu")))
	_, err = a.SetUnlimited(context.Background(), override("di@school.edu"), false)
	require.NoError(t, err)

	sum, err := u.Check(context.Background(), "di@school.edu", 25)
	require.NoError(t, err)
	assert.Zero(t, sum.Used)

	events := storage.events()
	require.Len(t, events, 3)
	assert.Equal(t, true, events[0].Metadata["enabled"])
	assert.Equal(t, billing.ActionResetUsage, events[1].Action)

	_, err = a.SetUnlimited(context.Background(), override("nobody@school.edu"), true)
	require.ErrorIs(t, err, billing.ErrSubscriberNotFound)
}

func TestAdmin_DeleteAccount(t *testing.T) {
	t.Parallel()

	t.Run("cascade", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.subscribe("ed@school.edu", "cus_ed", "sub_1", "price_core_monthly", testNow)
		u := f.usage()
		_, err := u.Record(context.Background(), "ed@school.edu", 10)
		require.NoError(t, err)
		credits := billing.NewCredits(f.store, f.provider, f.opts()...)
		require.NoError(t, credits.RegisterPending(context.Background(), "ed@school.edu", "cs_1", 5))

		var order []string
		erased := eraserFunc{name: "submissions", fn: func(_ context.Context, email string) error {
			order = append(order, "content:"+email)
			return nil
		}}
		a, storage := f.admin(t, billing.WithContentErasers(erased))

		res, err := a.DeleteAccount(context.Background(), override("ed@school.edu"))
		require.NoError(t, err)
		assert.Zero(t, res.Failed)

		var steps []string
		for _, s := range res.Steps {
			steps = append(steps, s.Name)
		}
		assert.Equal(t, []string{
			"cancel_subscription:sub_1",
			"usage_counters",
			"purchased_credits",
			"content:submissions",
			"snapshot",
			"subscriber_record",
		}, steps)
		assert.Equal(t, []string{"content:ed@school.edu"}, order)
		assert.Equal(t, []string{"sub_1"}, f.provider.Cancelled)

		_, err = f.store.GetSubscriber(context.Background(), "ed@school.edu")
		require.ErrorIs(t, err, billing.ErrSubscriberNotFound)
		_, err = f.store.GetCredit(context.Background(), "cs_1")
		require.ErrorIs(t, err, billing.ErrCreditNotFound)
		_, err = f.snapshots.GetSnapshot(context.Background(), "ed@school.edu")
		require.ErrorIs(t, err, billing.ErrSnapshotNotFound)

		require.Len(t, storage.events(), 1)
		assert.Equal(t, billing.ActionDelete, storage.events()[0].Action)
	})

	t.Run("failing step does not stop the cascade", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.store.Put(billing.SubscriberRecord{Email: "fa@school.edu"})
		failing := eraserFunc{name: "submissions", fn: func(context.Context, string) error {
			return errors.New("bucket unavailable")
		}}
		a, storage := f.admin(t, billing.WithContentErasers(failing))

		res, err := a.DeleteAccount(context.Background(), override("fa@school.edu"))
		require.ErrorIs(t, err, billing.ErrPartialFailure)
		assert.Equal(t, 1, res.Failed)

		_, err = f.store.GetSubscriber(context.Background(), "fa@school.edu")
		require.ErrorIs(t, err, billing.ErrSubscriberNotFound)
		assert.Equal(t, audit.ResultPartial, storage.events()[0].Result)
	})

	t.Run("unknown account is a no-op", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		a, _ := f.admin(t)

		res, err := a.DeleteAccount(context.Background(), override("ghost@school.edu"))
		require.NoError(t, err)
		assert.Zero(t, res.Failed)
	})
}

package pgstore_test

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"net"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/gradekit/pkg/audit"
	"github.com/dmitrymomot/gradekit/svc/billing"
	"github.com/dmitrymomot/gradekit/svc/billing/pgstore"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) (*pgstore.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return pgstore.New(db, pgstore.WithClock(func() time.Time { return now })), mock
}

var subscriberCols = []string{
	"email", "external_customer_id", "provider_subscription_id", "subscribed", "tier",
	"period_start", "period_end", "next_reset_date", "account_status", "unlimited_override",
	"last_event_at", "last_synced_at", "updated_at",
}

func TestMigrations(t *testing.T) {
	t.Parallel()

	entries, err := fs.ReadDir(pgstore.Migrations, pgstore.MigrationsDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "00001_billing.sql", entries[0].Name())
}

func TestStore_GetSubscriber(t *testing.T) {
	t.Parallel()

	t.Run("found", func(t *testing.T) {
		t.Parallel()
		s, mock := newStore(t)
		start := now.AddDate(0, -1, 0)
		mock.ExpectQuery("SELECT (.+) FROM subscribers WHERE email = \\$1").
			WithArgs("ann@school.edu").
			WillReturnRows(sqlmock.NewRows(subscriberCols).AddRow(
				"ann@school.edu", "cus_1", "sub_1", true, "core",
				start, now, now, "paused", true,
				nil, now, now,
			))

		rec, err := s.GetSubscriber(context.Background(), "ann@school.edu")
		require.NoError(t, err)
		assert.Equal(t, billing.TierCore, rec.Tier)
		assert.Equal(t, billing.AccountPaused, rec.AccountStatus)
		assert.True(t, rec.UnlimitedOverride)
		require.NotNil(t, rec.PeriodStart)
		assert.True(t, start.Equal(*rec.PeriodStart))
		assert.Nil(t, rec.LastEventAt)
	})

	t.Run("missing", func(t *testing.T) {
		t.Parallel()
		s, mock := newStore(t)
		mock.ExpectQuery("SELECT (.+) FROM subscribers").WillReturnError(sql.ErrNoRows)

		_, err := s.GetSubscriber(context.Background(), "ghost@school.edu")
		require.ErrorIs(t, err, billing.ErrSubscriberNotFound)
	})

	t.Run("unreachable database is transient", func(t *testing.T) {
		t.Parallel()
		s, mock := newStore(t)
		mock.ExpectQuery("SELECT (.+) FROM subscribers").
			WillReturnError(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")})

		_, err := s.GetSubscriber(context.Background(), "ann@school.edu")
		require.ErrorIs(t, err, billing.ErrStoreUnavailable)
		assert.True(t, billing.IsTransient(err))
	})

	t.Run("statement error is fatal", func(t *testing.T) {
		t.Parallel()
		s, mock := newStore(t)
		mock.ExpectQuery("SELECT (.+) FROM subscribers").WillReturnError(errors.New("syntax error"))

		_, err := s.GetSubscriber(context.Background(), "ann@school.edu")
		require.Error(t, err)
		assert.Equal(t, billing.ClassFatal, billing.Classify(err))
	})
}

func TestStore_FindSubscriberByCustomerID_Empty(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)
	_, err := s.FindSubscriberByCustomerID(context.Background(), "")
	require.ErrorIs(t, err, billing.ErrSubscriberNotFound)
}

func TestStore_UpsertSyncState(t *testing.T) {
	t.Parallel()

	t.Run("writes sync columns only", func(t *testing.T) {
		t.Parallel()
		s, mock := newStore(t)
		start, end := now, now.AddDate(0, 1, 0)
		mock.ExpectQuery("INSERT INTO subscribers (.+) ON CONFLICT \\(email\\) DO UPDATE SET").
			WithArgs("ann@school.edu", "cus_1", "sub_1", true, "lite", start, end, end, nil, now).
			WillReturnRows(sqlmock.NewRows(subscriberCols).AddRow(
				"ann@school.edu", "cus_1", "sub_1", true, "lite",
				start, end, end, "paused", false,
				nil, now, now,
			))

		rec, err := s.UpsertSyncState(context.Background(), billing.SyncState{
			Email: "ann@school.edu", ExternalCustomerID: "cus_1", ProviderSubscriptionID: "sub_1",
			Subscribed: true, Tier: billing.TierLite, PeriodStart: &start, PeriodEnd: &end, NextResetDate: &end,
		}, now)
		require.NoError(t, err)
		assert.Equal(t, billing.AccountPaused, rec.AccountStatus)
	})

	t.Run("invalid state never reaches the database", func(t *testing.T) {
		t.Parallel()
		s, _ := newStore(t)
		_, err := s.UpsertSyncState(context.Background(), billing.SyncState{
			Email: "ann@school.edu", Subscribed: false, Tier: billing.TierCore,
		}, now)
		require.ErrorIs(t, err, billing.ErrInvalidSyncState)
	})
}

func TestStore_InsertEventIfAbsent(t *testing.T) {
	t.Parallel()

	s, mock := newStore(t)
	entry := billing.WebhookEventLogEntry{ProviderEventID: "evt_1", EventType: "invoice.paid", ReceivedAt: now}
	mock.ExpectExec("INSERT INTO webhook_events (.+) ON CONFLICT \\(provider_event_id\\) DO NOTHING").
		WithArgs("evt_1", "invoice.paid", now, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO webhook_events").
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := s.InsertEventIfAbsent(context.Background(), entry)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertEventIfAbsent(context.Background(), entry)
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestStore_Usage(t *testing.T) {
	t.Parallel()

	s, mock := newStore(t)
	mock.ExpectQuery("SELECT submissions_used FROM usage_counters").
		WithArgs("ann@school.edu", "2025-03-01").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO usage_counters (.+) RETURNING submissions_used").
		WithArgs("ann@school.edu", "2025-03-01", int64(3), now).
		WillReturnRows(sqlmock.NewRows([]string{"submissions_used"}).AddRow(int64(3)))
	mock.ExpectExec("DELETE FROM usage_counters").
		WithArgs("ann@school.edu").
		WillReturnResult(sqlmock.NewResult(0, 2))

	used, err := s.GetUsage(context.Background(), "ann@school.edu", "2025-03-01")
	require.NoError(t, err)
	assert.Zero(t, used)

	used, err = s.IncrementUsage(context.Background(), "ann@school.edu", "2025-03-01", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), used)

	n, err := s.DeleteUsage(context.Background(), "ann@school.edu")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestStore_Credits(t *testing.T) {
	t.Parallel()

	t.Run("complete transitions once", func(t *testing.T) {
		t.Parallel()
		s, mock := newStore(t)
		credit := billing.PurchasedCredit{
			Email: "ann@school.edu", Submissions: 50, ProviderSessionID: "cs_1", CompletedAt: &now,
		}
		mock.ExpectExec("UPDATE purchased_credits(.+)SET status = 'completed'(.+)email = \\$3, submissions = \\$4(.+)AND status = 'pending'").
			WithArgs("cs_1", now, "ann@school.edu", int64(50)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE purchased_credits").
			WithArgs("cs_1", now, "ann@school.edu", int64(50)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		ok, err := s.CompleteCredit(context.Background(), credit)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.CompleteCredit(context.Background(), credit)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("get missing credit", func(t *testing.T) {
		t.Parallel()
		s, mock := newStore(t)
		mock.ExpectQuery("FROM purchased_credits WHERE provider_session_id").WillReturnError(sql.ErrNoRows)

		_, err := s.GetCredit(context.Background(), "cs_missing")
		require.ErrorIs(t, err, billing.ErrCreditNotFound)
	})

	t.Run("get completed credit", func(t *testing.T) {
		t.Parallel()
		s, mock := newStore(t)
		mock.ExpectQuery("FROM purchased_credits WHERE provider_session_id").
			WillReturnRows(sqlmock.NewRows([]string{
				"provider_session_id", "email", "submissions", "status", "created_at", "completed_at",
			}).AddRow("cs_1", "ann@school.edu", int64(100), "completed", now, now))

		c, err := s.GetCredit(context.Background(), "cs_1")
		require.NoError(t, err)
		assert.Equal(t, billing.CreditCompleted, c.Status)
		require.NotNil(t, c.CompletedAt)
	})

	t.Run("sum completed", func(t *testing.T) {
		t.Parallel()
		s, mock := newStore(t)
		mock.ExpectQuery("SELECT COALESCE\\(SUM\\(submissions\\), 0\\) FROM purchased_credits").
			WithArgs("ann@school.edu").
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(150)))

		sum, err := s.SumCompletedCredits(context.Background(), "ann@school.edu")
		require.NoError(t, err)
		assert.Equal(t, int64(150), sum)
	})
}

func TestStore_DeleteSubscriber(t *testing.T) {
	t.Parallel()

	s, mock := newStore(t)
	mock.ExpectExec("DELETE FROM subscribers").WithArgs("ghost@school.edu").WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.DeleteSubscriber(context.Background(), "ghost@school.edu")
	require.ErrorIs(t, err, billing.ErrSubscriberNotFound)
}

func TestStore_IsAdmin(t *testing.T) {
	t.Parallel()

	s, mock := newStore(t)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("ops@school.edu").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := s.IsAdmin(context.Background(), "ops@school.edu")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_Append(t *testing.T) {
	t.Parallel()

	s, mock := newStore(t)
	e := audit.Event{
		ID: "0b6f8f8e-3c55-4b43-9a8e-5bd1e7a3c0f1", Actor: "root@school.edu", Action: "billing.pause",
		Target: "ann@school.edu", Reason: "chargeback", Result: audit.ResultSuccess, Hash: "abc", CreatedAt: now,
		Metadata: map[string]any{"failed": 0},
	}
	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs(e.ID, e.Actor, e.Action, e.Target, e.Reason, "success", "", "", []byte(`{"failed":0}`), "abc", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Append(context.Background(), e))
}

package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dmitrymomot/gradekit/svc/billing"
)

const subscriberColumns = `email, external_customer_id, provider_subscription_id, subscribed, tier,
	period_start, period_end, next_reset_date, account_status, unlimited_override,
	last_event_at, last_synced_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscriber(row scanner) (*billing.SubscriberRecord, error) {
	var (
		rec                                          billing.SubscriberRecord
		tier, status                                 string
		periodStart, periodEnd, nextReset, lastEvent sql.NullTime
	)
	err := row.Scan(
		&rec.Email, &rec.ExternalCustomerID, &rec.ProviderSubscriptionID, &rec.Subscribed, &tier,
		&periodStart, &periodEnd, &nextReset, &status, &rec.UnlimitedOverride,
		&lastEvent, &rec.LastSyncedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if rec.Tier, err = billing.ParseTier(tier); err != nil {
		return nil, err
	}
	rec.AccountStatus = billing.AccountStatus(status)
	rec.PeriodStart = timeRef(periodStart)
	rec.PeriodEnd = timeRef(periodEnd)
	rec.NextResetDate = timeRef(nextReset)
	rec.LastEventAt = timeRef(lastEvent)
	rec.LastSyncedAt = rec.LastSyncedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

func (s *Store) querySubscriber(ctx context.Context, op, query string, args ...any) (*billing.SubscriberRecord, error) {
	rec, err := scanSubscriber(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrSubscriberNotFound
	}
	if err != nil {
		return nil, wrap(op, err)
	}
	return rec, nil
}

func (s *Store) GetSubscriber(ctx context.Context, email string) (*billing.SubscriberRecord, error) {
	return s.querySubscriber(ctx, "get subscriber",
		`SELECT `+subscriberColumns+` FROM subscribers WHERE email = $1`, email)
}

func (s *Store) FindSubscriberByCustomerID(ctx context.Context, customerID string) (*billing.SubscriberRecord, error) {
	if customerID == "" {
		return nil, billing.ErrSubscriberNotFound
	}
	return s.querySubscriber(ctx, "find subscriber by customer",
		`SELECT `+subscriberColumns+` FROM subscribers WHERE external_customer_id = $1
		ORDER BY updated_at DESC LIMIT 1`, customerID)
}

// UpsertSyncState writes the sync-owned columns in a single statement.
// account_status and unlimited_override are only set on insert.
func (s *Store) UpsertSyncState(ctx context.Context, state billing.SyncState, syncedAt time.Time) (*billing.SubscriberRecord, error) {
	if err := state.Validate(); err != nil {
		return nil, err
	}
	return s.querySubscriber(ctx, "upsert sync state", `
		INSERT INTO subscribers (
			email, external_customer_id, provider_subscription_id, subscribed, tier,
			period_start, period_end, next_reset_date, account_status, last_event_at,
			last_synced_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'active', $9, $10, $10)
		ON CONFLICT (email) DO UPDATE SET
			external_customer_id = EXCLUDED.external_customer_id,
			provider_subscription_id = EXCLUDED.provider_subscription_id,
			subscribed = EXCLUDED.subscribed,
			tier = EXCLUDED.tier,
			period_start = EXCLUDED.period_start,
			period_end = EXCLUDED.period_end,
			next_reset_date = EXCLUDED.next_reset_date,
			last_event_at = EXCLUDED.last_event_at,
			last_synced_at = EXCLUDED.last_synced_at,
			updated_at = EXCLUDED.updated_at
		RETURNING `+subscriberColumns,
		state.Email, state.ExternalCustomerID, state.ProviderSubscriptionID, state.Subscribed, state.Tier.String(),
		nullTime(state.PeriodStart), nullTime(state.PeriodEnd), nullTime(state.NextResetDate), nullTime(state.LastEventAt),
		syncedAt.UTC(),
	)
}

func (s *Store) ListSubscribedEmails(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT email FROM subscribers WHERE subscribed ORDER BY email`)
	if err != nil {
		return nil, wrap("list subscribed", err)
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, wrap("list subscribed", err)
		}
		emails = append(emails, email)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list subscribed", err)
	}
	return emails, nil
}

func (s *Store) SetAccountStatus(ctx context.Context, email string, status billing.AccountStatus) (*billing.SubscriberRecord, error) {
	return s.querySubscriber(ctx, "set account status",
		`UPDATE subscribers SET account_status = $2, updated_at = $3 WHERE email = $1 RETURNING `+subscriberColumns,
		email, string(status), s.now().UTC())
}

func (s *Store) SetUnlimitedOverride(ctx context.Context, email string, enabled bool) (*billing.SubscriberRecord, error) {
	return s.querySubscriber(ctx, "set unlimited override",
		`UPDATE subscribers SET unlimited_override = $2, updated_at = $3 WHERE email = $1 RETURNING `+subscriberColumns,
		email, enabled, s.now().UTC())
}

func (s *Store) DeleteSubscriber(ctx context.Context, email string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscribers WHERE email = $1`, email)
	n, err := rowsAffected("delete subscriber", res, err)
	if err != nil {
		return err
	}
	if n == 0 {
		return billing.ErrSubscriberNotFound
	}
	return nil
}

func (s *Store) IsAdmin(ctx context.Context, email string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM billing_admins WHERE email = $1)`, email).Scan(&ok)
	if err != nil {
		return false, wrap("is admin", err)
	}
	return ok, nil
}

// AddAdmin grants the administrator capability. Granting it twice is a no-op.
func (s *Store) AddAdmin(ctx context.Context, email string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO billing_admins (email, created_at) VALUES ($1, $2) ON CONFLICT (email) DO NOTHING`,
		billing.NormalizeEmail(email), s.now().UTC())
	if err != nil {
		return wrap("add admin", err)
	}
	return nil
}

package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dmitrymomot/gradekit/svc/billing"
)

// InsertEventIfAbsent is the write-ahead dedup step: the primary key on
// provider_event_id decides which delivery wins.
func (s *Store) InsertEventIfAbsent(ctx context.Context, entry billing.WebhookEventLogEntry) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (provider_event_id, event_type, received_at, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider_event_id) DO NOTHING`,
		entry.ProviderEventID, entry.EventType, entry.ReceivedAt.UTC(), entry.Payload)
	n, err := rowsAffected("insert event", res, err)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// PruneEvents removes dedup rows received before cutoff.
func (s *Store) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_events WHERE received_at < $1`, cutoff.UTC())
	return rowsAffected("prune events", res, err)
}

func (s *Store) GetUsage(ctx context.Context, email, periodLabel string) (int64, error) {
	var used int64
	err := s.db.QueryRowContext(ctx,
		`SELECT submissions_used FROM usage_counters WHERE email = $1 AND period_label = $2`,
		email, periodLabel).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, wrap("get usage", err)
	}
	return used, nil
}

func (s *Store) IncrementUsage(ctx context.Context, email, periodLabel string, n int64) (int64, error) {
	var used int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO usage_counters (email, period_label, submissions_used, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email, period_label) DO UPDATE SET
			submissions_used = usage_counters.submissions_used + EXCLUDED.submissions_used,
			updated_at = EXCLUDED.updated_at
		RETURNING submissions_used`,
		email, periodLabel, n, s.now().UTC()).Scan(&used)
	if err != nil {
		return 0, wrap("increment usage", err)
	}
	return used, nil
}

func (s *Store) ResetUsage(ctx context.Context, email, periodLabel string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE usage_counters SET submissions_used = 0, updated_at = $3 WHERE email = $1 AND period_label = $2`,
		email, periodLabel, s.now().UTC())
	if err != nil {
		return wrap("reset usage", err)
	}
	return nil
}

func (s *Store) DeleteUsage(ctx context.Context, email string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM usage_counters WHERE email = $1`, email)
	return rowsAffected("delete usage", res, err)
}

func (s *Store) CreatePendingCredit(ctx context.Context, credit billing.PurchasedCredit) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO purchased_credits (provider_session_id, email, submissions, status, created_at)
		VALUES ($1, $2, $3, 'pending', $4)
		ON CONFLICT (provider_session_id) DO NOTHING`,
		credit.ProviderSessionID, credit.Email, credit.Submissions, credit.CreatedAt.UTC())
	if err != nil {
		return wrap("create pending credit", err)
	}
	return nil
}

// CompleteCredit only matches a pending row, so exactly one caller sees the
// transition. Owner and size are overwritten with the confirmed values.
func (s *Store) CompleteCredit(ctx context.Context, credit billing.PurchasedCredit) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE purchased_credits
		SET status = 'completed', completed_at = $2, email = $3, submissions = $4
		WHERE provider_session_id = $1 AND status = 'pending'`,
		credit.ProviderSessionID, nullTime(credit.CompletedAt), credit.Email, credit.Submissions)
	n, err := rowsAffected("complete credit", res, err)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) InsertCompletedCredit(ctx context.Context, credit billing.PurchasedCredit) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO purchased_credits (provider_session_id, email, submissions, status, created_at, completed_at)
		VALUES ($1, $2, $3, 'completed', $4, $5)
		ON CONFLICT (provider_session_id) DO NOTHING`,
		credit.ProviderSessionID, credit.Email, credit.Submissions, credit.CreatedAt.UTC(), nullTime(credit.CompletedAt))
	n, err := rowsAffected("insert completed credit", res, err)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) GetCredit(ctx context.Context, sessionID string) (*billing.PurchasedCredit, error) {
	var (
		c         billing.PurchasedCredit
		status    string
		completed sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT provider_session_id, email, submissions, status, created_at, completed_at
		FROM purchased_credits WHERE provider_session_id = $1`, sessionID).
		Scan(&c.ProviderSessionID, &c.Email, &c.Submissions, &status, &c.CreatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrCreditNotFound
	}
	if err != nil {
		return nil, wrap("get credit", err)
	}
	c.Status = billing.CreditStatus(status)
	c.CreatedAt = c.CreatedAt.UTC()
	c.CompletedAt = timeRef(completed)
	return &c, nil
}

func (s *Store) SumCompletedCredits(ctx context.Context, email string) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(submissions), 0) FROM purchased_credits WHERE email = $1 AND status = 'completed'`,
		email).Scan(&sum)
	if err != nil {
		return 0, wrap("sum credits", err)
	}
	return sum, nil
}

func (s *Store) DeleteCredits(ctx context.Context, email string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM purchased_credits WHERE email = $1`, email)
	return rowsAffected("delete credits", res, err)
}

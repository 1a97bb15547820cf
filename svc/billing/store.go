package billing

import (
	"context"
	"time"
)

// SubscriberStore persists SubscriberRecords.
type SubscriberStore interface {
	// GetSubscriber returns ErrSubscriberNotFound when no row exists.
	GetSubscriber(ctx context.Context, email string) (*SubscriberRecord, error)
	FindSubscriberByCustomerID(ctx context.Context, customerID string) (*SubscriberRecord, error)
	// UpsertSyncState writes every sync-owned column in one statement,
	// last write wins. Admin-owned columns are left untouched.
	UpsertSyncState(ctx context.Context, state SyncState, syncedAt time.Time) (*SubscriberRecord, error)
	ListSubscribedEmails(ctx context.Context) ([]string, error)
	SetAccountStatus(ctx context.Context, email string, status AccountStatus) (*SubscriberRecord, error)
	SetUnlimitedOverride(ctx context.Context, email string, enabled bool) (*SubscriberRecord, error)
	DeleteSubscriber(ctx context.Context, email string) error
}

// EventLog is the write-ahead webhook dedup log.
type EventLog interface {
	// InsertEventIfAbsent relies on a storage-level uniqueness constraint and
	// reports false when the event id was already recorded.
	InsertEventIfAbsent(ctx context.Context, entry WebhookEventLogEntry) (bool, error)
}

// UsageStore persists per-period usage counters.
type UsageStore interface {
	GetUsage(ctx context.Context, email, periodLabel string) (int64, error)
	IncrementUsage(ctx context.Context, email, periodLabel string, n int64) (int64, error)
	ResetUsage(ctx context.Context, email, periodLabel string) error
	DeleteUsage(ctx context.Context, email string) (int64, error)
}

// CreditStore persists purchased add-on credits.
type CreditStore interface {
	CreatePendingCredit(ctx context.Context, credit PurchasedCredit) error
	// CompleteCredit moves the pending credit of credit.ProviderSessionID to
	// completed, taking owner and size from credit, and reports whether this
	// call performed the transition.
	CompleteCredit(ctx context.Context, credit PurchasedCredit) (bool, error)
	// InsertCompletedCredit records a credit that was never registered as
	// pending. It reports false if the session already exists.
	InsertCompletedCredit(ctx context.Context, credit PurchasedCredit) (bool, error)
	// GetCredit returns ErrCreditNotFound when the session is unknown.
	GetCredit(ctx context.Context, sessionID string) (*PurchasedCredit, error)
	SumCompletedCredits(ctx context.Context, email string) (int64, error)
	DeleteCredits(ctx context.Context, email string) (int64, error)
}

// AdminDirectory answers the administrator capability check.
type AdminDirectory interface {
	IsAdmin(ctx context.Context, email string) (bool, error)
}

// Store is everything the billing engine persists.
type Store interface {
	SubscriberStore
	EventLog
	UsageStore
	CreditStore
	AdminDirectory
}

// SnapshotCache keeps a last-known copy of SubscriberRecords outside the
// primary store for degraded reads.
type SnapshotCache interface {
	PutSnapshot(ctx context.Context, rec SubscriberRecord) error
	// GetSnapshot returns ErrSnapshotNotFound on a miss.
	GetSnapshot(ctx context.Context, email string) (*SubscriberRecord, error)
	DeleteSnapshot(ctx context.Context, email string) error
}

// ContentEraser removes account-owned content outside the billing tables
// during account deletion.
type ContentEraser interface {
	Name() string
	EraseAccountContent(ctx context.Context, email string) error
}

type noopSnapshots struct{}

func (noopSnapshots) PutSnapshot(context.Context, SubscriberRecord) error { return nil }
func (noopSnapshots) GetSnapshot(context.Context, string) (*SubscriberRecord, error) {
	return nil, ErrSnapshotNotFound
}
func (noopSnapshots) DeleteSnapshot(context.Context, string) error { return nil }

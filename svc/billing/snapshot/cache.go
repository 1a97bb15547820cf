// Package snapshot keeps last-known SubscriberRecords in Redis so the
// subscription check can still answer when the primary store or the
// billing provider is down.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/gradekit/pkg/redis"
	"github.com/dmitrymomot/gradekit/svc/billing"
)

// KeyPrefix namespaces snapshot keys.
const KeyPrefix = "billing:snapshot:"

// DefaultTTL bounds how stale a degraded answer can get.
const DefaultTTL = 7 * 24 * time.Hour

// record is the stored form. Tiers travel by name so reordering the enum
// never reinterprets old snapshots.
type record struct {
	Email                  string                `json:"email"`
	ExternalCustomerID     string                `json:"external_customer_id,omitempty"`
	ProviderSubscriptionID string                `json:"provider_subscription_id,omitempty"`
	Subscribed             bool                  `json:"subscribed"`
	Tier                   billing.Tier          `json:"tier"`
	PeriodStart            *time.Time            `json:"period_start,omitempty"`
	PeriodEnd              *time.Time            `json:"period_end,omitempty"`
	NextResetDate          *time.Time            `json:"next_reset_date,omitempty"`
	AccountStatus          billing.AccountStatus `json:"account_status"`
	UnlimitedOverride      bool                  `json:"unlimited_override,omitempty"`
	LastEventAt            *time.Time            `json:"last_event_at,omitempty"`
	LastSyncedAt           time.Time             `json:"last_synced_at"`
	UpdatedAt              time.Time             `json:"updated_at"`
}

// Cache implements billing.SnapshotCache.
type Cache struct {
	storage *redis.Storage
	ttl     time.Duration
}

// New creates a Cache. A non-positive ttl falls back to DefaultTTL.
func New(client goredis.UniversalClient, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{storage: redis.NewStorage(client, KeyPrefix), ttl: ttl}
}

var _ billing.SnapshotCache = (*Cache)(nil)

func (c *Cache) PutSnapshot(ctx context.Context, rec billing.SubscriberRecord) error {
	data, err := json.Marshal(record(rec))
	if err != nil {
		return fmt.Errorf("snapshot: encode %s: %w", rec.Email, err)
	}
	if err := c.storage.Set(ctx, rec.Email, data, c.ttl); err != nil {
		return fmt.Errorf("snapshot: put %s: %w", rec.Email, errors.Join(billing.ErrStoreUnavailable, err))
	}
	return nil
}

func (c *Cache) GetSnapshot(ctx context.Context, email string) (*billing.SubscriberRecord, error) {
	data, err := c.storage.Get(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("snapshot: get %s: %w", email, errors.Join(billing.ErrStoreUnavailable, err))
	}
	if data == nil {
		return nil, billing.ErrSnapshotNotFound
	}
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		// An unreadable snapshot is as good as none.
		_ = c.storage.Delete(ctx, email)
		return nil, billing.ErrSnapshotNotFound
	}
	rec := billing.SubscriberRecord(r)
	return &rec, nil
}

func (c *Cache) DeleteSnapshot(ctx context.Context, email string) error {
	if err := c.storage.Delete(ctx, email); err != nil {
		return fmt.Errorf("snapshot: delete %s: %w", email, errors.Join(billing.ErrStoreUnavailable, err))
	}
	return nil
}

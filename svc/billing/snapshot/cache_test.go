package snapshot_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/gradekit/svc/billing"
	"github.com/dmitrymomot/gradekit/svc/billing/snapshot"
)

func newCache(t *testing.T, ttl time.Duration) (*snapshot.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return snapshot.New(client, ttl), mr
}

func TestCache(t *testing.T) {
	t.Parallel()

	c, mr := newCache(t, time.Hour)
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	rec := billing.SubscriberRecord{
		Email: "ann@school.edu", ExternalCustomerID: "cus_1", ProviderSubscriptionID: "sub_1",
		Subscribed: true, Tier: billing.TierFullTime, PeriodStart: &start, PeriodEnd: &end, NextResetDate: &end,
		AccountStatus: billing.AccountPaused, LastSyncedAt: start, UpdatedAt: start,
	}

	_, err := c.GetSnapshot(ctx, rec.Email)
	require.ErrorIs(t, err, billing.ErrSnapshotNotFound)

	require.NoError(t, c.PutSnapshot(ctx, rec))
	assert.Equal(t, time.Hour, mr.TTL(snapshot.KeyPrefix+rec.Email))

	raw, err := mr.Get(snapshot.KeyPrefix + rec.Email)
	require.NoError(t, err)
	assert.Contains(t, raw, `"tier":"full_time"`)

	got, err := c.GetSnapshot(ctx, rec.Email)
	require.NoError(t, err)
	assert.Equal(t, billing.TierFullTime, got.Tier)
	assert.Equal(t, billing.AccountPaused, got.AccountStatus)
	assert.True(t, rec.SyncState().Equal(got.SyncState()))

	require.NoError(t, c.DeleteSnapshot(ctx, rec.Email))
	_, err = c.GetSnapshot(ctx, rec.Email)
	require.ErrorIs(t, err, billing.ErrSnapshotNotFound)
}

func TestCache_Expires(t *testing.T) {
	t.Parallel()

	c, mr := newCache(t, 0)
	ctx := context.Background()
	require.NoError(t, c.PutSnapshot(ctx, billing.SubscriberRecord{Email: "bo@school.edu"}))
	assert.Equal(t, snapshot.DefaultTTL, mr.TTL(snapshot.KeyPrefix+"bo@school.edu"))

	mr.FastForward(snapshot.DefaultTTL + time.Second)
	_, err := c.GetSnapshot(ctx, "bo@school.edu")
	require.ErrorIs(t, err, billing.ErrSnapshotNotFound)
}

func TestCache_CorruptEntry(t *testing.T) {
	t.Parallel()

	c, mr := newCache(t, time.Hour)
	require.NoError(t, mr.Set(snapshot.KeyPrefix+"cy@school.edu", "{not json"))

	_, err := c.GetSnapshot(context.Background(), "cy@school.edu")
	require.ErrorIs(t, err, billing.ErrSnapshotNotFound)
	assert.False(t, mr.Exists(snapshot.KeyPrefix+"cy@school.edu"))
}

func TestCache_Unavailable(t *testing.T) {
	t.Parallel()

	c, mr := newCache(t, time.Hour)
	mr.Close()

	_, err := c.GetSnapshot(context.Background(), "ann@school.edu")
	require.ErrorIs(t, err, billing.ErrStoreUnavailable)
	assert.True(t, billing.IsTransient(err))
}

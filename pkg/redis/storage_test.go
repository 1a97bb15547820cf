package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/gradekit/pkg/redis"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestStorage(t *testing.T) {
	t.Parallel()

	mr, client := newClient(t)
	s := redis.NewStorage(client, "test:")
	ctx := context.Background()

	val, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, val)

	require.NoError(t, s.Set(ctx, "a", []byte("1"), time.Minute))
	assert.True(t, mr.Exists("test:a"))
	assert.Equal(t, time.Minute, mr.TTL("test:a"))

	val, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), val)

	ok, err := s.SetNX(ctx, "a", []byte("2"), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Minute)
	val, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, val)

	require.ErrorIs(t, s.Set(ctx, "", nil, 0), redis.ErrEmptyKey)
	require.NoError(t, s.Delete(ctx, "never-set"))
}

func TestStorage_Reset(t *testing.T) {
	t.Parallel()

	mr, client := newClient(t)
	ctx := context.Background()
	require.NoError(t, mr.Set("other:keep", "x"))

	s := redis.NewStorageWithConfig(client, "test:", redis.Config{ScanBatchSize: 2})
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, s.Set(ctx, k, []byte(k), 0))
	}

	require.NoError(t, s.Reset(ctx))
	assert.Equal(t, []string{"other:keep"}, mr.Keys())
}

func TestConnect(t *testing.T) {
	t.Parallel()

	mr, _ := newClient(t)
	client, err := redis.Connect(context.Background(), redis.Config{
		ConnectionURL: "redis://" + mr.Addr() + "/0",
		RetryAttempts: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, redis.Healthcheck(client)(context.Background()))

	_, err = redis.Connect(context.Background(), redis.Config{ConnectionURL: "://bad"})
	require.ErrorIs(t, err, redis.ErrFailedToParseRedisConnString)

	_, err = redis.Connect(context.Background(), redis.Config{})
	require.ErrorIs(t, err, redis.ErrEmptyConnectionURL)
}

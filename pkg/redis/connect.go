package redis

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/gradekit/pkg/retry"
)

// Connect parses the connection URL and pings the server until it answers,
// the retry budget is spent or ConnectTimeout passes.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.ConnectionURL == "" {
		return nil, ErrEmptyConnectionURL
	}
	opts, err := redis.ParseURL(cfg.ConnectionURL)
	if err != nil {
		return nil, errors.Join(ErrFailedToParseRedisConnString, err)
	}

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	policy := retry.Policy{MaxAttempts: cfg.RetryAttempts, BaseDelay: cfg.RetryInterval}
	client, err := retry.DoValue(ctx, policy, func(error) bool { return true }, func(ctx context.Context) (*redis.Client, error) {
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, err
		}
		return client, nil
	})
	if err != nil {
		return nil, errors.Join(ErrRedisNotReady, err)
	}
	return client, nil
}

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/gradekit/pkg/redis"
)

// Record is the server-side half of a session.
type Record struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry tracks live sessions. Lookup returns ErrSessionRevoked for an
// unknown id and ErrRegistryUnavailable when the backend cannot answer.
type Registry interface {
	Save(ctx context.Context, rec Record, ttl time.Duration) error
	Lookup(ctx context.Context, id string) (*Record, error)
	Revoke(ctx context.Context, id string) error
}

// RedisRegistry keeps sessions in Redis under the "session:" prefix with
// the refresh token lifetime as TTL.
type RedisRegistry struct {
	storage *redis.Storage
}

func NewRedisRegistry(client goredis.UniversalClient) *RedisRegistry {
	return &RedisRegistry{storage: redis.NewStorage(client, "session:")}
}

func (r *RedisRegistry) Save(ctx context.Context, rec Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("session: encode record: %w", err)
	}
	if err := r.storage.Set(ctx, rec.ID, data, ttl); err != nil {
		return errors.Join(ErrRegistryUnavailable, err)
	}
	return nil
}

func (r *RedisRegistry) Lookup(ctx context.Context, id string) (*Record, error) {
	data, err := r.storage.Get(ctx, id)
	if err != nil {
		return nil, errors.Join(ErrRegistryUnavailable, err)
	}
	if data == nil {
		return nil, ErrSessionRevoked
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Join(ErrSessionRevoked, err)
	}
	return &rec, nil
}

func (r *RedisRegistry) Revoke(ctx context.Context, id string) error {
	if err := r.storage.Delete(ctx, id); err != nil {
		return errors.Join(ErrRegistryUnavailable, err)
	}
	return nil
}

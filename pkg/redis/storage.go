package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Storage is a byte-oriented key/value store scoped to a key prefix.
type Storage struct {
	db            redis.UniversalClient
	prefix        string
	scanBatchSize int64
}

// NewStorage creates a Storage whose keys all start with prefix.
func NewStorage(client redis.UniversalClient, prefix string) *Storage {
	return &Storage{db: client, prefix: prefix, scanBatchSize: 1000}
}

// NewStorageWithConfig is NewStorage with the scan batch size from cfg.
func NewStorageWithConfig(client redis.UniversalClient, prefix string, cfg Config) *Storage {
	s := NewStorage(client, prefix)
	if cfg.ScanBatchSize > 0 {
		s.scanBatchSize = cfg.ScanBatchSize
	}
	return s
}

func (s *Storage) key(k string) string {
	return s.prefix + k
}

// Get returns nil, nil when the key does not exist.
func (s *Storage) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	val, err := s.db.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return val, err
}

// Set stores val under key. A zero exp means no expiration.
func (s *Storage) Set(ctx context.Context, key string, val []byte, exp time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	return s.db.Set(ctx, s.key(key), val, exp).Err()
}

// SetNX stores val only if key is absent and reports whether it did.
func (s *Storage) SetNX(ctx context.Context, key string, val []byte, exp time.Duration) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	return s.db.SetNX(ctx, s.key(key), val, exp).Result()
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Storage) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	return s.db.Del(ctx, s.key(key)).Err()
}

// Reset removes every key under the prefix.
func (s *Storage) Reset(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.db.Scan(ctx, cursor, s.prefix+"*", s.scanBatchSize).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := s.db.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

package redis

import "errors"

// Connection errors.
var (
	ErrEmptyConnectionURL           = errors.New("empty redis connection URL")
	ErrFailedToParseRedisConnString = errors.New("failed to parse redis connection string")
	ErrRedisNotReady                = errors.New("redis did not answer within the retry budget")
	ErrHealthcheckFailed            = errors.New("redis healthcheck failed")
)

// ErrEmptyKey is returned by Storage for an empty key.
var ErrEmptyKey = errors.New("redis key cannot be empty")

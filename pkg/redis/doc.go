// Package redis connects to Redis with go-redis/v9 and offers a small
// prefixed key/value Storage on top of the client.
//
// Connect retries the initial ping with backoff so a service can start
// before Redis is ready. Storage treats a missing key as (nil, nil) rather
// than an error, which lets callers map misses onto their own sentinels.
package redis

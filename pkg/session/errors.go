package session

import "errors"

var (
	ErrMissingSecret       = errors.New("session: signing secret is required")
	ErrTokenMissing        = errors.New("session: token is missing")
	ErrInvalidToken        = errors.New("session: invalid token")
	ErrTokenExpired        = errors.New("session: token is expired")
	ErrSessionRevoked      = errors.New("session: session revoked or unknown")
	ErrRegistryUnavailable = errors.New("session: registry unavailable")
)

package session

import "context"

type identityKey struct{}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the Identity stored by Middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// EmailFromContext returns the authenticated account email.
func EmailFromContext(ctx context.Context) (string, bool) {
	id, ok := FromContext(ctx)
	if !ok || id.Email == "" {
		return "", false
	}
	return id.Email, true
}

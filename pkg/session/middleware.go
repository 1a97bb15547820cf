package session

import (
	"errors"
	"net/http"
	"strings"
)

// Response headers set by Middleware.
const (
	HeaderAccessToken = "X-Access-Token"
	HeaderDegraded    = "X-Session-Degraded"
)

// ErrorHandler writes the response for a request that failed authentication.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// MiddlewareOption configures Middleware.
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	onError       ErrorHandler
	skip          func(r *http.Request) bool
	allowDegraded bool
}

// WithErrorHandler replaces the default plain-text 401 response.
func WithErrorHandler(h ErrorHandler) MiddlewareOption {
	return func(c *middlewareConfig) { c.onError = h }
}

// AllowDegraded accepts identities recovered from a recently expired access
// token during a registry outage. Use it on read-only routes only.
func AllowDegraded() MiddlewareOption {
	return func(c *middlewareConfig) { c.allowDegraded = true }
}

// WithSkip lets matching requests through unauthenticated.
func WithSkip(fn func(r *http.Request) bool) MiddlewareOption {
	return func(c *middlewareConfig) { c.skip = fn }
}

// Middleware authenticates every request and stores the Identity in its
// context. Rotated tokens are returned in X-Access-Token and the refresh
// header.
func Middleware(m *Manager, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := middlewareConfig{onError: defaultErrorHandler}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.skip != nil && cfg.skip(r) {
				next.ServeHTTP(w, r)
				return
			}

			res, err := m.Authenticate(r.Context(), BearerToken(r), r.Header.Get(m.cfg.RefreshHeader))
			if err != nil {
				cfg.onError(w, r, err)
				return
			}
			if res.Pair != nil {
				w.Header().Set(HeaderAccessToken, res.Pair.Access)
				w.Header().Set(m.cfg.RefreshHeader, res.Pair.Refresh)
			}
			if res.Identity.Degraded {
				if !cfg.allowDegraded {
					cfg.onError(w, r, ErrRegistryUnavailable)
					return
				}
				w.Header().Set(HeaderDegraded, "true")
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), res.Identity)))
		})
	}
}

// BearerToken extracts the token from "Authorization: Bearer <token>".
func BearerToken(r *http.Request) string {
	v := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(v, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func defaultErrorHandler(w http.ResponseWriter, _ *http.Request, err error) {
	if errors.Is(err, ErrRegistryUnavailable) {
		http.Error(w, "session service unavailable", http.StatusServiceUnavailable)
		return
	}
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

// Package billing exposes the billing engine over HTTP: the provider
// webhook endpoint, the authenticated subscription check, add-on purchase
// verification and the admin override surface.
package billing

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/gradekit/pkg/audit"
	"github.com/dmitrymomot/gradekit/pkg/session"
	"github.com/dmitrymomot/gradekit/svc/billing"
)

// Maximum accepted request bodies.
const (
	maxWebhookBody = 1 << 20
	maxJSONBody    = 64 << 10
)

// AuditReader lists audit events about an account.
type AuditReader interface {
	ListAuditEvents(ctx context.Context, target string, limit int) ([]audit.Event, error)
}

// Deps are the services the module routes to.
type Deps struct {
	// Provider is the name of the configured billing provider; webhooks
	// for any other provider are not routed.
	Provider string
	Gateway  *billing.Gateway
	Checker  *billing.Checker
	Usage    *billing.Usage
	Credits  *billing.Credits
	Admin    *billing.Admin
	Audit    AuditReader
	Sessions *session.Manager
}

type Module struct {
	deps   Deps
	logger *slog.Logger
}

// Option configures a Module.
type Option func(*Module)

func WithLogger(l *slog.Logger) Option {
	return func(m *Module) {
		if l != nil {
			m.logger = l
		}
	}
}

// New creates the module. Panics if a dependency is missing.
func New(deps Deps, opts ...Option) *Module {
	if deps.Provider == "" || deps.Gateway == nil || deps.Checker == nil || deps.Usage == nil ||
		deps.Credits == nil || deps.Admin == nil || deps.Audit == nil || deps.Sessions == nil {
		panic("billing module: all dependencies are required")
	}
	m := &Module{deps: deps, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handle returns the router. Webhooks are public and verified by signature;
// everything else requires a session. Only the subscription read accepts a
// degraded session during a registry outage.
func (m *Module) Handle() http.Handler {
	r := chi.NewRouter()

	r.Post("/webhooks/{provider}", m.webhook)

	strict := session.Middleware(m.deps.Sessions, session.WithErrorHandler(m.unauthorized))
	read := session.Middleware(m.deps.Sessions, session.WithErrorHandler(m.unauthorized), session.AllowDegraded())

	r.Route("/billing", func(r chi.Router) {
		r.With(read).Get("/subscription", m.subscription)

		r.Group(func(r chi.Router) {
			r.Use(strict)
			r.Post("/usage", m.recordUsage)
			r.Post("/purchases", m.registerPurchase)
			r.Post("/purchases/{sessionID}/verify", m.verifyPurchase)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(strict)
		r.Route("/admin/accounts/{email}", func(r chi.Router) {
			r.Post("/resync", m.resync)
			r.Post("/pause", m.pause)
			r.Post("/resume", m.resume)
			r.Put("/unlimited", m.setUnlimited)
			r.Post("/usage/reset", m.resetUsage)
			r.Delete("/", m.deleteAccount)
			r.Get("/audit", m.auditLog)
		})
	})

	return r
}

func (m *Module) unauthorized(w http.ResponseWriter, r *http.Request, err error) {
	m.logger.InfoContext(r.Context(), "request not authenticated", slog.String("reason", err.Error()))
	if errors.Is(err, session.ErrRegistryUnavailable) {
		writeError(w, http.StatusServiceUnavailable, "session_unavailable", "session service unavailable")
		return
	}
	writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
}

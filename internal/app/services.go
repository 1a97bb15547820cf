package app

import (
	"github.com/dmitrymomot/gradekit/pkg/audit"
	"github.com/dmitrymomot/gradekit/pkg/requestid"
	"github.com/dmitrymomot/gradekit/svc/billing"
)

// Services are the billing operations built on one App.
type Services struct {
	Usage   *billing.Usage
	Credits *billing.Credits
	Checker *billing.Checker
	Gateway *billing.Gateway
	Admin   *billing.Admin
	Sweeper *billing.Sweeper
}

// Services builds every billing service over the App's store and provider.
func (a *App) Services(extra ...billing.Option) Services {
	opts := a.BillingOptions(extra...)

	usage := billing.NewUsage(a.Store, a.Store, a.Store, a.Catalog, a.Syncer, opts...)
	credits := billing.NewCredits(a.Store, a.Provider, opts...)
	handlers := billing.NewEventHandlers(a.Syncer, a.Store, credits, a.Provider, opts...)
	auditLog := audit.NewLogger(a.Store,
		audit.WithSlog(a.Logger),
		audit.WithRequestIDExtractor(requestid.FromContext),
	)

	return Services{
		Usage:   usage,
		Credits: credits,
		Checker: billing.NewChecker(a.Syncer, a.Store, usage, a.Catalog, opts...),
		Gateway: billing.NewGateway(a.Provider, a.Store, handlers, opts...),
		Admin:   billing.NewAdmin(a.Store, a.Syncer, a.Provider, usage, auditLog, opts...),
		Sweeper: billing.NewSweeper(a.Syncer, a.Store, opts...),
	}
}

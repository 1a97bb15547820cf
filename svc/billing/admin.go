package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/dmitrymomot/gradekit/pkg/audit"
	"github.com/dmitrymomot/gradekit/pkg/logger"
)

// Audited admin actions.
const (
	ActionResync       = "billing.resync"
	ActionPause        = "billing.pause"
	ActionResume       = "billing.resume"
	ActionSetUnlimited = "billing.set_unlimited"
	ActionResetUsage   = "billing.reset_usage"
	ActionDelete       = "billing.delete_account"
	ActionUnauthorized = "billing.unauthorized"
)

// Override identifies who asks for what and why.
type Override struct {
	Actor  string
	Target string
	Reason string
}

// StepResult is the outcome of one sub-operation of an admin action.
type StepResult struct {
	Name string `json:"name"`
	OK   bool   `json:"ok"`
	// Affected counts rows or provider objects touched by the step.
	Affected int64  `json:"affected"`
	Error    string `json:"error,omitempty"`
}

// ActionResult reports an admin action.
type ActionResult struct {
	Record *SubscriberRecord `json:"-"`
	Steps  []StepResult      `json:"steps"`
	Failed int               `json:"failed"`
}

func (r *ActionResult) step(name string, affected int64, err error) {
	s := StepResult{Name: name, OK: err == nil, Affected: affected}
	if err != nil {
		s.Error = err.Error()
		r.Failed++
	}
	r.Steps = append(r.Steps, s)
}

// Admin performs privileged overrides. Every call is authorized against the
// admin directory and recorded in the audit log.
type Admin struct {
	store     Store
	syncer    *Syncer
	provider  Provider
	usage     *Usage
	audit     *audit.Logger
	snapshots SnapshotCache
	erasers   []ContentEraser
	admins    []string
	logger    *slog.Logger
}

// NewAdmin creates the admin surface. Panics if a dependency is nil.
func NewAdmin(store Store, syncer *Syncer, provider Provider, usage *Usage, auditLog *audit.Logger, opts ...Option) *Admin {
	if store == nil || syncer == nil || provider == nil || usage == nil || auditLog == nil {
		panic("billing: admin dependencies are required")
	}
	o := newOptions(opts)
	return &Admin{
		store:     store,
		syncer:    syncer,
		provider:  provider,
		usage:     usage,
		audit:     auditLog,
		snapshots: o.snapshots,
		erasers:   o.erasers,
		admins:    o.admins,
		logger:    o.logger.With(logger.Component("billing_admin")),
	}
}

// Authorize checks that actor holds the administrator capability.
func (a *Admin) Authorize(ctx context.Context, actor string) error {
	actor = NormalizeEmail(actor)
	if actor == "" {
		return ErrForbidden
	}
	if slices.Contains(a.admins, actor) {
		return nil
	}
	ok, err := a.store.IsAdmin(ctx, actor)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

// Resync forces a Billing Sync of the target account.
func (a *Admin) Resync(ctx context.Context, o Override) (*SubscriberRecord, error) {
	o, err := a.begin(ctx, o)
	if err != nil {
		return nil, err
	}
	rec, err := a.syncer.Sync(ctx, o.Target)
	a.record(ctx, ActionResync, o, nil, err)
	return rec, err
}

// Pause marks the account paused and pauses payment collection on its
// active provider subscriptions. Tier and period are not touched.
func (a *Admin) Pause(ctx context.Context, o Override) (*ActionResult, error) {
	return a.setStatus(ctx, ActionPause, o, AccountPaused, a.provider.PauseCollection)
}

// Resume reverses Pause.
func (a *Admin) Resume(ctx context.Context, o Override) (*ActionResult, error) {
	return a.setStatus(ctx, ActionResume, o, AccountActive, a.provider.ResumeCollection)
}

func (a *Admin) setStatus(ctx context.Context, action string, o Override, status AccountStatus, collect func(context.Context, string) error) (*ActionResult, error) {
	o, err := a.begin(ctx, o)
	if err != nil {
		return nil, err
	}

	res := &ActionResult{}
	rec, err := a.store.GetSubscriber(ctx, o.Target)
	if err != nil {
		a.record(ctx, action, o, nil, err)
		return nil, err
	}

	if rec.ExternalCustomerID != "" {
		subs, err := a.provider.ListActiveSubscriptions(ctx, rec.ExternalCustomerID)
		if err != nil {
			res.step("list_subscriptions", 0, err)
		}
		for _, sub := range subs {
			res.step("collection:"+sub.ID, 1, collect(ctx, sub.ID))
		}
	}

	rec, err = a.store.SetAccountStatus(ctx, o.Target, status)
	res.step("account_status", 1, err)
	if err != nil {
		a.record(ctx, action, o, res, err)
		return res, err
	}
	res.Record = rec
	a.refreshSnapshot(ctx, rec)

	a.record(ctx, action, o, res, res.err())
	return res, res.err()
}

// SetUnlimited toggles the unlimited quota override.
func (a *Admin) SetUnlimited(ctx context.Context, o Override, enabled bool) (*SubscriberRecord, error) {
	o, err := a.begin(ctx, o)
	if err != nil {
		return nil, err
	}
	rec, err := a.store.SetUnlimitedOverride(ctx, o.Target, enabled)
	if err == nil {
		a.refreshSnapshot(ctx, rec)
	}
	a.record(ctx, ActionSetUnlimited, o, nil, err, audit.WithMetadata("enabled", enabled))
	return rec, err
}

// ResetUsage zeroes the target's counter for the current period.
func (a *Admin) ResetUsage(ctx context.Context, o Override) error {
	o, err := a.begin(ctx, o)
	if err != nil {
		return err
	}
	err = a.usage.Reset(ctx, o.Target)
	a.record(ctx, ActionResetUsage, o, nil, err)
	return err
}

// DeleteAccount erases every record the account owns. Provider
// subscriptions are cancelled first, then usage counters, purchased
// credits, account content, the snapshot and finally the subscriber row.
// A failing step is recorded and the cascade continues.
func (a *Admin) DeleteAccount(ctx context.Context, o Override) (*ActionResult, error) {
	o, err := a.begin(ctx, o)
	if err != nil {
		return nil, err
	}
	res := &ActionResult{}

	rec, err := a.store.GetSubscriber(ctx, o.Target)
	switch {
	case errors.Is(err, ErrSubscriberNotFound):
		rec = nil
	case err != nil:
		res.step("load_subscriber", 0, err)
	}

	customerID := ""
	if rec != nil {
		customerID = rec.ExternalCustomerID
	}
	if customerID == "" {
		c, err := a.provider.FindCustomerByEmail(ctx, o.Target)
		switch {
		case err == nil:
			customerID = c.ID
		case !errors.Is(err, ErrCustomerNotFound):
			res.step("find_customer", 0, err)
		}
	}
	if customerID != "" {
		subs, err := a.provider.ListActiveSubscriptions(ctx, customerID)
		if err != nil {
			res.step("list_subscriptions", 0, err)
		}
		for _, sub := range subs {
			res.step("cancel_subscription:"+sub.ID, 1, a.provider.CancelSubscription(ctx, sub.ID))
		}
	}

	n, err := a.store.DeleteUsage(ctx, o.Target)
	res.step("usage_counters", n, err)

	n, err = a.store.DeleteCredits(ctx, o.Target)
	res.step("purchased_credits", n, err)

	for _, e := range a.erasers {
		res.step("content:"+e.Name(), 0, e.EraseAccountContent(ctx, o.Target))
	}

	res.step("snapshot", 0, a.snapshots.DeleteSnapshot(ctx, o.Target))

	err = a.store.DeleteSubscriber(ctx, o.Target)
	if errors.Is(err, ErrSubscriberNotFound) {
		err = nil
	}
	res.step("subscriber_record", 1, err)

	a.record(ctx, ActionDelete, o, res, res.err())
	return res, res.err()
}

func (r *ActionResult) err() error {
	if r.Failed == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d of %d steps failed", ErrPartialFailure, r.Failed, len(r.Steps))
}

// begin validates the override and authorizes the actor. Unauthorized
// attempts are audited too.
func (a *Admin) begin(ctx context.Context, o Override) (Override, error) {
	o.Actor = NormalizeEmail(o.Actor)
	o.Target = NormalizeEmail(o.Target)
	o.Reason = strings.TrimSpace(o.Reason)
	if o.Target == "" {
		return o, ErrInvalidEmail
	}
	if o.Reason == "" {
		return o, ErrReasonRequired
	}
	if err := a.Authorize(ctx, o.Actor); err != nil {
		if errors.Is(err, ErrForbidden) && o.Actor != "" {
			a.record(ctx, ActionUnauthorized, o, nil, err)
		}
		return o, err
	}
	return o, nil
}

func (a *Admin) record(ctx context.Context, action string, o Override, res *ActionResult, cause error, extra ...audit.EventOption) {
	opts := []audit.EventOption{
		audit.WithActor(o.Actor),
		audit.WithTarget(o.Target),
		audit.WithReason(o.Reason),
	}
	if res != nil {
		opts = append(opts, audit.WithMetadata("steps", len(res.Steps)), audit.WithMetadata("failed_steps", res.Failed))
		if res.Failed > 0 && res.Failed < len(res.Steps) {
			opts = append(opts, audit.WithResult(audit.ResultPartial))
		}
	}
	opts = append(opts, extra...)

	var err error
	if cause != nil {
		err = a.audit.LogError(ctx, action, cause, opts...)
	} else {
		err = a.audit.Log(ctx, action, opts...)
	}
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to write audit event",
			slog.String("action", action), logger.Actor(o.Actor), logger.Account(o.Target), logger.Error(err))
	}
}

func (a *Admin) refreshSnapshot(ctx context.Context, rec *SubscriberRecord) {
	if rec == nil {
		return
	}
	if err := a.snapshots.PutSnapshot(ctx, *rec); err != nil {
		a.logger.WarnContext(ctx, "failed to refresh subscriber snapshot",
			logger.Account(rec.Email), logger.Error(err))
	}
}

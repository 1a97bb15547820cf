package billing

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/gradekit/pkg/audit"
	"github.com/dmitrymomot/gradekit/pkg/session"
	"github.com/dmitrymomot/gradekit/svc/billing"
)

type overrideRequest struct {
	Reason string `json:"reason"`
}

type unlimitedRequest struct {
	Reason  string `json:"reason"`
	Enabled bool   `json:"enabled"`
}

type recordView struct {
	Email         string                `json:"email"`
	Tier          billing.Tier          `json:"tier"`
	Subscribed    bool                  `json:"subscribed"`
	AccountStatus billing.AccountStatus `json:"account_status"`
	Unlimited     bool                  `json:"unlimited_override"`
	PeriodStart   *time.Time            `json:"period_start,omitempty"`
	PeriodEnd     *time.Time            `json:"period_end,omitempty"`
	NextResetDate *time.Time            `json:"next_reset_date,omitempty"`
	LastSyncedAt  time.Time             `json:"last_synced_at"`
}

func newRecordView(rec *billing.SubscriberRecord) *recordView {
	if rec == nil {
		return nil
	}
	return &recordView{
		Email:         rec.Email,
		Tier:          rec.Tier,
		Subscribed:    rec.Subscribed,
		AccountStatus: rec.AccountStatus,
		Unlimited:     rec.UnlimitedOverride,
		PeriodStart:   rec.PeriodStart,
		PeriodEnd:     rec.PeriodEnd,
		NextResetDate: rec.NextResetDate,
		LastSyncedAt:  rec.LastSyncedAt,
	}
}

// override builds the request's Override from the route and the session.
// The reason comes from the "reason" query parameter unless the handler
// reads it from the body.
func (m *Module) override(r *http.Request) (billing.Override, error) {
	target, err := url.PathUnescape(chi.URLParam(r, "email"))
	if err != nil {
		return billing.Override{}, errors.Join(billing.ErrInvalidEmail, err)
	}
	actor, _ := session.EmailFromContext(r.Context())
	return billing.Override{Actor: actor, Target: target, Reason: r.URL.Query().Get("reason")}, nil
}

// overrideWithReason also accepts {"reason": "..."} as the request body.
func (m *Module) overrideWithReason(w http.ResponseWriter, r *http.Request) (billing.Override, error) {
	o, err := m.override(r)
	if err != nil || r.ContentLength == 0 {
		return o, err
	}
	var req overrideRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return o, err
	}
	if req.Reason != "" {
		o.Reason = req.Reason
	}
	return o, nil
}

func (m *Module) resync(w http.ResponseWriter, r *http.Request) {
	o, err := m.overrideWithReason(w, r)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	rec, err := m.deps.Admin.Resync(r.Context(), o)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, newRecordView(rec), nil)
}

func (m *Module) pause(w http.ResponseWriter, r *http.Request) {
	m.collection(w, r, m.deps.Admin.Pause)
}

func (m *Module) resume(w http.ResponseWriter, r *http.Request) {
	m.collection(w, r, m.deps.Admin.Resume)
}

// collection runs pause or resume. Partial failures report every step with
// the failed count so the operator sees exactly what did not happen.
func (m *Module) collection(w http.ResponseWriter, r *http.Request, action func(context.Context, billing.Override) (*billing.ActionResult, error)) {
	o, err := m.overrideWithReason(w, r)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	res, err := action(r.Context(), o)
	m.actionResult(w, r, res, err)
}

func (m *Module) actionResult(w http.ResponseWriter, r *http.Request, res *billing.ActionResult, err error) {
	if res == nil {
		m.fail(w, r, err)
		return
	}
	body := Response{
		Data: map[string]any{
			"record": newRecordView(res.Record),
			"steps":  res.Steps,
			"failed": res.Failed,
		},
	}
	status := http.StatusOK
	if err != nil {
		var code string
		status, code = errorStatus(err)
		body.Error = &ErrorDetail{Code: code, Message: err.Error()}
	}
	writeJSON(w, status, body)
}

func (m *Module) setUnlimited(w http.ResponseWriter, r *http.Request) {
	o, err := m.override(r)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	var req unlimitedRequest
	if err := decodeJSON(w, r, &req); err != nil {
		m.fail(w, r, err)
		return
	}
	if req.Reason != "" {
		o.Reason = req.Reason
	}

	rec, err := m.deps.Admin.SetUnlimited(r.Context(), o, req.Enabled)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, newRecordView(rec), nil)
}

func (m *Module) resetUsage(w http.ResponseWriter, r *http.Request) {
	o, err := m.overrideWithReason(w, r)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	if err := m.deps.Admin.ResetUsage(r.Context(), o); err != nil {
		m.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Module) deleteAccount(w http.ResponseWriter, r *http.Request) {
	o, err := m.override(r)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	res, err := m.deps.Admin.DeleteAccount(r.Context(), o)
	m.actionResult(w, r, res, err)
}

type auditView struct {
	ID        string         `json:"id"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Reason    string         `json:"reason"`
	Result    audit.Result   `json:"result"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// auditLog lists the override history of an account. Reading it needs the
// administrator capability too.
func (m *Module) auditLog(w http.ResponseWriter, r *http.Request) {
	actor, _ := session.EmailFromContext(r.Context())
	if err := m.deps.Admin.Authorize(r.Context(), actor); err != nil {
		m.fail(w, r, err)
		return
	}
	target, err := url.PathUnescape(chi.URLParam(r, "email"))
	if err != nil {
		m.fail(w, r, errors.Join(billing.ErrInvalidEmail, err))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	events, err := m.deps.Audit.ListAuditEvents(r.Context(), billing.NormalizeEmail(target), limit)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	out := make([]auditView, 0, len(events))
	for _, e := range events {
		out = append(out, auditView{
			ID: e.ID, Actor: e.Actor, Action: e.Action, Reason: e.Reason,
			Result: e.Result, Error: e.Error, Metadata: e.Metadata, CreatedAt: e.CreatedAt,
		})
	}
	writeData(w, http.StatusOK, out, map[string]any{"count": len(out)})
}

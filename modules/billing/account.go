package billing

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/gradekit/pkg/session"
	"github.com/dmitrymomot/gradekit/svc/billing"
)

type subscriptionView struct {
	Email         string                `json:"email"`
	Tier          billing.Tier          `json:"tier"`
	Subscribed    bool                  `json:"subscribed"`
	AccountStatus billing.AccountStatus `json:"account_status"`
	Unlimited     bool                  `json:"unlimited_override"`
	PeriodStart   time.Time             `json:"period_start"`
	PeriodEnd     time.Time             `json:"period_end"`
	Usage         billing.UsageSummary  `json:"usage"`
	LastSyncedAt  *time.Time            `json:"last_synced_at,omitempty"`
}

func newSubscriptionView(rec billing.SubscriberRecord, usage billing.UsageSummary, w billing.Window) subscriptionView {
	v := subscriptionView{
		Email:         rec.Email,
		Tier:          rec.Tier,
		Subscribed:    rec.Subscribed,
		AccountStatus: rec.AccountStatus,
		Unlimited:     rec.UnlimitedOverride,
		PeriodStart:   w.Start,
		PeriodEnd:     w.End,
		Usage:         usage,
	}
	if !rec.LastSyncedAt.IsZero() {
		t := rec.LastSyncedAt
		v.LastSyncedAt = &t
	}
	return v
}

// subscription answers the dashboard's on-demand check. Provider or store
// outages produce a 200 flagged as degraded, never an error page.
func (m *Module) subscription(w http.ResponseWriter, r *http.Request) {
	id, _ := session.FromContext(r.Context())

	res, err := m.deps.Checker.Check(r.Context(), id.Email)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, newSubscriptionView(res.Record, res.Usage, res.Window), map[string]any{
		"degraded":         res.Degraded || id.Degraded,
		"source":           res.Source,
		"session_degraded": id.Degraded,
	})
}

type usageRequest struct {
	Submissions int64 `json:"submissions"`
}

// recordUsage spends submissions. Writes are not degraded: a transient
// failure is a 503 so the caller retries.
func (m *Module) recordUsage(w http.ResponseWriter, r *http.Request) {
	var req usageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		m.fail(w, r, err)
		return
	}
	if req.Submissions == 0 {
		req.Submissions = 1
	}

	email, _ := session.EmailFromContext(r.Context())
	sum, err := m.deps.Usage.Record(r.Context(), email, req.Submissions)
	if err != nil {
		status, code := errorStatus(err)
		writeJSON(w, status, Response{
			Data:  quotaData(err, sum),
			Error: &ErrorDetail{Code: code, Message: err.Error()},
		})
		return
	}
	writeData(w, http.StatusOK, sum, nil)
}

func quotaData(err error, sum billing.UsageSummary) any {
	if errors.Is(err, billing.ErrQuotaExceeded) {
		return sum
	}
	return nil
}

type purchaseRequest struct {
	SessionID   string `json:"session_id"`
	Submissions int64  `json:"submissions"`
}

// registerPurchase records a started add-on checkout as pending.
func (m *Module) registerPurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		m.fail(w, r, err)
		return
	}
	email, _ := session.EmailFromContext(r.Context())
	if err := m.deps.Credits.RegisterPending(r.Context(), email, req.SessionID, req.Submissions); err != nil {
		m.fail(w, r, err)
		return
	}
	writeData(w, http.StatusAccepted, map[string]any{"session_id": req.SessionID, "status": billing.CreditPending}, nil)
}

type creditView struct {
	SessionID   string               `json:"session_id"`
	Submissions int64                `json:"submissions"`
	Status      billing.CreditStatus `json:"status"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
}

// verifyPurchase is the client-initiated completion path. Verifying the
// same session again returns the completed credit without re-applying it.
func (m *Module) verifyPurchase(w http.ResponseWriter, r *http.Request) {
	email, _ := session.EmailFromContext(r.Context())
	credit, completed, err := m.deps.Credits.Verify(r.Context(), email, chi.URLParam(r, "sessionID"))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, creditView{
		SessionID:   credit.ProviderSessionID,
		Submissions: credit.Submissions,
		Status:      credit.Status,
		CompletedAt: credit.CompletedAt,
	}, map[string]any{"newly_completed": completed})
}

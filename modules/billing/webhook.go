package billing

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/gradekit/pkg/logger"
)

type webhookAck struct {
	EventID string `json:"event_id"`
	Kind    string `json:"kind"`
	State   string `json:"state"`
}

// webhook hands the raw body to the gateway. The body must reach signature
// verification byte for byte, so it is never decoded here.
func (m *Module) webhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if provider != m.deps.Provider {
		writeError(w, http.StatusNotFound, "unknown_provider", "unknown billing provider")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "webhook payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read webhook payload")
		return
	}

	d, err := m.deps.Gateway.Ingest(r.Context(), payload, r.Header)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	if d.HandlerErr != nil {
		m.logger.WarnContext(r.Context(), "webhook acknowledged with handler failure",
			logger.Provider(provider), logger.EventID(d.EventID), logger.Error(d.HandlerErr))
	}

	writeData(w, http.StatusOK, webhookAck{EventID: d.EventID, Kind: string(d.Kind), State: string(d.State)}, nil)
}

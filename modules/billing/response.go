package billing

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dmitrymomot/gradekit/pkg/logger"
	"github.com/dmitrymomot/gradekit/svc/billing"
)

// Response is the JSON envelope of every endpoint.
type Response struct {
	Data  any            `json:"data,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
	Error *ErrorDetail   `json:"error,omitempty"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, status int, data any, meta map[string]any) {
	writeJSON(w, status, Response{Data: data, Meta: meta})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Response{Error: &ErrorDetail{Code: code, Message: message}})
}

// errorStatus maps a billing error onto a status code and a stable code.
// Transient errors on writes are 503 so clients retry; reads never get here
// because the checker degrades instead.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, billing.ErrForbidden), errors.Is(err, billing.ErrSessionOwnership):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, billing.ErrInvalidSignature):
		return http.StatusBadRequest, "invalid_signature"
	case errors.Is(err, billing.ErrQuotaExceeded):
		return http.StatusPaymentRequired, "quota_exceeded"
	case errors.Is(err, billing.ErrSessionNotPaid):
		return http.StatusConflict, "session_not_paid"
	case errors.Is(err, billing.ErrSubscriberNotFound), errors.Is(err, billing.ErrCreditNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, billing.ErrPartialFailure):
		return http.StatusInternalServerError, "partial_failure"
	}

	switch billing.Classify(err) {
	case billing.ClassRejected:
		return http.StatusBadRequest, "bad_request"
	case billing.ClassTransient:
		return http.StatusServiceUnavailable, "unavailable"
	case billing.ClassInconsistent:
		return http.StatusBadGateway, "provider_inconsistent"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (m *Module) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		m.logger.ErrorContext(r.Context(), "billing request failed",
			slog.String("path", r.URL.Path), slog.Int("status", status), logger.Error(err))
	}
	msg := err.Error()
	if status == http.StatusInternalServerError && code == "internal_error" {
		msg = http.StatusText(status)
	}
	writeError(w, status, code, msg)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(billing.ErrRejected, err)
	}
	return nil
}

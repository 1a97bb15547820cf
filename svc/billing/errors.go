package billing

import (
	"context"
	"errors"
)

// Error classes. Specific errors below are mapped onto them by Classify.
var (
	ErrRejected         = errors.New("request rejected")
	ErrAlreadyProcessed = errors.New("event already processed")
	ErrTransient        = errors.New("transient failure")
	ErrInconsistent     = errors.New("inconsistent provider data")
	ErrFatal            = errors.New("fatal billing error")
)

var (
	ErrInvalidSignature = errors.New("webhook signature verification failed")
	ErrInvalidPayload   = errors.New("invalid webhook payload")
	ErrInvalidEmail     = errors.New("account email is required")
	ErrInvalidSession   = errors.New("invalid purchase session")
	ErrSessionNotPaid   = errors.New("purchase session is not paid")
	ErrSessionOwnership = errors.New("purchase session belongs to another account")
	ErrForbidden        = errors.New("administrator capability required")
	ErrReasonRequired   = errors.New("override reason is required")
	ErrQuotaExceeded    = errors.New("submission quota exceeded")
	ErrUnknownTier      = errors.New("unknown tier")
	ErrInvalidSyncState = errors.New("invalid subscriber state")
	ErrInvalidCatalog   = errors.New("invalid plan catalog")

	ErrUnsupportedProvider = errors.New("unsupported billing provider")
	ErrProviderUnavailable = errors.New("billing provider unavailable")
	ErrStoreUnavailable    = errors.New("billing store unavailable")
	ErrSessionExpired      = errors.New("session expired")

	ErrMalformedProviderData = errors.New("malformed provider response")
	ErrPartialFailure        = errors.New("some steps of the operation failed")

	ErrSubscriberNotFound = errors.New("subscriber record not found")
	ErrCustomerNotFound   = errors.New("billing customer not found")
	ErrCreditNotFound     = errors.New("purchased credit not found")
	ErrSnapshotNotFound   = errors.New("subscriber snapshot not found")

	ErrMissingAPIKey        = errors.New("billing provider API key is required")
	ErrMissingWebhookSecret = errors.New("billing provider webhook secret is required")
)

// Class is the handling category of an error.
type Class int

const (
	ClassNone Class = iota
	ClassRejected
	ClassAlreadyProcessed
	ClassTransient
	ClassInconsistent
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassRejected:
		return "rejected"
	case ClassAlreadyProcessed:
		return "already_processed"
	case ClassTransient:
		return "transient"
	case ClassInconsistent:
		return "inconsistent"
	default:
		return "fatal"
	}
}

var classes = []struct {
	class Class
	errs  []error
}{
	{ClassAlreadyProcessed, []error{ErrAlreadyProcessed}},
	{ClassRejected, []error{
		ErrRejected, ErrInvalidSignature, ErrInvalidPayload, ErrInvalidEmail,
		ErrInvalidSession, ErrSessionNotPaid, ErrSessionOwnership, ErrForbidden,
		ErrReasonRequired, ErrCreditNotFound, ErrQuotaExceeded,
	}},
	{ClassTransient, []error{
		ErrTransient, ErrProviderUnavailable, ErrStoreUnavailable, ErrSessionExpired,
		context.DeadlineExceeded,
	}},
	{ClassInconsistent, []error{ErrInconsistent, ErrMalformedProviderData}},
}

// Classify maps err onto its handling class. Unrecognized errors are fatal.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	for _, c := range classes {
		for _, target := range c.errs {
			if errors.Is(err, target) {
				return c.class
			}
		}
	}
	return ClassFatal
}

// IsTransient reports whether err may succeed when retried.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}

// IsRejected reports whether err was caused by the caller's input.
func IsRejected(err error) bool {
	return Classify(err) == ClassRejected
}

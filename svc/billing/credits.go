package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dmitrymomot/gradekit/pkg/logger"
)

// Credits manages add-on purchases. A credit moves from pending to
// completed exactly once, whether the webhook or the client verification
// arrives first.
type Credits struct {
	store    CreditStore
	provider Provider
	logger   *slog.Logger
	now      func() time.Time
}

// NewCredits creates a Credits service. Panics if a dependency is nil.
func NewCredits(store CreditStore, provider Provider, opts ...Option) *Credits {
	if store == nil {
		panic("billing: credit store is required")
	}
	if provider == nil {
		panic("billing: provider is required")
	}
	o := newOptions(opts)
	return &Credits{
		store:    store,
		provider: provider,
		logger:   o.logger.With(logger.Component("credits")),
		now:      o.now,
	}
}

// RegisterPending records a started add-on checkout.
func (c *Credits) RegisterPending(ctx context.Context, email, sessionID string, submissions int64) error {
	email = NormalizeEmail(email)
	if email == "" {
		return ErrInvalidEmail
	}
	if sessionID == "" || submissions <= 0 {
		return ErrInvalidSession
	}
	return c.store.CreatePendingCredit(ctx, PurchasedCredit{
		Email:             email,
		Submissions:       submissions,
		ProviderSessionID: sessionID,
		Status:            CreditPending,
		CreatedAt:         c.now().UTC(),
	})
}

// Total returns the add-on credit pool of an account.
func (c *Credits) Total(ctx context.Context, email string) (int64, error) {
	return c.store.SumCompletedCredits(ctx, email)
}

// CompleteFromEvent completes the credit of a paid add-on checkout.
// Owner and size come from the event metadata, or from the provider's
// checkout session when the event does not carry them.
func (c *Credits) CompleteFromEvent(ctx context.Context, ev *Event) error {
	if ev.SessionID == "" {
		return fmt.Errorf("%w: checkout event %s has no session", ErrInvalidPayload, ev.ID)
	}
	if !ev.Paid {
		c.logger.InfoContext(ctx, "checkout completed without payment, credit left pending",
			slog.String("session_id", ev.SessionID))
		return nil
	}

	purchase, err := purchaseFrom(ev.SessionID, ev.CustomerEmail, ev.Metadata)
	if err != nil {
		sess, serr := c.provider.GetCheckoutSession(ctx, ev.SessionID)
		switch {
		case IsTransient(serr):
			return serr
		case serr != nil:
			return errors.Join(err, serr)
		}
		if purchase, err = purchaseFrom(ev.SessionID, sess.CustomerEmail, sess.Metadata); err != nil {
			return err
		}
	}
	_, _, err = c.complete(ctx, purchase)
	return err
}

// Verify completes a purchase on the client's request after confirming
// with the provider that the session is paid and belongs to email.
// It is idempotent; completed reports whether this call did the transition.
func (c *Credits) Verify(ctx context.Context, email, sessionID string) (credit *PurchasedCredit, completed bool, err error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, false, ErrInvalidEmail
	}
	if sessionID == "" {
		return nil, false, ErrInvalidSession
	}

	existing, err := c.store.GetCredit(ctx, sessionID)
	switch {
	case errors.Is(err, ErrCreditNotFound):
	case err != nil:
		return nil, false, err
	case existing.Status != CreditCompleted:
	case existing.Email != email:
		return nil, false, ErrSessionOwnership
	default:
		return existing, false, nil
	}

	sess, err := c.provider.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	if sessionOwner(sess.CustomerEmail, sess.Metadata) != email {
		return nil, false, ErrSessionOwnership
	}
	if !sess.Paid {
		return nil, false, ErrSessionNotPaid
	}
	purchase, err := purchaseFrom(sessionID, sess.CustomerEmail, sess.Metadata)
	if err != nil {
		return nil, false, err
	}
	return c.complete(ctx, purchase)
}

// purchaseFrom builds the confirmed credit of a checkout from provider data.
func purchaseFrom(sessionID, customerEmail string, metadata map[string]string) (PurchasedCredit, error) {
	email := sessionOwner(customerEmail, metadata)
	submissions, err := strconv.ParseInt(metadata[MetadataSubmissions], 10, 64)
	if email == "" || err != nil || submissions <= 0 {
		return PurchasedCredit{}, fmt.Errorf("%w: session %s carries no purchase metadata", ErrInvalidSession, sessionID)
	}
	return PurchasedCredit{
		Email:             email,
		Submissions:       submissions,
		ProviderSessionID: sessionID,
		Status:            CreditCompleted,
	}, nil
}

func sessionOwner(customerEmail string, metadata map[string]string) string {
	if email := NormalizeEmail(metadata[MetadataAccountEmail]); email != "" {
		return email
	}
	return NormalizeEmail(customerEmail)
}

// complete performs the pending to completed transition. The provider's
// owner and size replace whatever was registered as pending; a session
// that was never registered is inserted as completed.
func (c *Credits) complete(ctx context.Context, purchase PurchasedCredit) (*PurchasedCredit, bool, error) {
	now := c.now().UTC()
	purchase.CreatedAt = now
	purchase.CompletedAt = &now
	sessionID := purchase.ProviderSessionID

	pending, err := c.store.GetCredit(ctx, sessionID)
	switch {
	case errors.Is(err, ErrCreditNotFound):
		pending = nil
	case err != nil:
		return nil, false, err
	case pending.Status == CreditCompleted:
		return pending, false, nil
	case pending.Email != purchase.Email || pending.Submissions != purchase.Submissions:
		c.logger.WarnContext(ctx, "pending credit disagrees with provider, provider values win",
			slog.String("session_id", sessionID),
			slog.String("registered_email", pending.Email),
			slog.Int64("registered_submissions", pending.Submissions),
			logger.Account(purchase.Email),
			slog.Int64("submissions", purchase.Submissions))
	}

	var done bool
	if pending != nil {
		done, err = c.store.CompleteCredit(ctx, purchase)
	} else {
		done, err = c.store.InsertCompletedCredit(ctx, purchase)
	}
	if err != nil {
		return nil, false, err
	}

	credit, err := c.store.GetCredit(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	if !done && credit.Status == CreditPending {
		// registered concurrently after the lookup above
		if done, err = c.store.CompleteCredit(ctx, purchase); err != nil {
			return nil, false, err
		}
		if credit, err = c.store.GetCredit(ctx, sessionID); err != nil {
			return nil, false, err
		}
	}
	if done {
		c.logger.InfoContext(ctx, "purchased credit completed",
			logger.Account(credit.Email),
			slog.String("session_id", sessionID),
			slog.Int64("submissions", credit.Submissions))
	}
	return credit, done, nil
}

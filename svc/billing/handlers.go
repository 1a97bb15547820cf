package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dmitrymomot/gradekit/pkg/logger"
)

// eventHandlers holds the dependencies of the default dispatch table.
type eventHandlers struct {
	syncer   *Syncer
	store    SubscriberStore
	credits  *Credits
	provider Provider
	logger   *slog.Logger
}

// NewEventHandlers returns the dispatch table for provider events.
func NewEventHandlers(syncer *Syncer, store SubscriberStore, credits *Credits, provider Provider, opts ...Option) map[EventKind]EventHandler {
	o := newOptions(opts)
	h := &eventHandlers{
		syncer:   syncer,
		store:    store,
		credits:  credits,
		provider: provider,
		logger:   o.logger.With(logger.Component("webhook_handlers")),
	}
	return map[EventKind]EventHandler{
		EventCheckoutCompleted:    EventHandlerFunc(h.checkoutCompleted),
		EventSubscriptionCreated:  EventHandlerFunc(h.syncAccount),
		EventSubscriptionUpdated:  EventHandlerFunc(h.syncAccount),
		EventSubscriptionDeleted:  EventHandlerFunc(h.subscriptionDeleted),
		EventInvoicePaid:          EventHandlerFunc(h.syncAccount),
		EventInvoicePaymentFailed: EventHandlerFunc(h.paymentFailed),
	}
}

func (h *eventHandlers) syncAccount(ctx context.Context, ev *Event) error {
	email, _, err := h.account(ctx, ev)
	if err != nil {
		return err
	}
	if ev.OccurredAt.IsZero() {
		_, err = h.syncer.Sync(ctx, email)
	} else {
		_, err = h.syncer.SyncForEvent(ctx, email, ev.OccurredAt)
	}
	return err
}

func (h *eventHandlers) checkoutCompleted(ctx context.Context, ev *Event) error {
	if ev.SubscriptionCheckout {
		return h.syncAccount(ctx, ev)
	}
	return h.credits.CompleteFromEvent(ctx, ev)
}

// subscriptionDeleted forces the unsubscribed state unless the event is
// stale: the record is already unsubscribed, tracks another subscription,
// or has seen a newer event.
func (h *eventHandlers) subscriptionDeleted(ctx context.Context, ev *Event) error {
	email, prev, err := h.account(ctx, ev)
	if err != nil {
		return err
	}
	log := h.logger.With(logger.Account(email), logger.EventID(ev.ID))

	switch {
	case prev == nil || !prev.Subscribed:
		log.InfoContext(ctx, "subscription already inactive, deletion ignored")
		return nil
	case ev.SubscriptionID != "" && prev.ProviderSubscriptionID != "" && ev.SubscriptionID != prev.ProviderSubscriptionID:
		log.InfoContext(ctx, "deleted subscription is not the current one, deletion ignored",
			slog.String("subscription_id", ev.SubscriptionID),
			slog.String("current_subscription_id", prev.ProviderSubscriptionID))
		return nil
	case prev.LastEventAt != nil && !ev.OccurredAt.IsZero() && ev.OccurredAt.Before(*prev.LastEventAt):
		log.WarnContext(ctx, "out-of-order deletion event ignored",
			slog.Time("occurred_at", ev.OccurredAt), slog.Time("last_event_at", *prev.LastEventAt))
		return nil
	}

	state := h.syncer.Unsubscribed(email, prev.ExternalCustomerID, prev)
	if !ev.OccurredAt.IsZero() {
		state.LastEventAt = latest(state.LastEventAt, timePtr(ev.OccurredAt))
	}
	_, err = h.syncer.Apply(ctx, state)
	return err
}

func (h *eventHandlers) paymentFailed(ctx context.Context, ev *Event) error {
	h.logger.WarnContext(ctx, "invoice payment failed",
		logger.EventID(ev.ID),
		slog.String("customer_id", ev.CustomerID),
		slog.String("customer_email", ev.CustomerEmail),
		slog.String("subscription_id", ev.SubscriptionID),
	)
	return nil
}

// account resolves the account an event belongs to: by known customer id,
// then by the email in the event, then by asking the provider.
func (h *eventHandlers) account(ctx context.Context, ev *Event) (string, *SubscriberRecord, error) {
	if ev.CustomerID != "" {
		rec, err := h.store.FindSubscriberByCustomerID(ctx, ev.CustomerID)
		switch {
		case err == nil:
			return rec.Email, rec, nil
		case !errors.Is(err, ErrSubscriberNotFound):
			return "", nil, err
		}
	}

	email := NormalizeEmail(ev.Metadata[MetadataAccountEmail])
	if email == "" {
		email = NormalizeEmail(ev.CustomerEmail)
	}
	if email == "" && ev.CustomerID != "" {
		c, err := h.provider.GetCustomer(ctx, ev.CustomerID)
		if err != nil {
			return "", nil, err
		}
		email = NormalizeEmail(c.Email)
	}
	if email == "" {
		return "", nil, fmt.Errorf("%w: event %s names no account", ErrInvalidPayload, ev.ID)
	}

	rec, err := h.store.GetSubscriber(ctx, email)
	switch {
	case errors.Is(err, ErrSubscriberNotFound):
		return email, nil, nil
	case err != nil:
		return "", nil, err
	}
	return email, rec, nil
}

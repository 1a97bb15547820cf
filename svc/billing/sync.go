package billing

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/dmitrymomot/gradekit/pkg/logger"
)

// Syncer derives an account's subscription state from the provider and
// writes it to the store. It is the single writer of sync-owned columns.
type Syncer struct {
	provider  Provider
	store     SubscriberStore
	resolver  *TierResolver
	snapshots SnapshotCache
	logger    *slog.Logger
	metrics   *Metrics
	now       func() time.Time
}

// NewSyncer creates a Syncer. Panics if a required dependency is nil.
func NewSyncer(provider Provider, store SubscriberStore, resolver *TierResolver, opts ...Option) *Syncer {
	if provider == nil {
		panic("billing: provider is required")
	}
	if store == nil {
		panic("billing: subscriber store is required")
	}
	if resolver == nil {
		panic("billing: tier resolver is required")
	}
	o := newOptions(opts)
	return &Syncer{
		provider:  provider,
		store:     store,
		resolver:  resolver,
		snapshots: o.snapshots,
		logger:    o.logger.With(logger.Component("billing_sync")),
		metrics:   o.metrics,
		now:       o.now,
	}
}

// Sync re-derives the account's state from the provider and upserts it.
// Provider unavailability is returned as a transient error and nothing is
// written.
func (s *Syncer) Sync(ctx context.Context, email string) (*SubscriberRecord, error) {
	return s.sync(ctx, email, nil)
}

// SyncForEvent is Sync triggered by a provider event that occurred at at.
func (s *Syncer) SyncForEvent(ctx context.Context, email string, at time.Time) (*SubscriberRecord, error) {
	return s.sync(ctx, email, &at)
}

func (s *Syncer) sync(ctx context.Context, email string, eventAt *time.Time) (*SubscriberRecord, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, ErrInvalidEmail
	}

	prev, err := s.load(ctx, email)
	if err != nil {
		s.metrics.sync("error")
		return nil, err
	}

	state, err := s.Derive(ctx, email, prev)
	if err != nil {
		s.metrics.sync("error")
		return nil, err
	}
	state.LastEventAt = latest(state.LastEventAt, eventAt)

	return s.Apply(ctx, state)
}

// Apply validates state and performs the single upsert of a sync.
func (s *Syncer) Apply(ctx context.Context, state SyncState) (*SubscriberRecord, error) {
	if err := state.Validate(); err != nil {
		return nil, errors.Join(ErrFatal, err)
	}

	rec, err := s.store.UpsertSyncState(ctx, state, s.now().UTC())
	if err != nil {
		s.metrics.sync("error")
		return nil, err
	}
	if rec.Subscribed {
		s.metrics.sync("subscribed")
	} else {
		s.metrics.sync("unsubscribed")
	}

	if err := s.snapshots.PutSnapshot(ctx, *rec); err != nil {
		s.logger.WarnContext(ctx, "failed to refresh subscriber snapshot",
			logger.Account(rec.Email), logger.Error(err))
	}
	return rec, nil
}

// Derive computes the state the account should have without writing it.
// prev is the stored record, or nil.
func (s *Syncer) Derive(ctx context.Context, email string, prev *SubscriberRecord) (SyncState, error) {
	var customerID string
	if prev != nil {
		customerID = prev.ExternalCustomerID
	}

	subs, customerID, err := s.listSubscriptions(ctx, email, customerID)
	switch {
	case errors.Is(err, ErrCustomerNotFound):
		return s.unsubscribed(email, "", prev), nil
	case errors.Is(err, ErrMalformedProviderData):
		s.logger.ErrorContext(ctx, "malformed subscription list, treating account as unsubscribed",
			logger.Account(email), logger.Error(err))
		s.metrics.sync("malformed")
		return s.unsubscribed(email, customerID, prev), nil
	case err != nil:
		return SyncState{}, err
	}

	sub, ok := s.pickActive(ctx, email, subs)
	if !ok {
		return s.unsubscribed(email, customerID, prev), nil
	}

	tier, err := s.resolveTier(ctx, sub)
	if err != nil {
		if IsTransient(err) {
			return SyncState{}, err
		}
		s.logger.ErrorContext(ctx, "cannot resolve subscription price, treating account as unsubscribed",
			logger.Account(email), slog.String("subscription_id", sub.ID), logger.Error(err))
		s.metrics.sync("malformed")
		return s.unsubscribed(email, customerID, prev), nil
	}

	start, end := sub.PeriodStart.UTC(), sub.PeriodEnd.UTC()
	state := SyncState{
		Email:                  email,
		ExternalCustomerID:     customerID,
		ProviderSubscriptionID: sub.ID,
		Subscribed:             true,
		Tier:                   tier,
		PeriodStart:            &start,
		PeriodEnd:              &end,
		NextResetDate:          timePtr(end),
	}
	if prev != nil {
		state.LastEventAt = prev.LastEventAt
	}
	return state, nil
}

// Unsubscribed returns the forced free-trial state of an account.
func (s *Syncer) Unsubscribed(email, customerID string, prev *SubscriberRecord) SyncState {
	return s.unsubscribed(email, customerID, prev)
}

func (s *Syncer) load(ctx context.Context, email string) (*SubscriberRecord, error) {
	prev, err := s.store.GetSubscriber(ctx, email)
	if errors.Is(err, ErrSubscriberNotFound) {
		return nil, nil
	}
	return prev, err
}

// listSubscriptions resolves the customer id, looking it up by email when
// none is cached or the cached one no longer exists.
func (s *Syncer) listSubscriptions(ctx context.Context, email, customerID string) ([]Subscription, string, error) {
	if customerID != "" {
		subs, err := s.provider.ListActiveSubscriptions(ctx, customerID)
		if !errors.Is(err, ErrCustomerNotFound) {
			return subs, customerID, err
		}
		s.logger.WarnContext(ctx, "cached customer no longer exists, looking up by email",
			logger.Account(email), slog.String("customer_id", customerID))
	}

	c, err := s.provider.FindCustomerByEmail(ctx, email)
	if err != nil {
		return nil, "", err
	}
	subs, err := s.provider.ListActiveSubscriptions(ctx, c.ID)
	return subs, c.ID, err
}

// pickActive returns the most recently started valid subscription.
func (s *Syncer) pickActive(ctx context.Context, email string, subs []Subscription) (Subscription, bool) {
	valid := make([]Subscription, 0, len(subs))
	for _, sub := range subs {
		if err := sub.Validate(); err != nil {
			s.logger.ErrorContext(ctx, "ignoring malformed subscription",
				logger.Account(email), logger.Error(err))
			s.metrics.sync("malformed")
			continue
		}
		valid = append(valid, sub)
	}
	if len(valid) == 0 {
		return Subscription{}, false
	}

	slices.SortFunc(valid, func(a, b Subscription) int {
		return cmp.Or(
			b.StartedAt.Compare(a.StartedAt),
			b.PeriodStart.Compare(a.PeriodStart),
			cmp.Compare(b.ID, a.ID),
		)
	})
	if len(valid) > 1 {
		s.logger.InfoContext(ctx, "multiple active subscriptions, most recently started wins",
			logger.Account(email), slog.String("subscription_id", valid[0].ID), slog.Int("count", len(valid)))
	}
	return valid[0], true
}

func (s *Syncer) resolveTier(ctx context.Context, sub Subscription) (Tier, error) {
	if t, ok := s.resolver.Lookup(sub.PriceID); ok {
		return t, nil
	}

	amount := sub.Amount
	if amount <= 0 && sub.PriceID != "" {
		p, err := s.provider.GetPrice(ctx, sub.PriceID)
		if err != nil {
			if IsTransient(err) {
				return TierFreeTrial, err
			}
			return TierFreeTrial, errors.Join(ErrMalformedProviderData, err)
		}
		amount = p.Amount
	}
	return s.resolver.Resolve(ctx, sub.PriceID, amount), nil
}

// unsubscribed continues the trial window of an account that was already
// unsubscribed, rolled forward the same way usage counting rolls it, and
// starts a new one otherwise.
func (s *Syncer) unsubscribed(email, customerID string, prev *SubscriberRecord) SyncState {
	now := s.now()
	w := TrialWindow(now)
	var lastEvent *time.Time
	if prev != nil {
		lastEvent = prev.LastEventAt
		if !prev.Subscribed && prev.PeriodStart != nil {
			w = CurrentWindow(prev, now)
		}
	}
	return SyncState{
		Email:              email,
		ExternalCustomerID: customerID,
		Subscribed:         false,
		Tier:               TierFreeTrial,
		PeriodStart:        &w.Start,
		NextResetDate:      &w.End,
		LastEventAt:        lastEvent,
	}
}

func latest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	default:
		return a
	}
}

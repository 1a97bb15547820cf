package billing

import (
	"fmt"
	"strings"
	"time"
)

// Tier is a named service level. Tiers are ordered: a greater value is a
// higher plan.
type Tier int

const (
	TierFreeTrial Tier = iota
	TierLite
	TierCore
	TierFullTime
	TierSuper
)

var tierNames = [...]string{
	TierFreeTrial: "free_trial",
	TierLite:      "lite",
	TierCore:      "core",
	TierFullTime:  "full_time",
	TierSuper:     "super",
}

// Tiers lists every tier in plan order.
func Tiers() []Tier {
	return []Tier{TierFreeTrial, TierLite, TierCore, TierFullTime, TierSuper}
}

func (t Tier) String() string {
	if t < TierFreeTrial || t > TierSuper {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return tierNames[t]
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	return t >= TierFreeTrial && t <= TierSuper
}

// ParseTier parses the canonical tier name.
func ParseTier(s string) (Tier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range tierNames {
		if name == s {
			return Tier(i), nil
		}
	}
	return TierFreeTrial, fmt.Errorf("%w: %q", ErrUnknownTier, s)
}

func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTier, int(t))
	}
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// AccountStatus is changed only by admin overrides.
type AccountStatus string

const (
	AccountActive AccountStatus = "active"
	AccountPaused AccountStatus = "paused"
)

// SubscriberRecord is the locally cached billing state of one account,
// keyed by account email.
type SubscriberRecord struct {
	Email                  string
	ExternalCustomerID     string
	ProviderSubscriptionID string
	Subscribed             bool
	Tier                   Tier
	PeriodStart            *time.Time
	PeriodEnd              *time.Time
	NextResetDate          *time.Time
	AccountStatus          AccountStatus
	UnlimitedOverride      bool
	LastEventAt            *time.Time
	LastSyncedAt           time.Time
	UpdatedAt              time.Time
}

// SyncState returns the columns owned by the sync path.
func (r SubscriberRecord) SyncState() SyncState {
	return SyncState{
		Email:                  r.Email,
		ExternalCustomerID:     r.ExternalCustomerID,
		ProviderSubscriptionID: r.ProviderSubscriptionID,
		Subscribed:             r.Subscribed,
		Tier:                   r.Tier,
		PeriodStart:            r.PeriodStart,
		PeriodEnd:              r.PeriodEnd,
		NextResetDate:          r.NextResetDate,
		LastEventAt:            r.LastEventAt,
	}
}

// SyncState is the part of a SubscriberRecord re-derived from the provider
// on every sync. It is always written as a whole.
type SyncState struct {
	Email                  string
	ExternalCustomerID     string
	ProviderSubscriptionID string
	Subscribed             bool
	Tier                   Tier
	PeriodStart            *time.Time
	PeriodEnd              *time.Time
	NextResetDate          *time.Time
	LastEventAt            *time.Time
}

// Validate checks the record invariants.
func (s SyncState) Validate() error {
	if s.Email == "" {
		return ErrInvalidEmail
	}
	if !s.Tier.Valid() {
		return ErrUnknownTier
	}
	if !s.Subscribed {
		if s.Tier != TierFreeTrial || s.PeriodEnd != nil || s.ProviderSubscriptionID != "" {
			return fmt.Errorf("%w: unsubscribed state must be free trial without period end", ErrInvalidSyncState)
		}
	}
	if s.PeriodStart != nil && s.PeriodEnd != nil && !s.PeriodStart.Before(*s.PeriodEnd) {
		return fmt.Errorf("%w: period start must precede period end", ErrInvalidSyncState)
	}
	return nil
}

// Equal compares two states field by field. LastEventAt is bookkeeping and
// does not count as drift.
func (s SyncState) Equal(o SyncState) bool {
	return s.Email == o.Email &&
		s.ExternalCustomerID == o.ExternalCustomerID &&
		s.ProviderSubscriptionID == o.ProviderSubscriptionID &&
		s.Subscribed == o.Subscribed &&
		s.Tier == o.Tier &&
		timeEqual(s.PeriodStart, o.PeriodStart) &&
		timeEqual(s.PeriodEnd, o.PeriodEnd) &&
		timeEqual(s.NextResetDate, o.NextResetDate)
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// WebhookEventLogEntry is the write-once dedup record of a provider event.
type WebhookEventLogEntry struct {
	ProviderEventID string
	EventType       string
	ReceivedAt      time.Time
	Payload         []byte
}

// UsageCounter counts billable submissions of one account in one billing
// period.
type UsageCounter struct {
	Email           string
	PeriodLabel     string
	SubmissionsUsed int64
	UpdatedAt       time.Time
}

type CreditStatus string

const (
	CreditPending   CreditStatus = "pending"
	CreditCompleted CreditStatus = "completed"
)

// PurchasedCredit is one add-on purchase. Completed credits never expire.
type PurchasedCredit struct {
	Email             string
	Submissions       int64
	ProviderSessionID string
	Status            CreditStatus
	CreatedAt         time.Time
	CompletedAt       *time.Time
}

// EventKind is the provider-neutral type of a webhook event.
type EventKind string

const (
	EventCheckoutCompleted    EventKind = "checkout.completed"
	EventSubscriptionCreated  EventKind = "subscription.created"
	EventSubscriptionUpdated  EventKind = "subscription.updated"
	EventSubscriptionDeleted  EventKind = "subscription.deleted"
	EventInvoicePaid          EventKind = "invoice.paid"
	EventInvoicePaymentFailed EventKind = "invoice.payment_failed"
	EventUnknown              EventKind = "unknown"
)

// Event is a verified provider notification normalized by a Provider.
type Event struct {
	ID             string
	Kind           EventKind
	ProviderType   string
	OccurredAt     time.Time
	CustomerID     string
	CustomerEmail  string
	SubscriptionID string
	// Checkout fields.
	SessionID            string
	SubscriptionCheckout bool
	Paid                 bool
	Metadata             map[string]string
	Payload              []byte
}

func timePtr(t time.Time) *time.Time {
	return &t
}

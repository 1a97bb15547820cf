package billing

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Provider is the billing provider contract. Implementations bound every
// call by a timeout and report unavailability as ErrProviderUnavailable.
type Provider interface {
	Name() string

	// FindCustomerByEmail returns ErrCustomerNotFound when no customer exists.
	FindCustomerByEmail(ctx context.Context, email string) (*Customer, error)
	GetCustomer(ctx context.Context, customerID string) (*Customer, error)
	// ListActiveSubscriptions returns the customer's active subscriptions.
	// Items may be malformed; callers validate them.
	ListActiveSubscriptions(ctx context.Context, customerID string) ([]Subscription, error)
	GetPrice(ctx context.Context, priceID string) (*Price, error)
	GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error)

	// ParseWebhook verifies the signature of payload and normalizes it.
	// A bad signature returns ErrInvalidSignature.
	ParseWebhook(ctx context.Context, payload []byte, header http.Header) (*Event, error)

	PauseCollection(ctx context.Context, subscriptionID string) error
	ResumeCollection(ctx context.Context, subscriptionID string) error
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

type Customer struct {
	ID    string
	Email string
}

// Subscription is an active subscription as reported by the provider.
type Subscription struct {
	ID          string
	CustomerID  string
	Status      string
	StartedAt   time.Time
	PeriodStart time.Time
	PeriodEnd   time.Time
	PriceID     string
	// Amount is the unit amount in minor units, 0 when unknown.
	Amount int64
}

// Validate reports shape problems that make the subscription unusable.
func (s Subscription) Validate() error {
	switch {
	case s.ID == "":
		return fmt.Errorf("%w: subscription without id", ErrMalformedProviderData)
	case s.PriceID == "" && s.Amount <= 0:
		return fmt.Errorf("%w: subscription %s has no price", ErrMalformedProviderData, s.ID)
	case s.PeriodStart.IsZero() || s.PeriodEnd.IsZero():
		return fmt.Errorf("%w: subscription %s has no billing period", ErrMalformedProviderData, s.ID)
	case !s.PeriodStart.Before(s.PeriodEnd):
		return fmt.Errorf("%w: subscription %s period start is not before end", ErrMalformedProviderData, s.ID)
	}
	return nil
}

type Price struct {
	ID string
	// Amount is the monthly unit amount in minor units.
	Amount int64
}

// CheckoutSession is a provider checkout (Stripe session, Paddle transaction).
type CheckoutSession struct {
	ID                   string
	CustomerID           string
	CustomerEmail        string
	Paid                 bool
	SubscriptionCheckout bool
	Metadata             map[string]string
}

// Metadata keys written on add-on checkouts.
const (
	MetadataAccountEmail = "account_email"
	MetadataSubmissions  = "submissions"
)

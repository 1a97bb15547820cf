package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// StripeConfig holds configuration for the Stripe billing provider.
type StripeConfig struct {
	SecretKey     string `env:"STRIPE_SECRET_KEY"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
	// APIURL overrides the API base URL. Used against stripe-mock and in tests.
	APIURL string `env:"STRIPE_API_URL"`

	HTTPClient *http.Client `env:"-"`
}

// StripeProvider implements Provider for Stripe.
type StripeProvider struct {
	client        *client.API
	webhookSecret string
}

// NewStripeProvider creates a Stripe provider. Retries are left to the
// caller, so the SDK's own network retries are disabled.
func NewStripeProvider(cfg StripeConfig) (*StripeProvider, error) {
	if cfg.SecretKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.WebhookSecret == "" {
		return nil, ErrMissingWebhookSecret
	}

	bc := &stripe.BackendConfig{
		HTTPClient:        cfg.HTTPClient,
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	}
	if cfg.APIURL != "" {
		bc.URL = stripe.String(cfg.APIURL)
	}

	return &StripeProvider{
		client:        client.New(cfg.SecretKey, stripe.NewBackendsWithConfig(bc)),
		webhookSecret: cfg.WebhookSecret,
	}, nil
}

func (p *StripeProvider) Name() string { return "stripe" }

// FindCustomerByEmail returns the most recently created live customer with
// the given email.
func (p *StripeProvider) FindCustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Context = ctx
	params.Limit = stripe.Int64(10)

	it := p.client.Customers.List(params)
	for it.Next() {
		c := it.Customer()
		if c.Deleted {
			continue
		}
		return &Customer{ID: c.ID, Email: c.Email}, nil
	}
	if err := it.Err(); err != nil {
		return nil, stripeError("list customers", err, ErrCustomerNotFound)
	}
	return nil, ErrCustomerNotFound
}

func (p *StripeProvider) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx

	c, err := p.client.Customers.Get(customerID, params)
	if err != nil {
		return nil, stripeError("get customer", err, ErrCustomerNotFound)
	}
	if c.Deleted {
		return nil, ErrCustomerNotFound
	}
	return &Customer{ID: c.ID, Email: c.Email}, nil
}

func (p *StripeProvider) ListActiveSubscriptions(ctx context.Context, customerID string) ([]Subscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String(string(stripe.SubscriptionStatusActive)),
	}
	params.Context = ctx

	var subs []Subscription
	it := p.client.Subscriptions.List(params)
	for it.Next() {
		subs = append(subs, stripeSubscription(it.Subscription()))
	}
	if err := it.Err(); err != nil {
		return nil, stripeError("list subscriptions", err, ErrCustomerNotFound)
	}
	return subs, nil
}

func (p *StripeProvider) GetPrice(ctx context.Context, priceID string) (*Price, error) {
	params := &stripe.PriceParams{}
	params.Context = ctx

	pr, err := p.client.Prices.Get(priceID, params)
	if err != nil {
		return nil, stripeError("get price", err, ErrMalformedProviderData)
	}
	return &Price{ID: pr.ID, Amount: monthlyAmount(pr)}, nil
}

func (p *StripeProvider) GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	s, err := p.client.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return nil, stripeError("get checkout session", err, ErrInvalidSession)
	}
	return stripeCheckout(s), nil
}

// ParseWebhook verifies the Stripe-Signature header and normalizes the event.
func (p *StripeProvider) ParseWebhook(_ context.Context, payload []byte, header http.Header) (*Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, header.Get("Stripe-Signature"), p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, errors.Join(ErrInvalidSignature, err)
	}
	if ev.ID == "" {
		return nil, fmt.Errorf("%w: event without id", ErrInvalidPayload)
	}

	out := &Event{
		ID:           ev.ID,
		Kind:         EventUnknown,
		ProviderType: string(ev.Type),
		OccurredAt:   time.Unix(ev.Created, 0).UTC(),
		Payload:      payload,
	}
	if ev.Data == nil {
		return out, nil
	}

	switch ev.Type {
	case "checkout.session.completed":
		var s stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("%w: checkout session: %w", ErrInvalidPayload, err)
		}
		cs := stripeCheckout(&s)
		out.Kind = EventCheckoutCompleted
		out.SessionID = cs.ID
		out.CustomerID = cs.CustomerID
		out.CustomerEmail = cs.CustomerEmail
		out.Paid = cs.Paid
		out.SubscriptionCheckout = cs.SubscriptionCheckout
		out.Metadata = cs.Metadata
		if s.Subscription != nil {
			out.SubscriptionID = s.Subscription.ID
		}

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var s stripe.Subscription
		if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("%w: subscription: %w", ErrInvalidPayload, err)
		}
		out.Kind = map[stripe.EventType]EventKind{
			"customer.subscription.created": EventSubscriptionCreated,
			"customer.subscription.updated": EventSubscriptionUpdated,
			"customer.subscription.deleted": EventSubscriptionDeleted,
		}[ev.Type]
		out.SubscriptionID = s.ID
		if s.Customer != nil {
			out.CustomerID = s.Customer.ID
			out.CustomerEmail = s.Customer.Email
		}
		out.Metadata = s.Metadata

	case "invoice.paid", "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(ev.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("%w: invoice: %w", ErrInvalidPayload, err)
		}
		out.Kind = EventInvoicePaid
		if ev.Type == "invoice.payment_failed" {
			out.Kind = EventInvoicePaymentFailed
		}
		if inv.Customer != nil {
			out.CustomerID = inv.Customer.ID
		}
		out.CustomerEmail = inv.CustomerEmail
		if inv.Subscription != nil {
			out.SubscriptionID = inv.Subscription.ID
		}
	}
	return out, nil
}

func (p *StripeProvider) PauseCollection(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionParams{
		PauseCollection: &stripe.SubscriptionPauseCollectionParams{
			Behavior: stripe.String(string(stripe.SubscriptionPauseCollectionBehaviorVoid)),
		},
	}
	params.Context = ctx

	if _, err := p.client.Subscriptions.Update(subscriptionID, params); err != nil {
		return stripeError("pause collection", err, ErrMalformedProviderData)
	}
	return nil
}

func (p *StripeProvider) ResumeCollection(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	// An empty pause_collection clears the pause.
	params.AddExtra("pause_collection", "")

	if _, err := p.client.Subscriptions.Update(subscriptionID, params); err != nil {
		return stripeError("resume collection", err, ErrMalformedProviderData)
	}
	return nil
}

func (p *StripeProvider) CancelSubscription(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx

	if _, err := p.client.Subscriptions.Cancel(subscriptionID, params); err != nil {
		return stripeError("cancel subscription", err, ErrMalformedProviderData)
	}
	return nil
}

func stripeSubscription(s *stripe.Subscription) Subscription {
	out := Subscription{
		ID:     s.ID,
		Status: string(s.Status),
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	started := s.StartDate
	if started == 0 {
		started = s.Created
	}
	out.StartedAt = unixTime(started)
	out.PeriodStart = unixTime(s.CurrentPeriodStart)
	out.PeriodEnd = unixTime(s.CurrentPeriodEnd)

	if s.Items != nil {
		for _, item := range s.Items.Data {
			if item == nil || item.Price == nil {
				continue
			}
			out.PriceID = item.Price.ID
			out.Amount = monthlyAmount(item.Price)
			break
		}
	}
	return out
}

func stripeCheckout(s *stripe.CheckoutSession) *CheckoutSession {
	out := &CheckoutSession{
		ID:                   s.ID,
		CustomerEmail:        s.CustomerEmail,
		Paid:                 s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		SubscriptionCheckout: s.Mode == stripe.CheckoutSessionModeSubscription,
		Metadata:             s.Metadata,
	}
	if s.CustomerDetails != nil && s.CustomerDetails.Email != "" {
		out.CustomerEmail = s.CustomerDetails.Email
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	return out
}

// monthlyAmount normalizes a recurring price to its monthly unit amount.
func monthlyAmount(p *stripe.Price) int64 {
	amount := p.UnitAmount
	if p.Recurring == nil {
		return amount
	}
	count := max(p.Recurring.IntervalCount, 1)
	switch p.Recurring.Interval {
	case stripe.PriceRecurringIntervalYear:
		return amount / (12 * count)
	case stripe.PriceRecurringIntervalMonth:
		return amount / count
	}
	return amount
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// stripeError classifies a Stripe SDK error. Rate limits, server errors and
// transport failures are unavailability; a missing resource maps to notFound.
func stripeError(op string, err error, notFound error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("stripe %s: %w: %w", op, ErrProviderUnavailable, err)
	}

	var se *stripe.Error
	if !errors.As(err, &se) {
		return fmt.Errorf("stripe %s: %w: %w", op, ErrProviderUnavailable, err)
	}
	switch {
	case se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("stripe %s: %w: %w", op, ErrProviderUnavailable, err)
	case se.Code == stripe.ErrorCodeResourceMissing || se.HTTPStatusCode == http.StatusNotFound:
		return fmt.Errorf("stripe %s: %w: %w", op, notFound, err)
	}
	return fmt.Errorf("stripe %s: %w", op, err)
}

package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
)

// PaddleConfig holds configuration for the Paddle billing provider.
type PaddleConfig struct {
	APIKey        string `env:"PADDLE_API_KEY"`
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET"`
	Sandbox       bool   `env:"PADDLE_SANDBOX" envDefault:"false"`
}

// PaddleProvider implements Provider for Paddle Billing. Checkout sessions
// are Paddle transactions.
type PaddleProvider struct {
	client   *paddle.SDK
	verifier *paddle.WebhookVerifier
}

// NewPaddleProvider creates a Paddle provider.
func NewPaddleProvider(cfg PaddleConfig) (*PaddleProvider, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.WebhookSecret == "" {
		return nil, ErrMissingWebhookSecret
	}

	var (
		client *paddle.SDK
		err    error
	)
	if cfg.Sandbox {
		client, err = paddle.NewSandbox(cfg.APIKey)
	} else {
		client, err = paddle.New(cfg.APIKey)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}

	return &PaddleProvider{
		client:   client,
		verifier: paddle.NewWebhookVerifier(cfg.WebhookSecret),
	}, nil
}

func (p *PaddleProvider) Name() string { return "paddle" }

func (p *PaddleProvider) FindCustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	res, err := p.client.CustomersClient.ListCustomers(ctx, &paddle.ListCustomersRequest{
		Email: []string{email},
	})
	if err != nil {
		return nil, paddleError("list customers", err, ErrCustomerNotFound)
	}

	var found *Customer
	err = res.Iter(ctx, func(c *paddle.Customer) (bool, error) {
		found = &Customer{ID: c.ID, Email: c.Email}
		return false, nil
	})
	if err != nil {
		return nil, paddleError("list customers", err, ErrCustomerNotFound)
	}
	if found == nil {
		return nil, ErrCustomerNotFound
	}
	return found, nil
}

func (p *PaddleProvider) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	c, err := p.client.CustomersClient.GetCustomer(ctx, &paddle.GetCustomerRequest{CustomerID: customerID})
	if err != nil {
		return nil, paddleError("get customer", err, ErrCustomerNotFound)
	}
	return &Customer{ID: c.ID, Email: c.Email}, nil
}

func (p *PaddleProvider) ListActiveSubscriptions(ctx context.Context, customerID string) ([]Subscription, error) {
	res, err := p.client.SubscriptionsClient.ListSubscriptions(ctx, &paddle.ListSubscriptionsRequest{
		CustomerID: []string{customerID},
		Status:     []string{"active"},
	})
	if err != nil {
		return nil, paddleError("list subscriptions", err, ErrCustomerNotFound)
	}

	var subs []Subscription
	err = res.Iter(ctx, func(s *paddle.Subscription) (bool, error) {
		subs = append(subs, paddleSubscription(s))
		return true, nil
	})
	if err != nil {
		return nil, paddleError("list subscriptions", err, ErrCustomerNotFound)
	}
	return subs, nil
}

func (p *PaddleProvider) GetPrice(ctx context.Context, priceID string) (*Price, error) {
	pr, err := p.client.PricesClient.GetPrice(ctx, &paddle.GetPriceRequest{PriceID: priceID})
	if err != nil {
		return nil, paddleError("get price", err, ErrMalformedProviderData)
	}
	amount := parseMinor(pr.UnitPrice.Amount)
	if pr.BillingCycle != nil && string(pr.BillingCycle.Interval) == "year" {
		amount /= 12 * int64(max(pr.BillingCycle.Frequency, 1))
	}
	return &Price{ID: pr.ID, Amount: amount}, nil
}

// GetCheckoutSession reads a transaction. The owner email comes from custom
// data, falling back to the transaction's customer.
func (p *PaddleProvider) GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	tx, err := p.client.TransactionsClient.GetTransaction(ctx, &paddle.GetTransactionRequest{TransactionID: sessionID})
	if err != nil {
		return nil, paddleError("get transaction", err, ErrInvalidSession)
	}

	out := &CheckoutSession{
		ID:                   tx.ID,
		Paid:                 paddlePaid(string(tx.Status)),
		SubscriptionCheckout: tx.SubscriptionID != nil && *tx.SubscriptionID != "",
		Metadata:             stringMap(tx.CustomData),
	}
	if tx.CustomerID != nil {
		out.CustomerID = *tx.CustomerID
	}
	if out.Metadata[MetadataAccountEmail] == "" && out.CustomerID != "" {
		c, err := p.GetCustomer(ctx, out.CustomerID)
		if err != nil {
			return nil, err
		}
		out.CustomerEmail = c.Email
	}
	return out, nil
}

// paddleNotification is the envelope of a Paddle webhook.
type paddleNotification struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt string          `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

type paddleEntity struct {
	ID             string         `json:"id"`
	Status         string         `json:"status"`
	CustomerID     string         `json:"customer_id"`
	SubscriptionID string         `json:"subscription_id"`
	CustomData     map[string]any `json:"custom_data"`
}

// ParseWebhook verifies the Paddle-Signature header and normalizes the event.
func (p *PaddleProvider) ParseWebhook(ctx context.Context, payload []byte, header http.Header) (*Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhook", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request for verification: %w", err)
	}
	req.Header.Set("Paddle-Signature", header.Get("Paddle-Signature"))

	valid, err := p.verifier.Verify(req)
	if err != nil {
		return nil, errors.Join(ErrInvalidSignature, err)
	}
	if !valid {
		return nil, ErrInvalidSignature
	}
	return parsePaddleNotification(payload)
}

func parsePaddleNotification(payload []byte) (*Event, error) {
	var n paddleNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if n.EventID == "" {
		return nil, fmt.Errorf("%w: event without id", ErrInvalidPayload)
	}

	out := &Event{
		ID:           n.EventID,
		Kind:         EventUnknown,
		ProviderType: n.EventType,
		Payload:      payload,
	}
	if t, err := time.Parse(time.RFC3339Nano, n.OccurredAt); err == nil {
		out.OccurredAt = t.UTC()
	}

	var d paddleEntity
	if len(n.Data) > 0 {
		if err := json.Unmarshal(n.Data, &d); err != nil {
			return nil, fmt.Errorf("%w: data: %w", ErrInvalidPayload, err)
		}
	}
	out.CustomerID = d.CustomerID
	out.Metadata = stringMap(d.CustomData)

	switch n.EventType {
	case "transaction.completed":
		out.Kind = EventCheckoutCompleted
		out.SessionID = d.ID
		out.SubscriptionID = d.SubscriptionID
		out.SubscriptionCheckout = d.SubscriptionID != ""
		out.Paid = paddlePaid(d.Status)
	case "transaction.payment_failed":
		out.Kind = EventInvoicePaymentFailed
		out.SubscriptionID = d.SubscriptionID
	case "subscription.created", "subscription.activated":
		out.Kind = EventSubscriptionCreated
		out.SubscriptionID = d.ID
	case "subscription.updated", "subscription.resumed", "subscription.paused":
		out.Kind = EventSubscriptionUpdated
		out.SubscriptionID = d.ID
	case "subscription.canceled":
		out.Kind = EventSubscriptionDeleted
		out.SubscriptionID = d.ID
	}
	return out, nil
}

func (p *PaddleProvider) PauseCollection(ctx context.Context, subscriptionID string) error {
	if _, err := p.client.SubscriptionsClient.PauseSubscription(ctx, &paddle.PauseSubscriptionRequest{
		SubscriptionID: subscriptionID,
	}); err != nil {
		return paddleError("pause subscription", err, ErrMalformedProviderData)
	}
	return nil
}

func (p *PaddleProvider) ResumeCollection(ctx context.Context, subscriptionID string) error {
	if _, err := p.client.SubscriptionsClient.ResumeSubscription(ctx, &paddle.ResumeSubscriptionRequest{
		SubscriptionID: subscriptionID,
	}); err != nil {
		return paddleError("resume subscription", err, ErrMalformedProviderData)
	}
	return nil
}

func (p *PaddleProvider) CancelSubscription(ctx context.Context, subscriptionID string) error {
	if _, err := p.client.SubscriptionsClient.CancelSubscription(ctx, &paddle.CancelSubscriptionRequest{
		SubscriptionID: subscriptionID,
	}); err != nil {
		return paddleError("cancel subscription", err, ErrMalformedProviderData)
	}
	return nil
}

func paddleSubscription(s *paddle.Subscription) Subscription {
	out := Subscription{
		ID:         s.ID,
		CustomerID: s.CustomerID,
		Status:     string(s.Status),
	}
	if s.StartedAt != nil {
		out.StartedAt = parseRFC3339(*s.StartedAt)
	}
	if s.CurrentBillingPeriod != nil {
		out.PeriodStart = parseRFC3339(s.CurrentBillingPeriod.StartsAt)
		out.PeriodEnd = parseRFC3339(s.CurrentBillingPeriod.EndsAt)
	}
	for _, item := range s.Items {
		if item.Price.ID == "" {
			continue
		}
		out.PriceID = item.Price.ID
		out.Amount = parseMinor(item.Price.UnitPrice.Amount)
		break
	}
	return out
}

func paddlePaid(status string) bool {
	return status == "completed" || status == "paid"
}

func parseRFC3339(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// parseMinor parses a Paddle money amount, already in minor units.
func parseMinor(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func stringMap[M ~map[string]any](m M) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}

// paddleError classifies a Paddle SDK error by transport failure and the
// API error code carried in its message.
func paddleError(op string, err error, notFound error) error {
	var ne net.Error
	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), errors.As(err, &ne):
		return fmt.Errorf("paddle %s: %w: %w", op, ErrProviderUnavailable, err)
	case strings.Contains(msg, "too_many_requests"), strings.Contains(msg, "internal_error"),
		strings.Contains(msg, "service_unavailable"), strings.Contains(msg, "bad_gateway"):
		return fmt.Errorf("paddle %s: %w: %w", op, ErrProviderUnavailable, err)
	case strings.Contains(msg, "not_found"):
		return fmt.Errorf("paddle %s: %w: %w", op, notFound, err)
	}
	return fmt.Errorf("paddle %s: %w", op, err)
}

package billing

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// DefaultProviderTimeout bounds a single provider call.
const DefaultProviderTimeout = 10 * time.Second

// guardedProvider bounds every call with a timeout and records its latency.
type guardedProvider struct {
	next    Provider
	timeout time.Duration
	metrics *Metrics
}

// GuardProvider wraps p so that no call runs longer than timeout. An
// expired deadline is reported as ErrProviderUnavailable.
func GuardProvider(p Provider, timeout time.Duration, m *Metrics) Provider {
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	return &guardedProvider{next: p, timeout: timeout, metrics: m}
}

func (g *guardedProvider) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrProviderUnavailable) {
		err = errors.Join(ErrProviderUnavailable, err)
	}
	g.metrics.observeProvider(op, start, err)
	return err
}

func (g *guardedProvider) Name() string { return g.next.Name() }

func (g *guardedProvider) FindCustomerByEmail(ctx context.Context, email string) (c *Customer, err error) {
	err = g.call(ctx, "find_customer", func(ctx context.Context) error {
		c, err = g.next.FindCustomerByEmail(ctx, email)
		return err
	})
	return c, err
}

func (g *guardedProvider) GetCustomer(ctx context.Context, id string) (c *Customer, err error) {
	err = g.call(ctx, "get_customer", func(ctx context.Context) error {
		c, err = g.next.GetCustomer(ctx, id)
		return err
	})
	return c, err
}

func (g *guardedProvider) ListActiveSubscriptions(ctx context.Context, customerID string) (subs []Subscription, err error) {
	err = g.call(ctx, "list_subscriptions", func(ctx context.Context) error {
		subs, err = g.next.ListActiveSubscriptions(ctx, customerID)
		return err
	})
	return subs, err
}

func (g *guardedProvider) GetPrice(ctx context.Context, priceID string) (p *Price, err error) {
	err = g.call(ctx, "get_price", func(ctx context.Context) error {
		p, err = g.next.GetPrice(ctx, priceID)
		return err
	})
	return p, err
}

func (g *guardedProvider) GetCheckoutSession(ctx context.Context, id string) (s *CheckoutSession, err error) {
	err = g.call(ctx, "get_checkout_session", func(ctx context.Context) error {
		s, err = g.next.GetCheckoutSession(ctx, id)
		return err
	})
	return s, err
}

// ParseWebhook is local work and is not bounded.
func (g *guardedProvider) ParseWebhook(ctx context.Context, payload []byte, header http.Header) (*Event, error) {
	return g.next.ParseWebhook(ctx, payload, header)
}

func (g *guardedProvider) PauseCollection(ctx context.Context, id string) error {
	return g.call(ctx, "pause_collection", func(ctx context.Context) error {
		return g.next.PauseCollection(ctx, id)
	})
}

func (g *guardedProvider) ResumeCollection(ctx context.Context, id string) error {
	return g.call(ctx, "resume_collection", func(ctx context.Context) error {
		return g.next.ResumeCollection(ctx, id)
	})
}

func (g *guardedProvider) CancelSubscription(ctx context.Context, id string) error {
	return g.call(ctx, "cancel_subscription", func(ctx context.Context) error {
		return g.next.CancelSubscription(ctx, id)
	})
}

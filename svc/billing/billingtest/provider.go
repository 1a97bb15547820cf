package billingtest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/dmitrymomot/gradekit/svc/billing"
)

var _ billing.Provider = (*Provider)(nil)

// SignatureHeader carries the fake webhook signature.
const SignatureHeader = "X-Test-Signature"

// ValidSignature is the only signature the fake provider accepts.
const ValidSignature = "valid"

// Provider is a scriptable billing.Provider.
type Provider struct {
	mu        sync.Mutex
	customers map[string]billing.Customer
	subs      map[string][]billing.Subscription
	prices    map[string]billing.Price
	sessions  map[string]billing.CheckoutSession
	failures  map[string]error
	calls     map[string]int

	Paused    []string
	Resumed   []string
	Cancelled []string
}

func NewProvider() *Provider {
	return &Provider{
		customers: make(map[string]billing.Customer),
		subs:      make(map[string][]billing.Subscription),
		prices:    make(map[string]billing.Price),
		sessions:  make(map[string]billing.CheckoutSession),
		failures:  make(map[string]error),
		calls:     make(map[string]int),
	}
}

func (p *Provider) AddCustomer(id, email string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customers[id] = billing.Customer{ID: id, Email: email}
}

func (p *Provider) RemoveCustomer(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.customers, id)
	delete(p.subs, id)
}

// SetSubscriptions replaces the active subscriptions of a customer.
func (p *Provider) SetSubscriptions(customerID string, subs ...billing.Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range subs {
		subs[i].CustomerID = customerID
	}
	p.subs[customerID] = subs
}

func (p *Provider) SetPrice(price billing.Price) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[price.ID] = price
}

func (p *Provider) SetSession(s billing.CheckoutSession) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[s.ID] = s
}

// Fail makes every later call of method return err. Method "*" matches
// every API call except ParseWebhook. A nil err clears it.
func (p *Provider) Fail(method string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, method)
		return
	}
	p.failures[method] = err
}

// Calls returns how many times method was called.
func (p *Provider) Calls(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[method]
}

func (p *Provider) enter(method string) error {
	p.mu.Lock()
	p.calls[method]++
	if err := p.failures[method]; err != nil {
		return err
	}
	return p.failures["*"]
}

func (p *Provider) Name() string { return "fake" }

func (p *Provider) FindCustomerByEmail(_ context.Context, email string) (*billing.Customer, error) {
	err := p.enter("FindCustomerByEmail")
	defer p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	for _, c := range p.customers {
		if c.Email == email {
			return &c, nil
		}
	}
	return nil, billing.ErrCustomerNotFound
}

func (p *Provider) GetCustomer(_ context.Context, customerID string) (*billing.Customer, error) {
	err := p.enter("GetCustomer")
	defer p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c, ok := p.customers[customerID]
	if !ok {
		return nil, billing.ErrCustomerNotFound
	}
	return &c, nil
}

func (p *Provider) ListActiveSubscriptions(_ context.Context, customerID string) ([]billing.Subscription, error) {
	err := p.enter("ListActiveSubscriptions")
	defer p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if _, ok := p.customers[customerID]; !ok {
		return nil, billing.ErrCustomerNotFound
	}
	return append([]billing.Subscription(nil), p.subs[customerID]...), nil
}

func (p *Provider) GetPrice(_ context.Context, priceID string) (*billing.Price, error) {
	err := p.enter("GetPrice")
	defer p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	pr, ok := p.prices[priceID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown price %s", billing.ErrMalformedProviderData, priceID)
	}
	return &pr, nil
}

func (p *Provider) GetCheckoutSession(_ context.Context, sessionID string) (*billing.CheckoutSession, error) {
	err := p.enter("GetCheckoutSession")
	defer p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s, ok := p.sessions[sessionID]
	if !ok {
		return nil, billing.ErrInvalidSession
	}
	return &s, nil
}

// ParseWebhook accepts JSON-encoded billing.Event payloads signed with
// ValidSignature.
func (p *Provider) ParseWebhook(_ context.Context, payload []byte, header http.Header) (*billing.Event, error) {
	p.mu.Lock()
	p.calls["ParseWebhook"]++
	p.mu.Unlock()

	if header.Get(SignatureHeader) != ValidSignature {
		return nil, billing.ErrInvalidSignature
	}
	var ev billing.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %w", billing.ErrInvalidPayload, err)
	}
	if ev.ID == "" {
		return nil, fmt.Errorf("%w: event without id", billing.ErrInvalidPayload)
	}
	ev.Payload = payload
	return &ev, nil
}

func (p *Provider) PauseCollection(_ context.Context, subscriptionID string) error {
	err := p.enter("PauseCollection")
	defer p.mu.Unlock()
	if err != nil {
		return err
	}
	p.Paused = append(p.Paused, subscriptionID)
	return nil
}

func (p *Provider) ResumeCollection(_ context.Context, subscriptionID string) error {
	err := p.enter("ResumeCollection")
	defer p.mu.Unlock()
	if err != nil {
		return err
	}
	p.Resumed = append(p.Resumed, subscriptionID)
	return nil
}

func (p *Provider) CancelSubscription(_ context.Context, subscriptionID string) error {
	err := p.enter("CancelSubscription")
	defer p.mu.Unlock()
	if err != nil {
		return err
	}
	p.Cancelled = append(p.Cancelled, subscriptionID)
	for id, subs := range p.subs {
		p.subs[id] = slicesDeleteID(subs, subscriptionID)
	}
	return nil
}

func slicesDeleteID(subs []billing.Subscription, id string) []billing.Subscription {
	out := subs[:0]
	for _, s := range subs {
		if s.ID != id {
			out = append(out, s)
		}
	}
	return out
}

// Webhook encodes ev as a payload the fake provider parses, together with
// a valid signature header.
func Webhook(ev billing.Event) ([]byte, http.Header) {
	ev.Payload = nil
	payload, err := json.Marshal(ev)
	if err != nil {
		panic(err)
	}
	h := http.Header{}
	h.Set(SignatureHeader, ValidSignature)
	return payload, h
}

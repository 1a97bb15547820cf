// Package billingtest provides in-memory doubles of the billing engine's
// store, snapshot cache and provider for tests.
package billingtest

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dmitrymomot/gradekit/svc/billing"
)

var _ billing.Store = (*Store)(nil)

type usageKey struct{ email, label string }

// Store is a concurrency-safe in-memory billing.Store.
type Store struct {
	mu          sync.Mutex
	subscribers map[string]billing.SubscriberRecord
	events      map[string]billing.WebhookEventLogEntry
	usage       map[usageKey]int64
	credits     map[string]billing.PurchasedCredit
	admins      map[string]bool
	failures    map[string]error
	calls       map[string]int
}

func NewStore() *Store {
	return &Store{
		subscribers: make(map[string]billing.SubscriberRecord),
		events:      make(map[string]billing.WebhookEventLogEntry),
		usage:       make(map[usageKey]int64),
		credits:     make(map[string]billing.PurchasedCredit),
		admins:      make(map[string]bool),
		failures:    make(map[string]error),
		calls:       make(map[string]int),
	}
}

// Fail makes every later call of method return err. A nil err clears it.
func (s *Store) Fail(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, method)
		return
	}
	s.failures[method] = err
}

// Calls returns how many times method was called.
func (s *Store) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// Put stores rec as is.
func (s *Store) Put(rec billing.SubscriberRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[rec.Email] = rec
}

func (s *Store) AddAdmin(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admins[strings.ToLower(email)] = true
}

// Events returns the recorded webhook events.
func (s *Store) Events() []billing.WebhookEventLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]billing.WebhookEventLogEntry, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e)
	}
	return out
}

func (s *Store) enter(method string) error {
	s.mu.Lock()
	s.calls[method]++
	return s.failures[method]
}

func (s *Store) GetSubscriber(_ context.Context, email string) (*billing.SubscriberRecord, error) {
	if err := s.enter("GetSubscriber"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	defer s.mu.Unlock()
	rec, ok := s.subscribers[email]
	if !ok {
		return nil, billing.ErrSubscriberNotFound
	}
	return &rec, nil
}

func (s *Store) FindSubscriberByCustomerID(_ context.Context, customerID string) (*billing.SubscriberRecord, error) {
	if err := s.enter("FindSubscriberByCustomerID"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	defer s.mu.Unlock()
	for _, rec := range s.subscribers {
		if customerID != "" && rec.ExternalCustomerID == customerID {
			return &rec, nil
		}
	}
	return nil, billing.ErrSubscriberNotFound
}

func (s *Store) UpsertSyncState(_ context.Context, state billing.SyncState, syncedAt time.Time) (*billing.SubscriberRecord, error) {
	if err := s.enter("UpsertSyncState"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	defer s.mu.Unlock()

	rec, ok := s.subscribers[state.Email]
	if !ok {
		rec = billing.SubscriberRecord{Email: state.Email, AccountStatus: billing.AccountActive}
	}
	rec.ExternalCustomerID = state.ExternalCustomerID
	rec.ProviderSubscriptionID = state.ProviderSubscriptionID
	rec.Subscribed = state.Subscribed
	rec.Tier = state.Tier
	rec.PeriodStart = state.PeriodStart
	rec.PeriodEnd = state.PeriodEnd
	rec.NextResetDate = state.NextResetDate
	rec.LastEventAt = state.LastEventAt
	rec.LastSyncedAt = syncedAt
	rec.UpdatedAt = syncedAt
	s.subscribers[state.Email] = rec
	return &rec, nil
}

func (s *Store) ListSubscribedEmails(context.Context) ([]string, error) {
	if err := s.enter("ListSubscribedEmails"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	defer s.mu.Unlock()
	var out []string
	for email, rec := range s.subscribers {
		if rec.Subscribed {
			out = append(out, email)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (s *Store) SetAccountStatus(_ context.Context, email string, status billing.AccountStatus) (*billing.SubscriberRecord, error) {
	if err := s.enter("SetAccountStatus"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	defer s.mu.Unlock()
	rec, ok := s.subscribers[email]
	if !ok {
		return nil, billing.ErrSubscriberNotFound
	}
	rec.AccountStatus = status
	s.subscribers[email] = rec
	return &rec, nil
}

func (s *Store) SetUnlimitedOverride(_ context.Context, email string, enabled bool) (*billing.SubscriberRecord, error) {
	if err := s.enter("SetUnlimitedOverride"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	defer s.mu.Unlock()
	rec, ok := s.subscribers[email]
	if !ok {
		return nil, billing.ErrSubscriberNotFound
	}
	rec.UnlimitedOverride = enabled
	s.subscribers[email] = rec
	return &rec, nil
}

func (s *Store) DeleteSubscriber(_ context.Context, email string) error {
	if err := s.enter("DeleteSubscriber"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	if _, ok := s.subscribers[email]; !ok {
		return billing.ErrSubscriberNotFound
	}
	delete(s.subscribers, email)
	return nil
}

func (s *Store) InsertEventIfAbsent(_ context.Context, entry billing.WebhookEventLogEntry) (bool, error) {
	if err := s.enter("InsertEventIfAbsent"); err != nil {
		s.mu.Unlock()
		return false, err
	}
	defer s.mu.Unlock()
	if _, ok := s.events[entry.ProviderEventID]; ok {
		return false, nil
	}
	s.events[entry.ProviderEventID] = entry
	return true, nil
}

func (s *Store) GetUsage(_ context.Context, email, periodLabel string) (int64, error) {
	if err := s.enter("GetUsage"); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	defer s.mu.Unlock()
	return s.usage[usageKey{email, periodLabel}], nil
}

func (s *Store) IncrementUsage(_ context.Context, email, periodLabel string, n int64) (int64, error) {
	if err := s.enter("IncrementUsage"); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	defer s.mu.Unlock()
	k := usageKey{email, periodLabel}
	s.usage[k] += n
	return s.usage[k], nil
}

func (s *Store) ResetUsage(_ context.Context, email, periodLabel string) error {
	if err := s.enter("ResetUsage"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	k := usageKey{email, periodLabel}
	if _, ok := s.usage[k]; ok {
		s.usage[k] = 0
	}
	return nil
}

func (s *Store) DeleteUsage(_ context.Context, email string) (int64, error) {
	if err := s.enter("DeleteUsage"); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	defer s.mu.Unlock()
	var n int64
	for k := range s.usage {
		if k.email == email {
			delete(s.usage, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) CreatePendingCredit(_ context.Context, credit billing.PurchasedCredit) error {
	if err := s.enter("CreatePendingCredit"); err != nil {
		s.mu.Unlock()
		return err
	}
	defer s.mu.Unlock()
	if _, ok := s.credits[credit.ProviderSessionID]; ok {
		return nil
	}
	s.credits[credit.ProviderSessionID] = credit
	return nil
}

func (s *Store) CompleteCredit(_ context.Context, credit billing.PurchasedCredit) (bool, error) {
	if err := s.enter("CompleteCredit"); err != nil {
		s.mu.Unlock()
		return false, err
	}
	defer s.mu.Unlock()
	c, ok := s.credits[credit.ProviderSessionID]
	if !ok || c.Status != billing.CreditPending {
		return false, nil
	}
	c.Email = credit.Email
	c.Submissions = credit.Submissions
	c.Status = billing.CreditCompleted
	c.CompletedAt = credit.CompletedAt
	s.credits[credit.ProviderSessionID] = c
	return true, nil
}

func (s *Store) InsertCompletedCredit(_ context.Context, credit billing.PurchasedCredit) (bool, error) {
	if err := s.enter("InsertCompletedCredit"); err != nil {
		s.mu.Unlock()
		return false, err
	}
	defer s.mu.Unlock()
	if _, ok := s.credits[credit.ProviderSessionID]; ok {
		return false, nil
	}
	s.credits[credit.ProviderSessionID] = credit
	return true, nil
}

func (s *Store) GetCredit(_ context.Context, sessionID string) (*billing.PurchasedCredit, error) {
	if err := s.enter("GetCredit"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	defer s.mu.Unlock()
	c, ok := s.credits[sessionID]
	if !ok {
		return nil, billing.ErrCreditNotFound
	}
	return &c, nil
}

func (s *Store) SumCompletedCredits(_ context.Context, email string) (int64, error) {
	if err := s.enter("SumCompletedCredits"); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	defer s.mu.Unlock()
	var sum int64
	for _, c := range s.credits {
		if c.Email == email && c.Status == billing.CreditCompleted {
			sum += c.Submissions
		}
	}
	return sum, nil
}

func (s *Store) DeleteCredits(_ context.Context, email string) (int64, error) {
	if err := s.enter("DeleteCredits"); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	defer s.mu.Unlock()
	var n int64
	for id, c := range s.credits {
		if c.Email == email {
			delete(s.credits, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) IsAdmin(_ context.Context, email string) (bool, error) {
	if err := s.enter("IsAdmin"); err != nil {
		s.mu.Unlock()
		return false, err
	}
	defer s.mu.Unlock()
	return s.admins[email], nil
}

// Snapshots is an in-memory billing.SnapshotCache.
type Snapshots struct {
	mu   sync.Mutex
	recs map[string]billing.SubscriberRecord
	err  error
}

func NewSnapshots() *Snapshots {
	return &Snapshots{recs: make(map[string]billing.SubscriberRecord)}
}

// Fail makes every later call return err.
func (c *Snapshots) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *Snapshots) PutSnapshot(_ context.Context, rec billing.SubscriberRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.recs[rec.Email] = rec
	return nil
}

func (c *Snapshots) GetSnapshot(_ context.Context, email string) (*billing.SubscriberRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	rec, ok := c.recs[email]
	if !ok {
		return nil, billing.ErrSnapshotNotFound
	}
	return &rec, nil
}

func (c *Snapshots) DeleteSnapshot(_ context.Context, email string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	delete(c.recs, email)
	return nil
}

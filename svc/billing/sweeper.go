package billing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/gradekit/pkg/logger"
)

// SweepFailure is one account the sweeper could not reconcile.
type SweepFailure struct {
	Email string
	Err   error
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Visited   int
	Updated   int
	Unchanged int
	Failures  []SweepFailure
	// Interrupted is set when the context ended before every account was
	// visited.
	Interrupted bool
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Sweeper re-derives subscribed accounts from the provider and writes only
// those that drifted.
type Sweeper struct {
	syncer      *Syncer
	store       SubscriberStore
	concurrency int
	logger      *slog.Logger
	metrics     *Metrics
	now         func() time.Time
}

// NewSweeper creates a Sweeper. Panics if a dependency is nil.
func NewSweeper(syncer *Syncer, store SubscriberStore, opts ...Option) *Sweeper {
	if syncer == nil || store == nil {
		panic("billing: sweeper dependencies are required")
	}
	o := newOptions(opts)
	return &Sweeper{
		syncer:      syncer,
		store:       store,
		concurrency: o.concurrency,
		logger:      o.logger.With(logger.Component("reconciliation_sweeper")),
		metrics:     o.metrics,
		now:         o.now,
	}
}

// Run reconciles one account when email is set, otherwise every account
// currently marked subscribed. Per-account failures are collected in the
// report; only failing to list accounts returns an error.
func (s *Sweeper) Run(ctx context.Context, email string) (*SweepReport, error) {
	report := &SweepReport{StartedAt: s.now().UTC()}

	var emails []string
	if email != "" {
		if email = NormalizeEmail(email); email == "" {
			return nil, ErrInvalidEmail
		}
		emails = []string{email}
	} else {
		var err error
		if emails, err = s.store.ListSubscribedEmails(ctx); err != nil {
			return nil, err
		}
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.concurrency)

	for _, acc := range emails {
		if ctx.Err() != nil {
			report.Interrupted = true
			break
		}
		g.Go(func() error {
			changed, err := s.reconcile(ctx, acc)

			mu.Lock()
			defer mu.Unlock()
			report.Visited++
			switch {
			case err != nil:
				report.Failures = append(report.Failures, SweepFailure{Email: acc, Err: err})
				s.metrics.sweep("failed")
				s.logger.ErrorContext(ctx, "account reconciliation failed",
					logger.Account(acc), logger.Error(err))
			case changed:
				report.Updated++
				s.metrics.sweep("updated")
			default:
				report.Unchanged++
				s.metrics.sweep("unchanged")
			}
			return nil
		})
	}
	_ = g.Wait()

	report.FinishedAt = s.now().UTC()
	s.logger.InfoContext(ctx, "reconciliation sweep finished",
		slog.Int("visited", report.Visited),
		slog.Int("updated", report.Updated),
		slog.Int("unchanged", report.Unchanged),
		slog.Int("failed", len(report.Failures)),
		slog.Bool("interrupted", report.Interrupted),
	)
	return report, nil
}

// reconcile writes the derived state only when it differs from the stored
// one. Racing with another writer costs at most a redundant write.
func (s *Sweeper) reconcile(ctx context.Context, email string) (bool, error) {
	prev, err := s.store.GetSubscriber(ctx, email)
	switch {
	case errors.Is(err, ErrSubscriberNotFound):
		prev = nil
	case err != nil:
		return false, err
	}

	state, err := s.syncer.Derive(ctx, email, prev)
	if err != nil {
		return false, err
	}
	if prev != nil && prev.SyncState().Equal(state) {
		return false, nil
	}

	if _, err := s.syncer.Apply(ctx, state); err != nil {
		return false, err
	}
	s.logger.InfoContext(ctx, "account drift corrected",
		logger.Account(email), logger.Tier(state.Tier.String()), slog.Bool("subscribed", state.Subscribed))
	return true, nil
}

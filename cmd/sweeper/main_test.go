package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/gradekit/pkg/logger"
	"github.com/dmitrymomot/gradekit/svc/billing"
	"github.com/dmitrymomot/gradekit/svc/billing/billingtest"
)

type pruner struct {
	cutoffs []time.Time
	err     error
}

func (p *pruner) PruneEvents(_ context.Context, cutoff time.Time) (int64, error) {
	p.cutoffs = append(p.cutoffs, cutoff)
	return 3, p.err
}

func newJob(store *billingtest.Store, p *pruner) *job {
	provider := billingtest.NewProvider()
	opts := []billing.Option{billing.WithLogger(logger.Discard())}
	syncer := billing.NewSyncer(provider, store, billing.NewTierResolver(billing.DefaultCatalog(), logger.Discard()), opts...)
	return &job{
		sweeper:   billing.NewSweeper(syncer, store, opts...),
		events:    p,
		retention: 24 * time.Hour,
		logger:    logger.Discard(),
	}
}

func TestJob_Run(t *testing.T) {
	t.Parallel()

	t.Run("scheduled sweep never prunes events", func(t *testing.T) {
		t.Parallel()
		p := &pruner{}
		require.NoError(t, newJob(billingtest.NewStore(), p).run(context.Background(), ""))
		require.NoError(t, newJob(billingtest.NewStore(), p).run(context.Background(), "ann@school.edu"))
		assert.Empty(t, p.cutoffs)
	})

	t.Run("listing failure is returned", func(t *testing.T) {
		t.Parallel()
		store := billingtest.NewStore()
		store.Fail("ListSubscribedEmails", billing.ErrStoreUnavailable)
		err := newJob(store, &pruner{}).run(context.Background(), "")
		require.ErrorIs(t, err, billing.ErrStoreUnavailable)
	})
}

func TestJob_Prune(t *testing.T) {
	t.Parallel()

	t.Run("drops events older than the retention", func(t *testing.T) {
		t.Parallel()
		p := &pruner{}
		require.NoError(t, newJob(billingtest.NewStore(), p).prune(context.Background()))
		require.Len(t, p.cutoffs, 1)
		assert.WithinDuration(t, time.Now().Add(-24*time.Hour), p.cutoffs[0], time.Minute)
	})

	t.Run("unset retention is refused", func(t *testing.T) {
		t.Parallel()
		p := &pruner{}
		j := newJob(billingtest.NewStore(), p)
		j.retention = 0
		require.ErrorIs(t, j.prune(context.Background()), errRetentionUnset)
		assert.Empty(t, p.cutoffs)
	})

	t.Run("store failure is returned", func(t *testing.T) {
		t.Parallel()
		p := &pruner{err: errors.New("timeout")}
		require.Error(t, newJob(billingtest.NewStore(), p).prune(context.Background()))
	})
}

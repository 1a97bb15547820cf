package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/gradekit/svc/billing"
	"github.com/dmitrymomot/gradekit/svc/billing/billingtest"
)

// hangingProvider blocks subscription listing until the context ends.
type hangingProvider struct {
	*billingtest.Provider
}

func (p hangingProvider) ListActiveSubscriptions(ctx context.Context, _ string) ([]billing.Subscription, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func gather(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return total
}

func TestGuardProvider(t *testing.T) {
	t.Parallel()

	t.Run("timeout is reported as unavailable", func(t *testing.T) {
		t.Parallel()
		reg := prometheus.NewRegistry()
		p := billing.GuardProvider(hangingProvider{billingtest.NewProvider()}, 20*time.Millisecond, billing.NewMetrics(reg))

		start := time.Now()
		_, err := p.ListActiveSubscriptions(context.Background(), "cus_1")
		require.ErrorIs(t, err, billing.ErrProviderUnavailable)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.True(t, billing.IsTransient(err))
		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, float64(1), gather(t, reg, "billing_provider_request_duration_seconds"))
	})

	t.Run("passes results through", func(t *testing.T) {
		t.Parallel()
		fake := billingtest.NewProvider()
		fake.AddCustomer("cus_1", "ann@school.edu")
		p := billing.GuardProvider(fake, 0, nil)

		c, err := p.FindCustomerByEmail(context.Background(), "ann@school.edu")
		require.NoError(t, err)
		assert.Equal(t, "cus_1", c.ID)
		assert.Equal(t, "fake", p.Name())

		_, err = p.GetCustomer(context.Background(), "cus_missing")
		require.ErrorIs(t, err, billing.ErrCustomerNotFound)
	})
}

func TestMetrics_GatewayOutcomes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	reg := prometheus.NewRegistry()
	g := f.gateway(billing.WithMetrics(billing.NewMetrics(reg)))

	payload, header := billingtest.Webhook(billing.Event{ID: "evt_1", Kind: billing.EventInvoicePaymentFailed})
	for range 3 {
		_, err := g.Ingest(context.Background(), payload, header)
		require.NoError(t, err)
	}
	assert.Equal(t, float64(3), gather(t, reg, "billing_webhook_events_total"))
}

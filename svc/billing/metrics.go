package billing

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	webhooks        *prometheus.CounterVec
	syncs           *prometheus.CounterVec
	checks          *prometheus.CounterVec
	sweeps          *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "webhook_events_total",
			Help:      "Inbound webhook deliveries by outcome and event kind.",
		}, []string{"outcome", "kind"}),
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "sync_total",
			Help:      "Billing sync runs by result.",
		}, []string{"result"}),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "checks_total",
			Help:      "On-demand subscription checks by freshness.",
		}, []string{"result"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "sweep_accounts_total",
			Help:      "Accounts visited by the reconciliation sweeper by result.",
		}, []string{"result"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "billing",
			Name:      "provider_request_duration_seconds",
			Help:      "Billing provider call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "status"}),
	}
	if reg != nil {
		reg.MustRegister(m.webhooks, m.syncs, m.checks, m.sweeps, m.providerLatency)
	}
	return m
}

func (m *Metrics) webhook(outcome string, kind EventKind) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = EventUnknown
	}
	m.webhooks.WithLabelValues(outcome, string(kind)).Inc()
}

func (m *Metrics) sync(result string) {
	if m == nil {
		return
	}
	m.syncs.WithLabelValues(result).Inc()
}

func (m *Metrics) check(degraded bool) {
	if m == nil {
		return
	}
	result := "fresh"
	if degraded {
		result = "degraded"
	}
	m.checks.WithLabelValues(result).Inc()
}

func (m *Metrics) sweep(result string) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(result).Inc()
}

func (m *Metrics) observeProvider(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = Classify(err).String()
	}
	m.providerLatency.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}

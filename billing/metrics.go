package billing

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the Prometheus collectors of the billing engine. It owns
// its registry. All record methods are safe on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	Transitions      *prometheus.CounterVec
	Charges          *prometheus.CounterVec
	ChargeDuration   *prometheus.HistogramVec
	LedgerOperations *prometheus.CounterVec
	RenewalRuns      *prometheus.CounterVec
	RenewalOutcomes  *prometheus.CounterVec
}

// NewMetrics creates the billing collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "membership"
	}
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_transitions_total",
			Help:      "Subscription status transitions",
		}, []string{"from", "to"}),
		Charges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_charges_total",
			Help:      "Gateway charge attempts by outcome",
		}, []string{"gateway", "outcome"}),
		ChargeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_charge_duration_seconds",
			Help:      "Duration of gateway charges including retries",
			Buckets:   prometheus.DefBuckets,
		}, []string{"gateway"}),
		LedgerOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Transaction ledger operations",
		}, []string{"op", "status"}),
		RenewalRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renewal_runs_total",
			Help:      "Renewal check runs",
		}, []string{"result"}),
		RenewalOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renewal_subscriptions_total",
			Help:      "Subscriptions handled by renewal checks, by outcome",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.Transitions, m.Charges, m.ChargeDuration, m.LedgerOperations, m.RenewalRuns, m.RenewalOutcomes)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an HTTP handler that serves the billing metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) recordTransition(from, to string) {
	if m != nil {
		m.Transitions.WithLabelValues(from, to).Inc()
	}
}

func (m *Metrics) recordCharge(gateway, outcome string, d time.Duration) {
	if m != nil {
		m.Charges.WithLabelValues(gateway, outcome).Inc()
		m.ChargeDuration.WithLabelValues(gateway).Observe(d.Seconds())
	}
}

func (m *Metrics) recordLedger(op, status string) {
	if m != nil {
		m.LedgerOperations.WithLabelValues(op, status).Inc()
	}
}

func (m *Metrics) recordRenewalRun(result string) {
	if m != nil {
		m.RenewalRuns.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) recordRenewal(outcome string) {
	if m != nil {
		m.RenewalOutcomes.WithLabelValues(outcome).Inc()
	}
}

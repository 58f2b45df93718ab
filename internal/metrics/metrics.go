// Package metrics exposes Prometheus instrumentation for the intake pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kestrel"

// Metrics holds the collectors updated by the intake service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	scored     *prometheus.CounterVec
	blocked    prometheus.Counter
	alerts     *prometheus.CounterVec
	rejected   *prometheus.CounterVec
	scores     prometheus.Histogram
	evaluation prometheus.Histogram
	rules      prometheus.Gauge
}

// New creates a Metrics instance on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		scored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_scored_total",
			Help:      "Transactions scored and persisted, by risk level.",
		}, []string{"risk_level"}),
		blocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_blocked_total",
			Help:      "Transactions whose score crossed the block threshold.",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_raised_total",
			Help:      "Alerts raised, by alert type and severity.",
		}, []string{"type", "severity"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_rejected_total",
			Help:      "Submissions that were not recorded, by reason.",
		}, []string{"reason"}),
		scores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fraud_score",
			Help:      "Distribution of fraud scores.",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		}),
		evaluation: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Time spent evaluating the rule set.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 8),
		}),
		rules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rules_loaded",
			Help:      "Number of rules in the serving engine.",
		}),
	}

	reg.MustRegister(m.scored, m.blocked, m.alerts, m.rejected, m.scores, m.evaluation, m.rules)
	return m
}

// ObserveScored records one persisted transaction.
func (m *Metrics) ObserveScored(rec *domain.TransactionRecord, took time.Duration) {
	if m == nil {
		return
	}
	m.scored.WithLabelValues(string(rec.RiskLevel)).Inc()
	m.scores.Observe(rec.FraudScore)
	m.evaluation.Observe(took.Seconds())
	if rec.IsBlocked {
		m.blocked.Inc()
	}
	for _, a := range rec.Alerts {
		m.alerts.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
	}
}

// ObserveRejected records a submission that failed with reason.
func (m *Metrics) ObserveRejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

// SetRulesLoaded records the size of the serving rule set.
func (m *Metrics) SetRulesLoaded(n int) {
	if m == nil {
		return
	}
	m.rules.Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

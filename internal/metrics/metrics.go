package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the service's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	transitions    *prometheus.CounterVec
	sideEffects    *prometheus.CounterVec
	reconciliation *prometheus.CounterVec
	autoAbsent     prometheus.Counter
	expired        *prometheus.CounterVec
	reports        *prometheus.CounterVec
	tickDuration   prometheus.Histogram
}

// New registers collectors on reg. Pass prometheus.DefaultRegisterer in binaries
// and prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "registrar",
			Name:      "status_transitions_total",
			Help:      "Status transition requests by status and outcome.",
		}, []string{"status", "outcome"}),
		sideEffects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "registrar",
			Name:      "side_effect_failures_total",
			Help:      "Failed external side effects by operation.",
		}, []string{"op"}),
		reconciliation: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "registrar",
			Name:      "reconciliations_total",
			Help:      "Per-organization reconciliation passes by result.",
		}, []string{"result"}),
		autoAbsent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "registrar",
			Name:      "auto_absent_total",
			Help:      "Subjects auto-marked absent at window close.",
		}),
		expired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "registrar",
			Name:      "expired_records_total",
			Help:      "Duration-mode records expired by previous status.",
		}, []string{"status"}),
		reports: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "registrar",
			Name:      "report_publishes_total",
			Help:      "Report refresh outcomes.",
		}, []string{"action"}),
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "registrar",
			Name:      "tick_duration_seconds",
			Help:      "Duration of a full reconciliation tick.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Transition counts a status transition outcome (ok, unchanged, or an error kind).
func (m *Metrics) Transition(status, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status, outcome).Inc()
}

// SideEffectFailed counts a failed grant, revoke, send, edit or delete.
func (m *Metrics) SideEffectFailed(op string) {
	if m == nil {
		return
	}
	m.sideEffects.WithLabelValues(op).Inc()
}

// Reconciled counts one organization pass.
func (m *Metrics) Reconciled(result string) {
	if m == nil {
		return
	}
	m.reconciliation.WithLabelValues(result).Inc()
}

// AutoAbsent counts subjects marked absent by the close edge.
func (m *Metrics) AutoAbsent(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.autoAbsent.Add(float64(n))
}

// Expired counts a duration-mode expiry.
func (m *Metrics) Expired(status string) {
	if m == nil {
		return
	}
	m.expired.WithLabelValues(status).Inc()
}

// Report counts a publisher outcome: created, edited, suppressed, skipped, failed.
func (m *Metrics) Report(action string) {
	if m == nil {
		return
	}
	m.reports.WithLabelValues(action).Inc()
}

// ObserveTick records the duration of a tick started at start.
func (m *Metrics) ObserveTick(start time.Time) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(time.Since(start).Seconds())
}

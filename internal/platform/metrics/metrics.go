package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	EntriesAppended    *prometheus.CounterVec
	ValidationRejects  prometheus.Counter
	EventsOpened       *prometheus.CounterVec
	EventsTransitioned *prometheus.CounterVec
	ScoreRecomputes    prometheus.Counter
	KYCDecisions       *prometheus.CounterVec
	ConsumerLag        *prometheus.GaugeVec
	ConsumerRetries    *prometheus.CounterVec
	OracleTimeouts     prometheus.Counter
}

// New creates and registers all Prometheus metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		EntriesAppended: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_audit_entries_appended_total",
			Help: "Audit log entries appended, by severity.",
		}, []string{"severity"}),
		ValidationRejects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vigil_audit_validation_rejects_total",
			Help: "Raw events rejected before append.",
		}),
		EventsOpened: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_security_events_opened_total",
			Help: "Security events opened, by type.",
		}, []string{"type"}),
		EventsTransitioned: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_security_event_transitions_total",
			Help: "Security event status transitions, by target status.",
		}, []string{"status"}),
		ScoreRecomputes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vigil_score_recomputes_total",
			Help: "Account security score recomputations.",
		}),
		KYCDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_kyc_decisions_total",
			Help: "KYC submission decisions, by target status.",
		}, []string{"status"}),
		ConsumerLag: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vigil_consumer_lag_entries",
			Help: "Entries between the log head and a consumer's cursor.",
		}, []string{"consumer"}),
		ConsumerRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_consumer_retries_total",
			Help: "Consumer processing retries, by consumer.",
		}, []string{"consumer"}),
		OracleTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vigil_reputation_timeouts_total",
			Help: "IP reputation lookups that timed out (fail-open).",
		}),
	}
}

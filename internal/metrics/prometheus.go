// Package metrics exposes Prometheus instrumentation for the case and
// alerting services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus collectors for the engine.
type Metrics struct {
	// Case metrics
	CasesCreated    *prometheus.CounterVec
	ViolationsAdded *prometheus.CounterVec
	CaseEscalations *prometheus.CounterVec
	CaseStatus      *prometheus.GaugeVec
	SARFilings      *prometheus.CounterVec

	// Alert metrics
	AlertsTriggered  *prometheus.CounterVec
	AlertsSuppressed *prometheus.CounterVec
	AlertsResolved   *prometheus.CounterVec
	AlertEscalations *prometheus.CounterVec
	DeliveryDuration *prometheus.HistogramVec
	DeliveryFailures *prometheus.CounterVec
}

// New creates and registers all engine collectors against the given
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CasesCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "casework",
				Subsystem: "cases",
				Name:      "created_total",
				Help:      "Total number of investigation cases created",
			},
			[]string{"case_type", "priority", "jurisdiction"},
		),
		ViolationsAdded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "casework",
				Subsystem: "cases",
				Name:      "violations_added_total",
				Help:      "Total number of violations merged into existing cases",
			},
			[]string{"category", "severity"},
		),
		CaseEscalations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "casework",
				Subsystem: "cases",
				Name:      "escalations_total",
				Help:      "Total number of case escalations",
			},
			[]string{"trigger"},
		),
		CaseStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "casework",
				Subsystem: "cases",
				Name:      "by_status",
				Help:      "Current number of cases per status",
			},
			[]string{"status"},
		),
		SARFilings: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "casework",
				Subsystem: "sar",
				Name:      "filings_total",
				Help:      "Total number of SAR filings initiated",
			},
			[]string{"jurisdiction"},
		),
		AlertsTriggered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "casework",
				Subsystem: "alerting",
				Name:      "alerts_triggered_total",
				Help:      "Total number of alerts triggered",
			},
			[]string{"alert_type", "severity"},
		),
		AlertsSuppressed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "casework",
				Subsystem: "alerting",
				Name:      "alerts_suppressed_total",
				Help:      "Total number of alerts withheld by suppression rules",
			},
			[]string{"alert_type", "rule"},
		),
		AlertsResolved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "casework",
				Subsystem: "alerting",
				Name:      "alerts_resolved_total",
				Help:      "Total number of alerts resolved",
			},
			[]string{"alert_type", "resolution"},
		),
		AlertEscalations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "casework",
				Subsystem: "alerting",
				Name:      "alert_escalations_total",
				Help:      "Total number of alert escalation level increases",
			},
			[]string{"alert_type"},
		),
		DeliveryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "casework",
				Subsystem: "alerting",
				Name:      "delivery_duration_seconds",
				Help:      "Time taken to deliver an alert to a channel",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"channel"},
		),
		DeliveryFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "casework",
				Subsystem: "alerting",
				Name:      "delivery_failures_total",
				Help:      "Total number of failed channel deliveries",
			},
			[]string{"channel"},
		),
	}
}

// NewForTesting creates collectors on a throwaway registry.
func NewForTesting() *Metrics {
	return New(prometheus.NewRegistry())
}

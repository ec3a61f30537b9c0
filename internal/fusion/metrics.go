package fusion

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the fusion engine.
type Metrics struct {
	RuleFires    *prometheus.CounterVec
	Incidents    *prometheus.CounterVec
	EvalDuration prometheus.Histogram
	DeviceRisk   *prometheus.GaugeVec
	EventsAdded  prometheus.Counter
}

// NewMetrics creates and registers the fusion metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RuleFires: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fusion_rule_fires_total",
				Help: "Incidents emitted per rule",
			},
			[]string{"rule"},
		),
		Incidents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fusion_incidents_total",
				Help: "Incidents emitted by severity",
			},
			[]string{"severity"},
		),
		EvalDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fusion_evaluation_duration_seconds",
				Help:    "Wall-clock duration of one evaluate-all-devices pass",
				Buckets: prometheus.DefBuckets,
			},
		),
		DeviceRisk: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fusion_device_risk_score",
				Help: "Current clamped risk score per device",
			},
			[]string{"device_id"},
		),
		EventsAdded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fusion_events_added_total",
				Help: "Views fed into the correlation buffers",
			},
		),
	}
}

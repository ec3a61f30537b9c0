package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for one agent process.
type Metrics struct {
	Cycles        prometheus.Counter
	CycleDuration prometheus.Histogram
	Events        *prometheus.CounterVec
	QueueDepth    prometheus.Gauge
	QueueBytes    prometheus.Gauge
	CircuitState  prometheus.Gauge
}

// NewMetrics creates and registers the agent metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Cycles: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agent_cycles_total",
				Help: "Completed collection cycles",
			},
		),
		CycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agent_cycle_duration_seconds",
				Help:    "Wall-clock duration of one collection cycle",
				Buckets: prometheus.DefBuckets,
			},
		),
		Events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_events_total",
				Help: "Collected events by disposition",
			},
			[]string{"result"}, // published, queued, invalid, rejected
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agent_queue_depth",
				Help: "Envelopes waiting in the local durable queue",
			},
		),
		QueueBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agent_queue_bytes",
				Help: "Serialized bytes waiting in the local durable queue",
			},
		),
		CircuitState: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agent_circuit_state",
				Help: "Publish circuit state (0=closed 1=open 2=half-open)",
			},
		),
	}
}

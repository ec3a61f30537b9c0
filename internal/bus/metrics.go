package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the event bus.
type Metrics struct {
	// Per-gate outcomes
	GateResults *prometheus.CounterVec

	// Publish outcomes by ack status
	PublishTotal *prometheus.CounterVec

	// Publish latency end to end
	PublishDuration prometheus.Histogram

	// Admission
	Inflight prometheus.Gauge

	// Dedup
	DedupHits prometheus.Counter

	// WAL
	WALAppends prometheus.Counter
	WALBytes   prometheus.Counter
}

// NewMetrics creates and registers the bus metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		GateResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bus_gate_results_total",
				Help: "Publish gate outcomes",
			},
			[]string{"gate", "result"}, // result: pass, reject
		),
		PublishTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bus_publish_total",
				Help: "Publish calls by ack status",
			},
			[]string{"status"}, // OK, RETRY, INVALID, ERROR
		),
		PublishDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bus_publish_duration_seconds",
				Help:    "End-to-end Publish handling latency",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
		),
		Inflight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bus_inflight_requests",
				Help: "Publish requests currently admitted",
			},
		),
		DedupHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bus_dedup_hits_total",
				Help: "Publishes answered from the dedup index",
			},
		),
		WALAppends: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bus_wal_appends_total",
				Help: "Envelopes appended to the write-ahead log",
			},
		),
		WALBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bus_wal_bytes_total",
				Help: "Serialized bytes appended to the write-ahead log",
			},
		),
	}
}

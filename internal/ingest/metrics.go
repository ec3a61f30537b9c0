package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the ingestor's Prometheus series.
type Metrics struct {
	SourceScans   *prometheus.CounterVec
	Rows          *prometheus.CounterVec
	ParseFailures prometheus.Counter
	ViewsEmitted  prometheus.Counter
	SeenKeys      prometheus.Gauge
}

// NewMetrics registers the ingest series on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SourceScans: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_source_scans_total",
			Help: "Source scan attempts by outcome.",
		}, []string{"source", "result"}),
		Rows: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_rows_total",
			Help: "New rows ingested per source.",
		}, []string{"source"}),
		ParseFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_parse_failures_total",
			Help: "Rows whose envelope bytes failed to parse.",
		}),
		ViewsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_views_total",
			Help: "Correlation views handed to the fusion engine.",
		}),
		SeenKeys: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_seen_keys",
			Help: "Entries in the ingest dedup set.",
		}),
	}
}

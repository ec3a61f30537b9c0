// Package ingest feeds the fusion engine from the durable stores the edge
// components already write: agent local queues and the bus write-ahead log.
// Each poll pass opens every source read-only, pulls rows newer than the
// correlation window, flattens their envelopes into views, and closes the
// store again. Reading the producers' own files means ingestion needs no
// second transport and survives restarts of either side.
package ingest

import (
	"context"
	"log"
	"time"

	"github.com/amoskys/amoskys/internal/fusion"
	"github.com/amoskys/amoskys/internal/ldq"
	"github.com/amoskys/amoskys/pb"
)

// Source is one durable store the poller reads.
type Source struct {
	Name string
	Path string
	// DefaultDevice attributes standalone (non-DeviceTelemetry) envelopes.
	DefaultDevice string
}

// Config tunes the poll loop. Zero fields fall back to defaults.
type Config struct {
	PollInterval time.Duration // default 10s
	EvalInterval time.Duration // default 60s
	Window       time.Duration // default 10m; match the engine's window
	BatchLimit   int           // rows pulled per source per pass, default 1000
	SeenCap      int           // dedup set capacity, default 10000

	// OnReady, when set, fires once after the initial scan and evaluation.
	// The process main hooks it to its readiness endpoint.
	OnReady func()
}

// DefaultConfig returns the production poll cadence.
func DefaultConfig() Config {
	return Config{
		PollInterval: 10 * time.Second,
		EvalInterval: 60 * time.Second,
		Window:       10 * time.Minute,
		BatchLimit:   1000,
		SeenCap:      10000,
	}
}

// Poller scans the configured sources on a fixed cadence and periodically
// triggers a full engine evaluation.
type Poller struct {
	cfg     Config
	sources []Source
	engine  *fusion.Engine
	metrics *Metrics
	logger  *log.Logger
	seen    *seenSet
	// lastID is the per-source high-water-mark row id. Scans resume above it
	// so a backlog larger than one batch drains across passes instead of
	// re-reading the window's oldest rows forever.
	lastID map[string]int64
	now    func() time.Time
}

// NewPoller builds a poller over sources feeding engine.
func NewPoller(cfg Config, sources []Source, engine *fusion.Engine, metrics *Metrics) *Poller {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.EvalInterval <= 0 {
		cfg.EvalInterval = def.EvalInterval
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = def.BatchLimit
	}
	if cfg.SeenCap <= 0 {
		cfg.SeenCap = def.SeenCap
	}
	return &Poller{
		cfg:     cfg,
		sources: sources,
		engine:  engine,
		metrics: metrics,
		logger:  log.New(log.Writer(), "[INGEST] ", log.LstdFlags),
		seen:    newSeenSet(cfg.SeenCap),
		lastID:  make(map[string]int64),
		now:     time.Now,
	}
}

// Run scans immediately, then alternates poll and evaluation ticks until the
// context is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.Scan()
	p.engine.EvaluateAllDevices()
	if p.cfg.OnReady != nil {
		p.cfg.OnReady()
	}

	poll := time.NewTicker(p.cfg.PollInterval)
	defer poll.Stop()
	eval := time.NewTicker(p.cfg.EvalInterval)
	defer eval.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C:
			p.Scan()
		case <-eval.C:
			p.engine.EvaluateAllDevices()
		}
	}
}

// Scan performs one pass over every source and returns the number of views
// handed to the engine. A failing source is logged and skipped; the other
// sources still run.
func (p *Poller) Scan() int {
	cutoff := uint64(p.now().Add(-p.cfg.Window).UnixNano())
	total := 0
	for _, src := range p.sources {
		n, err := p.scanSource(src, cutoff)
		if err != nil {
			p.metrics.SourceScans.WithLabelValues(src.Name, "error").Inc()
			p.logger.Printf("Source %s unavailable: %v", src.Name, err)
			continue
		}
		p.metrics.SourceScans.WithLabelValues(src.Name, "ok").Inc()
		total += n
	}
	p.metrics.SeenKeys.Set(float64(p.seen.Len()))
	return total
}

func (p *Poller) scanSource(src Source, cutoff uint64) (int, error) {
	store, err := ldq.OpenReadOnly(src.Path)
	if err != nil {
		return 0, err
	}
	defer store.Close()

	mark := p.lastID[src.Name]
	records, err := store.SelectSince(mark, cutoff, p.cfg.BatchLimit)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 && mark > 0 {
		// A recreated store restarts row ids at 1, which the mark would hide
		// forever. Fall back to a full rescan; the seen set suppresses rows
		// ingested before the rotation.
		maxID, err := store.MaxID()
		if err != nil {
			return 0, err
		}
		if maxID < mark {
			p.lastID[src.Name] = 0
			records, err = store.SelectSince(0, cutoff, p.cfg.BatchLimit)
			if err != nil {
				return 0, err
			}
		}
	}

	emitted := 0
	for _, rec := range records {
		p.lastID[src.Name] = rec.ID

		// The seen set guards the full-rescan path above, where rows that
		// predate a rotation can reappear under fresh ids.
		key := src.Name + "|" + rec.Idem
		if p.seen.Has(key) {
			continue
		}
		// Marked seen even on parse failure so a poisoned row is logged once,
		// not every pass.
		p.seen.Add(key)
		p.metrics.Rows.WithLabelValues(src.Name).Inc()

		var env pb.Envelope
		if err := env.UnmarshalWire(rec.Bytes); err != nil {
			p.metrics.ParseFailures.Inc()
			p.logger.Printf("Source %s row %s: bad envelope: %v", src.Name, rec.Idem, err)
			continue
		}
		for _, v := range Views(&env, src.DefaultDevice) {
			p.engine.AddEvent(v)
			p.metrics.ViewsEmitted.Inc()
			emitted++
		}
	}
	return emitted, nil
}

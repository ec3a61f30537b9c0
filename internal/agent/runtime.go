package agent

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amoskys/amoskys/internal/circuitbreaker"
	"github.com/amoskys/amoskys/internal/crypto"
	"github.com/amoskys/amoskys/internal/ldq"
	"github.com/amoskys/amoskys/pb"
)

// Config bounds the runtime loop.
type Config struct {
	// Interval is the collection cadence; the loop sleeps the remainder of
	// it after each cycle.
	Interval time.Duration

	// DrainLimit caps queue rows published per drain phase.
	DrainLimit int

	// RetryMax bounds publish attempts per envelope before diverting to the
	// queue.
	RetryMax int

	// RetryBase and RetryCap shape the exponential backoff
	// min(cap, base*2^(attempt-1)).
	RetryBase time.Duration
	RetryCap  time.Duration

	// OnReady, when set, fires once after the collector's Setup succeeds.
	// The process main hooks it to its readiness endpoint.
	OnReady func()
}

// DefaultConfig returns the standard loop parameters.
func DefaultConfig() Config {
	return Config{
		Interval:   10 * time.Second,
		DrainLimit: 200,
		RetryMax:   5,
		RetryBase:  200 * time.Millisecond,
		RetryCap:   2 * time.Second,
	}
}

// Health is the agent's self-reported snapshot.
type Health struct {
	Collector    string    `json:"collector"`
	UptimeSec    int64     `json:"uptime_sec"`
	LastSuccess  time.Time `json:"last_success"`
	Collections  int64     `json:"collections"`
	Published    int64     `json:"published"`
	Queued       int64     `json:"queued"`
	Invalid      int64     `json:"invalid"`
	Rejected     int64     `json:"rejected"`
	Errors       int64     `json:"errors"`
	CircuitState string    `json:"circuit_state"`
	QueueDepth   int64     `json:"queue_depth"`
}

// Runtime drives one collector through the collect/validate/enrich/publish
// cycle. The loop is single-threaded; every blocking call is a suspension
// point, and nothing in the loop runs concurrently with anything else.
type Runtime struct {
	cfg       Config
	collector Collector
	queue     *ldq.Queue
	breaker   *circuitbreaker.CircuitBreaker
	signer    *crypto.Signer
	publish   PublishFunc
	metrics   *Metrics
	logger    *log.Logger

	started time.Time
	sleep   func(context.Context, time.Duration)

	mu          sync.Mutex
	lastSuccess time.Time
	collections int64
	published   int64
	queued      int64
	invalid     int64
	rejected    int64
	errors      int64
}

// NewRuntime assembles the loop. Zero config fields fall back to defaults.
func NewRuntime(cfg Config, collector Collector, queue *ldq.Queue, breaker *circuitbreaker.CircuitBreaker,
	signer *crypto.Signer, publish PublishFunc, metrics *Metrics) *Runtime {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.DrainLimit <= 0 {
		cfg.DrainLimit = def.DrainLimit
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = def.RetryMax
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = def.RetryCap
	}
	return &Runtime{
		cfg:       cfg,
		collector: collector,
		queue:     queue,
		breaker:   breaker,
		signer:    signer,
		publish:   publish,
		metrics:   metrics,
		logger:    log.New(log.Writer(), "[AGENT:"+collector.Name()+"] ", log.LstdFlags),
		started:   time.Now(),
		sleep:     sleepCtx,
	}
}

// Run executes setup, loops cycles until ctx is cancelled, then shuts the
// collector down.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.collector.Setup(ctx); err != nil {
		return fmt.Errorf("agent: setup %s: %w", r.collector.Name(), err)
	}
	r.logger.Printf("Collector ready, interval %s", r.cfg.Interval)
	if r.cfg.OnReady != nil {
		r.cfg.OnReady()
	}

	for {
		select {
		case <-ctx.Done():
			return r.shutdown()
		default:
		}

		start := time.Now()
		r.Cycle(ctx)
		if remain := r.cfg.Interval - time.Since(start); remain > 0 {
			r.sleep(ctx, remain)
		}
	}
}

func (r *Runtime) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.collector.Shutdown(ctx); err != nil {
		r.logger.Printf("Shutdown error: %v", err)
	}
	return r.queue.Close()
}

// Cycle runs one iteration: drain the queue (unless the circuit is open),
// collect, validate, enrich, publish.
func (r *Runtime) Cycle(ctx context.Context) {
	start := time.Now()

	if r.breaker.State() != circuitbreaker.StateOpen {
		removed, err := r.queue.Drain(r.drainPublish(ctx), r.cfg.DrainLimit)
		if err != nil {
			r.logger.Printf("Drain error: %v", err)
		} else if removed > 0 {
			r.logger.Printf("Drained %d queued envelopes", removed)
		}
	}

	envs, err := r.collector.Collect(ctx)
	if err != nil {
		r.logger.Printf("Collect error: %v", err)
		r.mu.Lock()
		r.errors++
		r.mu.Unlock()
	}

	for _, env := range envs {
		if err := r.collector.Validate(env); err != nil {
			r.mu.Lock()
			r.invalid++
			r.mu.Unlock()
			r.metrics.Events.WithLabelValues("invalid").Inc()
			continue
		}
		if err := r.collector.Enrich(env); err != nil {
			// Enrichment is additive context; its failure never drops data.
			r.logger.Printf("Enrich error for %s: %v", env.IdempotencyKey, err)
		}
		if err := r.stampAndSign(env); err != nil {
			r.mu.Lock()
			r.invalid++
			r.mu.Unlock()
			r.metrics.Events.WithLabelValues("invalid").Inc()
			continue
		}
		r.publishWithRetry(ctx, env)
	}

	r.mu.Lock()
	r.collections++
	if err == nil {
		r.lastSuccess = time.Now()
	}
	r.mu.Unlock()

	r.metrics.Cycles.Inc()
	r.metrics.CycleDuration.Observe(time.Since(start).Seconds())
	r.metrics.QueueDepth.Set(float64(r.queue.Size()))
	r.metrics.QueueBytes.Set(float64(r.queue.SizeBytes()))
	r.metrics.CircuitState.Set(float64(r.breaker.State()))
}

// drainPublish adapts the ack-returning publisher to the queue's drain
// contract, feeding the breaker along the way.
func (r *Runtime) drainPublish(ctx context.Context) ldq.PublishFunc {
	return func(env *pb.Envelope) (pb.AckStatus, error) {
		ack, err := r.publish(ctx, env)
		if err != nil {
			r.breaker.RecordFailure()
			return 0, err
		}
		r.breaker.RecordSuccess()
		return ack.Status, nil
	}
}

// stampAndSign fills runtime-owned envelope fields and signs the canonical
// bytes.
func (r *Runtime) stampAndSign(env *pb.Envelope) error {
	if env.Version == "" {
		env.Version = pb.WireVersion
	}
	if env.TsNs == 0 {
		env.TsNs = uint64(time.Now().UnixNano())
	}
	if env.IdempotencyKey == "" {
		env.IdempotencyKey = uuid.NewString()
	}
	canonical, err := env.Canonical()
	if err != nil {
		return err
	}
	env.Sig = r.signer.Sign(canonical)
	return nil
}

// publishWithRetry attempts delivery with exponential backoff. A circuit-open
// signal or attempt exhaustion diverts the envelope to the durable queue;
// neither is an error path.
func (r *Runtime) publishWithRetry(ctx context.Context, env *pb.Envelope) {
	for attempt := 1; attempt <= r.cfg.RetryMax; attempt++ {
		if err := r.breaker.Allow(); err != nil {
			break
		}

		ack, err := r.publish(ctx, env)
		if err != nil {
			r.breaker.RecordFailure()
			r.backoff(ctx, attempt, 0)
			continue
		}

		switch ack.Status {
		case pb.AckOK:
			r.breaker.RecordSuccess()
			r.mu.Lock()
			r.published++
			r.mu.Unlock()
			r.metrics.Events.WithLabelValues("published").Inc()
			return
		case pb.AckInvalid:
			// The transport is fine; the envelope is definitively rejected.
			r.breaker.RecordSuccess()
			r.mu.Lock()
			r.rejected++
			r.mu.Unlock()
			r.metrics.Events.WithLabelValues("rejected").Inc()
			r.logger.Printf("Bus rejected %s: %s", env.IdempotencyKey, ack.Reason)
			return
		case pb.AckRetry:
			// Backpressure, not a fault; pace by the bus hint.
			r.backoff(ctx, attempt, time.Duration(ack.BackoffHintMs)*time.Millisecond)
		default: // AckError
			r.breaker.RecordFailure()
			r.backoff(ctx, attempt, 0)
		}
	}

	r.enqueue(env)
}

func (r *Runtime) enqueue(env *pb.Envelope) {
	res, err := r.queue.Enqueue(env)
	if err != nil {
		r.logger.Printf("Enqueue failed for %s: %v", env.IdempotencyKey, err)
		r.mu.Lock()
		r.errors++
		r.mu.Unlock()
		return
	}
	if res == ldq.DroppedOversize {
		r.metrics.Events.WithLabelValues("invalid").Inc()
		return
	}
	r.mu.Lock()
	r.queued++
	r.mu.Unlock()
	r.metrics.Events.WithLabelValues("queued").Inc()
}

func (r *Runtime) backoff(ctx context.Context, attempt int, floor time.Duration) {
	d := r.cfg.RetryBase << uint(attempt-1)
	if d > r.cfg.RetryCap {
		d = r.cfg.RetryCap
	}
	if floor > d {
		d = floor
	}
	r.sleep(ctx, d)
}

// Health returns the current self-report.
func (r *Runtime) Health() Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Health{
		Collector:    r.collector.Name(),
		UptimeSec:    int64(time.Since(r.started).Seconds()),
		LastSuccess:  r.lastSuccess,
		Collections:  r.collections,
		Published:    r.published,
		Queued:       r.queued,
		Invalid:      r.invalid,
		Rejected:     r.rejected,
		Errors:       r.errors,
		CircuitState: r.breaker.State().String(),
		QueueDepth:   r.queue.Size(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

package agent

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amoskys/amoskys/internal/circuitbreaker"
	"github.com/amoskys/amoskys/internal/crypto"
	"github.com/amoskys/amoskys/internal/ldq"
	"github.com/amoskys/amoskys/pb"
)

type fakeCollector struct {
	batch      []*pb.Envelope
	setupErr   error
	collectErr error
	invalidKey string
	enrichErr  error
}

func (c *fakeCollector) Name() string                    { return "fake" }
func (c *fakeCollector) Setup(context.Context) error     { return c.setupErr }
func (c *fakeCollector) Shutdown(context.Context) error  { return nil }
func (c *fakeCollector) Collect(context.Context) ([]*pb.Envelope, error) {
	return c.batch, c.collectErr
}
func (c *fakeCollector) Validate(env *pb.Envelope) error {
	if c.invalidKey != "" && env.IdempotencyKey == c.invalidKey {
		return errors.New("rejected by probe validation")
	}
	return nil
}
func (c *fakeCollector) Enrich(*pb.Envelope) error { return c.enrichErr }

type scriptedBus struct {
	acks  []*pb.PublishAck
	errs  []error
	calls []*pb.Envelope
}

func (b *scriptedBus) publish(_ context.Context, env *pb.Envelope) (*pb.PublishAck, error) {
	i := len(b.calls)
	b.calls = append(b.calls, env)
	if i < len(b.errs) && b.errs[i] != nil {
		return nil, b.errs[i]
	}
	if i < len(b.acks) {
		return b.acks[i], nil
	}
	return &pb.PublishAck{Status: pb.AckOK}, nil
}

func metricEnv(idem string) *pb.Envelope {
	return &pb.Envelope{
		IdempotencyKey: idem,
		Metric:         &pb.MetricEvent{Name: "load", Type: pb.MetricGauge, NumericValue: 1},
	}
}

func newTestRuntime(t *testing.T, collector Collector, bus PublishFunc) *Runtime {
	t.Helper()
	queue, err := ldq.OpenQueue(filepath.Join(t.TempDir(), "agent.ldq"), ldq.DefaultQueueConfig())
	require.NoError(t, err)
	t.Cleanup(func() { queue.Close() })

	signer, err := crypto.NewSigner()
	require.NoError(t, err)

	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:          "publish",
		OnStateChange: func(string, circuitbreaker.State, circuitbreaker.State) {},
	})

	r := NewRuntime(Config{RetryMax: 2}, collector, queue, breaker, signer,
		bus, NewMetrics(prometheus.NewRegistry()))
	r.sleep = func(context.Context, time.Duration) {}
	return r
}

// ============================================================================
// CYCLE BEHAVIOR
// ============================================================================

func TestCycle_PublishesCollectedEvents(t *testing.T) {
	bus := &scriptedBus{}
	collector := &fakeCollector{batch: []*pb.Envelope{metricEnv("e1"), metricEnv("e2")}}
	r := newTestRuntime(t, collector, bus.publish)

	r.Cycle(context.Background())

	require.Len(t, bus.calls, 2)
	h := r.Health()
	assert.Equal(t, int64(2), h.Published)
	assert.Equal(t, int64(0), h.Queued)
	assert.Equal(t, int64(0), h.QueueDepth)
	assert.Equal(t, int64(1), h.Collections)
	assert.False(t, h.LastSuccess.IsZero())
}

func TestCycle_EnvelopesAreSignedAndStamped(t *testing.T) {
	bus := &scriptedBus{}
	collector := &fakeCollector{batch: []*pb.Envelope{
		{Metric: &pb.MetricEvent{Name: "load", Type: pb.MetricGauge, NumericValue: 1}},
	}}
	r := newTestRuntime(t, collector, bus.publish)

	r.Cycle(context.Background())

	require.Len(t, bus.calls, 1)
	sent := bus.calls[0]
	assert.Equal(t, pb.WireVersion, sent.Version)
	assert.NotZero(t, sent.TsNs)
	assert.NotEmpty(t, sent.IdempotencyKey, "runtime assigns a key when the probe did not")

	canonical, err := sent.Canonical()
	require.NoError(t, err)
	assert.True(t, crypto.Verify(r.signer.Public(), canonical, sent.Sig))
}

func TestCycle_InvalidEventsDropped(t *testing.T) {
	bus := &scriptedBus{}
	collector := &fakeCollector{
		batch:      []*pb.Envelope{metricEnv("good"), metricEnv("bad")},
		invalidKey: "bad",
	}
	r := newTestRuntime(t, collector, bus.publish)

	r.Cycle(context.Background())

	require.Len(t, bus.calls, 1)
	assert.Equal(t, "good", bus.calls[0].IdempotencyKey)
	assert.Equal(t, int64(1), r.Health().Invalid)
}

func TestCycle_EnrichFailureDoesNotDrop(t *testing.T) {
	bus := &scriptedBus{}
	collector := &fakeCollector{
		batch:     []*pb.Envelope{metricEnv("e1")},
		enrichErr: errors.New("enrichment backend down"),
	}
	r := newTestRuntime(t, collector, bus.publish)

	r.Cycle(context.Background())
	assert.Len(t, bus.calls, 1, "enrichment failure must not drop the event")
	assert.Equal(t, int64(1), r.Health().Published)
}

func TestCycle_CollectErrorCounted(t *testing.T) {
	bus := &scriptedBus{}
	collector := &fakeCollector{collectErr: errors.New("probe read failed")}
	r := newTestRuntime(t, collector, bus.publish)

	r.Cycle(context.Background())
	h := r.Health()
	assert.Equal(t, int64(1), h.Errors)
	assert.True(t, h.LastSuccess.IsZero(), "a failed collect is not a success")
}

// ============================================================================
// PUBLISH FAILURE PATHS
// ============================================================================

func TestPublish_TransportFailureDivertsToQueue(t *testing.T) {
	down := errors.New("bus unreachable")
	bus := &scriptedBus{errs: []error{down, down}}
	collector := &fakeCollector{batch: []*pb.Envelope{metricEnv("e1")}}
	r := newTestRuntime(t, collector, bus.publish)

	r.Cycle(context.Background())

	h := r.Health()
	assert.Equal(t, int64(0), h.Published)
	assert.Equal(t, int64(1), h.Queued)
	assert.Equal(t, int64(1), h.QueueDepth, "undeliverable envelope lands in the queue")
}

func TestPublish_CircuitOpenSkipsBusEntirely(t *testing.T) {
	bus := &scriptedBus{}
	collector := &fakeCollector{batch: []*pb.Envelope{metricEnv("e1")}}
	r := newTestRuntime(t, collector, bus.publish)

	for i := 0; i < 5; i++ {
		r.breaker.RecordFailure()
	}
	require.Equal(t, circuitbreaker.StateOpen, r.breaker.State())

	r.Cycle(context.Background())

	assert.Empty(t, bus.calls, "an open circuit must not touch the bus")
	assert.Equal(t, int64(1), r.Health().Queued)
	assert.Equal(t, "OPEN", r.Health().CircuitState)
}

func TestPublish_InvalidAckDropsWithoutQueueing(t *testing.T) {
	bus := &scriptedBus{acks: []*pb.PublishAck{
		{Status: pb.AckInvalid, Reason: "signature verification failed"},
	}}
	collector := &fakeCollector{batch: []*pb.Envelope{metricEnv("e1")}}
	r := newTestRuntime(t, collector, bus.publish)

	r.Cycle(context.Background())

	h := r.Health()
	assert.Equal(t, int64(1), h.Rejected)
	assert.Equal(t, int64(0), h.Queued, "a definitive rejection must not be retried from the queue")
	assert.Len(t, bus.calls, 1)
}

func TestPublish_RetryAckBacksOffThenQueues(t *testing.T) {
	bus := &scriptedBus{acks: []*pb.PublishAck{
		{Status: pb.AckRetry, BackoffHintMs: 10},
		{Status: pb.AckRetry, BackoffHintMs: 10},
	}}
	collector := &fakeCollector{batch: []*pb.Envelope{metricEnv("e1")}}
	r := newTestRuntime(t, collector, bus.publish)

	r.Cycle(context.Background())

	assert.Len(t, bus.calls, 2, "RetryMax bounds the attempts")
	assert.Equal(t, int64(1), r.Health().Queued)
	assert.Equal(t, "CLOSED", r.Health().CircuitState, "backpressure is not a fault")
}

// ============================================================================
// OUTAGE RECOVERY
// ============================================================================

func TestDrain_RecoveredBusReceivesQueuedEvents(t *testing.T) {
	down := errors.New("bus unreachable")
	bus := &scriptedBus{errs: []error{down, down}}
	collector := &fakeCollector{batch: []*pb.Envelope{metricEnv("e1")}}
	r := newTestRuntime(t, collector, bus.publish)

	// Outage cycle: the envelope is queued.
	r.Cycle(context.Background())
	require.Equal(t, int64(1), r.Health().QueueDepth)

	// Bus recovers; the next cycle's drain phase flushes the queue first.
	bus.errs = nil
	collector.batch = nil
	r.Cycle(context.Background())

	assert.Equal(t, int64(0), r.Health().QueueDepth)
	require.Len(t, bus.calls, 3)
	assert.Equal(t, "e1", bus.calls[2].IdempotencyKey)
}

func TestRun_ReadySignaledOnlyAfterSetup(t *testing.T) {
	bus := &scriptedBus{}
	collector := &fakeCollector{}
	r := newTestRuntime(t, collector, bus.publish)
	r.cfg.Interval = time.Millisecond

	// Readiness fires after Setup succeeds; cancelling from the callback
	// proves it fired before the loop exited.
	ctx, cancel := context.WithCancel(context.Background())
	ready := false
	r.cfg.OnReady = func() {
		ready = true
		cancel()
	}

	require.NoError(t, r.Run(ctx))
	assert.True(t, ready)
}

func TestRun_SetupFailureNeverSignalsReady(t *testing.T) {
	bus := &scriptedBus{}
	collector := &fakeCollector{setupErr: errors.New("sensor unavailable")}
	r := newTestRuntime(t, collector, bus.publish)
	r.cfg.OnReady = func() { t.Fatal("readiness must not fire when setup fails") }

	err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sensor unavailable")
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	bus := &scriptedBus{}
	collector := &fakeCollector{}
	r := newTestRuntime(t, collector, bus.publish)
	r.cfg.Interval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runtime did not stop after cancellation")
	}
}

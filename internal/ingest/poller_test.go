package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amoskys/amoskys/internal/fusion"
	"github.com/amoskys/amoskys/internal/ldq"
	"github.com/amoskys/amoskys/pb"
)

// Views are pruned against the wall clock by the engine, so fixtures stamp
// recent timestamps instead of a fixed date.
func recentTs(ago time.Duration) uint64 {
	return uint64(time.Now().Add(-ago).UnixNano())
}

func newQueue(t *testing.T, name string, fill func(*ldq.Store)) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	store, err := ldq.Open(path)
	require.NoError(t, err)
	fill(store)
	require.NoError(t, store.Close())
	return path
}

func appendEnvelope(t *testing.T, store *ldq.Store, env *pb.Envelope) {
	t.Helper()
	data, err := env.MarshalWire()
	require.NoError(t, err)
	ok, err := store.Append(env.IdempotencyKey, env.TsNs, data)
	require.NoError(t, err)
	require.True(t, ok)
}

func sudoEnvelope(idem, command string, tsNs uint64) *pb.Envelope {
	return &pb.Envelope{
		Version: pb.WireVersion, TsNs: tsNs, IdempotencyKey: idem,
		Security: &pb.SecurityEvent{
			Category: pb.CategorySudo, Action: "SUDO",
			Outcome: pb.OutcomeSuccess, User: "admin", Command: command,
		},
	}
}

type pollerFixture struct {
	poller  *Poller
	engine  *fusion.Engine
	metrics *Metrics
}

func newTestPoller(t *testing.T, window time.Duration, sources ...Source) *pollerFixture {
	t.Helper()
	engine := fusion.NewEngine(window, fusion.AllRules(), nil,
		fusion.NewMetrics(prometheus.NewRegistry()))
	metrics := NewMetrics(prometheus.NewRegistry())
	p := NewPoller(Config{Window: window}, sources, engine, metrics)
	return &pollerFixture{poller: p, engine: engine, metrics: metrics}
}

// ============================================================================
// SCANNING
// ============================================================================

func TestPoller_StandaloneEnvelopeFeedsDefaultDevice(t *testing.T) {
	path := newQueue(t, "agent.db", func(s *ldq.Store) {
		appendEnvelope(t, s, sudoEnvelope("e1", "vim /etc/sudoers", recentTs(time.Minute)))
	})
	fx := newTestPoller(t, 30*time.Minute,
		Source{Name: "agent-web01", Path: path, DefaultDevice: "web01"})

	assert.Equal(t, 1, fx.poller.Scan())

	incidents := fx.engine.EvaluateAllDevices()
	require.Len(t, incidents, 1)
	assert.Equal(t, "suspicious_sudo", incidents[0].RuleName)
	assert.Equal(t, "web01", incidents[0].DeviceID)
}

func TestPoller_DeviceTelemetryFansOutPerRecord(t *testing.T) {
	path := newQueue(t, "bus-wal.db", func(s *ldq.Store) {
		appendEnvelope(t, s, &pb.Envelope{
			Version: pb.WireVersion, TsNs: recentTs(time.Minute), IdempotencyKey: "batch-1",
			DeviceTelemetry: &pb.DeviceTelemetry{
				DeviceID:   "sensor-7",
				DeviceType: "camera",
				Events: []*pb.TelemetryRecord{
					{EventID: "r1", TsNs: recentTs(2 * time.Minute), Security: &pb.SecurityEvent{
						Category: pb.CategorySSHLogin, Action: "SSH",
						Outcome: pb.OutcomeFailure, SourceIP: "203.0.113.42",
					}},
					{EventID: "r2", TsNs: recentTs(time.Minute), Audit: &pb.AuditEvent{
						Category: "CHANGE", Action: pb.AuditCreated,
						ObjectType: "file", ObjectID: "/etc/motd",
					}},
				},
			},
		})
	})
	fx := newTestPoller(t, 30*time.Minute,
		Source{Name: "bus", Path: path, DefaultDevice: "bus"})

	assert.Equal(t, 2, fx.poller.Scan())
	fx.engine.EvaluateAllDevices()

	risk, ok := fx.engine.Risk("sensor-7")
	require.True(t, ok, "the batch device owns the views, not the source default")
	assert.Contains(t, risk.ReasonTags, "failed_ssh_x1")
}

func TestPoller_SecondScanSkipsSeenRows(t *testing.T) {
	path := newQueue(t, "agent.db", func(s *ldq.Store) {
		appendEnvelope(t, s, sudoEnvelope("e1", "apt-get update", recentTs(time.Minute)))
	})
	fx := newTestPoller(t, 30*time.Minute,
		Source{Name: "agent", Path: path, DefaultDevice: "web01"})

	assert.Equal(t, 1, fx.poller.Scan())
	assert.Equal(t, 0, fx.poller.Scan())
}

func TestPoller_BacklogDrainsAcrossScans(t *testing.T) {
	path := newQueue(t, "bus-wal.db", func(s *ldq.Store) {
		for i := 0; i < 7; i++ {
			appendEnvelope(t, s, sudoEnvelope(fmt.Sprintf("e%d", i), "apt-get update", recentTs(time.Minute)))
		}
	})
	engine := fusion.NewEngine(30*time.Minute, fusion.AllRules(), nil,
		fusion.NewMetrics(prometheus.NewRegistry()))
	p := NewPoller(Config{Window: 30 * time.Minute, BatchLimit: 5},
		[]Source{{Name: "bus", Path: path, DefaultDevice: "bus"}},
		engine, NewMetrics(prometheus.NewRegistry()))

	// A backlog larger than one batch must drain across passes; re-reading
	// from the window start would return the same five rows forever.
	assert.Equal(t, 5, p.Scan())
	assert.Equal(t, 2, p.Scan())
	assert.Equal(t, 0, p.Scan())
}

func TestPoller_RecreatedSourceIsRescanned(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.db")

	store, err := ldq.Open(path)
	require.NoError(t, err)
	appendEnvelope(t, store, sudoEnvelope("e1", "apt-get update", recentTs(time.Minute)))
	require.NoError(t, store.Close())

	fx := newTestPoller(t, 30*time.Minute,
		Source{Name: "agent", Path: path, DefaultDevice: "web01"})
	require.Equal(t, 1, fx.poller.Scan())

	// Replace the store file: row ids restart below the high-water mark.
	for _, suffix := range []string{"", "-wal", "-shm", ".lock"} {
		os.Remove(path + suffix)
	}
	store, err = ldq.Open(path)
	require.NoError(t, err)
	appendEnvelope(t, store, sudoEnvelope("e2", "apt-get upgrade", recentTs(time.Minute)))
	require.NoError(t, store.Close())

	assert.Equal(t, 1, fx.poller.Scan(), "a rotated store must not go dark")
}

func TestPoller_ExpiredRowsNotIngested(t *testing.T) {
	path := newQueue(t, "agent.db", func(s *ldq.Store) {
		appendEnvelope(t, s, sudoEnvelope("old", "vim /etc/sudoers", recentTs(2*time.Hour)))
	})
	fx := newTestPoller(t, 10*time.Minute,
		Source{Name: "agent", Path: path, DefaultDevice: "web01"})

	assert.Equal(t, 0, fx.poller.Scan())
	assert.Empty(t, fx.engine.EvaluateAllDevices())
}

func TestPoller_CorruptRowLoggedOnce(t *testing.T) {
	path := newQueue(t, "agent.db", func(s *ldq.Store) {
		ok, err := s.Append("poison", recentTs(time.Minute), []byte{0xFF, 0xFF})
		require.NoError(t, err)
		require.True(t, ok)
		appendEnvelope(t, s, sudoEnvelope("good", "apt-get update", recentTs(time.Minute)))
	})
	fx := newTestPoller(t, 30*time.Minute,
		Source{Name: "agent", Path: path, DefaultDevice: "web01"})

	assert.Equal(t, 1, fx.poller.Scan(), "the healthy row still ingests")
	assert.Equal(t, float64(1), testutil.ToFloat64(fx.metrics.ParseFailures))

	fx.poller.Scan()
	assert.Equal(t, float64(1), testutil.ToFloat64(fx.metrics.ParseFailures),
		"a poisoned row is parsed once, not every pass")
}

func TestPoller_UnavailableSourceSkipped(t *testing.T) {
	good := newQueue(t, "agent.db", func(s *ldq.Store) {
		appendEnvelope(t, s, sudoEnvelope("e1", "apt-get update", recentTs(time.Minute)))
	})
	fx := newTestPoller(t, 30*time.Minute,
		Source{Name: "gone", Path: filepath.Join(t.TempDir(), "missing.db"), DefaultDevice: "x"},
		Source{Name: "agent", Path: good, DefaultDevice: "web01"})

	assert.Equal(t, 1, fx.poller.Scan(), "one dead source must not starve the rest")
	assert.Equal(t, float64(1),
		testutil.ToFloat64(fx.metrics.SourceScans.WithLabelValues("gone", "error")))
}

func TestPoller_RunSignalsReadyAfterInitialPass(t *testing.T) {
	path := newQueue(t, "agent.db", func(s *ldq.Store) {
		appendEnvelope(t, s, sudoEnvelope("e1", "vim /etc/sudoers", recentTs(time.Minute)))
	})
	engine := fusion.NewEngine(30*time.Minute, fusion.AllRules(), nil,
		fusion.NewMetrics(prometheus.NewRegistry()))

	ctx, cancel := context.WithCancel(context.Background())
	ready := false
	p := NewPoller(Config{
		Window: 30 * time.Minute,
		// Cancelling from the callback proves readiness follows the initial
		// scan and evaluation, not construction.
		OnReady: func() {
			ready = true
			cancel()
		},
	}, []Source{{Name: "agent", Path: path, DefaultDevice: "web01"}},
		engine, NewMetrics(prometheus.NewRegistry()))

	err := p.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, ready)

	risk, ok := engine.Risk("web01")
	require.True(t, ok, "the initial pass must have run before readiness")
	assert.NotZero(t, risk.Score)
}

// ============================================================================
// FLATTENING
// ============================================================================

func TestViews_SudoCommandBecomesAttribute(t *testing.T) {
	views := Views(sudoEnvelope("e1", "vim /etc/sudoers", recentTs(0)), "web01")
	require.Len(t, views, 1)
	assert.Equal(t, fusion.TypeSecurity, views[0].EventType)
	assert.Equal(t, "vim /etc/sudoers", views[0].Attr("sudo_command"))
	assert.Equal(t, "web01", views[0].DeviceID)
}

func TestViews_MetricPayloadCarriesAttributes(t *testing.T) {
	views := Views(&pb.Envelope{
		Version: pb.WireVersion, TsNs: recentTs(0), IdempotencyKey: "m1",
		Metric: &pb.MetricEvent{Name: "host_heartbeat", Type: pb.MetricGauge,
			NumericValue: 42, Unit: "count"},
	}, "web01")
	require.Len(t, views, 1)
	assert.Equal(t, fusion.TypeMetric, views[0].EventType)
	assert.Equal(t, "host_heartbeat", views[0].Attr("metric_name"))
	assert.Equal(t, "42", views[0].Attr("metric_value"))
}

func TestViews_RecordWithoutEventIDGetsDerivedID(t *testing.T) {
	views := Views(&pb.Envelope{
		Version: pb.WireVersion, TsNs: recentTs(0), IdempotencyKey: "batch-9",
		DeviceTelemetry: &pb.DeviceTelemetry{
			DeviceID: "sensor-7",
			Events: []*pb.TelemetryRecord{
				{Metric: &pb.MetricEvent{Name: "temp", Type: pb.MetricGauge, NumericValue: 21}},
			},
		},
	}, "bus")
	require.Len(t, views, 1)
	assert.Equal(t, "batch-9#0", views[0].EventID)
}

func TestViews_EmptyPayloadDropped(t *testing.T) {
	assert.Empty(t, Views(&pb.Envelope{
		Version: pb.WireVersion, TsNs: recentTs(0), IdempotencyKey: "hollow",
	}, "web01"))
}

// ============================================================================
// SEEN SET
// ============================================================================

func TestSeenSet_EvictsOldest(t *testing.T) {
	s := newSeenSet(3)
	s.Add("a")
	s.Add("b")
	s.Add("c")
	require.True(t, s.Has("a")) // refreshed, now newest
	s.Add("d")                  // evicts b

	assert.True(t, s.Has("a"))
	assert.False(t, s.Has("b"))
	assert.True(t, s.Has("c"))
	assert.True(t, s.Has("d"))
	assert.Equal(t, 3, s.Len())
}

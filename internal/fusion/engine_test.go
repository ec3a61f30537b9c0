package fusion

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(window time.Duration) (*Engine, *time.Time) {
	clock := t0
	e := NewEngine(window, AllRules(), nil, NewMetrics(prometheus.NewRegistry()))
	e.now = func() time.Time { return clock }
	return e, &clock
}

// ============================================================================
// ATTACK SCENARIOS
// ============================================================================

func TestScenario_BruteForceBelowThreshold(t *testing.T) {
	e, _ := newTestEngine(30 * time.Minute)

	for i := 0; i < 3; i++ {
		e.AddEvent(sshFailure(fmt.Sprintf("f%d", i), "203.0.113.42", t0.Add(time.Duration(5*i)*time.Second)))
	}
	e.AddEvent(sshSuccess("s1", "203.0.113.42", t0.Add(15*time.Second)))

	incidents := e.EvaluateAllDevices()
	assert.Empty(t, incidents, "three failures stay below the brute-force threshold")

	risk, ok := e.Risk("host-1")
	require.True(t, ok)
	assert.Equal(t, 30, risk.Score, "3 failures (15) + success from new IP (15)")
	assert.Equal(t, SeverityLow, risk.Level)
	assert.Contains(t, risk.ReasonTags, "failed_ssh_x3")
	assert.Contains(t, risk.ReasonTags, "ssh_from_new_ip:203.0.113.42")
}

func TestScenario_BruteForceCompromise(t *testing.T) {
	e, _ := newTestEngine(30 * time.Minute)

	for i := 0; i < 5; i++ {
		e.AddEvent(sshFailure(fmt.Sprintf("f%d", i), "203.0.113.42", t0.Add(time.Duration(5*i)*time.Second)))
	}
	e.AddEvent(sshSuccess("s1", "203.0.113.42", t0.Add(30*time.Second)))

	incidents := e.EvaluateAllDevices()
	require.Len(t, incidents, 1)
	assert.Equal(t, "ssh_brute_force", incidents[0].RuleName)
	assert.Equal(t, SeverityHigh, incidents[0].Severity)

	risk, _ := e.Risk("host-1")
	// Capped failures (20) + new-IP success (15) + HIGH incident (20).
	assert.Equal(t, 55, risk.Score)
	assert.Equal(t, SeverityMedium, risk.Level)
}

func TestScenario_PersistenceAfterAuth(t *testing.T) {
	e, _ := newTestEngine(30 * time.Minute)

	e.AddEvent(sshSuccess("s1", "203.0.113.42", t0))
	e.AddEvent(auditCreated("a1", "/Users/x/Library/LaunchAgents/com.evil.plist", t0.Add(2*time.Minute)))

	incidents := e.EvaluateAllDevices()
	require.Len(t, incidents, 1)
	assert.Equal(t, "persistence_after_auth", incidents[0].RuleName)

	risk, _ := e.Risk("host-1")
	// New-IP success (15) + launch agent (25) + HIGH incident (20).
	assert.Equal(t, 60, risk.Score)
	assert.Equal(t, SeverityMedium, risk.Level)
}

func TestScenario_SuspiciousSudo(t *testing.T) {
	e, _ := newTestEngine(30 * time.Minute)

	e.AddEvent(sudoView("u1", "vim /etc/sudoers", t0))

	incidents := e.EvaluateAllDevices()
	require.Len(t, incidents, 1)
	assert.Equal(t, "suspicious_sudo", incidents[0].RuleName)
	assert.Equal(t, SeverityCritical, incidents[0].Severity)

	risk, _ := e.Risk("host-1")
	// Suspicious sudo (30) + CRITICAL incident (40).
	assert.Equal(t, 70, risk.Score)
	assert.Equal(t, SeverityHigh, risk.Level)
}

// ============================================================================
// ENGINE MECHANICS
// ============================================================================

func TestEngine_IncidentDedupAcrossPasses(t *testing.T) {
	e, _ := newTestEngine(30 * time.Minute)
	e.AddEvent(sudoView("u1", "vim /etc/sudoers", t0))

	first := e.EvaluateAllDevices()
	require.Len(t, first, 1)

	second := e.EvaluateAllDevices()
	assert.Empty(t, second, "the same finding must not re-fire within the window")

	// The lingering sudo event still contributes its per-pass delta.
	risk, _ := e.Risk("host-1")
	assert.Equal(t, 100, risk.Score, "70 + 30, clamped")
	assert.Equal(t, SeverityCritical, risk.Level)
}

func TestEngine_ScoreClampedToHundred(t *testing.T) {
	e, _ := newTestEngine(30 * time.Minute)

	for i := 0; i < 8; i++ {
		e.AddEvent(sudoView(fmt.Sprintf("u%d", i), "rm -rf / --force", t0.Add(time.Duration(i)*time.Second)))
	}
	e.EvaluateAllDevices()

	risk, _ := e.Risk("host-1")
	assert.Equal(t, 100, risk.Score)
	assert.Equal(t, SeverityCritical, risk.Level)
}

func TestEngine_DecayWithoutRiskyEvents(t *testing.T) {
	e, clock := newTestEngine(10 * time.Minute)

	e.AddEvent(sshSuccess("s1", "203.0.113.42", t0))
	e.EvaluateAllDevices()
	risk, _ := e.Risk("host-1")
	require.Equal(t, 15, risk.Score)

	// Twenty minutes later the event has left the window; two decay periods
	// have elapsed.
	*clock = t0.Add(20 * time.Minute)
	e.EvaluateAllDevices()
	risk, _ = e.Risk("host-1")
	assert.Equal(t, 0, risk.Score, "15 - 2*10, clamped at zero")
	assert.Equal(t, SeverityLow, risk.Level)
}

func TestEngine_WindowPruning(t *testing.T) {
	e, clock := newTestEngine(10 * time.Minute)

	e.AddEvent(sshFailure("f0", "203.0.113.42", t0))
	*clock = t0.Add(11 * time.Minute)
	e.AddEvent(sshFailure("f1", "203.0.113.42", *clock))
	e.EvaluateAllDevices()

	risk, _ := e.Risk("host-1")
	assert.Contains(t, risk.ReasonTags, "failed_ssh_x1", "the expired failure must not count")
}

func TestEngine_DevicesAreIndependent(t *testing.T) {
	e, _ := newTestEngine(30 * time.Minute)

	v := sudoView("u1", "vim /etc/sudoers", t0)
	v.DeviceID = "host-a"
	e.AddEvent(v)

	other := sshSuccess("s1", "203.0.113.42", t0)
	other.DeviceID = "host-b"
	e.AddEvent(other)

	incidents := e.EvaluateAllDevices()
	require.Len(t, incidents, 1)
	assert.Equal(t, "host-a", incidents[0].DeviceID)

	riskA, _ := e.Risk("host-a")
	riskB, _ := e.Risk("host-b")
	assert.Equal(t, 70, riskA.Score)
	assert.Equal(t, 15, riskB.Score)
}

func TestEngine_IgnoresDevicelessViews(t *testing.T) {
	e, _ := newTestEngine(30 * time.Minute)
	v := sudoView("u1", "vim /etc/sudoers", t0)
	v.DeviceID = ""
	e.AddEvent(v)
	assert.Empty(t, e.EvaluateAllDevices())
}

// ============================================================================
// PERSISTENCE
// ============================================================================

func TestEngine_PersistsIncidentsAndSnapshots(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "fusion.db"))
	require.NoError(t, err)
	defer store.Close()

	e := NewEngine(30*time.Minute, AllRules(), store, NewMetrics(prometheus.NewRegistry()))
	e.now = func() time.Time { return t0 }

	e.AddEvent(sudoView("u1", "vim /etc/sudoers", t0))
	emitted := e.EvaluateAllDevices()
	require.Len(t, emitted, 1)

	stored, err := store.IncidentsByDevice("host-1", 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, emitted[0].IncidentID, stored[0].IncidentID)
	assert.Equal(t, "suspicious_sudo", stored[0].RuleName)
	assert.Equal(t, []string{TacticPrivilegeEscalation}, stored[0].Tactics)

	snap, err := store.Snapshot("host-1")
	require.NoError(t, err)
	assert.Equal(t, 70, snap.Score)
	assert.Equal(t, SeverityHigh, snap.Level)
	assert.Contains(t, snap.ReasonTags, "incident:suspicious_sudo")
}

func TestRiskLevelThresholds(t *testing.T) {
	cases := []struct {
		score int
		level string
	}{
		{0, SeverityLow}, {30, SeverityLow},
		{31, SeverityMedium}, {60, SeverityMedium},
		{61, SeverityHigh}, {80, SeverityHigh},
		{81, SeverityCritical}, {100, SeverityCritical},
	}
	for _, c := range cases {
		assert.Equal(t, c.level, RiskLevel(c.score), "score %d", c.score)
	}
}

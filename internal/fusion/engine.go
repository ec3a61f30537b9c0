package fusion

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
)

// Score deltas per evaluation pass.
const (
	failedSSHUnit     = 5
	failedSSHMax      = 20
	newIPSuccessDelta = 15
	newSSHKeyDelta    = 30
	newLaunchDelta    = 25
	suspiciousSudo    = 30
	highIncidentDelta = 20
	critIncidentDelta = 40

	decayUnit   = 10
	decayPeriod = 600 * time.Second

	maxReasonTags       = 10
	maxSupportingEvents = 50
)

// deviceState is the engine's per-device working memory.
type deviceState struct {
	buffer   []View
	score    int
	lastEval time.Time
	// knownIPs unions every security-event source IP; successIPs records the
	// event that first logged in successfully from an IP, which is what the
	// new-IP scoring delta keys on.
	knownIPs      map[string]struct{}
	successIPs    map[string]string
	incidentCount int
	seen          map[string]struct{} // suppressed incident dedup keys
	reasons       []string
	supporting    []string
}

// Engine correlates views into incidents and per-device risk. One engine
// instance owns all device state; AddEvent and EvaluateAllDevices serialize
// on one mutex so the ingestor can feed it from its poll loop directly.
type Engine struct {
	window  time.Duration
	rules   []Rule
	store   *Store
	metrics *Metrics
	logger  *log.Logger

	mu      sync.Mutex
	devices map[string]*deviceState
	now     func() time.Time
}

// NewEngine builds an engine over the given correlation window. store may be
// nil (in-memory only); persistence failures are logged, never raised.
func NewEngine(window time.Duration, rules []Rule, store *Store, metrics *Metrics) *Engine {
	return &Engine{
		window:  window,
		rules:   rules,
		store:   store,
		metrics: metrics,
		logger:  log.New(log.Writer(), "[FUSION] ", log.LstdFlags),
		devices: make(map[string]*deviceState),
		now:     time.Now,
	}
}

// AddEvent appends one view to its device buffer, prunes expired entries,
// and unions any security source IP into the device's known-IP set.
func (e *Engine) AddEvent(v View) {
	if v.DeviceID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.state(v.DeviceID)
	st.buffer = append(st.buffer, v)
	e.prune(st)

	if v.Security != nil && v.Security.SourceIP != "" {
		st.knownIPs[v.Security.SourceIP] = struct{}{}
		if v.IsSuccessSSH() {
			if _, known := st.successIPs[v.Security.SourceIP]; !known {
				st.successIPs[v.Security.SourceIP] = v.EventID
			}
		}
	}
	e.metrics.EventsAdded.Inc()
}

// EvaluateAllDevices runs the rule set and risk scoring over every device
// buffer, persisting incidents and snapshots. Returns the newly emitted
// incidents.
func (e *Engine) EvaluateAllDevices() []*Incident {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.devices))
	for id := range e.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var emitted []*Incident
	for _, id := range ids {
		emitted = append(emitted, e.evaluateDevice(id, e.devices[id])...)
	}
	e.metrics.EvalDuration.Observe(time.Since(start).Seconds())
	return emitted
}

// Risk returns the current snapshot for one device.
func (e *Engine) Risk(deviceID string) (RiskSnapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.devices[deviceID]
	if !ok {
		return RiskSnapshot{}, false
	}
	return e.snapshot(deviceID, st), true
}

func (e *Engine) state(deviceID string) *deviceState {
	st, ok := e.devices[deviceID]
	if !ok {
		st = &deviceState{
			knownIPs:   make(map[string]struct{}),
			successIPs: make(map[string]string),
			seen:       make(map[string]struct{}),
		}
		e.devices[deviceID] = st
	}
	return st
}

// prune must be called with the lock held.
func (e *Engine) prune(st *deviceState) {
	cutoff := e.now().Add(-e.window)
	kept := st.buffer[:0]
	for _, v := range st.buffer {
		if v.Timestamp.After(cutoff) {
			kept = append(kept, v)
		}
	}
	st.buffer = kept
}

// evaluateDevice must be called with the lock held.
func (e *Engine) evaluateDevice(deviceID string, st *deviceState) []*Incident {
	now := e.now()
	e.prune(st)
	sort.SliceStable(st.buffer, func(i, j int) bool {
		return st.buffer[i].Timestamp.Before(st.buffer[j].Timestamp)
	})

	var emitted []*Incident
	for _, rule := range e.rules {
		inc := rule(deviceID, st.buffer)
		if inc == nil {
			continue
		}
		key := inc.dedupKey()
		if _, dup := st.seen[key]; dup {
			continue
		}
		st.seen[key] = struct{}{}
		st.incidentCount++
		emitted = append(emitted, inc)

		e.metrics.RuleFires.WithLabelValues(inc.RuleName).Inc()
		e.metrics.Incidents.WithLabelValues(inc.Severity).Inc()
		e.logger.Printf("Incident %s on %s: %s", inc.RuleName, deviceID, inc.Summary)
		if e.store != nil {
			if err := e.store.SaveIncident(inc); err != nil {
				e.logger.Printf("Incident persistence failed for %s: %v", inc.IncidentID, err)
			}
		}
	}

	e.score(deviceID, st, emitted, now)

	snap := e.snapshot(deviceID, st)
	e.metrics.DeviceRisk.WithLabelValues(deviceID).Set(float64(snap.Score))
	if e.store != nil {
		if err := e.store.SaveSnapshot(snap); err != nil {
			e.logger.Printf("Snapshot persistence failed for %s: %v", deviceID, err)
		}
	}
	return emitted
}

// score applies the additive risk deltas for this pass, decaying instead
// when the window held no risky events. Must be called with the lock held.
func (e *Engine) score(deviceID string, st *deviceState, emitted []*Incident, now time.Time) {
	delta := 0
	var reasons []string
	var supporting []string

	failed := 0
	for _, v := range st.buffer {
		if v.IsFailedSSH() {
			failed++
			supporting = append(supporting, v.EventID)
		}
	}
	if failed > 0 {
		d := failedSSHUnit * failed
		if d > failedSSHMax {
			d = failedSSHMax
		}
		delta += d
		reasons = append(reasons, fmt.Sprintf("failed_ssh_x%d", failed))
	}

	for _, v := range st.buffer {
		switch {
		case v.IsSuccessSSH() && st.successIPs[v.Security.SourceIP] == v.EventID:
			delta += newIPSuccessDelta
			reasons = append(reasons, "ssh_from_new_ip:"+v.Security.SourceIP)
			supporting = append(supporting, v.EventID)
		case v.Audit != nil && v.Audit.Action == "CREATED" && isUserPersistencePath(v.Audit.ObjectID):
			if containsSSHKeyPath(v.Audit.ObjectID) {
				delta += newSSHKeyDelta
				reasons = append(reasons, "new_ssh_key")
			} else {
				delta += newLaunchDelta
				reasons = append(reasons, "new_launch_agent")
			}
			supporting = append(supporting, v.EventID)
		case v.IsSudo() && matchesAny(v.Attr("sudo_command"), dangerousSudoPatterns):
			delta += suspiciousSudo
			reasons = append(reasons, "suspicious_sudo")
			supporting = append(supporting, v.EventID)
		}
	}

	for _, inc := range emitted {
		switch inc.Severity {
		case SeverityHigh:
			delta += highIncidentDelta
		case SeverityCritical:
			delta += critIncidentDelta
		}
		reasons = append(reasons, "incident:"+inc.RuleName)
	}

	if delta == 0 && !st.lastEval.IsZero() {
		periods := int(now.Sub(st.lastEval) / decayPeriod)
		st.score -= decayUnit * periods
	}
	st.score += delta
	if st.score < 0 {
		st.score = 0
	}
	if st.score > 100 {
		st.score = 100
	}

	st.reasons = appendCapped(st.reasons, reasons, maxReasonTags)
	st.supporting = appendCapped(st.supporting, supporting, maxSupportingEvents)
	st.lastEval = now
}

// snapshot must be called with the lock held.
func (e *Engine) snapshot(deviceID string, st *deviceState) RiskSnapshot {
	return RiskSnapshot{
		DeviceID:         deviceID,
		Score:            st.score,
		Level:            RiskLevel(st.score),
		ReasonTags:       append([]string(nil), st.reasons...),
		SupportingEvents: append([]string(nil), st.supporting...),
		UpdatedAt:        st.lastEval,
	}
}

func containsSSHKeyPath(path string) bool {
	return strings.Contains(path, ".ssh/")
}

// appendCapped appends add to base keeping the newest max entries.
func appendCapped(base, add []string, max int) []string {
	out := append(base, add...)
	if len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}

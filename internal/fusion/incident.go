package fusion

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Incident severities, ordered.
const (
	SeverityInfo     = "INFO"
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// MITRE ATT&CK tactic tags used by the rule set.
const (
	TacticInitialAccess       = "INITIAL_ACCESS"
	TacticExecution           = "EXECUTION"
	TacticPersistence         = "PERSISTENCE"
	TacticPrivilegeEscalation = "PRIVILEGE_ESCALATION"
	TacticDefenseEvasion      = "DEFENSE_EVASION"
	TacticCredentialAccess    = "CREDENTIAL_ACCESS"
	TacticDiscovery           = "DISCOVERY"
	TacticExfiltration        = "EXFILTRATION"
)

// Incident is one correlated finding, time-bounded by its contributing
// events.
type Incident struct {
	IncidentID string
	DeviceID   string
	Severity   string
	Tactics    []string
	Techniques []string
	RuleName   string
	Summary    string
	StartTs    time.Time
	EndTs      time.Time
	EventIDs   []string
	Metadata   map[string]string
	CreatedAt  time.Time
}

// newIncident assembles an incident from its contributing views, deriving
// the time bounds and ordered event id list.
func newIncident(rule, deviceID, severity, summary string, tactics, techniques []string, contributing []View) *Incident {
	inc := &Incident{
		IncidentID: uuid.NewString(),
		DeviceID:   deviceID,
		Severity:   severity,
		Tactics:    tactics,
		Techniques: techniques,
		RuleName:   rule,
		Summary:    summary,
		CreatedAt:  time.Now(),
	}
	sorted := make([]View, len(contributing))
	copy(sorted, contributing)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
	for _, v := range sorted {
		inc.EventIDs = append(inc.EventIDs, v.EventID)
	}
	if len(sorted) > 0 {
		inc.StartTs = sorted[0].Timestamp
		inc.EndTs = sorted[len(sorted)-1].Timestamp
	}
	return inc
}

// dedupKey identifies recurrences of the same finding within a window.
func (inc *Incident) dedupKey() string {
	earliest := ""
	if len(inc.EventIDs) > 0 {
		earliest = inc.EventIDs[0]
	}
	return inc.RuleName + "|" + inc.DeviceID + "|" + earliest
}

// RiskLevel maps a clamped score to its operator-facing level.
func RiskLevel(score int) string {
	switch {
	case score <= 30:
		return SeverityLow
	case score <= 60:
		return SeverityMedium
	case score <= 80:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// RiskSnapshot is the per-device risk state persisted after each evaluation.
type RiskSnapshot struct {
	DeviceID         string
	Score            int
	Level            string
	ReasonTags       []string
	SupportingEvents []string
	UpdatedAt        time.Time
}

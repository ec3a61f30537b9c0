// Package fusion correlates flattened telemetry into incidents and per-device
// risk scores. One engine instance owns all per-device state; evaluation is
// single-threaded by design.
package fusion

import (
	"time"

	"github.com/amoskys/amoskys/pb"
)

// Event type tags carried by views.
const (
	TypeSecurity = "SECURITY"
	TypeAudit    = "AUDIT"
	TypeProcess  = "PROCESS"
	TypeFlow     = "FLOW"
	TypeMetric   = "METRIC"
)

// View is the correlation-facing shape of one event: flat, immutable, and
// free of wire types except for the single typed sub-body. The ingestor
// builds views; the engine and rules only read them.
type View struct {
	EventID    string
	DeviceID   string
	EventType  string
	Severity   string
	Timestamp  time.Time
	Attributes map[string]string

	Security *pb.SecurityEvent
	Audit    *pb.AuditEvent
	Process  *pb.ProcessEvent
	Flow     *pb.FlowEvent
}

// Attr returns an attribute value, or "" when absent.
func (v View) Attr(key string) string {
	if v.Attributes == nil {
		return ""
	}
	return v.Attributes[key]
}

// IsFailedSSH reports a failed SSH authentication attempt.
func (v View) IsFailedSSH() bool {
	return v.Security != nil &&
		v.Security.Action == "SSH" &&
		v.Security.Outcome == pb.OutcomeFailure
}

// IsSuccessSSH reports a successful SSH login.
func (v View) IsSuccessSSH() bool {
	return v.Security != nil &&
		v.Security.Action == "SSH" &&
		v.Security.Outcome == pb.OutcomeSuccess
}

// IsSudo reports a sudo invocation.
func (v View) IsSudo() bool {
	return v.Security != nil && v.Security.Category == pb.CategorySudo
}

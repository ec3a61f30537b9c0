// Package pb defines the AMOSKYS wire schema: the signed Envelope, its
// typed payload variants, and the Publish acknowledgement. The schema is a
// length-prefixed binary encoding with stable field numbers; upgrades are
// field-addition only, never renumbering.
package pb

import (
	"errors"
	"fmt"
)

// WireVersion is the protocol version tag stamped into every envelope.
const WireVersion = "v1"

// Envelope field numbers. Frozen — add, never renumber.
const (
	fieldVersion        = 1
	fieldTsNs           = 2
	fieldIdempotencyKey = 3
	fieldFlow           = 4
	fieldProcess        = 5
	fieldSecurity       = 6
	fieldAudit          = 7
	fieldMetric         = 8
	fieldDeviceTel      = 9
	fieldSig            = 10
	fieldPrevSig        = 11
)

// AckStatus is the bus verdict on a Publish call.
type AckStatus int32

const (
	AckOK      AckStatus = 0 // accepted (stored or known duplicate)
	AckRetry   AckStatus = 1 // transient backpressure; retry after hint
	AckInvalid AckStatus = 2 // permanent rejection; never retry
	AckError   AckStatus = 3 // unclassified server fault; retry at discretion
)

func (s AckStatus) String() string {
	switch s {
	case AckOK:
		return "OK"
	case AckRetry:
		return "RETRY"
	case AckInvalid:
		return "INVALID"
	case AckError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Common envelope errors.
var (
	ErrNoPayload       = errors.New("pb: envelope has no payload variant")
	ErrMultiplePayload = errors.New("pb: envelope has more than one payload variant")
	ErrMissingField    = errors.New("pb: envelope is missing a mandatory field")
	ErrTruncated       = errors.New("pb: truncated wire data")
)

// Envelope is the atomic unit of transport: one signed, idempotent,
// event-carrying record. Exactly one payload variant must be populated.
// Sig and PrevSig are excluded from the canonical bytes used for signing.
type Envelope struct {
	Version        string
	TsNs           uint64
	IdempotencyKey string

	Flow            *FlowEvent
	Process         *ProcessEvent
	Security        *SecurityEvent
	Audit           *AuditEvent
	Metric          *MetricEvent
	DeviceTelemetry *DeviceTelemetry

	Sig     []byte
	PrevSig []byte
}

// PayloadKind identifies which variant of the payload union is set.
type PayloadKind string

const (
	KindFlow            PayloadKind = "FLOW"
	KindProcess         PayloadKind = "PROCESS"
	KindSecurity        PayloadKind = "SECURITY"
	KindAudit           PayloadKind = "AUDIT"
	KindMetric          PayloadKind = "METRIC"
	KindDeviceTelemetry PayloadKind = "DEVICE_TELEMETRY"
)

// PayloadKind returns the populated variant. The accessor is total: an
// envelope with zero or multiple variants reports an error instead of a
// silent empty branch.
func (e *Envelope) PayloadKind() (PayloadKind, error) {
	var kind PayloadKind
	n := 0
	if e.Flow != nil {
		kind, n = KindFlow, n+1
	}
	if e.Process != nil {
		kind, n = KindProcess, n+1
	}
	if e.Security != nil {
		kind, n = KindSecurity, n+1
	}
	if e.Audit != nil {
		kind, n = KindAudit, n+1
	}
	if e.Metric != nil {
		kind, n = KindMetric, n+1
	}
	if e.DeviceTelemetry != nil {
		kind, n = KindDeviceTelemetry, n+1
	}
	switch n {
	case 0:
		return "", ErrNoPayload
	case 1:
		return kind, nil
	default:
		return "", ErrMultiplePayload
	}
}

// Validate checks the envelope invariants: version, timestamp, idempotency
// key, and exactly one payload variant.
func (e *Envelope) Validate() error {
	if e.Version == "" {
		return fmt.Errorf("%w: version", ErrMissingField)
	}
	if e.TsNs == 0 {
		return fmt.Errorf("%w: ts_ns", ErrMissingField)
	}
	if e.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency_key", ErrMissingField)
	}
	_, err := e.PayloadKind()
	return err
}

// FlowEvent is one observed network flow.
type FlowEvent struct {
	SrcIP     string
	DstIP     string
	SrcPort   uint32
	DstPort   uint32
	Protocol  string
	BytesSent uint64
	BytesRecv uint64
	StartTsNs uint64
	EndTsNs   uint64
}

// ProcessEvent is one observed process.
type ProcessEvent struct {
	Pid     uint32
	Ppid    uint32
	ExePath string
	Argv    []string
	Uid     uint32
	CmdLine string
}

// SecurityEvent outcome values.
const (
	OutcomeSuccess = "SUCCESS"
	OutcomeFailure = "FAILURE"
)

// SecurityEvent categories the correlation rules key on.
const (
	CategoryAuthentication = "AUTHENTICATION"
	CategorySudo           = "SUDO"
	CategorySSHLogin       = "SSH_LOGIN"
)

// SecurityEvent is one host-security observation (auth attempt, sudo
// invocation, SSH login, ...).
type SecurityEvent struct {
	Category   string
	Action     string
	Outcome    string
	User       string
	SourceIP   string
	RiskScore  uint32
	Techniques []string // MITRE ATT&CK technique ids
	Command    string   // invoked command line, set for SUDO events
}

// AuditEvent actions.
const (
	AuditCreated  = "CREATED"
	AuditModified = "MODIFIED"
	AuditDeleted  = "DELETED"
)

// AuditEvent is one configuration/filesystem change record.
type AuditEvent struct {
	Category   string // "CHANGE"
	Action     string // CREATED | MODIFIED | DELETED
	ObjectType string
	ObjectID   string
	Before     string
	After      string
}

// MetricEvent types.
const (
	MetricGauge   = "GAUGE"
	MetricCounter = "COUNTER"
)

// MetricEvent is one telemetry sample.
type MetricEvent struct {
	Name         string
	Type         string // GAUGE | COUNTER
	NumericValue float64
	StringValue  string
	Unit         string
}

// TelemetryRecord is one typed event wrapped inside a DeviceTelemetry batch.
// Exactly one of the variant pointers is set.
type TelemetryRecord struct {
	EventID  string
	TsNs     uint64
	Severity string

	Flow     *FlowEvent
	Process  *ProcessEvent
	Security *SecurityEvent
	Audit    *AuditEvent
	Metric   *MetricEvent
}

// DeviceTelemetry batches an ordered list of typed events emitted on behalf
// of one device.
type DeviceTelemetry struct {
	DeviceID   string
	DeviceType string
	Protocol   string
	Metadata   map[string]string // mfr / model / ip, ...
	Events     []*TelemetryRecord
}

// PublishAck is the bus response to a Publish call.
type PublishAck struct {
	Status        AckStatus
	Reason        string
	BackoffHintMs uint32
}

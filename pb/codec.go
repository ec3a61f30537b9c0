package pb

import (
	"fmt"
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// The codec writes fields in ascending field-number order with map keys
// sorted, so serialization is deterministic: the same envelope always
// yields the same bytes. Canonical() relies on this to produce a stable
// signing input.

// MarshalWire serializes the full envelope, signature fields included.
func (e *Envelope) MarshalWire() ([]byte, error) {
	return e.appendWire(nil, true)
}

// Canonical returns the deterministic byte form used for signing: the
// serialization of version, ts_ns, idempotency_key, and the single
// populated payload. Sig and PrevSig never contribute, so re-signing an
// envelope does not change its canonical bytes.
func (e *Envelope) Canonical() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e.appendWire(nil, false)
}

func (e *Envelope) appendWire(b []byte, withSig bool) ([]byte, error) {
	if e.Version != "" {
		b = appendString(b, fieldVersion, e.Version)
	}
	if e.TsNs != 0 {
		b = appendUint(b, fieldTsNs, e.TsNs)
	}
	if e.IdempotencyKey != "" {
		b = appendString(b, fieldIdempotencyKey, e.IdempotencyKey)
	}

	var err error
	if e.Flow != nil {
		if b, err = appendMessage(b, fieldFlow, e.Flow.appendWire); err != nil {
			return nil, err
		}
	}
	if e.Process != nil {
		if b, err = appendMessage(b, fieldProcess, e.Process.appendWire); err != nil {
			return nil, err
		}
	}
	if e.Security != nil {
		if b, err = appendMessage(b, fieldSecurity, e.Security.appendWire); err != nil {
			return nil, err
		}
	}
	if e.Audit != nil {
		if b, err = appendMessage(b, fieldAudit, e.Audit.appendWire); err != nil {
			return nil, err
		}
	}
	if e.Metric != nil {
		if b, err = appendMessage(b, fieldMetric, e.Metric.appendWire); err != nil {
			return nil, err
		}
	}
	if e.DeviceTelemetry != nil {
		if b, err = appendMessage(b, fieldDeviceTel, e.DeviceTelemetry.appendWire); err != nil {
			return nil, err
		}
	}

	if withSig {
		if len(e.Sig) > 0 {
			b = appendBytes(b, fieldSig, e.Sig)
		}
		if len(e.PrevSig) > 0 {
			b = appendBytes(b, fieldPrevSig, e.PrevSig)
		}
	}
	return b, nil
}

// UnmarshalWire parses an envelope. Unknown fields are skipped so newer
// producers can add fields without breaking older verifiers.
func (e *Envelope) UnmarshalWire(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return ErrTruncated
		}
		data = data[n:]

		switch num {
		case fieldVersion:
			v, n, err := consumeString(data, typ)
			if err != nil {
				return err
			}
			e.Version, data = v, data[n:]
		case fieldTsNs:
			v, n, err := consumeUint(data, typ)
			if err != nil {
				return err
			}
			e.TsNs, data = v, data[n:]
		case fieldIdempotencyKey:
			v, n, err := consumeString(data, typ)
			if err != nil {
				return err
			}
			e.IdempotencyKey, data = v, data[n:]
		case fieldFlow:
			msg, n, err := consumeBytes(data, typ)
			if err != nil {
				return err
			}
			e.Flow = new(FlowEvent)
			if err := e.Flow.unmarshalWire(msg); err != nil {
				return err
			}
			data = data[n:]
		case fieldProcess:
			msg, n, err := consumeBytes(data, typ)
			if err != nil {
				return err
			}
			e.Process = new(ProcessEvent)
			if err := e.Process.unmarshalWire(msg); err != nil {
				return err
			}
			data = data[n:]
		case fieldSecurity:
			msg, n, err := consumeBytes(data, typ)
			if err != nil {
				return err
			}
			e.Security = new(SecurityEvent)
			if err := e.Security.unmarshalWire(msg); err != nil {
				return err
			}
			data = data[n:]
		case fieldAudit:
			msg, n, err := consumeBytes(data, typ)
			if err != nil {
				return err
			}
			e.Audit = new(AuditEvent)
			if err := e.Audit.unmarshalWire(msg); err != nil {
				return err
			}
			data = data[n:]
		case fieldMetric:
			msg, n, err := consumeBytes(data, typ)
			if err != nil {
				return err
			}
			e.Metric = new(MetricEvent)
			if err := e.Metric.unmarshalWire(msg); err != nil {
				return err
			}
			data = data[n:]
		case fieldDeviceTel:
			msg, n, err := consumeBytes(data, typ)
			if err != nil {
				return err
			}
			e.DeviceTelemetry = new(DeviceTelemetry)
			if err := e.DeviceTelemetry.unmarshalWire(msg); err != nil {
				return err
			}
			data = data[n:]
		case fieldSig:
			v, n, err := consumeBytes(data, typ)
			if err != nil {
				return err
			}
			e.Sig = append([]byte(nil), v...)
			data = data[n:]
		case fieldPrevSig:
			v, n, err := consumeBytes(data, typ)
			if err != nil {
				return err
			}
			e.PrevSig = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return ErrTruncated
			}
			data = data[n:]
		}
	}
	return nil
}

// ----------------------------------------------------------------------------
// Payload variants
// ----------------------------------------------------------------------------

func (f *FlowEvent) appendWire(b []byte) ([]byte, error) {
	b = appendString(b, 1, f.SrcIP)
	b = appendString(b, 2, f.DstIP)
	b = appendUint(b, 3, uint64(f.SrcPort))
	b = appendUint(b, 4, uint64(f.DstPort))
	b = appendString(b, 5, f.Protocol)
	b = appendUint(b, 6, f.BytesSent)
	b = appendUint(b, 7, f.BytesRecv)
	b = appendUint(b, 8, f.StartTsNs)
	b = appendUint(b, 9, f.EndTsNs)
	return b, nil
}

func (f *FlowEvent) unmarshalWire(data []byte) error {
	return scanFields(data, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case 1:
			f.SrcIP = string(v)
		case 2:
			f.DstIP = string(v)
		case 3:
			f.SrcPort = uint32(u)
		case 4:
			f.DstPort = uint32(u)
		case 5:
			f.Protocol = string(v)
		case 6:
			f.BytesSent = u
		case 7:
			f.BytesRecv = u
		case 8:
			f.StartTsNs = u
		case 9:
			f.EndTsNs = u
		}
		return nil
	})
}

func (p *ProcessEvent) appendWire(b []byte) ([]byte, error) {
	b = appendUint(b, 1, uint64(p.Pid))
	b = appendUint(b, 2, uint64(p.Ppid))
	b = appendString(b, 3, p.ExePath)
	for _, a := range p.Argv {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, a)
	}
	b = appendUint(b, 5, uint64(p.Uid))
	b = appendString(b, 6, p.CmdLine)
	return b, nil
}

func (p *ProcessEvent) unmarshalWire(data []byte) error {
	return scanFields(data, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case 1:
			p.Pid = uint32(u)
		case 2:
			p.Ppid = uint32(u)
		case 3:
			p.ExePath = string(v)
		case 4:
			p.Argv = append(p.Argv, string(v))
		case 5:
			p.Uid = uint32(u)
		case 6:
			p.CmdLine = string(v)
		}
		return nil
	})
}

func (s *SecurityEvent) appendWire(b []byte) ([]byte, error) {
	b = appendString(b, 1, s.Category)
	b = appendString(b, 2, s.Action)
	b = appendString(b, 3, s.Outcome)
	b = appendString(b, 4, s.User)
	b = appendString(b, 5, s.SourceIP)
	b = appendUint(b, 6, uint64(s.RiskScore))
	for _, t := range s.Techniques {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendString(b, t)
	}
	b = appendString(b, 8, s.Command)
	return b, nil
}

func (s *SecurityEvent) unmarshalWire(data []byte) error {
	return scanFields(data, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case 1:
			s.Category = string(v)
		case 2:
			s.Action = string(v)
		case 3:
			s.Outcome = string(v)
		case 4:
			s.User = string(v)
		case 5:
			s.SourceIP = string(v)
		case 6:
			s.RiskScore = uint32(u)
		case 7:
			s.Techniques = append(s.Techniques, string(v))
		case 8:
			s.Command = string(v)
		}
		return nil
	})
}

func (a *AuditEvent) appendWire(b []byte) ([]byte, error) {
	b = appendString(b, 1, a.Category)
	b = appendString(b, 2, a.Action)
	b = appendString(b, 3, a.ObjectType)
	b = appendString(b, 4, a.ObjectID)
	b = appendString(b, 5, a.Before)
	b = appendString(b, 6, a.After)
	return b, nil
}

func (a *AuditEvent) unmarshalWire(data []byte) error {
	return scanFields(data, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case 1:
			a.Category = string(v)
		case 2:
			a.Action = string(v)
		case 3:
			a.ObjectType = string(v)
		case 4:
			a.ObjectID = string(v)
		case 5:
			a.Before = string(v)
		case 6:
			a.After = string(v)
		}
		return nil
	})
}

func (m *MetricEvent) appendWire(b []byte) ([]byte, error) {
	b = appendString(b, 1, m.Name)
	b = appendString(b, 2, m.Type)
	if m.NumericValue != 0 {
		b = protowire.AppendTag(b, 3, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(m.NumericValue))
	}
	b = appendString(b, 4, m.StringValue)
	b = appendString(b, 5, m.Unit)
	return b, nil
}

func (m *MetricEvent) unmarshalWire(data []byte) error {
	return scanFields(data, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case 1:
			m.Name = string(v)
		case 2:
			m.Type = string(v)
		case 3:
			m.NumericValue = math.Float64frombits(u)
		case 4:
			m.StringValue = string(v)
		case 5:
			m.Unit = string(v)
		}
		return nil
	})
}

func (r *TelemetryRecord) appendWire(b []byte) ([]byte, error) {
	b = appendString(b, 1, r.EventID)
	b = appendUint(b, 2, r.TsNs)
	b = appendString(b, 3, r.Severity)

	var err error
	if r.Flow != nil {
		if b, err = appendMessage(b, 4, r.Flow.appendWire); err != nil {
			return nil, err
		}
	}
	if r.Process != nil {
		if b, err = appendMessage(b, 5, r.Process.appendWire); err != nil {
			return nil, err
		}
	}
	if r.Security != nil {
		if b, err = appendMessage(b, 6, r.Security.appendWire); err != nil {
			return nil, err
		}
	}
	if r.Audit != nil {
		if b, err = appendMessage(b, 7, r.Audit.appendWire); err != nil {
			return nil, err
		}
	}
	if r.Metric != nil {
		if b, err = appendMessage(b, 8, r.Metric.appendWire); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (r *TelemetryRecord) unmarshalWire(data []byte) error {
	return scanFields(data, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case 1:
			r.EventID = string(v)
		case 2:
			r.TsNs = u
		case 3:
			r.Severity = string(v)
		case 4:
			r.Flow = new(FlowEvent)
			return r.Flow.unmarshalWire(v)
		case 5:
			r.Process = new(ProcessEvent)
			return r.Process.unmarshalWire(v)
		case 6:
			r.Security = new(SecurityEvent)
			return r.Security.unmarshalWire(v)
		case 7:
			r.Audit = new(AuditEvent)
			return r.Audit.unmarshalWire(v)
		case 8:
			r.Metric = new(MetricEvent)
			return r.Metric.unmarshalWire(v)
		}
		return nil
	})
}

func (d *DeviceTelemetry) appendWire(b []byte) ([]byte, error) {
	b = appendString(b, 1, d.DeviceID)
	b = appendString(b, 2, d.DeviceType)
	b = appendString(b, 3, d.Protocol)

	// Map entries are written key-sorted so the encoding is deterministic.
	keys := make([]string, 0, len(d.Metadata))
	for k := range d.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, 1, k)
		entry = appendString(entry, 2, d.Metadata[k])
		b = appendBytes(b, 4, entry)
	}

	var err error
	for _, rec := range d.Events {
		if b, err = appendMessage(b, 5, rec.appendWire); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (d *DeviceTelemetry) unmarshalWire(data []byte) error {
	return scanFields(data, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case 1:
			d.DeviceID = string(v)
		case 2:
			d.DeviceType = string(v)
		case 3:
			d.Protocol = string(v)
		case 4:
			var key, val string
			err := scanFields(v, func(n protowire.Number, _ protowire.Type, ev []byte, _ uint64) error {
				switch n {
				case 1:
					key = string(ev)
				case 2:
					val = string(ev)
				}
				return nil
			})
			if err != nil {
				return err
			}
			if d.Metadata == nil {
				d.Metadata = make(map[string]string)
			}
			d.Metadata[key] = val
		case 5:
			rec := new(TelemetryRecord)
			if err := rec.unmarshalWire(v); err != nil {
				return err
			}
			d.Events = append(d.Events, rec)
		}
		return nil
	})
}

// ----------------------------------------------------------------------------
// PublishAck
// ----------------------------------------------------------------------------

// MarshalWire serializes the ack.
func (a *PublishAck) MarshalWire() ([]byte, error) {
	var b []byte
	if a.Status != 0 {
		b = appendUint(b, 1, uint64(a.Status))
	}
	b = appendString(b, 2, a.Reason)
	if a.BackoffHintMs != 0 {
		b = appendUint(b, 3, uint64(a.BackoffHintMs))
	}
	return b, nil
}

// UnmarshalWire parses the ack.
func (a *PublishAck) UnmarshalWire(data []byte) error {
	return scanFields(data, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case 1:
			a.Status = AckStatus(u)
		case 2:
			a.Reason = string(v)
		case 3:
			a.BackoffHintMs = uint32(u)
		}
		return nil
	})
}

// ----------------------------------------------------------------------------
// Low-level helpers
// ----------------------------------------------------------------------------

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendMessage(b []byte, num protowire.Number, enc func([]byte) ([]byte, error)) ([]byte, error) {
	msg, err := enc(nil)
	if err != nil {
		return nil, err
	}
	return appendBytes(b, num, msg), nil
}

func consumeString(data []byte, typ protowire.Type) (string, int, error) {
	v, n, err := consumeBytes(data, typ)
	return string(v), n, err
}

func consumeBytes(data []byte, typ protowire.Type) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("pb: unexpected wire type %d for bytes field", typ)
	}
	v, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return nil, 0, ErrTruncated
	}
	return v, n, nil
}

func consumeUint(data []byte, typ protowire.Type) (uint64, int, error) {
	switch typ {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return 0, 0, ErrTruncated
		}
		return v, n, nil
	case protowire.Fixed64Type:
		v, n := protowire.ConsumeFixed64(data)
		if n < 0 {
			return 0, 0, ErrTruncated
		}
		return v, n, nil
	default:
		return 0, 0, fmt.Errorf("pb: unexpected wire type %d for numeric field", typ)
	}
}

// scanFields walks every field in a message, handing length-delimited values
// through v and numeric values through u.
func scanFields(data []byte, visit func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return ErrTruncated
		}
		data = data[n:]

		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return ErrTruncated
			}
			if err := visit(num, typ, v, 0); err != nil {
				return err
			}
			data = data[n:]
		case protowire.VarintType:
			u, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return ErrTruncated
			}
			if err := visit(num, typ, nil, u); err != nil {
				return err
			}
			data = data[n:]
		case protowire.Fixed64Type:
			u, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return ErrTruncated
			}
			if err := visit(num, typ, nil, u); err != nil {
				return err
			}
			data = data[n:]
		case protowire.Fixed32Type:
			u, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return ErrTruncated
			}
			if err := visit(num, typ, nil, uint64(u)); err != nil {
				return err
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return ErrTruncated
			}
			data = data[n:]
		}
	}
	return nil
}

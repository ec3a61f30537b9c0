package ingest

import (
	"fmt"
	"time"

	"github.com/amoskys/amoskys/internal/fusion"
	"github.com/amoskys/amoskys/pb"
)

// Views flattens one envelope into correlation views. A DeviceTelemetry
// batch yields one view per wrapped record, attributed to the batch's device;
// a standalone payload yields one view attributed to defaultDevice.
func Views(env *pb.Envelope, defaultDevice string) []fusion.View {
	envTs := time.Unix(0, int64(env.TsNs))

	if dt := env.DeviceTelemetry; dt != nil {
		out := make([]fusion.View, 0, len(dt.Events))
		for i, rec := range dt.Events {
			v := fusion.View{
				EventID:  rec.EventID,
				DeviceID: dt.DeviceID,
				Severity: rec.Severity,
			}
			if v.EventID == "" {
				v.EventID = fmt.Sprintf("%s#%d", env.IdempotencyKey, i)
			}
			if rec.TsNs != 0 {
				v.Timestamp = time.Unix(0, int64(rec.TsNs))
			} else {
				v.Timestamp = envTs
			}
			if !attachBody(&v, rec.Security, rec.Audit, rec.Process, rec.Flow, rec.Metric) {
				continue
			}
			for k, val := range dt.Metadata {
				setAttr(&v, k, val)
			}
			setAttr(&v, "device_type", dt.DeviceType)
			setAttr(&v, "protocol", dt.Protocol)
			out = append(out, v)
		}
		return out
	}

	v := fusion.View{
		EventID:   env.IdempotencyKey,
		DeviceID:  defaultDevice,
		Timestamp: envTs,
	}
	if !attachBody(&v, env.Security, env.Audit, env.Process, env.Flow, env.Metric) {
		return nil
	}
	return []fusion.View{v}
}

// attachBody sets the view's type tag and typed sub-body. Metric payloads
// carry no sub-body on the view; their values travel as attributes.
func attachBody(v *fusion.View, sec *pb.SecurityEvent, audit *pb.AuditEvent,
	proc *pb.ProcessEvent, flow *pb.FlowEvent, metric *pb.MetricEvent) bool {
	switch {
	case sec != nil:
		v.EventType = fusion.TypeSecurity
		v.Security = sec
		if sec.Command != "" {
			if sec.Category == pb.CategorySudo {
				setAttr(v, "sudo_command", sec.Command)
			} else {
				setAttr(v, "command", sec.Command)
			}
		}
	case audit != nil:
		v.EventType = fusion.TypeAudit
		v.Audit = audit
	case proc != nil:
		v.EventType = fusion.TypeProcess
		v.Process = proc
	case flow != nil:
		v.EventType = fusion.TypeFlow
		v.Flow = flow
	case metric != nil:
		v.EventType = fusion.TypeMetric
		setAttr(v, "metric_name", metric.Name)
		setAttr(v, "metric_unit", metric.Unit)
		setAttr(v, "metric_value", fmt.Sprintf("%g", metric.NumericValue))
	default:
		return false
	}
	return true
}

func setAttr(v *fusion.View, key, val string) {
	if val == "" {
		return
	}
	if v.Attributes == nil {
		v.Attributes = make(map[string]string)
	}
	v.Attributes[key] = val
}

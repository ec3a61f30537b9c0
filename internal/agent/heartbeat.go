package agent

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/amoskys/amoskys/pb"
)

// HeartbeatCollector is the built-in probe: a periodic host liveness sample
// carrying process memory and goroutine counts as Metric events. It doubles
// as the end-to-end smoke probe for a fresh deployment.
type HeartbeatCollector struct {
	host string
	seq  uint64
}

// NewHeartbeatCollector builds the probe for the local host.
func NewHeartbeatCollector() *HeartbeatCollector {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	return &HeartbeatCollector{host: host}
}

// Name implements Collector.
func (c *HeartbeatCollector) Name() string { return "heartbeat" }

// Setup implements Collector.
func (c *HeartbeatCollector) Setup(context.Context) error { return nil }

// Shutdown implements Collector.
func (c *HeartbeatCollector) Shutdown(context.Context) error { return nil }

// Collect emits one heartbeat sample per cycle.
func (c *HeartbeatCollector) Collect(context.Context) ([]*pb.Envelope, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	c.seq++

	now := uint64(time.Now().UnixNano())
	return []*pb.Envelope{
		{
			TsNs:           now,
			IdempotencyKey: fmt.Sprintf("hb-%s-%d-%d", c.host, now, c.seq),
			Metric: &pb.MetricEvent{
				Name:         "host_heartbeat",
				Type:         pb.MetricGauge,
				NumericValue: float64(runtime.NumGoroutine()),
				StringValue:  c.host,
				Unit:         "goroutines",
			},
		},
		{
			TsNs:           now,
			IdempotencyKey: fmt.Sprintf("hb-mem-%s-%d-%d", c.host, now, c.seq),
			Metric: &pb.MetricEvent{
				Name:         "host_heap_bytes",
				Type:         pb.MetricGauge,
				NumericValue: float64(mem.HeapAlloc),
				StringValue:  c.host,
				Unit:         "bytes",
			},
		},
	}, nil
}

// Validate implements Collector.
func (c *HeartbeatCollector) Validate(env *pb.Envelope) error {
	if env.Metric == nil || env.Metric.Name == "" {
		return fmt.Errorf("heartbeat: malformed sample")
	}
	return nil
}

// Enrich implements Collector.
func (c *HeartbeatCollector) Enrich(*pb.Envelope) error { return nil }

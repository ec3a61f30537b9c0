// Package agent implements the hardened collection runtime: a single
// cooperative loop that drains the durable queue, collects probe events,
// validates and enriches them, and publishes to the bus behind a circuit
// breaker. The bus being down is a normal operating condition.
package agent

import (
	"context"

	"github.com/amoskys/amoskys/pb"
)

// Collector is the probe contract. The runtime owns the loop; the collector
// only produces and annotates envelopes.
type Collector interface {
	// Name identifies the probe in logs and metrics.
	Name() string

	// Setup acquires probe resources. A failure aborts the process.
	Setup(ctx context.Context) error

	// Collect returns the raw envelopes observed this cycle. Payload and
	// timestamp are the collector's; identity and signature are stamped by
	// the runtime.
	Collect(ctx context.Context) ([]*pb.Envelope, error)

	// Validate rejects an envelope before it is published. Invalid envelopes
	// are dropped and counted, never sent.
	Validate(env *pb.Envelope) error

	// Enrich may add context to a valid envelope. An enrichment failure is
	// logged but never drops the event.
	Enrich(env *pb.Envelope) error

	// Shutdown releases probe resources (best effort).
	Shutdown(ctx context.Context) error
}

package ldq

import (
	"bytes"
	"fmt"
	"log"

	"github.com/amoskys/amoskys/pb"
)

// EnqueueResult classifies the outcome of an Enqueue call. Duplicate and
// DroppedOversize are silent successes: the caller's event is consumed
// either way.
type EnqueueResult int

const (
	Queued EnqueueResult = iota
	Duplicate
	DroppedOversize
)

func (r EnqueueResult) String() string {
	switch r {
	case Queued:
		return "QUEUED"
	case Duplicate:
		return "DUPLICATE"
	case DroppedOversize:
		return "DROPPED_OVERSIZE"
	default:
		return "UNKNOWN"
	}
}

// PublishFunc delivers one envelope to the bus and returns the ack status.
// A returned error means no ack was obtained (transport failure).
type PublishFunc func(*pb.Envelope) (pb.AckStatus, error)

// QueueConfig bounds the durable queue.
type QueueConfig struct {
	// MaxBytes is the total payload budget; excess is tail-dropped from the
	// lowest ids.
	MaxBytes int64

	// MaxEnvBytes caps one serialized envelope.
	MaxEnvBytes int

	// MaxRetries is the drain-attempt budget per record.
	MaxRetries int
}

// DefaultQueueConfig returns the standard agent queue bounds.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxBytes:    64 << 20, // 64 MiB
		MaxEnvBytes: 131072,
		MaxRetries:  8,
	}
}

// Stats counts queue drop causes since open.
type Stats struct {
	OversizeDropped int64
	TailDropped     int64
	CorruptDropped  int64
	RetryExpired    int64
}

// Queue is the per-agent durable FIFO. Single writer, single drainer; the
// ingestor may open the same file read-only through OpenReadOnly.
type Queue struct {
	store  *Store
	cfg    QueueConfig
	stats  Stats
	logger *log.Logger
}

// OpenQueue opens the durable queue at path with exclusive ownership.
func OpenQueue(path string, cfg QueueConfig) (*Queue, error) {
	if cfg.MaxBytes <= 0 || cfg.MaxEnvBytes <= 0 || cfg.MaxRetries <= 0 {
		return nil, fmt.Errorf("ldq: invalid queue config %+v", cfg)
	}
	store, err := Open(path)
	if err != nil {
		return nil, err
	}
	return &Queue{
		store:  store,
		cfg:    cfg,
		logger: log.New(log.Writer(), "[LDQ] ", log.LstdFlags),
	}, nil
}

// Enqueue serializes and persists one envelope, deduplicating on its
// idempotency key and enforcing the byte budget with tail-drop.
func (q *Queue) Enqueue(env *pb.Envelope) (EnqueueResult, error) {
	if err := env.Validate(); err != nil {
		return DroppedOversize, fmt.Errorf("ldq: refuse invalid envelope: %w", err)
	}
	data, err := env.MarshalWire()
	if err != nil {
		return DroppedOversize, fmt.Errorf("ldq: marshal: %w", err)
	}
	if len(data) > q.cfg.MaxEnvBytes {
		q.stats.OversizeDropped++
		return DroppedOversize, nil
	}

	inserted, err := q.store.Append(env.IdempotencyKey, env.TsNs, data)
	if err != nil {
		return Queued, err
	}
	if !inserted {
		return Duplicate, nil
	}

	dropped, err := q.store.DropOldest(q.cfg.MaxBytes)
	if err != nil {
		return Queued, err
	}
	if dropped > 0 {
		q.stats.TailDropped += int64(dropped)
		q.logger.Printf("Tail-dropped %d oldest envelopes (budget %d bytes)", dropped, q.cfg.MaxBytes)
	}
	return Queued, nil
}

// Size returns the number of queued envelopes.
func (q *Queue) Size() int64 { return q.store.Count() }

// SizeBytes returns the total serialized payload bytes queued.
func (q *Queue) SizeBytes() int64 { return q.store.TotalBytes() }

// Stats returns drop counters.
func (q *Queue) Stats() Stats { return q.stats }

// Drain publishes up to limit envelopes in strict id order.
//
// Ack handling: OK and INVALID remove the row (INVALID is a definitive bus
// rejection, retrying is useless); ERROR likewise removes it rather than
// wedging the head of the queue. RETRY stops the pass and leaves the row and
// everything behind it intact with its retry counter bumped, as does a
// transport error. Rows that exhausted their retry budget are dropped on the
// next pass. Returns the number of rows removed.
func (q *Queue) Drain(publish PublishFunc, limit int) (int, error) {
	recs, err := q.store.SelectBatch(limit)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, rec := range recs {
		if rec.Retries >= q.cfg.MaxRetries {
			if err := q.store.Delete(rec.ID, len(rec.Bytes)); err != nil {
				return removed, err
			}
			q.stats.RetryExpired++
			removed++
			q.logger.Printf("Dropped %s after %d retries", rec.Idem, rec.Retries)
			continue
		}

		if !bytes.Equal(rec.Checksum, Checksum(rec.Bytes)) {
			if err := q.store.Delete(rec.ID, len(rec.Bytes)); err != nil {
				return removed, err
			}
			q.stats.CorruptDropped++
			removed++
			q.logger.Printf("Dropped %s: checksum mismatch", rec.Idem)
			continue
		}

		env := new(pb.Envelope)
		if err := env.UnmarshalWire(rec.Bytes); err != nil {
			if derr := q.store.Delete(rec.ID, len(rec.Bytes)); derr != nil {
				return removed, derr
			}
			q.stats.CorruptDropped++
			removed++
			q.logger.Printf("Dropped %s: unparseable: %v", rec.Idem, err)
			continue
		}

		status, err := publish(env)
		if err != nil {
			if rerr := q.store.IncrementRetries(rec.ID); rerr != nil {
				return removed, rerr
			}
			return removed, nil
		}

		switch status {
		case pb.AckRetry:
			if rerr := q.store.IncrementRetries(rec.ID); rerr != nil {
				return removed, rerr
			}
			return removed, nil
		default: // OK, INVALID, ERROR
			if err := q.store.Delete(rec.ID, len(rec.Bytes)); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// Close releases the queue.
func (q *Queue) Close() error { return q.store.Close() }

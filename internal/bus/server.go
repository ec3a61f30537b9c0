// Package bus implements the event bus: a single Publish RPC guarded by a
// gate pipeline (overload, size, admission, identity, signature, dedup) in
// front of a durable write-ahead log.
package bus

import (
	"context"
	"crypto/tls"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"

	"github.com/amoskys/amoskys/internal/config"
	"github.com/amoskys/amoskys/internal/crypto"
	"github.com/amoskys/amoskys/internal/ldq"
	"github.com/amoskys/amoskys/pb"
)

// Overload modes.
const (
	OverloadOn   = "on"
	OverloadOff  = "off"
	OverloadAuto = "auto" // follows the AMOSKYS_OVERLOAD env flag per request
)

// Config bounds one bus instance.
type Config struct {
	MaxEnvBytes  int
	MaxInflight  int64
	HardMax      int64
	OverloadMode string

	// RetryHintMs is the backoff hint attached to RETRY acks.
	RetryHintMs uint32
}

// IdentityFunc extracts the authenticated peer common name from a request
// context. The default reads the verified mTLS client certificate.
type IdentityFunc func(ctx context.Context) string

// Server handles Publish. Shared state (inflight counter, dedup index, WAL
// handle) is individually guarded; there is no lock spanning the gates.
type Server struct {
	cfg     Config
	trust   *crypto.TrustMap
	dedup   DedupIndex
	wal     *ldq.Store
	metrics *Metrics
	logger  *log.Logger

	identity IdentityFunc
	overload atomic.Value // string, one of the Overload* modes
	inflight atomic.Int64
	walMu    sync.Mutex
}

// NewServer assembles the bus around its trust map, dedup index, and WAL
// store.
func NewServer(cfg Config, trust *crypto.TrustMap, dedup DedupIndex, wal *ldq.Store, metrics *Metrics) *Server {
	if cfg.RetryHintMs == 0 {
		cfg.RetryHintMs = 2000
	}
	s := &Server{
		cfg:      cfg,
		trust:    trust,
		dedup:    dedup,
		wal:      wal,
		metrics:  metrics,
		logger:   log.New(log.Writer(), "[BUS] ", log.LstdFlags),
		identity: PeerCommonName,
	}
	mode := cfg.OverloadMode
	if mode == "" {
		mode = OverloadAuto
	}
	s.overload.Store(mode)
	return s
}

// SetOverloadMode switches load shedding at runtime.
func (s *Server) SetOverloadMode(mode string) {
	s.overload.Store(mode)
	s.logger.Printf("Overload mode set to %q", mode)
}

// SetIdentityFunc replaces the peer identity extractor (tests).
func (s *Server) SetIdentityFunc(fn IdentityFunc) { s.identity = fn }

// NewGRPCServer wires this bus into a gRPC server requiring mTLS client auth.
// The wire codec must be forced on the server side too: clients send
// amoskys-wire bytes, and the default proto codec cannot decode them.
func (s *Server) NewGRPCServer(tlsCfg *tls.Config) *grpc.Server {
	g := grpc.NewServer(
		grpc.Creds(credentials.NewTLS(tlsCfg)),
		grpc.ForceServerCodec(pb.Codec{}),
	)
	pb.RegisterEventBusServer(g, s)
	return g
}

// PeerCommonName reads the client certificate CN from the connection's mTLS
// session. Empty when the peer is not authenticated.
func PeerCommonName(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.AuthInfo == nil {
		return ""
	}
	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok {
		return ""
	}
	if len(tlsInfo.State.VerifiedChains) > 0 && len(tlsInfo.State.VerifiedChains[0]) > 0 {
		return tlsInfo.State.VerifiedChains[0][0].Subject.CommonName
	}
	if len(tlsInfo.State.PeerCertificates) > 0 {
		return tlsInfo.State.PeerCertificates[0].Subject.CommonName
	}
	return ""
}

// Publish runs the gate pipeline. Every failure maps to an ack, never a
// transport error; the first failing gate short-circuits.
func (s *Server) Publish(ctx context.Context, env *pb.Envelope) (*pb.PublishAck, error) {
	start := time.Now()
	ack := s.publish(ctx, env)
	s.metrics.PublishDuration.Observe(time.Since(start).Seconds())
	s.metrics.PublishTotal.WithLabelValues(ack.Status.String()).Inc()
	return ack, nil
}

func (s *Server) publish(ctx context.Context, env *pb.Envelope) *pb.PublishAck {
	// 1. Overload gate.
	if s.shedding() {
		s.gate("overload", false)
		return s.retryAck("overload shedding")
	}
	s.gate("overload", true)

	// 2. Size gate.
	data, err := env.MarshalWire()
	if err != nil || len(data) > s.cfg.MaxEnvBytes {
		s.gate("size", false)
		return invalidAck("envelope oversize or unencodable")
	}
	s.gate("size", true)

	// 3. Admission gate. Decremented on every exit path below.
	n := s.inflight.Add(1)
	defer func() {
		s.metrics.Inflight.Set(float64(s.inflight.Add(-1)))
	}()
	s.metrics.Inflight.Set(float64(n))
	if n > s.cfg.HardMax || n > s.cfg.MaxInflight {
		s.gate("admission", false)
		return s.retryAck("admission limit reached")
	}
	s.gate("admission", true)

	// 4. Identity gate.
	cn := s.identity(ctx)
	if cn == "" {
		s.gate("identity", false)
		return invalidAck("unidentified peer")
	}
	pub, ok := s.trust.Lookup(cn)
	if !ok {
		s.gate("identity", false)
		return invalidAck("peer not in trust map")
	}
	s.gate("identity", true)

	// 5. Signature gate.
	canonical, err := env.Canonical()
	if err != nil {
		s.gate("signature", false)
		return invalidAck("malformed envelope")
	}
	if !crypto.Verify(pub, canonical, env.Sig) {
		s.gate("signature", false)
		return invalidAck("signature verification failed")
	}
	s.gate("signature", true)

	// 6. Dedup gate. Index failures fall through to the WAL, whose unique
	// idem column is the dedup of last resort.
	seen, err := s.dedup.CheckAndSet(ctx, env.IdempotencyKey)
	if err != nil {
		s.logger.Printf("Dedup index error for %s: %v", env.IdempotencyKey, err)
	} else if seen {
		s.metrics.DedupHits.Inc()
		s.gate("dedup", false)
		return okAck("duplicate")
	}
	s.gate("dedup", true)

	// 7. Accept: append to the write-ahead log.
	s.walMu.Lock()
	inserted, err := s.wal.Append(env.IdempotencyKey, env.TsNs, data)
	s.walMu.Unlock()
	if err != nil {
		s.logger.Printf("WAL append failed for %s: %v", env.IdempotencyKey, err)
		return &pb.PublishAck{Status: pb.AckError, Reason: "persistence failure"}
	}
	if inserted {
		s.metrics.WALAppends.Inc()
		s.metrics.WALBytes.Add(float64(len(data)))
	}
	return okAck("accepted")
}

func (s *Server) shedding() bool {
	switch s.overload.Load().(string) {
	case OverloadOn:
		return true
	case OverloadAuto:
		return config.OverloadFlag()
	}
	return false
}

func (s *Server) gate(name string, pass bool) {
	result := "pass"
	if !pass {
		result = "reject"
	}
	s.metrics.GateResults.WithLabelValues(name, result).Inc()
}

func (s *Server) retryAck(reason string) *pb.PublishAck {
	return &pb.PublishAck{Status: pb.AckRetry, Reason: reason, BackoffHintMs: s.cfg.RetryHintMs}
}

func okAck(reason string) *pb.PublishAck {
	return &pb.PublishAck{Status: pb.AckOK, Reason: reason}
}

func invalidAck(reason string) *pb.PublishAck {
	return &pb.PublishAck{Status: pb.AckInvalid, Reason: reason}
}

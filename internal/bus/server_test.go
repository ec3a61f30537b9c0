package bus

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/amoskys/amoskys/internal/certs"
	"github.com/amoskys/amoskys/internal/config"
	"github.com/amoskys/amoskys/internal/crypto"
	"github.com/amoskys/amoskys/internal/ldq"
	"github.com/amoskys/amoskys/pb"
)

const testCN = "agent-web01"

type busFixture struct {
	server *Server
	signer *crypto.Signer
	wal    *ldq.Store
}

func newBusFixture(t *testing.T, cfg Config) *busFixture {
	t.Helper()

	signer, err := crypto.NewSigner()
	require.NoError(t, err)
	trust := crypto.NewStaticTrustMap(map[string]ed25519.PublicKey{
		testCN: signer.Public(),
	})

	wal, err := ldq.Open(filepath.Join(t.TempDir(), "bus-wal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { wal.Close() })

	srv := NewServer(cfg, trust, NewMemoryDedup(5*time.Minute, 1000), wal, NewMetrics(prometheus.NewRegistry()))
	srv.SetIdentityFunc(func(context.Context) string { return testCN })
	return &busFixture{server: srv, signer: signer, wal: wal}
}

func defaultBusConfig() Config {
	return Config{
		MaxEnvBytes:  131072,
		MaxInflight:  100,
		HardMax:      500,
		OverloadMode: OverloadOff,
	}
}

func (f *busFixture) signedEnvelope(t *testing.T, idem string) *pb.Envelope {
	t.Helper()
	env := &pb.Envelope{
		Version:        pb.WireVersion,
		TsNs:           uint64(time.Now().UnixNano()),
		IdempotencyKey: idem,
		Security: &pb.SecurityEvent{
			Category: pb.CategorySSHLogin,
			Action:   "SSH",
			Outcome:  pb.OutcomeFailure,
			User:     "root",
			SourceIP: "203.0.113.7",
		},
	}
	canonical, err := env.Canonical()
	require.NoError(t, err)
	env.Sig = f.signer.Sign(canonical)
	return env
}

func (f *busFixture) publish(t *testing.T, env *pb.Envelope) *pb.PublishAck {
	t.Helper()
	ack, err := f.server.Publish(context.Background(), env)
	require.NoError(t, err, "gate failures must surface as acks, not RPC errors")
	return ack
}

// ============================================================================
// GATE PIPELINE
// ============================================================================

func TestPublish_AcceptPath(t *testing.T) {
	f := newBusFixture(t, defaultBusConfig())

	ack := f.publish(t, f.signedEnvelope(t, "e1"))
	assert.Equal(t, pb.AckOK, ack.Status)
	assert.Equal(t, "accepted", ack.Reason)
	assert.Equal(t, int64(1), f.wal.Count(), "accepted envelope lands in the WAL")
}

func TestPublish_DuplicateIsIdempotentOK(t *testing.T) {
	f := newBusFixture(t, defaultBusConfig())
	env := f.signedEnvelope(t, "e1")

	f.publish(t, env)
	ack := f.publish(t, env)
	assert.Equal(t, pb.AckOK, ack.Status)
	assert.Equal(t, "duplicate", ack.Reason)
	assert.Equal(t, int64(1), f.wal.Count(), "duplicate must not produce a second WAL row")
}

func TestPublish_OverloadSheds(t *testing.T) {
	cfg := defaultBusConfig()
	cfg.OverloadMode = OverloadOn
	f := newBusFixture(t, cfg)

	ack := f.publish(t, f.signedEnvelope(t, "e1"))
	assert.Equal(t, pb.AckRetry, ack.Status)
	assert.Equal(t, uint32(2000), ack.BackoffHintMs)
	assert.Equal(t, int64(0), f.wal.Count())

	f.server.SetOverloadMode(OverloadOff)
	ack = f.publish(t, f.signedEnvelope(t, "e2"))
	assert.Equal(t, pb.AckOK, ack.Status)
}

func TestPublish_OverloadAutoFollowsEnv(t *testing.T) {
	cfg := defaultBusConfig()
	cfg.OverloadMode = OverloadAuto
	f := newBusFixture(t, cfg)

	t.Setenv(config.EnvOverload, "1")
	ack := f.publish(t, f.signedEnvelope(t, "e1"))
	assert.Equal(t, pb.AckRetry, ack.Status)

	t.Setenv(config.EnvOverload, "0")
	ack = f.publish(t, f.signedEnvelope(t, "e2"))
	assert.Equal(t, pb.AckOK, ack.Status)
}

func TestPublish_OversizeRejected(t *testing.T) {
	cfg := defaultBusConfig()
	cfg.MaxEnvBytes = 64
	f := newBusFixture(t, cfg)

	env := f.signedEnvelope(t, "a-rather-long-idempotency-key-to-overflow-the-tiny-budget")
	ack := f.publish(t, env)
	assert.Equal(t, pb.AckInvalid, ack.Status)
	assert.Equal(t, int64(0), f.wal.Count())
}

func TestPublish_AdmissionLimit(t *testing.T) {
	cfg := defaultBusConfig()
	cfg.MaxInflight = 0
	cfg.HardMax = 0
	f := newBusFixture(t, cfg)

	ack := f.publish(t, f.signedEnvelope(t, "e1"))
	assert.Equal(t, pb.AckRetry, ack.Status)
	assert.Equal(t, int64(0), f.server.inflight.Load(), "inflight must be decremented on reject")
}

func TestPublish_UnidentifiedPeerRejected(t *testing.T) {
	f := newBusFixture(t, defaultBusConfig())
	f.server.SetIdentityFunc(func(context.Context) string { return "" })

	ack := f.publish(t, f.signedEnvelope(t, "e1"))
	assert.Equal(t, pb.AckInvalid, ack.Status)
	assert.Equal(t, "unidentified peer", ack.Reason)
}

func TestPublish_UntrustedPeerRejected(t *testing.T) {
	f := newBusFixture(t, defaultBusConfig())
	f.server.SetIdentityFunc(func(context.Context) string { return "agent-rogue" })

	ack := f.publish(t, f.signedEnvelope(t, "e1"))
	assert.Equal(t, pb.AckInvalid, ack.Status)
	assert.Equal(t, "peer not in trust map", ack.Reason)
}

func TestPublish_BadSignatureRejected(t *testing.T) {
	f := newBusFixture(t, defaultBusConfig())

	env := f.signedEnvelope(t, "e1")
	env.Sig[0] ^= 0xFF
	ack := f.publish(t, env)
	assert.Equal(t, pb.AckInvalid, ack.Status)
	assert.Equal(t, "signature verification failed", ack.Reason)
	assert.Equal(t, int64(0), f.wal.Count())
}

func TestPublish_TamperedPayloadRejected(t *testing.T) {
	f := newBusFixture(t, defaultBusConfig())

	env := f.signedEnvelope(t, "e1")
	env.Security.Outcome = pb.OutcomeSuccess
	ack := f.publish(t, env)
	assert.Equal(t, pb.AckInvalid, ack.Status, "signature binds the payload")
}

func TestPublish_MalformedEnvelopeRejected(t *testing.T) {
	f := newBusFixture(t, defaultBusConfig())

	env := &pb.Envelope{
		Version:        pb.WireVersion,
		TsNs:           1,
		IdempotencyKey: "e1",
		// No payload variant set.
	}
	ack := f.publish(t, env)
	assert.Equal(t, pb.AckInvalid, ack.Status)
}

func TestPublish_WALSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "bus-wal.db")

	signer, err := crypto.NewSigner()
	require.NoError(t, err)
	trust := crypto.NewStaticTrustMap(map[string]ed25519.PublicKey{testCN: signer.Public()})

	wal, err := ldq.Open(walPath)
	require.NoError(t, err)
	srv := NewServer(defaultBusConfig(), trust, NewMemoryDedup(time.Minute, 100), wal, NewMetrics(prometheus.NewRegistry()))
	srv.SetIdentityFunc(func(context.Context) string { return testCN })

	for i := 0; i < 3; i++ {
		env := &pb.Envelope{
			Version:        pb.WireVersion,
			TsNs:           uint64(i + 1),
			IdempotencyKey: fmt.Sprintf("e%d", i),
			Metric:         &pb.MetricEvent{Name: "up", Type: pb.MetricGauge, NumericValue: 1},
		}
		canonical, err := env.Canonical()
		require.NoError(t, err)
		env.Sig = signer.Sign(canonical)
		ack, err := srv.Publish(context.Background(), env)
		require.NoError(t, err)
		require.Equal(t, pb.AckOK, ack.Status)
	}
	require.NoError(t, wal.Close())

	reopened, err := ldq.Open(walPath)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, int64(3), reopened.Count())
}

// ============================================================================
// TRANSPORT LOOPBACK
// ============================================================================

// Exercises the real agent-facing path: mTLS handshake, the amoskys-wire
// codec on both ends, and peer identity read from the verified client
// certificate rather than an injected extractor.
func TestPublish_LoopbackMTLS(t *testing.T) {
	certDir := t.TempDir()
	gen, err := certs.NewGenerator(certDir)
	require.NoError(t, err)
	require.NoError(t, gen.IssueServer("bus", "localhost", "127.0.0.1"))
	require.NoError(t, gen.IssueClient(testCN))

	signer, err := crypto.NewSigner()
	require.NoError(t, err)
	trust := crypto.NewStaticTrustMap(map[string]ed25519.PublicKey{testCN: signer.Public()})

	wal, err := ldq.Open(filepath.Join(t.TempDir(), "bus-wal.db"))
	require.NoError(t, err)
	defer wal.Close()

	srv := NewServer(defaultBusConfig(), trust, NewMemoryDedup(time.Minute, 100), wal, NewMetrics(prometheus.NewRegistry()))

	serverTLS, err := certs.ServerTLS(certDir, "bus")
	require.NoError(t, err)
	grpcServer := srv.NewGRPCServer(serverTLS)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go grpcServer.Serve(lis)
	defer grpcServer.Stop()

	clientTLS, err := certs.ClientTLS(certDir, testCN, "bus")
	require.NoError(t, err)
	conn, err := grpc.NewClient(lis.Addr().String(),
		grpc.WithTransportCredentials(credentials.NewTLS(clientTLS)))
	require.NoError(t, err)
	defer conn.Close()
	client := pb.NewEventBusClient(conn)

	env := &pb.Envelope{
		Version:        pb.WireVersion,
		TsNs:           uint64(time.Now().UnixNano()),
		IdempotencyKey: "loopback-1",
		Metric:         &pb.MetricEvent{Name: "up", Type: pb.MetricGauge, NumericValue: 1},
	}
	canonical, err := env.Canonical()
	require.NoError(t, err)
	env.Sig = signer.Sign(canonical)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ack, err := client.Publish(ctx, env)
	require.NoError(t, err, "the wire codec must be installed on the server too")
	assert.Equal(t, pb.AckOK, ack.Status)
	assert.Equal(t, "accepted", ack.Reason)
	assert.Equal(t, int64(1), wal.Count())
}

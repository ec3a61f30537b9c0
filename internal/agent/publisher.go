package agent

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/amoskys/amoskys/pb"
)

// PublishFunc delivers one envelope to the bus. The runtime depends on this
// shape so tests can script bus behavior without a network.
type PublishFunc func(ctx context.Context, env *pb.Envelope) (*pb.PublishAck, error)

// BusPublisher is the production publisher: one mTLS gRPC channel to the bus
// with a per-call deadline.
type BusPublisher struct {
	conn    *grpc.ClientConn
	client  pb.EventBusClient
	timeout time.Duration
}

// NewBusPublisher opens a channel to the bus at addr.
func NewBusPublisher(addr string, tlsCfg *tls.Config, timeout time.Duration) (*BusPublisher, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)))
	if err != nil {
		return nil, fmt.Errorf("agent: dial bus %s: %w", addr, err)
	}
	return &BusPublisher{
		conn:    conn,
		client:  pb.NewEventBusClient(conn),
		timeout: timeout,
	}, nil
}

// Publish sends one envelope under the call deadline.
func (p *BusPublisher) Publish(ctx context.Context, env *pb.Envelope) (*pb.PublishAck, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.client.Publish(ctx, env)
}

// Close tears down the channel.
func (p *BusPublisher) Close() error { return p.conn.Close() }

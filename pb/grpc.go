package pb

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
)

// The EventBus service is defined by hand: the schema is small, frozen, and
// the custom wire codec (see codec.go) replaces protoc-generated marshaling.

// CodecName is the gRPC content-subtype for the AMOSKYS wire codec.
const CodecName = "amoskys-wire"

// PublishMethod is the full gRPC method name for Publish.
const PublishMethod = "/amoskys.EventBus/Publish"

// WireMessage is implemented by every top-level message the codec carries.
type WireMessage interface {
	MarshalWire() ([]byte, error)
	UnmarshalWire([]byte) error
}

// Codec is a grpc encoding.Codec over the AMOSKYS wire format.
type Codec struct{}

// Marshal implements encoding.Codec.
func (Codec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(WireMessage)
	if !ok {
		return nil, fmt.Errorf("pb: cannot marshal %T with %s codec", v, CodecName)
	}
	return m.MarshalWire()
}

// Unmarshal implements encoding.Codec.
func (Codec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(WireMessage)
	if !ok {
		return fmt.Errorf("pb: cannot unmarshal into %T with %s codec", v, CodecName)
	}
	return m.UnmarshalWire(data)
}

// Name implements encoding.Codec.
func (Codec) Name() string { return CodecName }

// EventBusServer is the server API for the EventBus service.
type EventBusServer interface {
	// Publish validates, deduplicates, and persists one envelope.
	Publish(context.Context, *Envelope) (*PublishAck, error)
}

// EventBusClient is the client API for the EventBus service.
type EventBusClient interface {
	Publish(ctx context.Context, in *Envelope, opts ...grpc.CallOption) (*PublishAck, error)
}

type eventBusClient struct {
	cc grpc.ClientConnInterface
}

// NewEventBusClient returns a client stub bound to conn.
func NewEventBusClient(cc grpc.ClientConnInterface) EventBusClient {
	return &eventBusClient{cc: cc}
}

func (c *eventBusClient) Publish(ctx context.Context, in *Envelope, opts ...grpc.CallOption) (*PublishAck, error) {
	out := new(PublishAck)
	opts = append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, opts...)
	if err := c.cc.Invoke(ctx, PublishMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func publishHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EventBusServer).Publish(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PublishMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(EventBusServer).Publish(ctx, req.(*Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

// EventBusServiceDesc is the grpc.ServiceDesc for the EventBus service.
var EventBusServiceDesc = grpc.ServiceDesc{
	ServiceName: "amoskys.EventBus",
	HandlerType: (*EventBusServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Publish",
			Handler:    publishHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "amoskys/eventbus.proto",
}

// RegisterEventBusServer registers srv on s.
func RegisterEventBusServer(s grpc.ServiceRegistrar, srv EventBusServer) {
	s.RegisterService(&EventBusServiceDesc, srv)
}

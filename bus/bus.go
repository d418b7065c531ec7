// Package bus defines the agent-broker wire service.
//
// One RPC: Publish(Envelope) returns Ack. Envelopes and acks travel in
// the deterministic envelope encoding (codec package) rather than
// protobuf, so the bytes the broker verifies are the bytes the agent
// signed. The codec is registered with gRPC under a named content
// subtype; the service descriptor is declared by hand.
package bus

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/pithecene-io/bastion/codec"
	"github.com/pithecene-io/bastion/types"
)

// CodecName is the gRPC content subtype for the envelope encoding.
const CodecName = "bastion-msgpack"

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "bastion.v1.Bus"

// PublishMethod is the full method path for Publish.
const PublishMethod = "/bastion.v1.Bus/Publish"

func init() {
	encoding.RegisterCodec(wireCodec{})
}

// wireCodec adapts the deterministic envelope encoding to gRPC's codec
// interface. It handles exactly the two wire types of the service.
type wireCodec struct{}

func (wireCodec) Name() string { return CodecName }

func (wireCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *types.Envelope:
		return codec.Marshal(m)
	case *types.Ack:
		return codec.MarshalAck(m)
	default:
		return nil, fmt.Errorf("bus codec: cannot marshal %T", v)
	}
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *types.Envelope:
		env, err := codec.Unmarshal(data)
		if err != nil {
			return err
		}
		*m = *env
		return nil
	case *types.Ack:
		ack, err := codec.UnmarshalAck(data)
		if err != nil {
			return err
		}
		*m = *ack
		return nil
	default:
		return fmt.Errorf("bus codec: cannot unmarshal into %T", v)
	}
}

// Server is the Publish service implementation contract.
type Server interface {
	Publish(ctx context.Context, env *types.Envelope) (*types.Ack, error)
}

// RegisterServer registers the Bus service on a gRPC server.
func RegisterServer(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&serviceDesc, srv)
}

func publishHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(types.Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Publish(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PublishMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).Publish(ctx, req.(*types.Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: publishHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bus",
}

// Package relay exposes one shared quotecast session over gRPC.
//
// Messages are well-known protobuf types: requests and results travel as
// google.protobuf.Struct, acknowledgements as google.protobuf.BoolValue.
package relay

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "quotecast_relay.QuotecastRelay"

// Method names, as exposed on the wire.
const (
	MethodSetConfig = "set_config"
	MethodConnect   = "connect"
	MethodSubscribe = "subscribe"
	MethodFetchData = "fetch_data"
	MethodGetChart  = "get_chart"
)

// RelayServer is the server API for the relay service.
type RelayServer interface {
	SetConfig(context.Context, *structpb.Struct) (*wrapperspb.BoolValue, error)
	Connect(context.Context, *emptypb.Empty) (*wrapperspb.BoolValue, error)
	Subscribe(context.Context, *structpb.Struct) (*wrapperspb.BoolValue, error)
	FetchData(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetChart(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterRelayServer registers srv on s.
func RegisterRelayServer(s grpc.ServiceRegistrar, srv RelayServer) {
	s.RegisterService(&RelayServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unaryHandler adapts a typed method to grpc.MethodHandler.
func unaryHandler[T any, PT interface {
	*T
	proto.Message
}](name string, call func(RelayServer, context.Context, PT) (any, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := PT(new(T))
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RelayServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(RelayServer), ctx, req.(PT))
		})
	}
}

// RelayServiceDesc is the grpc.ServiceDesc for the relay service.
var RelayServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RelayServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: MethodSetConfig,
			Handler: unaryHandler[structpb.Struct](MethodSetConfig, func(s RelayServer, ctx context.Context, in *structpb.Struct) (any, error) {
				return s.SetConfig(ctx, in)
			}),
		},
		{
			MethodName: MethodConnect,
			Handler: unaryHandler[emptypb.Empty](MethodConnect, func(s RelayServer, ctx context.Context, in *emptypb.Empty) (any, error) {
				return s.Connect(ctx, in)
			}),
		},
		{
			MethodName: MethodSubscribe,
			Handler: unaryHandler[structpb.Struct](MethodSubscribe, func(s RelayServer, ctx context.Context, in *structpb.Struct) (any, error) {
				return s.Subscribe(ctx, in)
			}),
		},
		{
			MethodName: MethodFetchData,
			Handler: unaryHandler[emptypb.Empty](MethodFetchData, func(s RelayServer, ctx context.Context, in *emptypb.Empty) (any, error) {
				return s.FetchData(ctx, in)
			}),
		},
		{
			MethodName: MethodGetChart,
			Handler: unaryHandler[structpb.Struct](MethodGetChart, func(s RelayServer, ctx context.Context, in *structpb.Struct) (any, error) {
				return s.GetChart(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "quotecast_relay.proto",
}

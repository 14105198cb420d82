package spawnergrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "showcase.spawner.v1.Spawner"

const (
	methodPing          = "Ping"
	methodListSources   = "ListSources"
	methodState         = "State"
	methodPollAndNotify = "PollAndNotify"
	methodLaunch        = "Launch"
)

// spawnerService is the server-side contract. Every message is a
// google.protobuf.Struct so the service needs no generated stubs.
type spawnerService interface {
	Ping(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListSources(context.Context, *structpb.Struct) (*structpb.Struct, error)
	State(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PollAndNotify(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Launch(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(spawnerService, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			svc := srv.(spawnerService)
			if interceptor == nil {
				return call(svc, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(svc, ctx, req.(*structpb.Struct))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*spawnerService)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler(methodPing, spawnerService.Ping),
		unaryHandler(methodListSources, spawnerService.ListSources),
		unaryHandler(methodState, spawnerService.State),
		unaryHandler(methodPollAndNotify, spawnerService.PollAndNotify),
		unaryHandler(methodLaunch, spawnerService.Launch),
	},
	Metadata: "showcase/spawner.proto",
}

func fullMethod(method string) string {
	return "/" + serviceName + "/" + method
}

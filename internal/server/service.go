package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "beaverrelay.v1.RelayService"

// Full method names
const (
	MethodSubmitJob       = "/" + ServiceName + "/SubmitJob"
	MethodGetJobStatus    = "/" + ServiceName + "/GetJobStatus"
	MethodGetCachedResult = "/" + ServiceName + "/GetCachedResult"
	MethodRecommend       = "/" + ServiceName + "/Recommend"
	MethodIndexResource   = "/" + ServiceName + "/IndexResource"
	MethodIngestComments  = "/" + ServiceName + "/IngestUserComments"
	MethodStats           = "/" + ServiceName + "/Stats"
)

// RelayServer is the server API for the relay service. Messages are
// protobuf well-known types so no generated code is needed.
type RelayServer interface {
	SubmitJob(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	GetJobStatus(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	GetCachedResult(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Recommend(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	IndexResource(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
	IngestUserComments(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Stats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// RegisterRelayServer registers srv on s.
func RegisterRelayServer(s grpc.ServiceRegistrar, srv RelayServer) {
	s.RegisterService(&RelayServiceDesc, srv)
}

// RelayServiceDesc describes the relay service for grpc.Server.
var RelayServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RelayServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitJob", RelayServer.SubmitJob),
		unary("GetJobStatus", RelayServer.GetJobStatus),
		unary("GetCachedResult", RelayServer.GetCachedResult),
		unary("Recommend", RelayServer.Recommend),
		unary("IndexResource", RelayServer.IndexResource),
		unary("IngestUserComments", RelayServer.IngestUserComments),
		unary("Stats", RelayServer.Stats),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "beaverrelay/v1/relay.proto",
}

// unary adapts a typed RelayServer method to a grpc.MethodDesc.
func unary[Req any, PReq interface {
	*Req
	proto.Message
}, Resp proto.Message](name string, call func(RelayServer, context.Context, PReq) (Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := PReq(new(Req))
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(RelayServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(RelayServer), ctx, req.(PReq))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

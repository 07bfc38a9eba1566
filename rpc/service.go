package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully-qualified gRPC service name, chosen to read
// the way a protoc-generated one would.
const ServiceName = "flow.v1.FlowLifecycle"

func startFlowHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StartFlowRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).StartFlow(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/StartFlow"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).StartFlow(ctx, req.(*StartFlowRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func registeredFlowsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).RegisteredFlows(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/RegisteredFlows"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).RegisteredFlows(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func startTrackedFlowHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(StartFlowRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(*Server).StartTrackedFlow(in, stream)
}

func stateMachinesFeedHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(*Server).StateMachinesFeed(in, stream)
}

// ServiceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would emit for ServiceName; see the package doc in codec.go for why it
// is hand-written.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartFlow", Handler: startFlowHandler},
		{MethodName: "RegisteredFlows", Handler: registeredFlowsHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StartTrackedFlow", Handler: startTrackedFlowHandler, ServerStreams: true},
		{StreamName: "StateMachinesFeed", Handler: stateMachinesFeedHandler, ServerStreams: true},
	},
	Metadata: "flow/rpc.proto",
}

// RegisterServer registers s on gs using ServiceDesc.
func RegisterServer(gs *grpc.Server, s *Server) {
	gs.RegisterService(&ServiceDesc, s)
}

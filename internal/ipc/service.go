package ipc

import (
	"context"
	"time"

	"google.golang.org/grpc"
)

// TunnelControlServer is implemented by a tunnel worker to answer its
// control socket's RPCs (original_source/src/ipc/server.rs TunnelControl
// trait). There is no .proto in the pack to generate a server interface
// from, so this is hand-written against the same method set.
type TunnelControlServer interface {
	GetStatus(ctx context.Context, req *StatusRequest) (*StatusResponse, error)
	ListConnections(ctx context.Context, req *ListRequest) (*ListResponse, error)
	Shutdown(ctx context.Context, req *ShutdownRequest) (*ShutdownResponse, error)
	StreamMetrics(req *MetricsRequest, stream MetricsStreamServer) error
}

// MetricsStreamServer is the server-side handle for the GetMetricsStream
// streaming RPC.
type MetricsStreamServer interface {
	Send(*MetricsResponse) error
	Context() context.Context
}

type metricsStreamServer struct {
	grpc.ServerStream
}

func (s *metricsStreamServer) Send(resp *MetricsResponse) error {
	return s.ServerStream.SendMsg(resp)
}

func _TunnelControl_GetStatus_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TunnelControlServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/GetStatus"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TunnelControlServer).GetStatus(ctx, req.(*StatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _TunnelControl_ListConnections_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ListRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TunnelControlServer).ListConnections(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/ListConnections"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TunnelControlServer).ListConnections(ctx, req.(*ListRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _TunnelControl_Shutdown_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ShutdownRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TunnelControlServer).Shutdown(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/Shutdown"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TunnelControlServer).Shutdown(ctx, req.(*ShutdownRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _TunnelControl_GetMetricsStream_Handler(srv interface{}, stream grpc.ServerStream) error {
	in := new(MetricsRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(TunnelControlServer).StreamMetrics(in, &metricsStreamServer{stream})
}

const serviceName = "conduit.ipc.TunnelControl"

// tunnelControlServiceDesc is the hand-written equivalent of what protoc
// would otherwise generate from a .proto file for this service.
var tunnelControlServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*TunnelControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: _TunnelControl_GetStatus_Handler},
		{MethodName: "ListConnections", Handler: _TunnelControl_ListConnections_Handler},
		{MethodName: "Shutdown", Handler: _TunnelControl_Shutdown_Handler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "GetMetricsStream", Handler: _TunnelControl_GetMetricsStream_Handler, ServerStreams: true},
	},
	Metadata: "conduit/ipc/tunnel_control.proto",
}

// RegisterTunnelControlServer registers srv's RPCs against s.
func RegisterTunnelControlServer(s *grpc.Server, srv TunnelControlServer) {
	s.RegisterService(&tunnelControlServiceDesc, srv)
}

// metricsStreamInterval is how often StreamMetrics implementations should
// push an update, matching the original's 1-second ticker.
const metricsStreamInterval = time.Second

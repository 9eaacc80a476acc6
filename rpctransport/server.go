package rpctransport

import (
	"context"

	"google.golang.org/grpc"

	"github.com/uwsaml/nexus/controlpb"
)

// DialOption pins a client connection to the JSON codec, equivalent to
// the grpc.CallContentSubtype a generated client normally hard-codes.
func DialOption() grpc.DialOption {
	return grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}))
}

// ServerOption pins a server to the JSON codec for all services it hosts.
func ServerOption() grpc.ServerOption {
	return grpc.ForceServerCodec(jsonCodec{})
}

// RegisterSchedulerServer registers srv's methods on s under the
// Scheduler service name, in the same shape protoc-gen-go-grpc would
// generate from a scheduler.proto.
func RegisterSchedulerServer(s grpc.ServiceRegistrar, srv controlpb.SchedulerServer) {
	s.RegisterService(&schedulerServiceDesc, srv)
}

var schedulerServiceDesc = grpc.ServiceDesc{
	ServiceName: "nexus.control.Scheduler",
	HandlerType: (*controlpb.SchedulerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Register", Handler: schedulerRegisterHandler},
		{MethodName: "Unregister", Handler: schedulerUnregisterHandler},
		{MethodName: "LoadModel", Handler: schedulerLoadModelHandler},
		{MethodName: "UpdateBackendStats", Handler: schedulerUpdateBackendStatsHandler},
		{MethodName: "KeepAlive", Handler: schedulerKeepAliveHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "nexus/control/scheduler.proto",
}

func schedulerRegisterHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(controlpb.RegisterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(controlpb.SchedulerServer).Register(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/nexus.control.Scheduler/Register"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(controlpb.SchedulerServer).Register(ctx, req.(*controlpb.RegisterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func schedulerUnregisterHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(controlpb.UnregisterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(controlpb.SchedulerServer).Unregister(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/nexus.control.Scheduler/Unregister"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(controlpb.SchedulerServer).Unregister(ctx, req.(*controlpb.UnregisterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func schedulerLoadModelHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(controlpb.LoadModelRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(controlpb.SchedulerServer).LoadModel(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/nexus.control.Scheduler/LoadModel"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(controlpb.SchedulerServer).LoadModel(ctx, req.(*controlpb.LoadModelRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func schedulerUpdateBackendStatsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(controlpb.BackendStatsProto)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(controlpb.SchedulerServer).UpdateBackendStats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/nexus.control.Scheduler/UpdateBackendStats"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(controlpb.SchedulerServer).UpdateBackendStats(ctx, req.(*controlpb.BackendStatsProto))
	}
	return interceptor(ctx, in, info, handler)
}

func schedulerKeepAliveHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(controlpb.KeepAliveRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(controlpb.SchedulerServer).KeepAlive(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/nexus.control.Scheduler/KeepAlive"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(controlpb.SchedulerServer).KeepAlive(ctx, req.(*controlpb.KeepAliveRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterBackendControlServer registers srv under the BackendControl
// service name, for a process serving the backend side of the contract;
// nothing in this module calls it.
func RegisterBackendControlServer(s grpc.ServiceRegistrar, srv controlpb.BackendControlServer) {
	s.RegisterService(&backendControlServiceDesc, srv)
}

var backendControlServiceDesc = grpc.ServiceDesc{
	ServiceName: "nexus.control.BackendControl",
	HandlerType: (*controlpb.BackendControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "UpdateModelTable", Handler: backendControlUpdateModelTableHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "nexus/control/backend.proto",
}

func backendControlUpdateModelTableHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(controlpb.UpdateModelTableRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(controlpb.BackendControlServer).UpdateModelTable(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/nexus.control.BackendControl/UpdateModelTable"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(controlpb.BackendControlServer).UpdateModelTable(ctx, req.(*controlpb.UpdateModelTableRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterFrontendControlServer registers srv under the FrontendControl
// service name, for a process serving the frontend side of the contract;
// nothing in this module calls it.
func RegisterFrontendControlServer(s grpc.ServiceRegistrar, srv controlpb.FrontendControlServer) {
	s.RegisterService(&frontendControlServiceDesc, srv)
}

var frontendControlServiceDesc = grpc.ServiceDesc{
	ServiceName: "nexus.control.FrontendControl",
	HandlerType: (*controlpb.FrontendControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "UpdateModelRoutes", Handler: frontendControlUpdateModelRoutesHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "nexus/control/frontend.proto",
}

func frontendControlUpdateModelRoutesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(controlpb.ModelRouteUpdates)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(controlpb.FrontendControlServer).UpdateModelRoutes(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/nexus.control.FrontendControl/UpdateModelRoutes"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(controlpb.FrontendControlServer).UpdateModelRoutes(ctx, req.(*controlpb.ModelRouteUpdates))
	}
	return interceptor(ctx, in, info, handler)
}

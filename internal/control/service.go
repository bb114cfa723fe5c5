package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const ServiceName = "portfolio.control.v1.Control"

const (
	statusMethod  = "/" + ServiceName + "/Status"
	deployMethod  = "/" + ServiceName + "/Deploy"
	cachesMethod  = "/" + ServiceName + "/Caches"
	historyMethod = "/" + ServiceName + "/History"
)

// ControlServer is the server side of the control service. Messages are
// protobuf well-known types so no generated code is needed.
type ControlServer interface {
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Deploy(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Caches(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	History(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: statusHandler},
		{MethodName: "Deploy", Handler: deployHandler},
		{MethodName: "Caches", Handler: cachesHandler},
		{MethodName: "History", Handler: historyHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "portfolio/control/v1/control.proto",
}

func RegisterControlServer(registrar grpc.ServiceRegistrar, srv ControlServer) {
	registrar.RegisterService(&ServiceDesc, srv)
}

func statusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServer).Status(ctx, req.(*emptypb.Empty))
	}
	return intercept(ctx, in, srv, statusMethod, interceptor, call)
}

func deployHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServer).Deploy(ctx, req.(*wrapperspb.StringValue))
	}
	return intercept(ctx, in, srv, deployMethod, interceptor, call)
}

func cachesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServer).Caches(ctx, req.(*emptypb.Empty))
	}
	return intercept(ctx, in, srv, cachesMethod, interceptor, call)
}

func historyHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServer).History(ctx, req.(*emptypb.Empty))
	}
	return intercept(ctx, in, srv, historyMethod, interceptor, call)
}

func intercept(ctx context.Context, in interface{}, srv interface{}, method string, interceptor grpc.UnaryServerInterceptor, call grpc.UnaryHandler) (interface{}, error) {
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: method}, call)
}

package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "jimbot.eventbus.v1.EventBus"

// EventBusServer is the server contract for the event bus RPC surface.
type EventBusServer interface {
	PublishEvent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PublishBatch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Subscribe(*structpb.Struct, EventStream) error
}

// EventStream is the server side of the Subscribe stream.
type EventStream interface {
	Context() context.Context
	Send(*structpb.Struct) error
}

// Register attaches the service to a gRPC server.
func Register(server *grpc.Server, impl EventBusServer) {
	server.RegisterService(&serviceDesc, impl)
}

type subscribeStream struct {
	grpc.ServerStream
}

func (s subscribeStream) Send(frame *structpb.Struct) error {
	return s.ServerStream.SendMsg(frame)
}

func publishEventHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EventBusServer).PublishEvent(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/PublishEvent"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EventBusServer).PublishEvent(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func publishBatchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EventBusServer).PublishBatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/PublishBatch"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EventBusServer).PublishBatch(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(EventBusServer).Subscribe(in, subscribeStream{stream})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EventBusServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PublishEvent", Handler: publishEventHandler},
		{MethodName: "PublishBatch", Handler: publishBatchHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "jimbot/eventbus/v1/event_bus.proto",
}

package gateway

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceServer is implemented by the Gateway RPC handler (Server, in this
// package) and invoked through the hand-built ServiceDesc below.
type ServiceServer interface {
	PollTask(context.Context, *PollTaskRequest) (*PollTaskResponse, error)
	AckTask(context.Context, *AckTaskRequest) (*AckTaskResponse, error)
	ReportResult(context.Context, *ReportResultRequest) (*OKResponse, error)
	SendLog(context.Context, *SendLogRequest) (*OKResponse, error)
	SendLogBatch(context.Context, *SendLogBatchRequest) (*OKResponse, error)
	SendLogChunk(context.Context, *SendLogChunkRequest) (*OKResponse, error)
	SendHeartbeat(context.Context, *SendHeartbeatRequest) (*OKResponse, error)
	PollControl(context.Context, *PollControlRequest) (*PollControlResponse, error)
	AckControl(context.Context, *AckControlRequest) (*OKResponse, error)
	ReportControlResult(context.Context, *ReportControlResultRequest) (*OKResponse, error)
}

// ServiceName is the gRPC service name Taskforge's Gateway transport
// registers under, in lieu of a protoc-generated one.
const ServiceName = "taskforge.gateway.v1.GatewayService"

func unaryHandler[Req any, Resp any](call func(ServiceServer, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := new(Req)
		if err := dec(req); err != nil {
			return nil, err
		}
		server := srv.(ServiceServer)
		if interceptor == nil {
			return call(server, ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(server, ctx, req.(*Req))
		}
		return interceptor(ctx, req, info, handler)
	}
}

// serviceDesc is the manually-authored equivalent of a protoc-gen-go-grpc
// _grpc.pb.go ServiceDesc, registered against the json codec instead of
// protobuf wire framing.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PollTask", Handler: wrapHandler(unaryHandler(ServiceServer.PollTask))},
		{MethodName: "AckTask", Handler: wrapHandler(unaryHandler(ServiceServer.AckTask))},
		{MethodName: "ReportResult", Handler: wrapHandler(unaryHandler(ServiceServer.ReportResult))},
		{MethodName: "SendLog", Handler: wrapHandler(unaryHandler(ServiceServer.SendLog))},
		{MethodName: "SendLogBatch", Handler: wrapHandler(unaryHandler(ServiceServer.SendLogBatch))},
		{MethodName: "SendLogChunk", Handler: wrapHandler(unaryHandler(ServiceServer.SendLogChunk))},
		{MethodName: "SendHeartbeat", Handler: wrapHandler(unaryHandler(ServiceServer.SendHeartbeat))},
		{MethodName: "PollControl", Handler: wrapHandler(unaryHandler(ServiceServer.PollControl))},
		{MethodName: "AckControl", Handler: wrapHandler(unaryHandler(ServiceServer.AckControl))},
		{MethodName: "ReportControlResult", Handler: wrapHandler(unaryHandler(ServiceServer.ReportControlResult))},
	},
	Metadata: "taskforge/gateway.proto",
}

// wrapHandler adapts our any-based handler shape to grpc.methodHandler's
// concrete signature.
func wrapHandler(h func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return h
}

// RegisterServiceServer registers srv against s using serviceDesc.
func RegisterServiceServer(s grpc.ServiceRegistrar, srv ServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

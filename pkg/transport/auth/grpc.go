package auth

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/taskforge/taskforge/pkg/transport"
)

type ctxKey struct{}

// WorkerIDFromContext returns the worker_id the server-side interceptor
// authenticated for this call.
func WorkerIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok
}

// UnaryServerInterceptor verifies every inbound RPC with authn and rejects
// failures with UNAUTHENTICATED.
func UnaryServerInterceptor(authn transport.Authenticator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		headers := make(map[string]string, md.Len())
		for k, vs := range md {
			if len(vs) > 0 {
				headers[k] = vs[0]
			}
		}
		workerID, err := authn.Verify(ctx, headers, nil)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		return handler(context.WithValue(ctx, ctxKey{}, workerID), req)
	}
}

// UnaryClientInterceptor signs every outbound RPC with authn's metadata.
func UnaryClientInterceptor(authn transport.Authenticator) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		headers, err := authn.SignRequest(ctx, method, nil)
		if err != nil {
			return err
		}
		pairs := make([]string, 0, len(headers)*2)
		for k, v := range headers {
			pairs = append(pairs, k, v)
		}
		return invoker(metadata.AppendToOutgoingContext(ctx, pairs...), method, req, reply, cc, opts...)
	}
}

// IsUnauthenticated reports whether err is the gRPC UNAUTHENTICATED status,
// so the reconnect policy can count it against max_auth_failures.
func IsUnauthenticated(err error) bool {
	return status.Code(err) == codes.Unauthenticated
}

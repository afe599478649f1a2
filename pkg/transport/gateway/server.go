package gateway

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/taskforge/taskforge/pkg/receipt"
	"github.com/taskforge/taskforge/pkg/transport"
)

// MaxMessageSize is the gRPC max message size in both directions.
const MaxMessageSize = 50 << 20

// KeepaliveParams: keepalive every 30s, timeout 10s, permitted without
// active calls.
var KeepaliveParams = keepalive.ServerParameters{
	Time:    30 * time.Second,
	Timeout: 10 * time.Second,
}

var KeepaliveEnforcement = keepalive.EnforcementPolicy{
	MinTime:             10 * time.Second,
	PermitWithoutStream: true,
}

// Backend is the set of control-plane operations the Gateway server
// delegates to — implemented by pkg/master in production, and by a fake in
// tests.
type Backend interface {
	// PollTask returns the next queued dispatch for workerID, blocking up to
	// timeout; ok is false on timeout with no task available.
	PollTask(ctx context.Context, workerID string, timeout time.Duration) (transport.TaskPayload, bool, error)
	AckTask(ctx context.Context, workerID, taskID, runID string, accepted bool, reason string) (transport.DispatchResult, error)
	ReportResult(ctx context.Context, workerID string, result transport.Result) error
	SendHeartbeat(ctx context.Context, hb transport.Heartbeat) error
	IngestLog(ctx context.Context, workerID string, line transport.LogLine) error
	IngestLogBatch(ctx context.Context, workerID string, lines []transport.LogLine) error
	IngestLogChunk(ctx context.Context, workerID string, chunk transport.LogChunk) error
	PollControl(ctx context.Context, workerID string, timeout time.Duration) (transport.ControlMessage, bool, error)
	AckControl(ctx context.Context, workerID, receiptID string) error
	ReportControlResult(ctx context.Context, workerID string, result transport.ControlResult) error
}

// Server implements ServiceServer over a Backend, consulting the Receipt
// Cache before re-issuing ack_task / report_result so retries within the TTL
// window return the previously-computed outcome instead of reprocessing.
type Server struct {
	backend  Backend
	receipts *receipt.Cache
	grpcSrv  *grpc.Server
}

// NewServer builds a Server. receipts should be shared with any other
// component of the same process that needs idempotency bookkeeping. Extra
// options (the auth interceptor, TLS credentials) are appended to the
// baseline keepalive/message-size configuration.
func NewServer(backend Backend, receipts *receipt.Cache, opts ...grpc.ServerOption) *Server {
	s := &Server{backend: backend, receipts: receipts}
	s.grpcSrv = grpc.NewServer(append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(MaxMessageSize),
		grpc.MaxSendMsgSize(MaxMessageSize),
		grpc.KeepaliveParams(KeepaliveParams),
		grpc.KeepaliveEnforcementPolicy(KeepaliveEnforcement),
	}, opts...)...)
	RegisterServiceServer(s.grpcSrv, s)
	return s
}

// Serve blocks accepting connections on lis.
func (s *Server) Serve(lis net.Listener) error { return s.grpcSrv.Serve(lis) }

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() { s.grpcSrv.GracefulStop() }

func (s *Server) PollTask(ctx context.Context, req *PollTaskRequest) (*PollTaskResponse, error) {
	timeout := time.Duration(req.TimeoutSec) * time.Second
	task, ok, err := s.backend.PollTask(ctx, req.WorkerID, timeout)
	if err != nil {
		return nil, err
	}
	return &PollTaskResponse{HasTask: ok, Task: task}, nil
}

func (s *Server) AckTask(ctx context.Context, req *AckTaskRequest) (*AckTaskResponse, error) {
	ackID := req.RunID
	if ackID == "" {
		ackID = req.TaskID
	}
	key := receipt.Key{WorkerID: req.WorkerID, MessageID: "ack:" + ackID}
	if cached, ok := s.receipts.Check(key); ok {
		var result transport.DispatchResult
		if cached.Accepted {
			result = transport.DispatchResult{Accepted: true, TaskID: req.TaskID}
		} else {
			result = transport.DispatchResult{Accepted: false, Reason: cached.Reason, TaskID: req.TaskID}
		}
		return &AckTaskResponse{Result: result}, nil
	}

	result, err := s.backend.AckTask(ctx, req.WorkerID, req.TaskID, req.RunID, req.Accepted, req.Reason)
	if err != nil {
		return nil, err
	}
	s.receipts.Record(key, receipt.Outcome{Accepted: result.Accepted, Reason: result.Reason})
	return &AckTaskResponse{Result: result}, nil
}

func (s *Server) ReportResult(ctx context.Context, req *ReportResultRequest) (*OKResponse, error) {
	resultID := req.Result.RunID
	if resultID == "" {
		resultID = req.Result.TaskID
	}
	key := receipt.Key{WorkerID: req.WorkerID, MessageID: "result:" + resultID}
	if _, ok := s.receipts.Check(key); ok {
		return &OKResponse{OK: true}, nil
	}
	if err := s.backend.ReportResult(ctx, req.WorkerID, req.Result); err != nil {
		return nil, err
	}
	s.receipts.Record(key, receipt.Outcome{Accepted: true})
	return &OKResponse{OK: true}, nil
}

func (s *Server) SendLog(ctx context.Context, req *SendLogRequest) (*OKResponse, error) {
	if err := s.backend.IngestLog(ctx, req.WorkerID, req.Line); err != nil {
		return nil, err
	}
	return &OKResponse{OK: true}, nil
}

func (s *Server) SendLogBatch(ctx context.Context, req *SendLogBatchRequest) (*OKResponse, error) {
	if err := s.backend.IngestLogBatch(ctx, req.WorkerID, req.Lines); err != nil {
		return nil, err
	}
	return &OKResponse{OK: true}, nil
}

func (s *Server) SendLogChunk(ctx context.Context, req *SendLogChunkRequest) (*OKResponse, error) {
	if err := s.backend.IngestLogChunk(ctx, req.WorkerID, req.Chunk); err != nil {
		return nil, err
	}
	return &OKResponse{OK: true}, nil
}

func (s *Server) SendHeartbeat(ctx context.Context, req *SendHeartbeatRequest) (*OKResponse, error) {
	if err := s.backend.SendHeartbeat(ctx, req.Heartbeat); err != nil {
		return nil, err
	}
	return &OKResponse{OK: true}, nil
}

func (s *Server) PollControl(ctx context.Context, req *PollControlRequest) (*PollControlResponse, error) {
	timeout := time.Duration(req.TimeoutSec) * time.Second
	msg, ok, err := s.backend.PollControl(ctx, req.WorkerID, timeout)
	if err != nil {
		return nil, err
	}
	return &PollControlResponse{HasMessage: ok, Message: msg}, nil
}

func (s *Server) AckControl(ctx context.Context, req *AckControlRequest) (*OKResponse, error) {
	key := receipt.Key{WorkerID: req.WorkerID, MessageID: "ackctl:" + req.ReceiptID}
	if _, ok := s.receipts.Check(key); ok {
		return &OKResponse{OK: true}, nil
	}
	if err := s.backend.AckControl(ctx, req.WorkerID, req.ReceiptID); err != nil {
		return nil, err
	}
	s.receipts.Record(key, receipt.Outcome{Accepted: true})
	return &OKResponse{OK: true}, nil
}

func (s *Server) ReportControlResult(ctx context.Context, req *ReportControlResultRequest) (*OKResponse, error) {
	if err := s.backend.ReportControlResult(ctx, req.WorkerID, req.Result); err != nil {
		return nil, err
	}
	return &OKResponse{OK: true}, nil
}

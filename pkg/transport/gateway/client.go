package gateway

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/keepalive"

	"github.com/taskforge/taskforge/pkg/transport"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// ClientConfig configures Dial.
type ClientConfig struct {
	Addr      string
	Insecure  bool // use plaintext; production deployments should pass TransportCredentials instead
	Transport grpc.DialOption
	Extra     []grpc.DialOption // e.g. the auth client interceptor
}

// Dial opens a gRPC connection to addr configured with the transport's
// keepalive and message-size contract, using the json codec registered by
// this package's init.
func Dial(ctx context.Context, cfg ClientConfig) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodec{}.Name())),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(MaxMessageSize),
			grpc.MaxCallSendMsgSize(MaxMessageSize),
		),
	}
	if cfg.Transport != nil {
		opts = append(opts, cfg.Transport)
	} else if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	opts = append(opts, cfg.Extra...)
	return grpc.DialContext(ctx, cfg.Addr, opts...)
}

// Client is a thin typed wrapper over a gRPC connection to the Gateway
// service, used by the Worker-side Agent process.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient wraps an already-dialed connection.
func NewClient(conn *grpc.ClientConn) *Client { return &Client{conn: conn} }

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	fullMethod := "/" + ServiceName + "/" + method
	return c.conn.Invoke(ctx, fullMethod, req, resp)
}

func (c *Client) PollTask(ctx context.Context, workerID string, timeout time.Duration) (*PollTaskResponse, error) {
	resp := &PollTaskResponse{}
	err := c.invoke(ctx, "PollTask", &PollTaskRequest{WorkerID: workerID, TimeoutSec: int64(timeout.Seconds())}, resp)
	return resp, err
}

func (c *Client) AckTask(ctx context.Context, workerID, taskID, runID string, accepted bool, reason string) (*AckTaskResponse, error) {
	resp := &AckTaskResponse{}
	err := c.invoke(ctx, "AckTask", &AckTaskRequest{WorkerID: workerID, TaskID: taskID, RunID: runID, Accepted: accepted, Reason: reason}, resp)
	return resp, err
}

func (c *Client) ReportResult(ctx context.Context, workerID string, result transport.Result) error {
	return c.invoke(ctx, "ReportResult", &ReportResultRequest{WorkerID: workerID, Result: result}, &OKResponse{})
}

func (c *Client) SendLog(ctx context.Context, workerID string, line transport.LogLine) error {
	return c.invoke(ctx, "SendLog", &SendLogRequest{WorkerID: workerID, Line: line}, &OKResponse{})
}

func (c *Client) SendLogBatch(ctx context.Context, workerID string, lines []transport.LogLine) error {
	return c.invoke(ctx, "SendLogBatch", &SendLogBatchRequest{WorkerID: workerID, Lines: lines}, &OKResponse{})
}

func (c *Client) SendLogChunk(ctx context.Context, workerID string, chunk transport.LogChunk) error {
	return c.invoke(ctx, "SendLogChunk", &SendLogChunkRequest{WorkerID: workerID, Chunk: chunk}, &OKResponse{})
}

func (c *Client) SendHeartbeat(ctx context.Context, hb transport.Heartbeat) error {
	return c.invoke(ctx, "SendHeartbeat", &SendHeartbeatRequest{Heartbeat: hb}, &OKResponse{})
}

func (c *Client) PollControl(ctx context.Context, workerID string, timeout time.Duration) (*PollControlResponse, error) {
	resp := &PollControlResponse{}
	err := c.invoke(ctx, "PollControl", &PollControlRequest{WorkerID: workerID, TimeoutSec: int64(timeout.Seconds())}, resp)
	return resp, err
}

func (c *Client) AckControl(ctx context.Context, workerID, receiptID string) error {
	return c.invoke(ctx, "AckControl", &AckControlRequest{WorkerID: workerID, ReceiptID: receiptID}, &OKResponse{})
}

func (c *Client) ReportControlResult(ctx context.Context, workerID string, result transport.ControlResult) error {
	return c.invoke(ctx, "ReportControlResult", &ReportControlResultRequest{WorkerID: workerID, Result: result}, &OKResponse{})
}

func (c *Client) Close() error { return c.conn.Close() }

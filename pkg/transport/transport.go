// Package transport defines the shared upstream-facing contract implemented
// by both Worker Transport modes: gateway (gRPC over the public
// internet, Worker-initiated polling) and intranet (direct HTTP push from
// inside the cluster network). Callers above this package — the Scheduler,
// the Agent runtime — code against Transport and never know which mode is
// in play.
package transport

import (
	"context"
	"time"
)

// TaskPayload is everything a Worker needs to execute one dispatched Run.
type TaskPayload struct {
	TaskID     string
	RunID      string
	ProjectRef string
	TaskType   string
	Params     map[string]string
	TimeoutSec int64
}

// DispatchResult is the outcome of a Dispatch call.
type DispatchResult struct {
	Accepted bool
	Reason   string
	TaskID   string
}

// Result is what a Worker reports back on completion.
type Result struct {
	TaskID     string
	RunID      string
	Success    bool
	ExitCode   int32
	Message    string
	ResultData map[string]string
	DurationMS int64
}

// Heartbeat is a Worker's periodic liveness and load report.
type Heartbeat struct {
	WorkerID      string
	CPUPercent    float64
	MemoryPercent float64
	DiskPercent   float64
	RunningTasks  int
	Timestamp     time.Time
}

// LogLine is a single log record sent over the transport.
type LogLine struct {
	RunID     string
	Stream    string
	Sequence  int64
	Timestamp time.Time
	Level     string
	Content   string
}

// LogChunk is one fragment of a Chunk-mode log upload.
type LogChunk struct {
	RunID   string
	Stream  string
	Offset  int64
	Data    []byte
	IsFinal bool
}

// ControlMessage is one item off the control bus addressed to a Worker.
type ControlMessage struct {
	ReceiptID string
	Kind      string // "cancel" | "config" | "runtime_mgmt"
	TaskID    string
	Payload   map[string]string
}

// ControlResult is a Worker's outcome report for a ControlMessage.
type ControlResult struct {
	ReceiptID string
	Success   bool
	Message   string
}

// Transport is the shared contract both modes implement. Every
// idempotency-sensitive operation is documented as such: callers may retry
// freely.
type Transport interface {
	// Dispatch is idempotent on payload.TaskID.
	Dispatch(ctx context.Context, workerID string, payload TaskPayload, ackTimeout time.Duration) (DispatchResult, error)

	// ReportResult is idempotent on result.RunID (result.TaskID when RunID
	// is empty); a retry within the receipt TTL returns the previously
	// cached outcome.
	ReportResult(ctx context.Context, result Result) error

	SendHeartbeat(ctx context.Context, hb Heartbeat) error
	SendLog(ctx context.Context, line LogLine) error
	SendLogBatch(ctx context.Context, lines []LogLine) error
	SendLogChunk(ctx context.Context, chunk LogChunk) error

	// PollControl blocks up to timeout waiting for a message addressed to
	// workerID.
	PollControl(ctx context.Context, workerID string, timeout time.Duration) (*ControlMessage, error)

	// AckControl is idempotent on receipt.ReceiptID.
	AckControl(ctx context.Context, result ControlResult) error

	Close() error
}

// Authenticator injects mode-specific credentials into an outbound call and
// validates them on the inbound side. Exactly one implementation is active
// per deployment, selected by AUTH_MODE.
type Authenticator interface {
	// SignRequest mutates headers (HTTP) or returns gRPC call metadata
	// key/values to attach to an outbound request.
	SignRequest(ctx context.Context, method string, body []byte) (map[string]string, error)
	// Verify checks an inbound request's headers/metadata and returns the
	// authenticated worker_id.
	Verify(ctx context.Context, headers map[string]string, body []byte) (workerID string, err error)
}

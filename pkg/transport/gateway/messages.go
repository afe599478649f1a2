package gateway

import "github.com/taskforge/taskforge/pkg/transport"

// PollTaskRequest is sent by a Worker asking for its next dispatched task.
type PollTaskRequest struct {
	WorkerID   string
	TimeoutSec int64
}

// PollTaskResponse carries the next task, if any arrived before the poll
// timeout elapsed.
type PollTaskResponse struct {
	HasTask bool
	Task    transport.TaskPayload
}

// AckTaskRequest is the Worker's acknowledgement of receipt. RunID is the
// idempotency axis: two concurrent Runs of the same Task carry the same
// TaskID but never the same RunID.
type AckTaskRequest struct {
	WorkerID string
	TaskID   string
	RunID    string
	Accepted bool
	Reason   string
}

// AckTaskResponse echoes the dispatch outcome, idempotent on RunID (TaskID
// when RunID is empty).
type AckTaskResponse struct {
	Result transport.DispatchResult
}

// ReportResultRequest carries a completed Run's outcome.
type ReportResultRequest struct {
	WorkerID string
	Result   transport.Result
}

// OKResponse is the common envelope for calls with no meaningful payload.
type OKResponse struct {
	OK      bool
	Message string
}

// SendLogRequest carries a single log line.
type SendLogRequest struct {
	WorkerID string
	Line     transport.LogLine
}

// SendLogBatchRequest carries many log lines in one call.
type SendLogBatchRequest struct {
	WorkerID string
	Lines    []transport.LogLine
}

// SendLogChunkRequest carries one Chunk-mode fragment.
type SendLogChunkRequest struct {
	WorkerID string
	Chunk    transport.LogChunk
}

// SendHeartbeatRequest carries a Worker's liveness/load snapshot.
type SendHeartbeatRequest struct {
	Heartbeat transport.Heartbeat
}

// PollControlRequest is sent by a Worker asking for its next control
// message.
type PollControlRequest struct {
	WorkerID   string
	TimeoutSec int64
}

// PollControlResponse carries the next control message, if any.
type PollControlResponse struct {
	HasMessage bool
	Message    transport.ControlMessage
}

// AckControlRequest acknowledges receipt of a control message (not its
// outcome — see ReportControlResultRequest).
type AckControlRequest struct {
	WorkerID  string
	ReceiptID string
}

// ReportControlResultRequest carries the Worker's outcome for a control
// message it already acked.
type ReportControlResultRequest struct {
	WorkerID string
	Result   transport.ControlResult
}

package gateway

import (
	"context"
	"time"

	"github.com/taskforge/taskforge/pkg/transport"
)

// TransportAdapter satisfies transport.Transport by delegating to a Client,
// letting the Agent runtime depend only on the mode-agnostic interface.
type TransportAdapter struct {
	client   *Client
	workerID string
}

// NewTransportAdapter wraps client for workerID.
func NewTransportAdapter(client *Client, workerID string) *TransportAdapter {
	return &TransportAdapter{client: client, workerID: workerID}
}

func (a *TransportAdapter) Dispatch(ctx context.Context, _ string, payload transport.TaskPayload, ackTimeout time.Duration) (transport.DispatchResult, error) {
	// Gateway mode has no Master-initiated dispatch; the Worker polls.
	// Upper layers calling Dispatch in Gateway mode get the queued task back
	// through the same PollTask round the next time the Agent polls.
	resp, err := a.client.PollTask(ctx, a.workerID, ackTimeout)
	if err != nil {
		return transport.DispatchResult{}, err
	}
	if !resp.HasTask {
		return transport.DispatchResult{Accepted: false, Reason: "no task available", TaskID: payload.TaskID}, nil
	}
	ackResp, err := a.client.AckTask(ctx, a.workerID, resp.Task.TaskID, resp.Task.RunID, true, "")
	if err != nil {
		return transport.DispatchResult{}, err
	}
	return ackResp.Result, nil
}

func (a *TransportAdapter) ReportResult(ctx context.Context, result transport.Result) error {
	return a.client.ReportResult(ctx, a.workerID, result)
}

func (a *TransportAdapter) SendHeartbeat(ctx context.Context, hb transport.Heartbeat) error {
	return a.client.SendHeartbeat(ctx, hb)
}

func (a *TransportAdapter) SendLog(ctx context.Context, line transport.LogLine) error {
	return a.client.SendLog(ctx, a.workerID, line)
}

func (a *TransportAdapter) SendLogBatch(ctx context.Context, lines []transport.LogLine) error {
	return a.client.SendLogBatch(ctx, a.workerID, lines)
}

func (a *TransportAdapter) SendLogChunk(ctx context.Context, chunk transport.LogChunk) error {
	return a.client.SendLogChunk(ctx, a.workerID, chunk)
}

func (a *TransportAdapter) PollControl(ctx context.Context, workerID string, timeout time.Duration) (*transport.ControlMessage, error) {
	resp, err := a.client.PollControl(ctx, workerID, timeout)
	if err != nil {
		return nil, err
	}
	if !resp.HasMessage {
		return nil, nil
	}
	return &resp.Message, nil
}

func (a *TransportAdapter) AckControl(ctx context.Context, result transport.ControlResult) error {
	if err := a.client.AckControl(ctx, a.workerID, result.ReceiptID); err != nil {
		return err
	}
	return a.client.ReportControlResult(ctx, a.workerID, result)
}

func (a *TransportAdapter) Close() error { return a.client.Close() }

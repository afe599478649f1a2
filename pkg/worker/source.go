package worker

import (
	"context"
	"time"

	"github.com/taskforge/taskforge/pkg/taskerr"
	"github.com/taskforge/taskforge/pkg/transport"
	"github.com/taskforge/taskforge/pkg/transport/gateway"
)

// TaskSource is where an Agent's dispatches come from. Gateway mode polls
// the relay; Intranet mode receives Master pushes into a mailbox.
type TaskSource interface {
	// Poll blocks up to timeout for the next dispatch; nil with no error
	// means the poll window elapsed empty.
	Poll(ctx context.Context, timeout time.Duration) (*transport.TaskPayload, error)
	// Ack reports acceptance or rejection of a polled dispatch. Gateway
	// mode sends AckTask; Intranet mode already answered inline, so its
	// mailbox Ack is a no-op.
	Ack(ctx context.Context, payload transport.TaskPayload, accepted bool, reason string) error
}

// GatewaySource polls the Gateway relay for dispatches.
type GatewaySource struct {
	Client   *gateway.Client
	WorkerID string
}

func (s *GatewaySource) Poll(ctx context.Context, timeout time.Duration) (*transport.TaskPayload, error) {
	resp, err := s.Client.PollTask(ctx, s.WorkerID, timeout)
	if err != nil {
		return nil, err
	}
	if !resp.HasTask {
		return nil, nil
	}
	task := resp.Task
	return &task, nil
}

func (s *GatewaySource) Ack(ctx context.Context, payload transport.TaskPayload, accepted bool, reason string) error {
	_, err := s.Client.AckTask(ctx, s.WorkerID, payload.TaskID, payload.RunID, accepted, reason)
	return err
}

// PushMailbox adapts Intranet-mode pushes into the TaskSource shape: the
// HTTP handler's Accept answers the Master inline (after the busy
// preflight) and parks accepted payloads for the Agent's poll loop.
type PushMailbox struct {
	tasks    chan transport.TaskPayload
	controls chan transport.ControlMessage
	// Preflight decides acceptance before the payload is parked; wired to
	// the Agent's capacity check.
	Preflight func(transport.TaskPayload) (bool, string)
}

// NewPushMailbox builds a mailbox bounded at depth.
func NewPushMailbox(depth int) *PushMailbox {
	if depth <= 0 {
		depth = 16
	}
	return &PushMailbox{
		tasks:    make(chan transport.TaskPayload, depth),
		controls: make(chan transport.ControlMessage, depth),
	}
}

// Accept implements intranet.Runtime.
func (m *PushMailbox) Accept(payload transport.TaskPayload) (bool, string) {
	if m.Preflight != nil {
		if ok, reason := m.Preflight(payload); !ok {
			return false, reason
		}
	}
	select {
	case m.tasks <- payload:
		return true, ""
	default:
		return false, "worker_busy"
	}
}

// Control implements intranet.Runtime.
func (m *PushMailbox) Control(msg transport.ControlMessage) error {
	select {
	case m.controls <- msg:
		return nil
	default:
		return taskerr.New(taskerr.KindQuotaExceeded, "control mailbox full")
	}
}

// NextControl hands the Agent's control loop a pushed control message.
func (m *PushMailbox) NextControl(ctx context.Context, timeout time.Duration) (*transport.ControlMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-m.controls:
		return &msg, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *PushMailbox) Poll(ctx context.Context, timeout time.Duration) (*transport.TaskPayload, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case payload := <-m.tasks:
		return &payload, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ack is a no-op: Accept already answered the Master inline.
func (m *PushMailbox) Ack(context.Context, transport.TaskPayload, bool, string) error { return nil }

// Package master is the control-plane hub tying the core components
// together: it owns the per-Worker dispatch and control queues behind both
// transport modes, applies Worker-reported results to the Execution State
// Machine, feeds heartbeats to the Node Registry, pushes log traffic through
// the Log Pipeline into the WebSocket Hub, and reaps live Runs whose
// heartbeat went silent.
package master

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskforge/taskforge/pkg/log"
	"github.com/taskforge/taskforge/pkg/logpipeline"
	"github.com/taskforge/taskforge/pkg/registry"
	"github.com/taskforge/taskforge/pkg/store"
	"github.com/taskforge/taskforge/pkg/taskerr"
	"github.com/taskforge/taskforge/pkg/transport"
	"github.com/taskforge/taskforge/pkg/types"
	"github.com/taskforge/taskforge/pkg/wshub"
)

// Retrier is the Scheduler's terminal-transition hook, invoked after a Run
// reaches any terminal runtime state. The Scheduler releases the Run's
// concurrency slot there and consults the retry policy for failed/timeout
// outcomes.
type Retrier interface {
	HandleRunTerminal(run *types.Run)
}

// Config tunes the master hub.
type Config struct {
	// QueueDepth bounds each per-Worker dispatch and control queue.
	QueueDepth int
	// RunHeartbeatLimit is the fallback liveness bound for a running Run
	// whose Task has no timeout of its own.
	RunHeartbeatLimit time.Duration
	// ReaperInterval is how often silent running Runs are swept.
	ReaperInterval time.Duration
	// ControlRedeliver is how long a polled-but-unacked control message
	// waits before being requeued (at-least-once delivery).
	ControlRedeliver time.Duration
}

// DefaultConfig matches the platform defaults.
func DefaultConfig() Config {
	return Config{
		QueueDepth:        128,
		RunHeartbeatLimit: time.Hour,
		ReaperInterval:    15 * time.Second,
		ControlRedeliver:  30 * time.Second,
	}
}

// workerQueues is the per-Worker mailbox pair.
type workerQueues struct {
	dispatch chan transport.TaskPayload
	control  chan transport.ControlMessage
}

// inflightControl is a control message a Worker polled but has not acked.
type inflightControl struct {
	workerID string
	msg      transport.ControlMessage
	polledAt time.Time
}

// Master implements the Backend contract of both transport modes and the
// Scheduler's Dispatcher.
type Master struct {
	cfg      Config
	store    store.Store
	registry *registry.Registry
	pipeline *logpipeline.Pipeline
	hub      *wshub.Hub
	retrier  Retrier
	log      zerolog.Logger

	mu       sync.Mutex
	queues   map[string]*workerQueues
	waiters  map[string]chan transport.DispatchResult // run_id -> dispatch ack waiter
	inflight map[string]inflightControl               // receipt_id -> unacked control

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Master. hub may be nil (no WebSocket surface, e.g. tests);
// retrier may be nil until the Scheduler is attached.
func New(cfg Config, st store.Store, reg *registry.Registry, pipeline *logpipeline.Pipeline, hub *wshub.Hub) *Master {
	if cfg.QueueDepth <= 0 {
		cfg = DefaultConfig()
	}
	return &Master{
		cfg:      cfg,
		store:    st,
		registry: reg,
		pipeline: pipeline,
		hub:      hub,
		log:      log.WithComponent("master"),
		queues:   make(map[string]*workerQueues),
		waiters:  make(map[string]chan transport.DispatchResult),
		inflight: make(map[string]inflightControl),
		stop:     make(chan struct{}),
	}
}

// AttachRetrier wires the Scheduler's retry hook after both sides exist.
func (m *Master) AttachRetrier(r Retrier) { m.retrier = r }

// Start launches the run-heartbeat reaper and control redelivery loops.
func (m *Master) Start() {
	m.wg.Add(2)
	go m.reaperLoop()
	go m.redeliverLoop()
}

// Stop halts background loops.
func (m *Master) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func (m *Master) queuesFor(workerID string) *workerQueues {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[workerID]
	if !ok {
		q = &workerQueues{
			dispatch: make(chan transport.TaskPayload, m.cfg.QueueDepth),
			control:  make(chan transport.ControlMessage, m.cfg.QueueDepth),
		}
		m.queues[workerID] = q
	}
	return q
}

// Dispatch implements the Scheduler's Dispatcher for Gateway mode: enqueue
// the payload on the Worker's mailbox, then wait for the AckTask the Worker
// sends after its next PollTask round.
func (m *Master) Dispatch(ctx context.Context, worker *types.Worker, payload transport.TaskPayload, ackTimeout time.Duration) (transport.DispatchResult, error) {
	q := m.queuesFor(worker.PublicID)

	waiter := make(chan transport.DispatchResult, 1)
	m.mu.Lock()
	m.waiters[payload.RunID] = waiter
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.waiters, payload.RunID)
		m.mu.Unlock()
	}()

	select {
	case q.dispatch <- payload:
	default:
		return transport.DispatchResult{}, taskerr.New(taskerr.KindWorkerUnavailable, "worker dispatch queue full")
	}

	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()
	select {
	case result := <-waiter:
		return result, nil
	case <-timer.C:
		return transport.DispatchResult{}, taskerr.New(taskerr.KindTimeout, "dispatch ack timeout")
	case <-ctx.Done():
		return transport.DispatchResult{}, taskerr.Wrap(taskerr.KindTransientNetwork, "dispatch interrupted", ctx.Err())
	}
}

// Cancel implements the Scheduler's Dispatcher cancel push: the control
// message is queued for the Worker's next PollControl round.
func (m *Master) Cancel(_ context.Context, worker *types.Worker, msg transport.ControlMessage) error {
	q := m.queuesFor(worker.PublicID)
	select {
	case q.control <- msg:
		return nil
	default:
		return taskerr.New(taskerr.KindQuotaExceeded, "worker control queue full")
	}
}

// reaperLoop advances running Runs whose last heartbeat is older than the
// Task's timeout (or RunHeartbeatLimit) to the timeout terminal state, and
// queues a cancel for the Worker that owned them.
func (m *Master) reaperLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reapSilentRuns()
		case <-m.stop:
			return
		}
	}
}

func (m *Master) redeliverLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ControlRedeliver / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.redeliverUnacked()
		case <-m.stop:
			return
		}
	}
}

// redeliverUnacked requeues control messages polled longer than
// ControlRedeliver ago without an ack. Handlers are required to be
// idempotent, so redelivery is safe.
func (m *Master) redeliverUnacked() {
	now := time.Now()
	m.mu.Lock()
	var stale []inflightControl
	for receiptID, inflight := range m.inflight {
		if now.Sub(inflight.polledAt) >= m.cfg.ControlRedeliver {
			stale = append(stale, inflight)
			delete(m.inflight, receiptID)
		}
	}
	m.mu.Unlock()

	for _, inflight := range stale {
		q := m.queuesFor(inflight.workerID)
		select {
		case q.control <- inflight.msg:
			m.log.Debug().Str("receipt_id", inflight.msg.ReceiptID).Msg("requeued unacked control message")
		default:
			m.log.Warn().Str("receipt_id", inflight.msg.ReceiptID).Msg("control queue full during redelivery, dropping")
		}
	}
}

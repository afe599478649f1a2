// Package worker implements the Worker agent: it polls (Gateway mode) or
// receives (Intranet mode) dispatched Runs, executes them in the sandbox,
// ships their logs, reports results, heartbeats host metrics, and honors
// cancel control messages — over whichever transport mode the deployment
// uses.
package worker

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskforge/taskforge/pkg/backoff"
	"github.com/taskforge/taskforge/pkg/log"
	"github.com/taskforge/taskforge/pkg/sandbox"
	"github.com/taskforge/taskforge/pkg/taskerr"
	"github.com/taskforge/taskforge/pkg/transport"
)

// Config tunes an Agent.
type Config struct {
	WorkerID           string
	MaxConcurrentTasks int
	PollTimeout        time.Duration // long-poll window per PollTask round
	HeartbeatInterval  time.Duration
	ControlPollTimeout time.Duration
	LogBatchSize       int
	LogFlushInterval   time.Duration
	ProjectRoot        string // host directory synced project trees live under
	DiskPath           string // mount point for the disk_percent probe
}

// DefaultConfig matches the Gateway-mode deployment defaults.
func DefaultConfig(workerID string) Config {
	return Config{
		WorkerID:           workerID,
		MaxConcurrentTasks: 4,
		PollTimeout:        20 * time.Second,
		HeartbeatInterval:  30 * time.Second,
		ControlPollTimeout: 20 * time.Second,
		LogBatchSize:       100,
		LogFlushInterval:   2 * time.Second,
		ProjectRoot:        "./data/projects",
	}
}

// ControlSource is where cancel/config control messages arrive from:
// PollControl on the shared Transport for Gateway mode, the PushMailbox for
// Intranet mode.
type ControlSource interface {
	NextControl(ctx context.Context, timeout time.Duration) (*transport.ControlMessage, error)
}

// transportControlSource adapts transport.Transport's PollControl.
type transportControlSource struct {
	t        transport.Transport
	workerID string
}

func (s transportControlSource) NextControl(ctx context.Context, timeout time.Duration) (*transport.ControlMessage, error) {
	return s.t.PollControl(ctx, s.workerID, timeout)
}

// Agent is one Worker process.
type Agent struct {
	cfg       Config
	transport transport.Transport
	source    TaskSource
	controls  ControlSource
	runner    sandbox.Runner
	resolver  CommandResolver
	collector *Collector
	reconnect *transport.ReconnectPolicy
	log       zerolog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc // run_id -> cancel

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds an Agent. controls may be nil, in which case control messages
// are polled off t directly.
func New(cfg Config, t transport.Transport, source TaskSource, controls ControlSource, runner sandbox.Runner) *Agent {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 1
	}
	if controls == nil {
		controls = transportControlSource{t: t, workerID: cfg.WorkerID}
	}
	if runner == nil {
		runner = sandbox.ProcessRunner{}
	}
	return &Agent{
		cfg:       cfg,
		transport: t,
		source:    source,
		controls:  controls,
		runner:    runner,
		resolver:  DefaultCommandResolver,
		collector: &Collector{DiskPath: cfg.DiskPath},
		reconnect: transport.NewReconnectPolicy(backoff.New(backoff.DefaultConfig()), 3, 5),
		log:       log.WithWorkerID(cfg.WorkerID),
		running:   make(map[string]context.CancelFunc),
		stop:      make(chan struct{}),
	}
}

// SetCommandResolver overrides how dispatch payloads map to provisioner
// argv (tests, alternate runtimes).
func (a *Agent) SetCommandResolver(r CommandResolver) { a.resolver = r }

// Start launches the poll, heartbeat, and control loops.
func (a *Agent) Start() {
	a.wg.Add(3)
	go a.pollLoop()
	go a.heartbeatLoop()
	go a.controlLoop()
}

// Stop cancels every live Run and waits for the loops to exit.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
	a.mu.Lock()
	for _, cancel := range a.running {
		cancel()
	}
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *Agent) runningCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.running)
}

// Busy reports whether accepting one more Run would exceed the Worker's own
// advertised max_concurrent_tasks; the source of the worker_busy rejection.
func (a *Agent) Busy() (bool, string) {
	if a.runningCount() >= a.cfg.MaxConcurrentTasks {
		return true, "worker_busy"
	}
	return false, ""
}

func (a *Agent) trackRun(runID string, cancel context.CancelFunc) {
	a.mu.Lock()
	a.running[runID] = cancel
	a.mu.Unlock()
}

func (a *Agent) untrackRun(runID string) {
	a.mu.Lock()
	delete(a.running, runID)
	a.mu.Unlock()
}

func (a *Agent) projectDir(projectRef string) string {
	if projectRef == "" {
		return a.cfg.ProjectRoot
	}
	return filepath.Join(a.cfg.ProjectRoot, projectRef)
}

// pollLoop is the Gateway-mode dispatch pump: long-poll, preflight the
// concurrency cap, ack, execute. Transport errors feed the reconnect
// policy; auth errors past max_auth_failures stop the loop for good.
func (a *Agent) pollLoop() {
	defer a.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-a.stop:
			return
		default:
		}

		if err := a.reconnect.CheckOffline(); err != nil {
			a.log.Error().Err(err).Msg("transport permanently offline, poll loop stopped")
			return
		}

		payload, err := a.source.Poll(ctx, a.cfg.PollTimeout)
		if err != nil {
			a.noteTransportError(err)
			continue
		}
		a.reconnect.RecordSuccess()
		if payload == nil {
			continue
		}

		if busy, reason := a.Busy(); busy {
			if err := a.source.Ack(ctx, *payload, false, reason); err != nil {
				a.noteTransportError(err)
			}
			continue
		}
		if err := a.source.Ack(ctx, *payload, true, ""); err != nil {
			a.noteTransportError(err)
			continue
		}

		a.wg.Add(1)
		go func(p transport.TaskPayload) {
			defer a.wg.Done()
			a.execute(ctx, p)
		}(*payload)
	}
}

// noteTransportError feeds the reconnect policy and sleeps out the backoff
// delay it prescribes.
func (a *Agent) noteTransportError(err error) {
	isAuth := taskerr.Is(err, taskerr.KindAuthFailure)
	shouldReconnect, delayMS := a.reconnect.RecordFailure(isAuth)
	a.log.Warn().Err(err).Bool("auth", isAuth).Msg("transport error")
	if !shouldReconnect {
		return
	}
	timer := time.NewTimer(time.Duration(delayMS) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-a.stop:
	}
}

func (a *Agent) heartbeatLoop() {
	defer a.wg.Done()
	interval := a.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hb := a.collector.Collect(a.cfg.WorkerID, a.runningCount(), a.cfg.MaxConcurrentTasks)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := a.transport.SendHeartbeat(ctx, hb); err != nil {
				a.noteTransportError(err)
			} else {
				a.reconnect.RecordSuccess()
			}
			cancel()
		case <-a.stop:
			return
		}
	}
}

// controlLoop pulls control messages and applies them. Handlers are
// idempotent: a redelivered cancel for an already-finished Run acks
// success without side effects.
func (a *Agent) controlLoop() {
	defer a.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-a.stop:
			return
		default:
		}

		msg, err := a.controls.NextControl(ctx, a.cfg.ControlPollTimeout)
		if err != nil {
			a.noteTransportError(err)
			continue
		}
		if msg == nil {
			continue
		}
		a.handleControl(ctx, *msg)
	}
}

func (a *Agent) handleControl(ctx context.Context, msg transport.ControlMessage) {
	result := transport.ControlResult{ReceiptID: msg.ReceiptID, Success: true}

	switch msg.Kind {
	case "cancel":
		runID := msg.Payload["run_id"]
		a.mu.Lock()
		cancel, live := a.running[runID]
		a.mu.Unlock()
		if live {
			cancel()
			a.log.Info().Str("run_id", runID).Msg("run cancelled by control message")
		}
	default:
		result.Success = false
		result.Message = "unsupported control kind " + msg.Kind
	}

	ackCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.transport.AckControl(ackCtx, result); err != nil {
		a.noteTransportError(err)
	}
}

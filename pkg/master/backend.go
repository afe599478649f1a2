package master

import (
	"context"
	"errors"
	"time"

	"github.com/taskforge/taskforge/pkg/execstate"
	"github.com/taskforge/taskforge/pkg/logpipeline"
	"github.com/taskforge/taskforge/pkg/store"
	"github.com/taskforge/taskforge/pkg/taskerr"
	"github.com/taskforge/taskforge/pkg/transport"
	"github.com/taskforge/taskforge/pkg/types"
)

// PollTask hands workerID its next queued dispatch, blocking up to timeout.
func (m *Master) PollTask(ctx context.Context, workerID string, timeout time.Duration) (transport.TaskPayload, bool, error) {
	q := m.queuesFor(workerID)
	if timeout <= 0 {
		select {
		case payload := <-q.dispatch:
			return payload, true, nil
		default:
			return transport.TaskPayload{}, false, nil
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case payload := <-q.dispatch:
		return payload, true, nil
	case <-timer.C:
		return transport.TaskPayload{}, false, nil
	case <-ctx.Done():
		return transport.TaskPayload{}, false, nil
	}
}

// AckTask resolves the dispatch waiter parked in Dispatch. A late ack whose
// waiter has already timed out is recorded but not applied; the dispatch
// already failed and the retry policy owns what happens next.
func (m *Master) AckTask(_ context.Context, workerID, taskID, runID string, accepted bool, reason string) (transport.DispatchResult, error) {
	result := transport.DispatchResult{Accepted: accepted, Reason: reason, TaskID: taskID}

	m.mu.Lock()
	waiter, ok := m.waiters[runID]
	m.mu.Unlock()
	if ok {
		select {
		case waiter <- result:
		default:
		}
	} else {
		m.log.Warn().Str("run_id", runID).Str("worker_id", workerID).Msg("ack arrived after dispatch waiter expired")
	}
	return result, nil
}

// markRunning advances a queued Run to running at its first sign of life
// (first log line or the Worker's explicit start report).
func (m *Master) markRunning(run *types.Run) {
	if run.Status() != types.AggQueued {
		return
	}
	running, err := execstate.Running(execstate.FromRun(run))
	if err != nil {
		return
	}
	running.ApplyTo(run)
	run.StartTime = running.At()
	run.LastHeartbeat = running.At()
	_ = m.store.UpdateRun(run)
	m.publishStatus(run)
}

// ReportResult applies a Worker's completion report to the state machine and
// the owning Task's counters. Idempotency across retries is enforced one
// layer down by the transport's receipt cache; a duplicate that slips past
// it (restart, TTL expiry) is rejected here by the terminal-state check and
// reported as success to keep the Worker from retrying forever.
func (m *Master) ReportResult(_ context.Context, workerID string, result transport.Result) error {
	run, err := m.store.GetRunByRunID(result.RunID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return taskerr.New(taskerr.KindValidation, "result for unknown run "+result.RunID)
		}
		return err
	}
	if run.Status().IsTerminal() {
		return nil
	}

	state := execstate.FromRun(run)
	if run.Status() == types.AggQueued {
		if state, err = execstate.Running(state); err != nil {
			return err
		}
		run.StartTime = state.At()
	}

	if result.Success {
		state, err = execstate.Success(state)
	} else {
		state, err = execstate.Failed(state, result.Message)
	}
	if err != nil {
		return err
	}
	state.ApplyTo(run)

	run.EndTime = state.At()
	run.DurationMS = result.DurationMS
	if run.DurationMS == 0 && !run.StartTime.IsZero() {
		run.DurationMS = run.EndTime.Sub(run.StartTime).Milliseconds()
	}
	run.ExitCode = &result.ExitCode
	run.ErrorMessage = result.Message
	if len(result.ResultData) > 0 {
		run.ResultData = make(map[string]any, len(result.ResultData))
		for k, v := range result.ResultData {
			run.ResultData[k] = v
		}
	}
	if err := m.store.UpdateRun(run); err != nil {
		return err
	}

	if task, terr := m.store.GetTask(run.TaskRef); terr == nil {
		if result.Success {
			task.SuccessCount++
		} else {
			task.FailureCount++
		}
		task.LastRun = run.EndTime
		_ = m.store.UpdateTask(task)
	}

	m.publishStatus(run)
	if m.retrier != nil {
		m.retrier.HandleRunTerminal(run)
	}
	m.log.Info().Str("run_id", run.RunID).Str("worker_id", workerID).Bool("success", result.Success).Msg("result recorded")
	return nil
}

// SendHeartbeat feeds the Node Registry and refreshes liveness on every
// running Run owned by the reporting Worker.
func (m *Master) SendHeartbeat(_ context.Context, hb transport.Heartbeat) error {
	metrics := types.WorkerMetrics{
		CPUPercent:    hb.CPUPercent,
		MemoryPercent: hb.MemoryPercent,
		DiskPercent:   hb.DiskPercent,
		RunningTasks:  hb.RunningTasks,
		ObservedAt:    hb.Timestamp,
	}
	if metrics.ObservedAt.IsZero() {
		metrics.ObservedAt = time.Now().UTC()
	}
	if err := m.registry.Heartbeat(hb.WorkerID, metrics); err != nil {
		return err
	}

	runs, err := m.store.ListRunsByStatus(types.AggRunning)
	if err != nil {
		return nil
	}
	for _, run := range runs {
		if run.WorkerRef != hb.WorkerID {
			continue
		}
		run.LastHeartbeat = metrics.ObservedAt
		_ = m.store.UpdateRun(run)
	}
	return nil
}

// IngestLog pushes one line through the Log Pipeline and echoes it to any
// WebSocket subscriber of the Run.
func (m *Master) IngestLog(ctx context.Context, workerID string, line transport.LogLine) error {
	rec := logpipeline.Record{
		RunID:     line.RunID,
		Stream:    logpipeline.Stream(line.Stream),
		Sequence:  line.Sequence,
		Timestamp: line.Timestamp,
		Level:     line.Level,
		Content:   line.Content,
	}
	if err := m.pipeline.Ingest(ctx, rec); err != nil {
		return err
	}
	m.noteRunAlive(line.RunID)
	m.echoLog(rec)
	return nil
}

// IngestLogBatch pushes many lines at once.
func (m *Master) IngestLogBatch(ctx context.Context, workerID string, lines []transport.LogLine) error {
	for _, line := range lines {
		if err := m.IngestLog(ctx, workerID, line); err != nil {
			return err
		}
	}
	return nil
}

// IngestLogChunk stores one Chunk-mode fragment; a final chunk triggers no
// implicit finalize. Assembly and checksum verification are the pipeline's
// separate FinalizeChunks step, which no transport RPC or ingest path calls.
func (m *Master) IngestLogChunk(ctx context.Context, _ string, chunk transport.LogChunk) error {
	return m.pipeline.IngestChunk(ctx, chunk.RunID, logpipeline.Stream(chunk.Stream), chunk.Offset, chunk.Data)
}

// noteRunAlive treats inbound log traffic as liveness evidence for the Run,
// promoting a queued Run to running on its first line.
func (m *Master) noteRunAlive(runID string) {
	run, err := m.store.GetRunByRunID(runID)
	if err != nil {
		return
	}
	switch run.Status() {
	case types.AggQueued:
		m.markRunning(run)
	case types.AggRunning:
		run.LastHeartbeat = time.Now().UTC()
		_ = m.store.UpdateRun(run)
	}
}

// PollControl hands workerID its next control message, blocking up to
// timeout, and parks it for redelivery until acked.
func (m *Master) PollControl(ctx context.Context, workerID string, timeout time.Duration) (transport.ControlMessage, bool, error) {
	q := m.queuesFor(workerID)
	var msg transport.ControlMessage
	if timeout <= 0 {
		select {
		case msg = <-q.control:
		default:
			return transport.ControlMessage{}, false, nil
		}
	} else {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case msg = <-q.control:
		case <-timer.C:
			return transport.ControlMessage{}, false, nil
		case <-ctx.Done():
			return transport.ControlMessage{}, false, nil
		}
	}

	m.mu.Lock()
	m.inflight[msg.ReceiptID] = inflightControl{workerID: workerID, msg: msg, polledAt: time.Now()}
	m.mu.Unlock()
	return msg, true, nil
}

// AckControl retires a polled control message from the redelivery table.
func (m *Master) AckControl(_ context.Context, workerID, receiptID string) error {
	m.mu.Lock()
	delete(m.inflight, receiptID)
	m.mu.Unlock()
	return nil
}

// ReportControlResult retires the control message's receipt from the
// redelivery table and logs a failed outcome. It changes no Run's state
// (ControlResult carries no run id); ConfirmCancel is the call that moves a
// Run's runtime axis to cancelled.
func (m *Master) ReportControlResult(_ context.Context, workerID string, result transport.ControlResult) error {
	m.mu.Lock()
	delete(m.inflight, result.ReceiptID)
	m.mu.Unlock()

	if !result.Success {
		m.log.Warn().Str("receipt_id", result.ReceiptID).Str("worker_id", workerID).Str("message", result.Message).Msg("control message failed on worker")
	}
	return nil
}

// ConfirmCancel advances runID to cancelled after the owning Worker
// confirmed the cancel control message.
func (m *Master) ConfirmCancel(runID, reason string) error {
	run, err := m.store.GetRunByRunID(runID)
	if err != nil {
		return err
	}
	if run.Status().IsTerminal() {
		return nil
	}
	state := execstate.FromRun(run)
	if run.Status() == types.AggQueued {
		if state, err = execstate.Running(state); err != nil {
			return err
		}
	}
	cancelled, err := execstate.Cancelled(state, reason)
	if err != nil {
		return err
	}
	cancelled.ApplyTo(run)
	run.EndTime = cancelled.At()
	if err := m.store.UpdateRun(run); err != nil {
		return err
	}
	m.publishStatus(run)
	if m.retrier != nil {
		m.retrier.HandleRunTerminal(run)
	}
	return nil
}

// reapSilentRuns advances running Runs whose heartbeat went silent past the
// Task's timeout to the timeout terminal state and queues a cancel for the
// Worker that owned them.
func (m *Master) reapSilentRuns() {
	runs, err := m.store.ListRunsByStatus(types.AggRunning)
	if err != nil {
		m.log.Error().Err(err).Msg("reaper: list running runs failed")
		return
	}
	now := time.Now().UTC()
	for _, run := range runs {
		limit := m.cfg.RunHeartbeatLimit
		if task, terr := m.store.GetTask(run.TaskRef); terr == nil && task.TimeoutSeconds > 0 {
			limit = time.Duration(task.TimeoutSeconds) * time.Second
		}
		last := run.LastHeartbeat
		if last.IsZero() {
			last = run.StartTime
		}
		if last.IsZero() || now.Sub(last) <= limit {
			continue
		}

		timedOut, err := execstate.TimedOut(execstate.FromRun(run), "run heartbeat limit exceeded")
		if err != nil {
			continue
		}
		timedOut.ApplyTo(run)
		run.EndTime = timedOut.At()
		run.ErrorMessage = "run heartbeat limit exceeded"
		if err := m.store.UpdateRun(run); err != nil {
			m.log.Error().Err(err).Str("run_id", run.RunID).Msg("reaper: update failed")
			continue
		}
		m.log.Warn().Str("run_id", run.RunID).Msg("reaped silent run")
		m.publishStatus(run)

		if run.WorkerRef != "" {
			if worker, werr := m.store.GetWorker(run.WorkerRef); werr == nil {
				_ = m.Cancel(context.Background(), worker, transport.ControlMessage{
					ReceiptID: "reap-" + run.RunID,
					Kind:      "cancel",
					TaskID:    run.TaskRef,
					Payload:   map[string]string{"run_id": run.RunID, "reason": "heartbeat timeout"},
				})
			}
		}
		if m.retrier != nil {
			m.retrier.HandleRunTerminal(run)
		}
	}
}

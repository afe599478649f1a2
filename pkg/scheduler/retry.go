package scheduler

import (
	"fmt"
	"time"

	"github.com/taskforge/taskforge/pkg/backoff"
	"github.com/taskforge/taskforge/pkg/metrics"
	"github.com/taskforge/taskforge/pkg/types"
)

// maybeScheduleRetry implements retry orchestration: on a
// terminal failed/timeout Run whose attempt count is below the task's
// max_retries, schedule one fresh fire at now + backoff.Next(), durably
// persisted so a master restart mid-backoff does not drop it. A cancelled
// run (explicit operator cancel) never schedules a retry.
func (s *Scheduler) maybeScheduleRetry(task *types.Task, run *types.Run) {
	if run.Status() == types.AggCancelled {
		return
	}
	if run.Attempt >= task.RetryPolicy.MaxRetries {
		return
	}

	eng := s.backoffFor(task, run.Attempt)
	delay := eng.Next()
	if run.Attempt == 0 && task.RetryPolicy.InitialDelay > 0 {
		delay = task.RetryPolicy.InitialDelay
	}

	nextAttempt := run.Attempt + 1
	jobID := fmt.Sprintf("%s#%d", run.RunID, nextAttempt)
	timer := retryTimer{
		JobID:   jobID,
		TaskID:  task.PublicID,
		RunID:   run.RunID,
		Attempt: nextAttempt,
		FireAt:  time.Now().UTC().Add(delay),
	}
	if err := s.jobs.put(timer); err != nil {
		s.log.Error().Err(err).Str("job_id", jobID).Msg("failed to persist retry timer")
	}

	metrics.RetriesScheduled.WithLabelValues(task.PublicID).Inc()
	s.armRetryTimer(task.PublicID, timer, delay)
}

// HandleRunTerminal is the master hub's hook for every Run that reaches a
// terminal runtime state outside the dispatch path — reported by a Worker,
// reaped by the heartbeat limit, or confirmed cancelled. It releases the
// Run's concurrency slot (held since fire) and consults the retry policy
// for failed/timeout outcomes.
func (s *Scheduler) HandleRunTerminal(run *types.Run) {
	s.releaseSlot(run.RunID)

	switch run.Status() {
	case types.AggFailed, types.AggTimeout:
	default:
		return
	}
	task, err := s.store.GetTask(run.TaskRef)
	if err != nil {
		s.log.Warn().Str("run_id", run.RunID).Msg("terminal run for unknown task")
		return
	}
	s.maybeScheduleRetry(task, run)
}

// backoffFor builds a fresh Engine seeded so Next() at attempt index
// `fromAttempt` yields the delay for that attempt, honoring task's
// RetryPolicy.Backoff ("exponential" | "fixed").
func (s *Scheduler) backoffFor(task *types.Task, fromAttempt int) *backoff.Engine {
	cfg := backoff.DefaultConfig()
	if task.RetryPolicy.InitialDelay > 0 {
		cfg.Initial = task.RetryPolicy.InitialDelay
	}
	if task.RetryPolicy.Backoff == "fixed" {
		cfg.Multiplier = 1.0
		cfg.Jitter = 0
	}
	eng := backoff.New(cfg)
	for i := 0; i < fromAttempt; i++ {
		eng.Next()
	}
	return eng
}

// armRetryTimer schedules the in-memory time.AfterFunc that actually fires
// the retry once delay elapses.
func (s *Scheduler) armRetryTimer(taskID string, t retryTimer, delay time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			s.fireRetry(t)
		case <-s.stop:
		}
	}()
}

func (s *Scheduler) fireRetry(t retryTimer) {
	_ = s.jobs.delete(t.JobID)
	task, err := s.store.GetTask(t.TaskID)
	if err != nil {
		s.log.Error().Err(err).Str("task_id", t.TaskID).Msg("retry fire: task vanished")
		return
	}
	if err := s.fire(task, t.Attempt); err != nil {
		s.log.Error().Err(err).Str("job_id", t.JobID).Msg("retry fire failed")
	}
}

// recoverRetryTimers reloads any retry timers a prior process instance
// persisted before restart, re-arming them for their remaining delay (or
// firing immediately if the fire time has already passed).
func (s *Scheduler) recoverRetryTimers() error {
	timers, err := s.jobs.all()
	if err != nil {
		return err
	}
	for _, t := range timers {
		delay := time.Until(t.FireAt)
		if delay < 0 {
			delay = 0
		}
		s.armRetryTimer(t.TaskID, t, delay)
	}
	return nil
}

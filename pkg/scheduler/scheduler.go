// Package scheduler implements the Scheduler: trigger evaluation
// (cron/interval/one-shot/manual), the process-wide concurrency semaphore,
// the execution resolver, retry orchestration on the Backoff Engine, cancel
// plumbing, and rule-task pagination fan-out.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/taskforge/taskforge/pkg/controlbus"
	"github.com/taskforge/taskforge/pkg/execstate"
	"github.com/taskforge/taskforge/pkg/log"
	"github.com/taskforge/taskforge/pkg/metrics"
	"github.com/taskforge/taskforge/pkg/store"
	"github.com/taskforge/taskforge/pkg/taskerr"
	"github.com/taskforge/taskforge/pkg/transport"
	"github.com/taskforge/taskforge/pkg/types"
)

// Role selects whether this process instance drives scheduling (Master) or
// only publishes intents to the control-event bus for the active master to
// consume (Control). The role is configured by operators, never elected.
type Role string

const (
	RoleMaster  Role = "master"
	RoleControl Role = "control"
)

// Dispatcher abstracts the two Worker Transport modes behind the single
// operation the Scheduler needs: hand a payload to a specific Worker and
// learn whether it was accepted, plus push a cancellation. Production
// wiring lives in pkg/master; tests supply a fake.
type Dispatcher interface {
	Dispatch(ctx context.Context, worker *types.Worker, payload transport.TaskPayload, ackTimeout time.Duration) (transport.DispatchResult, error)
	Cancel(ctx context.Context, worker *types.Worker, msg transport.ControlMessage) error
}

// LocalRunner executes `local`-strategy rule tasks on the co-located
// crawler dispatcher instead of a remote Worker.
type LocalRunner interface {
	RunLocal(ctx context.Context, task *types.Task, project *types.Project, run *types.Run) error
}

// Config tunes the scheduling loop. Field names match the configuration
// keys operators already know.
type Config struct {
	Role                Role
	MaxConcurrentTasks  int
	MisfireGrace        time.Duration
	DispatchStallLimit  time.Duration
	AckTimeout          time.Duration
	Timezone            *time.Location
	DataDir             string // bbolt jobstore location
	SchedulerEventMaxlen int64
}

// DefaultConfig matches the platform defaults.
func DefaultConfig() Config {
	return Config{
		Role:               RoleMaster,
		MaxConcurrentTasks: 50,
		MisfireGrace:       60 * time.Second,
		DispatchStallLimit: 2 * time.Minute,
		AckTimeout:         5 * time.Second,
		Timezone:           time.UTC,
	}
}

// maxInstancesPerJob caps concurrent instances of one job against runaway.
const maxInstancesPerJob = 3

// Scheduler is the singleton (per process) driving triggers, concurrency,
// resolution, dispatch, retry, and cancellation for every active Task.
type Scheduler struct {
	cfg        Config
	store      store.Store
	resolver   *Resolver
	dispatcher Dispatcher
	local      LocalRunner
	bus        *controlbus.Bus
	jobs       *jobStore
	log        zerolog.Logger

	cron *cron.Cron

	mu        sync.Mutex
	entries   map[string]cron.EntryID // task public_id -> cron entry
	instances map[string]int          // task public_id -> live Runs (fire -> terminal)
	slots     map[string]string       // run_id -> task public_id, while the Run holds a slot
	sem       chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Scheduler. bus may be nil (no control-event-bus
// connectivity, e.g. single-node dev); local may be nil if no rule task ever
// uses the `local` strategy.
func New(cfg Config, st store.Store, resolver *Resolver, dispatcher Dispatcher, local LocalRunner, bus *controlbus.Bus) (*Scheduler, error) {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "."
	}

	jobs, err := newJobStore(cfg.DataDir)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindInternal, "scheduler: open jobstore", err)
	}

	s := &Scheduler{
		cfg:        cfg,
		store:      st,
		resolver:   resolver,
		dispatcher: dispatcher,
		local:      local,
		bus:        bus,
		jobs:       jobs,
		log:        log.WithComponent("scheduler"),
		cron:       cron.New(cron.WithLocation(cfg.Timezone)),
		entries:    make(map[string]cron.EntryID),
		instances:  make(map[string]int),
		slots:      make(map[string]string),
		sem:        make(chan struct{}, cfg.MaxConcurrentTasks),
		stop:       make(chan struct{}),
	}
	return s, nil
}

// Start begins the scheduling loop when configured as master, or subscribes
// to the control-event bus otherwise. A control-role
// process never runs scheduler logic itself.
func (s *Scheduler) Start() error {
	if s.cfg.Role != RoleMaster {
		if s.bus == nil {
			return taskerr.New(taskerr.KindValidation, "control role requires a control-event bus")
		}
		s.log.Info().Msg("running in control role: publishing only")
		return nil
	}

	if err := s.loadActiveTasks(); err != nil {
		return err
	}
	if err := s.recoverRetryTimers(); err != nil {
		return err
	}
	if s.bus != nil {
		stopSub, err := s.bus.Subscribe(s.handleControlEvent)
		if err != nil {
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			<-s.stop
			stopSub()
		}()
	}

	s.cron.Start()
	s.wg.Add(1)
	go s.janitorLoop()
	return nil
}

// Stop halts the cron scheduler and background loops.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.cfg.Role == RoleMaster {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
	s.wg.Wait()
	_ = s.jobs.close()
}

// loadActiveTasks registers a cron/interval/once entry for every active Task
// in the store. Manual-schedule tasks are never auto-fired.
func (s *Scheduler) loadActiveTasks() error {
	tasks, err := s.store.ListTasks()
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if !t.IsActive {
			continue
		}
		if err := s.ScheduleTask(t); err != nil {
			s.log.Error().Err(err).Str("task_id", t.PublicID).Msg("failed to register trigger")
		}
	}
	return nil
}

// ScheduleTask registers task's trigger. Re-registering an already
// scheduled task replaces its entry (used after a task_changed event).
func (s *Scheduler) ScheduleTask(task *types.Task) error {
	s.unscheduleLocked(task.PublicID)

	switch task.Schedule.Kind {
	case types.ScheduleManual:
		return nil // fires only via FireNow

	case types.ScheduleCron:
		id, err := s.cron.AddFunc(task.Schedule.CronExpr, func() { s.onTrigger(task.PublicID) })
		if err != nil {
			return taskerr.Wrap(taskerr.KindValidation, "invalid cron expression", err)
		}
		s.mu.Lock()
		s.entries[task.PublicID] = id
		s.mu.Unlock()

	case types.ScheduleInterval:
		if task.Schedule.IntervalSec <= 0 {
			return taskerr.New(taskerr.KindValidation, "interval schedule requires a positive interval")
		}
		spec := fmt.Sprintf("@every %ds", task.Schedule.IntervalSec)
		id, err := s.cron.AddFunc(spec, func() { s.onTrigger(task.PublicID) })
		if err != nil {
			return taskerr.Wrap(taskerr.KindInternal, "failed to register interval trigger", err)
		}
		s.mu.Lock()
		s.entries[task.PublicID] = id
		s.mu.Unlock()

	case types.ScheduleOnce:
		delay := time.Until(task.Schedule.At)
		if delay < -s.cfg.MisfireGrace {
			return nil // missed well outside the grace window; do not fire
		}
		if delay < 0 {
			delay = 0
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
				s.onTrigger(task.PublicID)
			case <-s.stop:
			}
		}()

	default:
		return taskerr.New(taskerr.KindValidation, "unknown schedule kind: "+string(task.Schedule.Kind))
	}
	return nil
}

// unscheduleLocked removes any existing cron entry for taskID.
func (s *Scheduler) unscheduleLocked(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[taskID]; ok {
		s.cron.Remove(id)
		delete(s.entries, taskID)
	}
}

// FireNow triggers taskID immediately, bypassing its normal schedule
// (the scheduler's "immediate-trigger path" for task_trigger events).
func (s *Scheduler) FireNow(taskID string) { s.onTrigger(taskID) }

func (s *Scheduler) onTrigger(taskID string) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		s.log.Error().Err(err).Str("task_id", taskID).Msg("trigger fired for unknown task")
		return
	}
	if err := s.fire(task, 0); err != nil {
		s.log.Error().Err(err).Str("task_id", taskID).Msg("fire failed")
	}
}

// fire is the concurrency-safe trigger procedure: fast-check the task is
// active and below its live-instance cap, take a semaphore slot, create the
// Run, and hand off to the dispatch path. The slot is held until the Run
// reaches a terminal state. attempt is 0 for a fresh trigger and >0 when
// invoked from retry orchestration, becoming the new Run's Attempt.
func (s *Scheduler) fire(task *types.Task, attempt int) error {
	if !task.IsActive {
		return nil
	}
	if s.instanceCountAtCap(task) {
		s.log.Debug().Str("task_id", task.PublicID).Msg("max_concurrent_instances reached, skipping fire")
		return nil
	}

	if project, _ := s.projectFor(task); project != nil && project.Type == types.ProjectRule &&
		project.Rule != nil && len(project.Rule.PaginationURLs) > 0 {
		return s.fireRuleFanout(task, project, attempt)
	}

	run := &types.Run{
		PublicID:  uuid.NewString(),
		RunID:     uuid.NewString(),
		TaskRef:   task.PublicID,
		Attempt:   attempt,
		CreatedAt: time.Now().UTC(),
	}
	s.acquireSlot(task, run.RunID)

	state := execstate.Pending()
	state.ApplyTo(run)
	if err := s.store.CreateRun(run); err != nil {
		s.releaseSlot(run.RunID)
		return taskerr.Wrap(taskerr.KindInternal, "scheduler: create run", err)
	}

	timer := metrics.NewTimer()
	go s.dispatchRun(task, run, timer)
	return nil
}

func (s *Scheduler) dispatchRun(task *types.Task, run *types.Run, timer *metrics.Timer) {
	dispatching := mustTransition(execstate.Dispatching(execstate.FromRun(run)))
	dispatching.ApplyTo(run)
	_ = s.store.UpdateRun(run)

	project, _ := s.projectFor(task)
	ownerUser, ownerIsAdmin := task.OwnerRef, false

	if task.ExecutionStrategy == types.StrategyLocal {
		s.fireLocal(task, project, run, dispatching)
		timer.ObserveDuration(metrics.DispatchLatency)
		return
	}

	worker, err := s.resolver.Resolve(task, project, ownerUser, ownerIsAdmin)
	if err != nil {
		s.failDispatch(task, run, dispatching, taskerr.KindOf(err), err.Error())
		timer.ObserveDuration(metrics.DispatchLatency)
		return
	}

	s.dispatchToWorker(task, run, dispatching, worker)
	timer.ObserveDuration(metrics.DispatchLatency)
}

// dispatchToWorker pushes run's payload to worker via the Dispatcher and
// transitions run to queued on acceptance, failed otherwise. Shared by the
// single-run path and the rule-task fan-out's per-page children.
func (s *Scheduler) dispatchToWorker(task *types.Task, run *types.Run, dispatching execstate.State, worker *types.Worker) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AckTimeout)
	defer cancel()
	result, err := s.dispatcher.Dispatch(ctx, worker, transport.TaskPayload{
		TaskID:     task.PublicID,
		RunID:      run.RunID,
		ProjectRef: task.ProjectRef,
		TaskType:   string(task.TaskType),
		TimeoutSec: task.TimeoutSeconds,
	}, s.cfg.AckTimeout)
	if err != nil {
		s.failDispatch(task, run, dispatching, taskerr.KindTransientNetwork, err.Error())
		return
	}
	if !result.Accepted {
		s.failDispatch(task, run, dispatching, taskerr.KindWorkerUnavailable, result.Reason)
		return
	}

	queued := mustTransition(execstate.Queued(dispatching))
	run.WorkerRef = worker.PublicID
	queued.ApplyTo(run)
	_ = s.store.UpdateRun(run)
	metrics.RunsDispatched.WithLabelValues("accepted").Inc()
}

func (s *Scheduler) fireLocal(task *types.Task, project *types.Project, run *types.Run, dispatching execstate.State) {
	if s.local == nil {
		s.failDispatch(task, run, dispatching, taskerr.KindWorkerUnavailable, "no local runner configured")
		return
	}
	queued := mustTransition(execstate.Queued(dispatching))
	queued.ApplyTo(run)
	_ = s.store.UpdateRun(run)
	metrics.RunsDispatched.WithLabelValues("accepted").Inc()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(task.TimeoutSeconds)*time.Second)
		defer cancel()
		err := s.local.RunLocal(ctx, task, project, run)
		s.finishLocal(task, run, err)
	}()
}

// finishLocal records a local Run's outcome: the crawler dispatcher is
// co-located, so the Scheduler observes completion directly instead of
// through a transport backend. Releases the Run's concurrency slot.
func (s *Scheduler) finishLocal(task *types.Task, run *types.Run, runErr error) {
	defer s.releaseSlot(run.RunID)

	current, err := s.store.GetRunByRunID(run.RunID)
	if err != nil {
		s.log.Error().Err(err).Str("run_id", run.RunID).Msg("local run vanished")
		return
	}
	if current.Status().IsTerminal() {
		return
	}

	state := execstate.FromRun(current)
	if current.Status() == types.AggQueued {
		state = mustTransition(execstate.Running(state))
	}
	if runErr == nil {
		state = mustTransition(execstate.Success(state))
		task.SuccessCount++
	} else {
		state = mustTransition(execstate.Failed(state, runErr.Error()))
		current.ErrorMessage = runErr.Error()
		task.FailureCount++
		s.log.Error().Err(runErr).Str("run_id", run.RunID).Msg("local run failed")
	}
	state.ApplyTo(current)
	current.EndTime = state.At()
	_ = s.store.UpdateRun(current)
	_ = s.store.UpdateTask(task)

	if runErr != nil {
		s.maybeScheduleRetry(task, current)
	}
}

func (s *Scheduler) failDispatch(task *types.Task, run *types.Run, from execstate.State, kind taskerr.Kind, reason string) {
	failed := mustTransition(execstate.DispatchFailed(from, string(kind)+": "+reason))
	failed.ApplyTo(run)
	run.ErrorMessage = reason
	_ = s.store.UpdateRun(run)
	s.releaseSlot(run.RunID)
	metrics.RunsDispatched.WithLabelValues("failed").Inc()
	s.log.Warn().Str("task_id", task.PublicID).Str("run_id", run.RunID).Str("reason", reason).Msg("dispatch failed")

	task.FailureCount++
	_ = s.store.UpdateTask(task)

	s.maybeScheduleRetry(task, run)
}

func (s *Scheduler) projectFor(task *types.Task) (*types.Project, error) {
	if task.ProjectRef == "" {
		return nil, nil
	}
	return s.store.GetProject(task.ProjectRef)
}

// acquireSlot blocks on the process-wide semaphore, then records run as the
// holder of one instance slot of task. Both are held from fire until the
// Run reaches a terminal state — releaseSlot is called by the terminal
// paths, never by the dispatch path on success.
func (s *Scheduler) acquireSlot(task *types.Task, runID string) {
	select {
	case s.sem <- struct{}{}:
	default:
		s.log.Warn().Str("task_id", task.PublicID).Msg("MAX_CONCURRENT_TASKS reached, fire paused")
		s.sem <- struct{}{} // block until a slot frees
	}
	s.mu.Lock()
	s.instances[task.PublicID]++
	s.slots[runID] = task.PublicID
	s.mu.Unlock()
	metrics.RunningTasks.Set(float64(len(s.sem)))
}

// releaseSlot frees runID's semaphore slot and instance count. Idempotent:
// the Scheduler's own terminal paths and the master hub's (via
// HandleRunTerminal) may both observe the same Run go terminal.
func (s *Scheduler) releaseSlot(runID string) {
	s.mu.Lock()
	taskID, held := s.slots[runID]
	if held {
		delete(s.slots, runID)
		if s.instances[taskID] > 0 {
			s.instances[taskID]--
		}
		if s.instances[taskID] == 0 {
			delete(s.instances, taskID)
		}
	}
	s.mu.Unlock()
	if held {
		<-s.sem
		metrics.RunningTasks.Set(float64(len(s.sem)))
	}
}

// instanceCountAtCap reports whether task already has
// MaxConcurrentInstances Runs alive in {pending, dispatching, queued,
// running}. The in-memory counter covers Runs this process fired; the store
// scan backstops Runs a prior process instance dispatched before a restart.
func (s *Scheduler) instanceCountAtCap(task *types.Task) bool {
	cap := task.MaxConcurrentInstances
	if cap <= 0 {
		cap = maxInstancesPerJob
	}
	s.mu.Lock()
	inMem := s.instances[task.PublicID]
	s.mu.Unlock()
	if inMem >= cap {
		return true
	}

	runs, err := s.store.ListRunsByTask(task.PublicID)
	if err != nil {
		return false
	}
	live := 0
	for _, r := range runs {
		if !r.Status().IsTerminal() {
			live++
		}
	}
	return live >= cap
}

// Cancel pushes a cancel control message for run and, as soon as the push
// succeeds, moves its runtime axis to cancelled and releases its slot. It
// does not wait for the Worker's confirmation.
func (s *Scheduler) Cancel(runID, reason string) error {
	run, err := s.store.GetRunByRunID(runID)
	if err != nil {
		return err
	}
	if run.WorkerRef == "" {
		return taskerr.New(taskerr.KindValidation, "run has no assigned worker")
	}
	worker, err := s.store.GetWorker(run.WorkerRef)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AckTimeout)
	defer cancel()
	err = s.dispatcher.Cancel(ctx, worker, transport.ControlMessage{
		ReceiptID: uuid.NewString(),
		Kind:      "cancel",
		TaskID:    run.TaskRef,
		Payload:   map[string]string{"run_id": run.RunID, "reason": reason},
	})
	if err != nil {
		return taskerr.Wrap(taskerr.KindTransientNetwork, "scheduler: cancel push", err)
	}

	cancelled := mustTransition(execstate.Cancelled(execstate.FromRun(run), reason))
	cancelled.ApplyTo(run)
	if err := s.store.UpdateRun(run); err != nil {
		return err
	}
	s.releaseSlot(run.RunID)
	return nil
}

// janitorLoop reaps Runs stuck in dispatching longer than
// DispatchStallLimit.
func (s *Scheduler) janitorLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.DispatchStallLimit / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.reapStalled()
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) reapStalled() {
	runs, err := s.store.ListRunsByStatus(types.AggDispatching)
	if err != nil {
		s.log.Error().Err(err).Msg("janitor: list dispatching runs failed")
		return
	}
	now := time.Now().UTC()
	for _, run := range runs {
		if now.Sub(run.UpdatedAt) < s.cfg.DispatchStallLimit {
			continue
		}
		timedOut := mustTransition(execstate.DispatchTimedOut(execstate.FromRun(run), "dispatch_stalled"))
		timedOut.ApplyTo(run)
		run.ErrorMessage = "dispatch_stalled"
		if err := s.store.UpdateRun(run); err != nil {
			s.log.Error().Err(err).Str("run_id", run.RunID).Msg("janitor: failed to reap stalled run")
			continue
		}
		s.releaseSlot(run.RunID)
		s.log.Warn().Str("run_id", run.RunID).Msg("reaped dispatch-stalled run")

		if task, terr := s.store.GetTask(run.TaskRef); terr == nil {
			s.maybeScheduleRetry(task, run)
		}
	}
}

// handleControlEvent re-evaluates scheduling state: a
// task_changed event re-reads the Task from the store and re-registers its
// trigger; a task_trigger event fires it immediately.
func (s *Scheduler) handleControlEvent(ev types.ControlEvent) {
	switch ev.Event {
	case types.EventTaskChanged:
		task, err := s.store.GetTask(ev.TaskID)
		if err != nil {
			s.log.Warn().Str("task_id", ev.TaskID).Msg("task_changed for unknown task")
			return
		}
		if !task.IsActive {
			s.unscheduleLocked(task.PublicID)
			return
		}
		if err := s.ScheduleTask(task); err != nil {
			s.log.Error().Err(err).Str("task_id", ev.TaskID).Msg("failed to re-register trigger")
		}
	case types.EventTaskTrigger:
		s.FireNow(ev.TaskID)
	}
}

// mustTransition panics on a state_conflict from a transition the Scheduler
// itself drove through a known-good prior state; any such conflict is a
// Scheduler bug, not a runtime condition callers should handle.
func mustTransition(s execstate.State, err error) execstate.State {
	if err != nil {
		panic(err)
	}
	return s
}

package worker

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/taskforge/taskforge/pkg/sandbox"
	"github.com/taskforge/taskforge/pkg/transport"
)

// CommandResolver maps a dispatch payload to the provisioner argv the
// sandbox executes. The default resolves the payload's entry_point against
// the runtime provisioner's interpreter.
type CommandResolver func(payload transport.TaskPayload) []string

// DefaultCommandResolver invokes the Python runtime provisioner on the
// payload's entry point.
func DefaultCommandResolver(payload transport.TaskPayload) []string {
	entry := payload.Params["entry_point"]
	if entry == "" {
		entry = "main.py"
	}
	return []string{"python3", entry}
}

// lineWriter splits a stream's bytes into log lines, stamping each with the
// Worker-assigned monotonic sequence for its (run_id, stream) key.
type lineWriter struct {
	mu      sync.Mutex
	runID   string
	stream  string
	seq     int64
	partial bytes.Buffer
	sink    func(transport.LogLine)
}

func newLineWriter(runID, stream string, sink func(transport.LogLine)) *lineWriter {
	return &lineWriter{runID: runID, stream: stream, sink: sink}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.partial.Write(p)
	for {
		line, err := w.partial.ReadString('\n')
		if err != nil {
			// No full line yet; keep the partial for the next Write.
			w.partial.WriteString(line)
			break
		}
		w.emitLocked(line[:len(line)-1])
	}
	return len(p), nil
}

// Flush emits any trailing partial line (process exited mid-line).
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.partial.Len() > 0 {
		w.emitLocked(w.partial.String())
		w.partial.Reset()
	}
}

func (w *lineWriter) emitLocked(content string) {
	w.seq++
	w.sink(transport.LogLine{
		RunID:     w.runID,
		Stream:    w.stream,
		Sequence:  w.seq,
		Timestamp: time.Now().UTC(),
		Level:     "info",
		Content:   content,
	})
}

// shipper batches log lines and flushes them over the transport on size or
// interval, whichever comes first.
type shipper struct {
	transport transport.Transport
	batchSize int
	interval  time.Duration

	mu      sync.Mutex
	pending []transport.LogLine

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newShipper(t transport.Transport, batchSize int, interval time.Duration) *shipper {
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	s := &shipper{
		transport: t,
		batchSize: batchSize,
		interval:  interval,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *shipper) add(line transport.LogLine) {
	s.mu.Lock()
	s.pending = append(s.pending, line)
	full := len(s.pending) >= s.batchSize
	s.mu.Unlock()
	if full {
		s.flush()
	}
}

func (s *shipper) flush() {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.transport.SendLogBatch(ctx, batch)
}

func (s *shipper) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.stop:
			s.flush()
			return
		}
	}
}

func (s *shipper) close() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// execute runs one accepted dispatch to completion: sandboxed process,
// line-split log shipping, then the result report. Returns once the result
// has been handed to the transport, which makes a single attempt; a failed
// report is logged.
func (a *Agent) execute(ctx context.Context, payload transport.TaskPayload) {
	runCtx := ctx
	var cancel context.CancelFunc
	if payload.TimeoutSec > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(payload.TimeoutSec)*time.Second)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	a.trackRun(payload.RunID, cancel)
	defer a.untrackRun(payload.RunID)
	defer cancel()

	ship := newShipper(a.transport, a.cfg.LogBatchSize, a.cfg.LogFlushInterval)
	stdout := newLineWriter(payload.RunID, "stdout", ship.add)
	stderr := newLineWriter(payload.RunID, "stderr", ship.add)

	started := time.Now().UTC()
	spec := sandbox.RunSpec{
		RunID:      payload.RunID,
		Command:    a.resolver(payload),
		Env:        map[string]string{"TASKFORGE_RUN_ID": payload.RunID, "TASKFORGE_TASK_ID": payload.TaskID},
		ProjectDir: a.projectDir(payload.ProjectRef),
		Hostname:   "run-" + payload.RunID,
	}
	exitCode, runErr := a.runner.Run(runCtx, spec, io.Writer(stdout), io.Writer(stderr))
	stdout.Flush()
	stderr.Flush()
	ship.close()

	finished := time.Now().UTC()
	result := transport.Result{
		TaskID:     payload.TaskID,
		RunID:      payload.RunID,
		Success:    runErr == nil && exitCode == 0,
		ExitCode:   int32(exitCode),
		DurationMS: finished.Sub(started).Milliseconds(),
	}
	if runErr != nil {
		result.Message = runErr.Error()
	} else if exitCode != 0 {
		result.Message = "process exited non-zero"
	}

	reportCtx, reportCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer reportCancel()
	if err := a.transport.ReportResult(reportCtx, result); err != nil {
		a.log.Error().Err(err).Str("run_id", payload.RunID).Msg("result report failed")
	}
}

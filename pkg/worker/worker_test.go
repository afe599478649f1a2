package worker

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/pkg/transport"
)

type fakeTransport struct {
	mu      sync.Mutex
	lines   []transport.LogLine
	results []transport.Result
	acks    []transport.ControlResult
	hbs     []transport.Heartbeat
}

func (f *fakeTransport) Dispatch(context.Context, string, transport.TaskPayload, time.Duration) (transport.DispatchResult, error) {
	return transport.DispatchResult{}, nil
}

func (f *fakeTransport) ReportResult(_ context.Context, r transport.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, r)
	return nil
}

func (f *fakeTransport) SendHeartbeat(_ context.Context, hb transport.Heartbeat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hbs = append(f.hbs, hb)
	return nil
}

func (f *fakeTransport) SendLog(_ context.Context, line transport.LogLine) error {
	return f.SendLogBatch(nil, []transport.LogLine{line})
}

func (f *fakeTransport) SendLogBatch(_ context.Context, lines []transport.LogLine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, lines...)
	return nil
}

func (f *fakeTransport) SendLogChunk(context.Context, transport.LogChunk) error { return nil }

func (f *fakeTransport) PollControl(context.Context, string, time.Duration) (*transport.ControlMessage, error) {
	return nil, nil
}

func (f *fakeTransport) AckControl(_ context.Context, r transport.ControlResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, r)
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func newTestAgent(ft *fakeTransport, maxConcurrent int) *Agent {
	cfg := DefaultConfig("w1")
	cfg.MaxConcurrentTasks = maxConcurrent
	cfg.LogFlushInterval = 10 * time.Millisecond
	mailbox := NewPushMailbox(4)
	a := New(cfg, ft, mailbox, mailbox, nil)
	mailbox.Preflight = func(transport.TaskPayload) (bool, string) {
		if busy, reason := a.Busy(); busy {
			return false, reason
		}
		return true, ""
	}
	return a
}

func TestExecuteShipsLogsAndResult(t *testing.T) {
	ft := &fakeTransport{}
	a := newTestAgent(ft, 2)
	a.SetCommandResolver(func(transport.TaskPayload) []string {
		return []string{"/bin/sh", "-c", "echo one; echo two; echo err >&2"}
	})

	a.execute(context.Background(), transport.TaskPayload{TaskID: "t1", RunID: "r1"})

	ft.mu.Lock()
	defer ft.mu.Unlock()
	require.Len(t, ft.results, 1)
	assert.True(t, ft.results[0].Success)
	assert.Equal(t, int32(0), ft.results[0].ExitCode)
	assert.Equal(t, "r1", ft.results[0].RunID)

	var stdout, stderr []transport.LogLine
	for _, l := range ft.lines {
		switch l.Stream {
		case "stdout":
			stdout = append(stdout, l)
		case "stderr":
			stderr = append(stderr, l)
		}
	}
	require.Len(t, stdout, 2)
	require.Len(t, stderr, 1)

	// Sequences are monotonic and gap-free per stream.
	sort.Slice(stdout, func(i, j int) bool { return stdout[i].Sequence < stdout[j].Sequence })
	assert.Equal(t, int64(1), stdout[0].Sequence)
	assert.Equal(t, "one", stdout[0].Content)
	assert.Equal(t, int64(2), stdout[1].Sequence)
	assert.Equal(t, "two", stdout[1].Content)
	assert.Equal(t, int64(1), stderr[0].Sequence)
}

func TestExecuteNonZeroExit(t *testing.T) {
	ft := &fakeTransport{}
	a := newTestAgent(ft, 2)
	a.SetCommandResolver(func(transport.TaskPayload) []string {
		return []string{"/bin/sh", "-c", "exit 3"}
	})

	a.execute(context.Background(), transport.TaskPayload{TaskID: "t1", RunID: "r1"})

	ft.mu.Lock()
	defer ft.mu.Unlock()
	require.Len(t, ft.results, 1)
	assert.False(t, ft.results[0].Success)
	assert.Equal(t, int32(3), ft.results[0].ExitCode)
}

func TestBusyPreflightRejectsPush(t *testing.T) {
	ft := &fakeTransport{}
	a := newTestAgent(ft, 1)

	// Occupy the single slot.
	a.trackRun("r-occupied", func() {})
	defer a.untrackRun("r-occupied")

	mailbox := a.source.(*PushMailbox)
	accepted, reason := mailbox.Accept(transport.TaskPayload{TaskID: "t1", RunID: "r2"})
	assert.False(t, accepted)
	assert.Equal(t, "worker_busy", reason)

	a.untrackRun("r-occupied")
	accepted, _ = mailbox.Accept(transport.TaskPayload{TaskID: "t1", RunID: "r3"})
	assert.True(t, accepted)
}

func TestCancelControlKillsRun(t *testing.T) {
	ft := &fakeTransport{}
	a := newTestAgent(ft, 2)
	a.SetCommandResolver(func(transport.TaskPayload) []string {
		return []string{"/bin/sh", "-c", "sleep 30"}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.execute(context.Background(), transport.TaskPayload{TaskID: "t1", RunID: "r1"})
	}()

	// Wait for the run to register, then cancel it.
	require.Eventually(t, func() bool { return a.runningCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	a.handleControl(context.Background(), transport.ControlMessage{
		ReceiptID: "rc1", Kind: "cancel", Payload: map[string]string{"run_id": "r1"},
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not terminate after cancel")
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()
	require.Len(t, ft.results, 1)
	assert.False(t, ft.results[0].Success)
	require.Len(t, ft.acks, 1)
	assert.Equal(t, "rc1", ft.acks[0].ReceiptID)
	assert.True(t, ft.acks[0].Success)
}

func TestCancelForUnknownRunAcksIdempotently(t *testing.T) {
	ft := &fakeTransport{}
	a := newTestAgent(ft, 1)

	a.handleControl(context.Background(), transport.ControlMessage{
		ReceiptID: "rc9", Kind: "cancel", Payload: map[string]string{"run_id": "gone"},
	})

	ft.mu.Lock()
	defer ft.mu.Unlock()
	require.Len(t, ft.acks, 1)
	assert.True(t, ft.acks[0].Success)
}

func TestLineWriterPartialLines(t *testing.T) {
	var got []transport.LogLine
	w := newLineWriter("r1", "stdout", func(l transport.LogLine) { got = append(got, l) })

	_, _ = w.Write([]byte("hel"))
	_, _ = w.Write([]byte("lo\nwor"))
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].Content)

	w.Flush()
	require.Len(t, got, 2)
	assert.Equal(t, "wor", got[1].Content)
	assert.Equal(t, int64(2), got[1].Sequence)
}

package intranet

import (
	"context"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/pkg/taskerr"
	"github.com/taskforge/taskforge/pkg/transport"
	"github.com/taskforge/taskforge/pkg/types"
)

type fakeRuntime struct {
	mu       sync.Mutex
	accepted []transport.TaskPayload
	controls []transport.ControlMessage
	busy     bool
}

func (f *fakeRuntime) Accept(p transport.TaskPayload) (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return false, "worker_busy"
	}
	f.accepted = append(f.accepted, p)
	return true, ""
}

func (f *fakeRuntime) Control(m transport.ControlMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, m)
	return nil
}

func workerFromServer(t *testing.T, srv *httptest.Server, apiKey, secret string) *types.Worker {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return &types.Worker{
		PublicID:  "w1",
		Host:      u.Hostname(),
		Port:      port,
		APIKey:    apiKey,
		SecretKey: secret,
	}
}

func TestDispatchPushSigned(t *testing.T) {
	rt := &fakeRuntime{}
	handler := NewHandler("key-1", "secret-1", time.Minute, rt)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	client := NewClient(5 * time.Second)
	client.SignPayloads = true
	worker := workerFromServer(t, srv, "key-1", "secret-1")

	result, err := client.Dispatch(context.Background(), worker, transport.TaskPayload{
		TaskID: "t1", RunID: "r1", TaskType: "code",
	}, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, "t1", result.TaskID)
	require.Len(t, rt.accepted, 1)
	assert.Equal(t, "r1", rt.accepted[0].RunID)
}

func TestDispatchRejectedWhenBusy(t *testing.T) {
	rt := &fakeRuntime{busy: true}
	srv := httptest.NewServer(NewHandler("key-1", "", time.Minute, rt))
	defer srv.Close()

	client := NewClient(5 * time.Second)
	worker := workerFromServer(t, srv, "key-1", "")

	result, err := client.Dispatch(context.Background(), worker, transport.TaskPayload{TaskID: "t1"}, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.Equal(t, "worker_busy", result.Reason)
}

func TestDispatchBadAPIKey(t *testing.T) {
	srv := httptest.NewServer(NewHandler("right-key", "", time.Minute, &fakeRuntime{}))
	defer srv.Close()

	client := NewClient(5 * time.Second)
	worker := workerFromServer(t, srv, "wrong-key", "")

	_, err := client.Dispatch(context.Background(), worker, transport.TaskPayload{TaskID: "t1"}, 5*time.Second)
	require.Error(t, err)
	assert.Equal(t, taskerr.KindAuthFailure, taskerr.KindOf(err))
}

func TestCancelPush(t *testing.T) {
	rt := &fakeRuntime{}
	srv := httptest.NewServer(NewHandler("key-1", "secret-1", time.Minute, rt))
	defer srv.Close()

	client := NewClient(5 * time.Second)
	client.SignPayloads = true
	worker := workerFromServer(t, srv, "key-1", "secret-1")

	err := client.Cancel(context.Background(), worker, transport.ControlMessage{
		ReceiptID: "rc1", Kind: "cancel", TaskID: "t1",
		Payload: map[string]string{"run_id": "r1"},
	})
	require.NoError(t, err)
	require.Len(t, rt.controls, 1)
	assert.Equal(t, "cancel", rt.controls[0].Kind)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	payload := map[string]any{"b": 2, "a": "x", "nested": map[string]any{"k": true}}
	sig, err := Sign("secret", "1700000000", "nonce-1", payload)
	require.NoError(t, err)

	ok, err := Verify("secret", "1700000000", "nonce-1", payload, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = Verify("other-secret", "1700000000", "nonce-1", payload, sig)
	assert.False(t, ok)
}

func TestReplayWindowRejectsReuse(t *testing.T) {
	w := NewReplayWindow(time.Minute)
	now := time.Now()
	require.NoError(t, w.Check(now, "n1"))
	err := w.Check(now, "n1")
	require.Error(t, err)
	assert.Equal(t, taskerr.KindAuthFailure, taskerr.KindOf(err))

	err = w.Check(now.Add(-2*time.Minute), "n2")
	require.Error(t, err)
}

type fakeBackend struct {
	mu         sync.Mutex
	results    []transport.Result
	heartbeats []transport.Heartbeat
	lines      []transport.LogLine
	control    *transport.ControlMessage
	acks       []string
}

func (f *fakeBackend) ReportResult(_ context.Context, _ string, r transport.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, r)
	return nil
}

func (f *fakeBackend) SendHeartbeat(_ context.Context, hb transport.Heartbeat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, hb)
	return nil
}

func (f *fakeBackend) IngestLog(_ context.Context, _ string, l transport.LogLine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, l)
	return nil
}

func (f *fakeBackend) IngestLogBatch(_ context.Context, _ string, ls []transport.LogLine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, ls...)
	return nil
}

func (f *fakeBackend) IngestLogChunk(context.Context, string, transport.LogChunk) error { return nil }

func (f *fakeBackend) PollControl(context.Context, string, time.Duration) (transport.ControlMessage, bool, error) {
	if f.control == nil {
		return transport.ControlMessage{}, false, nil
	}
	return *f.control, true, nil
}

func (f *fakeBackend) AckControl(_ context.Context, _, receiptID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, receiptID)
	return nil
}

func TestUplinkRoundTrip(t *testing.T) {
	backend := &fakeBackend{control: &transport.ControlMessage{ReceiptID: "rc1", Kind: "cancel"}}
	lookup := func(workerID string) (string, error) { return "key-1", nil }
	srv := httptest.NewServer(NewIngestHandler(backend, lookup))
	defer srv.Close()

	uplink := NewUplinkTransport(srv.URL, "w1", "key-1", 5*time.Second)
	ctx := context.Background()

	require.NoError(t, uplink.ReportResult(ctx, transport.Result{TaskID: "t1", RunID: "r1", Success: true}))
	require.NoError(t, uplink.SendHeartbeat(ctx, transport.Heartbeat{CPUPercent: 12.5}))
	require.NoError(t, uplink.SendLogBatch(ctx, []transport.LogLine{
		{RunID: "r1", Stream: "stdout", Sequence: 1, Content: "hello"},
		{RunID: "r1", Stream: "stdout", Sequence: 2, Content: "world"},
	}))

	msg, err := uplink.PollControl(ctx, "w1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "rc1", msg.ReceiptID)
	require.NoError(t, uplink.AckControl(ctx, transport.ControlResult{ReceiptID: "rc1", Success: true}))

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Len(t, backend.results, 1)
	assert.True(t, backend.results[0].Success)
	require.Len(t, backend.heartbeats, 1)
	assert.Equal(t, "w1", backend.heartbeats[0].WorkerID) // ingest stamps the authenticated id
	assert.Len(t, backend.lines, 2)
	assert.Equal(t, []string{"rc1"}, backend.acks)
}

func TestUplinkBadKey(t *testing.T) {
	lookup := func(string) (string, error) { return "right", nil }
	srv := httptest.NewServer(NewIngestHandler(&fakeBackend{}, lookup))
	defer srv.Close()

	uplink := NewUplinkTransport(srv.URL, "w1", "wrong", 5*time.Second)
	err := uplink.ReportResult(context.Background(), transport.Result{TaskID: "t1"})
	require.Error(t, err)
	assert.Equal(t, taskerr.KindAuthFailure, taskerr.KindOf(err))
}

package gateway

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/taskforge/taskforge/pkg/receipt"
	"github.com/taskforge/taskforge/pkg/transport"
)

type fakeBackend struct {
	ackCalls    int
	resultCalls int
	nextTask    transport.TaskPayload
	hasTask     bool
}

func (f *fakeBackend) PollTask(context.Context, string, time.Duration) (transport.TaskPayload, bool, error) {
	return f.nextTask, f.hasTask, nil
}
func (f *fakeBackend) AckTask(_ context.Context, _ string, taskID, _ string, accepted bool, reason string) (transport.DispatchResult, error) {
	f.ackCalls++
	return transport.DispatchResult{Accepted: accepted, Reason: reason, TaskID: taskID}, nil
}
func (f *fakeBackend) ReportResult(context.Context, string, transport.Result) error {
	f.resultCalls++
	return nil
}
func (f *fakeBackend) SendHeartbeat(context.Context, transport.Heartbeat) error { return nil }
func (f *fakeBackend) IngestLog(context.Context, string, transport.LogLine) error { return nil }
func (f *fakeBackend) IngestLogBatch(context.Context, string, []transport.LogLine) error { return nil }
func (f *fakeBackend) IngestLogChunk(context.Context, string, transport.LogChunk) error { return nil }
func (f *fakeBackend) PollControl(context.Context, string, time.Duration) (transport.ControlMessage, bool, error) {
	return transport.ControlMessage{}, false, nil
}
func (f *fakeBackend) AckControl(context.Context, string, string) error { return nil }
func (f *fakeBackend) ReportControlResult(context.Context, string, transport.ControlResult) error {
	return nil
}

func startTestServer(t *testing.T, backend Backend) *Client {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	srv := NewServer(backend, receipt.New(time.Minute, 0))

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodec{}.Name())),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

func TestAckTaskIsIdempotentWithinReceiptTTL(t *testing.T) {
	backend := &fakeBackend{}
	client := startTestServer(t, backend)
	ctx := context.Background()

	resp1, err := client.AckTask(ctx, "w1", "t1", "r1", true, "")
	require.NoError(t, err)
	assert.True(t, resp1.Result.Accepted)

	resp2, err := client.AckTask(ctx, "w1", "t1", "r1", true, "")
	require.NoError(t, err)
	assert.True(t, resp2.Result.Accepted)

	assert.Equal(t, 1, backend.ackCalls, "second ack should be served from the receipt cache")
}

func TestReportResultIsIdempotent(t *testing.T) {
	backend := &fakeBackend{}
	client := startTestServer(t, backend)
	ctx := context.Background()

	result := transport.Result{TaskID: "t1", RunID: "r1", Success: true}
	require.NoError(t, client.ReportResult(ctx, "w1", result))
	require.NoError(t, client.ReportResult(ctx, "w1", result))

	assert.Equal(t, 1, backend.resultCalls)
}

func TestPollTaskReturnsNoTaskWhenQueueEmpty(t *testing.T) {
	backend := &fakeBackend{hasTask: false}
	client := startTestServer(t, backend)

	resp, err := client.PollTask(context.Background(), "w1", time.Second)
	require.NoError(t, err)
	assert.False(t, resp.HasTask)
}

func TestSendHeartbeatRoundTrips(t *testing.T) {
	backend := &fakeBackend{}
	client := startTestServer(t, backend)

	err := client.SendHeartbeat(context.Background(), transport.Heartbeat{WorkerID: "w1", CPUPercent: 12.5})
	require.NoError(t, err)
}

package wshub

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func newTestHub(t *testing.T, cfg Config) (*Hub, *httptest.Server) {
	t.Helper()
	h := New(cfg, zerolog.Nop())
	t.Cleanup(h.Shutdown)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		executionID := r.URL.Query().Get("execution_id")
		c, regErr := h.Register(ws, executionID)
		if regErr != nil {
			ws.Close()
			return
		}
		defer h.Unregister(c)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server, executionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?execution_id=" + executionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestRegisterAndEnqueueDelivers(t *testing.T) {
	cfg := DefaultConfig
	cfg.BatchSize = 10
	h, srv := newTestHub(t, cfg)

	client := dial(t, srv, "exec-1")

	require.Eventually(t, func() bool { return h.ConnectionCount("exec-1") == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, h.Enqueue("exec-1", map[string]string{"line": "hello"}))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}

func TestPerExecutionQuotaEvictsOldest(t *testing.T) {
	cfg := DefaultConfig
	cfg.QuotaPerExecution = 1
	h, srv := newTestHub(t, cfg)

	first := dial(t, srv, "exec-1")
	require.Eventually(t, func() bool { return h.ConnectionCount("exec-1") == 1 }, time.Second, 10*time.Millisecond)

	_ = dial(t, srv, "exec-1")
	require.Eventually(t, func() bool { return h.ConnectionCount("exec-1") == 1 }, time.Second, 10*time.Millisecond)

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	assert.Error(t, err, "evicted connection should have been closed")
}

func TestGlobalQuotaRefusesNewConnections(t *testing.T) {
	cfg := DefaultConfig
	cfg.GlobalQuota = 1
	h, srv := newTestHub(t, cfg)

	_ = dial(t, srv, "exec-1")
	require.Eventually(t, func() bool { return h.ConnectionCount("exec-1") == 1 }, time.Second, 10*time.Millisecond)

	second := dial(t, srv, "exec-2")
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := second.ReadMessage()
	assert.Error(t, err, "second connection should be refused once global quota is hit")
}

func TestEnqueueOverflowDropsOldest(t *testing.T) {
	h := New(Config{QuotaPerExecution: 10, GlobalQuota: 10, PingInterval: time.Hour, MaxMissedPongs: 3, MaxQueueSize: 2, BatchSize: 1, SendTimeout: time.Second, ShutdownGrace: time.Second}, zerolog.Nop())
	defer h.Shutdown()

	h.mu.Lock()
	h.executions["exec-1"] = &execState{}
	h.mu.Unlock()

	require.NoError(t, h.Enqueue("exec-1", 1))
	require.NoError(t, h.Enqueue("exec-1", 2))
	require.NoError(t, h.Enqueue("exec-1", 3))

	assert.EqualValues(t, 1, h.DroppedCount("exec-1"))
}

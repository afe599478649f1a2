// Package wshub implements the WebSocket Hub: a connection pool
// partitioned by execution_id, with per-execution and global quotas,
// server-driven heartbeats, and a bounded fan-out queue per execution.
package wshub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Config tunes a Hub's quotas, heartbeat cadence, and fan-out batching.
type Config struct {
	QuotaPerExecution int
	GlobalQuota       int
	PingInterval      time.Duration
	MaxMissedPongs    int
	MaxQueueSize      int
	BatchSize         int
	SendTimeout       time.Duration
	ShutdownGrace     time.Duration
}

// DefaultConfig matches the values the originating service ships with.
var DefaultConfig = Config{
	QuotaPerExecution: 10,
	GlobalQuota:       5000,
	PingInterval:      30 * time.Second,
	MaxMissedPongs:    3,
	MaxQueueSize:      1000,
	BatchSize:         50,
	SendTimeout:       5 * time.Second,
	ShutdownGrace:     3 * time.Second,
}

// CloseHeartbeatTimeout is the close code sent to a connection that misses
// MaxMissedPongs heartbeat deadlines in a row.
const CloseHeartbeatTimeout = 4008

// CloseReplaced is the close code sent to the oldest connection when a new
// subscriber pushes an execution over its per-execution quota.
const CloseReplaced = 1000

// Conn wraps one subscriber's socket plus its liveness bookkeeping.
type Conn struct {
	ws          *websocket.Conn
	executionID string
	missedPongs int
	mu          sync.Mutex
	connectedAt time.Time
}

func (c *Conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *Conn) writeControl(messageType int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(messageType, data, deadline)
}

func (c *Conn) close(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, text)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.ws.Close()
}

// execState is the per-execution_id partition: its connections and its
// bounded fan-out queue.
type execState struct {
	mu      sync.Mutex
	conns   []*Conn
	queue   [][]byte
	dropped int64
}

// Hub is the WebSocket connection pool for live log and status streaming.
type Hub struct {
	cfg Config
	log zerolog.Logger

	mu         sync.Mutex
	executions map[string]*execState
	totalConns int

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Hub.
func New(cfg Config, log zerolog.Logger) *Hub {
	if cfg.QuotaPerExecution <= 0 {
		cfg = DefaultConfig
	}
	h := &Hub{
		cfg:        cfg,
		log:        log.With().Str("component", "wshub").Logger(),
		executions: make(map[string]*execState),
		stop:       make(chan struct{}),
	}
	h.wg.Add(1)
	go h.heartbeatLoop()
	return h
}

// Register admits ws as a subscriber of executionID, evicting the oldest
// connection on that execution if the per-execution quota is exceeded, and
// refusing the connection outright if the global quota is exceeded.
func (h *Hub) Register(ws *websocket.Conn, executionID string) (*Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.totalConns >= h.cfg.GlobalQuota {
		return nil, errGlobalQuotaExceeded
	}

	es, ok := h.executions[executionID]
	if !ok {
		es = &execState{}
		h.executions[executionID] = es
		h.wg.Add(1)
		go h.drainLoop(executionID, es)
	}

	es.mu.Lock()
	c := &Conn{ws: ws, executionID: executionID, connectedAt: time.Now()}
	if len(es.conns) >= h.cfg.QuotaPerExecution {
		oldest := es.conns[0]
		es.conns = es.conns[1:]
		go oldest.close(CloseReplaced, "replaced by newer connection")
		h.totalConns--
	}
	es.conns = append(es.conns, c)
	es.mu.Unlock()

	h.totalConns++
	return c, nil
}

// Unregister removes c from its execution partition.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	es, ok := h.executions[c.executionID]
	if !ok {
		return
	}
	es.mu.Lock()
	for i, existing := range es.conns {
		if existing == c {
			es.conns = append(es.conns[:i], es.conns[i+1:]...)
			h.totalConns--
			break
		}
	}
	empty := len(es.conns) == 0
	es.mu.Unlock()
	if empty {
		delete(h.executions, c.executionID)
	}
}

// Enqueue places payload onto executionID's fan-out queue, dropping the
// oldest entry on overflow.
func (h *Hub) Enqueue(executionID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	h.mu.Lock()
	es, ok := h.executions[executionID]
	h.mu.Unlock()
	if !ok {
		return nil // no subscribers; drop silently
	}

	es.mu.Lock()
	defer es.mu.Unlock()
	if len(es.queue) >= h.cfg.MaxQueueSize {
		es.queue = es.queue[1:]
		es.dropped++
	}
	es.queue = append(es.queue, data)
	return nil
}

// DroppedCount reports how many queued messages executionID's fan-out queue
// has discarded due to overflow.
func (h *Hub) DroppedCount(executionID string) int64 {
	h.mu.Lock()
	es, ok := h.executions[executionID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.dropped
}

// ConnectionCount reports the current subscriber count for executionID.
func (h *Hub) ConnectionCount(executionID string) int {
	h.mu.Lock()
	es, ok := h.executions[executionID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	return len(es.conns)
}

// Shutdown closes every connection with code 1001 and waits up to
// ShutdownGrace for background loops to drain and exit.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() { close(h.stop) })

	h.mu.Lock()
	for _, es := range h.executions {
		es.mu.Lock()
		for _, c := range es.conns {
			c.close(websocket.CloseGoingAway, "hub shutting down")
		}
		es.mu.Unlock()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() { h.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(h.cfg.ShutdownGrace):
		h.log.Warn().Msg("shutdown grace period elapsed before all loops exited")
	}
}

type quotaError string

func (e quotaError) Error() string { return string(e) }

var errGlobalQuotaExceeded = quotaError("wshub: global connection quota exceeded")

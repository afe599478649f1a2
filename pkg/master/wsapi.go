package master

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/taskforge/taskforge/pkg/logpipeline"
	"github.com/taskforge/taskforge/pkg/transport/auth"
	"github.com/taskforge/taskforge/pkg/types"
	"github.com/taskforge/taskforge/pkg/wshub"
)

// WebSocket close codes sent to subscribers.
const (
	CloseReplaced     = 1000
	CloseServerDown   = 1001
	CloseAuthFailed   = 4003
	CloseNotFound     = 4004
	CloseHeartbeat    = 4008
	CloseInactive     = 4009
)

// wsMessage is the server -> client envelope for every hub message.
type wsMessage struct {
	Type         string    `json:"type"`
	ConnectionID string    `json:"connection_id,omitempty"`
	ExecutionID  string    `json:"execution_id,omitempty"`
	Data         any       `json:"data,omitempty"`
	Config       any       `json:"config,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// logLineData is the data payload of a log_line message.
type logLineData struct {
	ExecutionID string    `json:"execution_id"`
	LogType     string    `json:"log_type"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	Level       string    `json:"level,omitempty"`
	Source      string    `json:"source,omitempty"`
}

// statusData is the data payload of an execution_status message.
type statusData struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// echoLog fans a freshly-ingested log record out to the Run's subscribers.
func (m *Master) echoLog(rec logpipeline.Record) {
	if m.hub == nil {
		return
	}
	_ = m.hub.Enqueue(rec.RunID, wsMessage{
		Type:        "log_line",
		ExecutionID: rec.RunID,
		Data: logLineData{
			ExecutionID: rec.RunID,
			LogType:     string(rec.Stream),
			Content:     rec.Content,
			Timestamp:   rec.Timestamp,
			Level:       rec.Level,
			Source:      rec.Source,
		},
		Timestamp: time.Now().UTC(),
	})
}

// publishStatus fans a Run's new aggregate status out to its subscribers.
func (m *Master) publishStatus(run *types.Run) {
	if m.hub == nil {
		return
	}
	_ = m.hub.Enqueue(run.RunID, wsMessage{
		Type:        "execution_status",
		ExecutionID: run.RunID,
		Data:        statusData{Status: string(run.Status()), Message: run.ErrorMessage},
		Timestamp:   time.Now().UTC(),
	})
}

// WSConfig tunes the WebSocket API surface.
type WSConfig struct {
	JWT          *auth.JWT
	PingInterval time.Duration
	PongTimeout  time.Duration
}

// WSHandler serves /ws/executions/{execution_id}/logs?token=<jwt>.
type WSHandler struct {
	master   *Master
	cfg      WSConfig
	upgrader websocket.Upgrader
}

// NewWSHandler builds the WebSocket log-streaming endpoint.
func NewWSHandler(m *Master, cfg WSConfig) *WSHandler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10 * time.Second
	}
	return &WSHandler{
		master: m,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// executionID extracts the id from /ws/executions/{id}/logs.
func executionID(path string) string {
	rest, found := strings.CutPrefix(path, "/ws/executions/")
	if !found {
		return ""
	}
	id, found := strings.CutSuffix(rest, "/logs")
	if !found || strings.Contains(id, "/") {
		return ""
	}
	return id
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	execID := executionID(r.URL.Path)
	if execID == "" {
		http.NotFound(w, r)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// Auth and existence checks happen after the upgrade so the client
	// receives the documented close codes rather than an HTTP status.
	if h.cfg.JWT != nil {
		if _, err := h.cfg.JWT.Validate(r.URL.Query().Get("token")); err != nil {
			closeWith(ws, CloseAuthFailed, "authentication failed")
			return
		}
	}
	if _, err := h.master.store.GetRunByRunID(execID); err != nil {
		closeWith(ws, CloseNotFound, "execution not found")
		return
	}

	c, err := h.master.hub.Register(ws, execID)
	if err != nil {
		closeWith(ws, CloseInactive, "connection quota exceeded")
		return
	}
	ws.SetPongHandler(c.OnPong)

	connID := uuid.NewString()
	hello := wsMessage{
		Type:         "connected",
		ConnectionID: connID,
		ExecutionID:  execID,
		Timestamp:    time.Now().UTC(),
		Config: map[string]any{
			"ping_interval": int(h.cfg.PingInterval.Seconds()),
			"pong_timeout":  int(h.cfg.PongTimeout.Seconds()),
		},
	}
	if err := ws.WriteJSON(hello); err != nil {
		h.master.hub.Unregister(c)
		return
	}

	h.replayHistory(ws, execID)
	go h.readLoop(ws, c, execID)
}

// replayHistory sends the replay cache's recent lines to a late-connecting
// subscriber, bracketed by historical_logs_start/end.
func (h *WSHandler) replayHistory(ws *websocket.Conn, execID string) {
	var history []logpipeline.Record
	for _, stream := range []logpipeline.Stream{logpipeline.StreamStdout, logpipeline.StreamStderr, logpipeline.StreamSystem} {
		sub, recent := h.master.pipeline.Subscribe(execID, stream)
		h.master.pipeline.Unsubscribe(execID, stream, sub)
		history = append(history, recent...)
	}
	now := time.Now().UTC()
	if len(history) == 0 {
		_ = ws.WriteJSON(wsMessage{Type: "no_historical_logs", ExecutionID: execID, Timestamp: now})
		return
	}

	_ = ws.WriteJSON(wsMessage{Type: "historical_logs_start", ExecutionID: execID, Timestamp: now})
	for _, rec := range history {
		_ = ws.WriteJSON(wsMessage{
			Type:        "log_line",
			ExecutionID: execID,
			Data: logLineData{
				ExecutionID: execID,
				LogType:     string(rec.Stream),
				Content:     rec.Content,
				Timestamp:   rec.Timestamp,
				Level:       rec.Level,
				Source:      rec.Source,
			},
			Timestamp: now,
		})
	}
	_ = ws.WriteJSON(wsMessage{Type: "historical_logs_end", ExecutionID: execID, Timestamp: now})
}

// readLoop consumes client frames: a {type: ping} gets a {type: pong} reply;
// any inbound frame counts as liveness evidence. The loop exits when the
// peer goes away, unregistering the connection.
func (h *WSHandler) readLoop(ws *websocket.Conn, c *wshub.Conn, execID string) {
	defer h.master.hub.Unregister(c)
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.OnPong("")

		var msg struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(raw, &msg) == nil && msg.Type == "ping" {
			_ = ws.WriteJSON(wsMessage{Type: "pong", ExecutionID: execID, Timestamp: time.Now().UTC()})
		}
	}
}

func closeWith(ws *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = ws.Close()
}

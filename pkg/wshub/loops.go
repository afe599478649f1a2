package wshub

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

// drainLoop drains up to BatchSize messages off executionID's queue,
// serializes once, and sends concurrently to every subscribed connection;
// any connection whose send fails or exceeds SendTimeout is dropped.
func (h *Hub) drainLoop(executionID string, es *execState) {
	defer h.wg.Done()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			h.flushAndClose(executionID, es)
			return
		case <-ticker.C:
			h.drainOnce(es)
			h.mu.Lock()
			_, stillRegistered := h.executions[executionID]
			h.mu.Unlock()
			if !stillRegistered {
				return
			}
		}
	}
}

func (h *Hub) drainOnce(es *execState) {
	es.mu.Lock()
	n := h.cfg.BatchSize
	if n > len(es.queue) {
		n = len(es.queue)
	}
	if n == 0 {
		es.mu.Unlock()
		return
	}
	batch := es.queue[:n]
	es.queue = es.queue[n:]
	conns := append([]*Conn(nil), es.conns...)
	es.mu.Unlock()

	for _, msg := range batch {
		h.broadcast(es, conns, msg)
	}
}

func (h *Hub) broadcast(es *execState, conns []*Conn, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		env.Raw = payload
	}

	done := make(chan *Conn, len(conns))
	for _, c := range conns {
		go func(c *Conn) {
			deadline := time.Now().Add(h.cfg.SendTimeout)
			err := c.ws.UnderlyingConn().SetWriteDeadline(deadline)
			if err == nil {
				err = c.writeJSON(env.value(payload))
			}
			if err != nil {
				h.Unregister(c)
				_ = c.ws.Close()
			}
			done <- c
		}(c)
	}
	for range conns {
		<-done
	}
}

// envelope lets broadcast fall back to raw bytes if payload isn't a JSON
// object (it always is in practice, but writeJSON needs a Go value).
type envelope struct {
	Raw json.RawMessage
}

func (e envelope) value(payload []byte) json.RawMessage {
	if len(e.Raw) > 0 {
		return e.Raw
	}
	return payload
}

func (h *Hub) flushAndClose(executionID string, es *execState) {
	es.mu.Lock()
	remaining := es.queue
	es.queue = nil
	conns := append([]*Conn(nil), es.conns...)
	es.mu.Unlock()

	for _, msg := range remaining {
		h.broadcast(es, conns, msg)
	}
}

// heartbeatLoop pings every connection every PingInterval; a connection that
// accumulates MaxMissedPongs in a row is closed with code 4008.
func (h *Hub) heartbeatLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case now := <-ticker.C:
			h.pingAll(now)
		}
	}
}

func (h *Hub) pingAll(now time.Time) {
	h.mu.Lock()
	var allConns []*Conn
	for _, es := range h.executions {
		es.mu.Lock()
		allConns = append(allConns, es.conns...)
		es.mu.Unlock()
	}
	h.mu.Unlock()

	for _, c := range allConns {
		// missedPongs counts pings sent since the last pong (OnPong resets it).
		c.mu.Lock()
		missed := c.missedPongs
		c.missedPongs++
		c.mu.Unlock()
		if missed >= h.cfg.MaxMissedPongs {
			c.close(CloseHeartbeatTimeout, "missed pong deadline")
			h.Unregister(c)
			continue
		}
		payload := []byte(now.UTC().Format(time.RFC3339))
		_ = c.writeControl(websocket.PingMessage, payload, now.Add(h.cfg.SendTimeout))
	}
}

// OnPong resets c's missed-pong counter; wire this as the gorilla/websocket
// PongHandler for every registered connection.
func (c *Conn) OnPong(string) error {
	c.mu.Lock()
	c.missedPongs = 0
	c.mu.Unlock()
	return nil
}

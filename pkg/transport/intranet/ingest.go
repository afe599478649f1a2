package intranet

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/taskforge/taskforge/pkg/taskerr"
	"github.com/taskforge/taskforge/pkg/transport"
)

// Master-side ingest endpoints for Intranet mode. Dispatch flows Master ->
// Worker over the push Client; everything the Worker originates (results,
// logs, heartbeats, control polls) flows back through these.
const (
	ResultPath      = "/api/v1/ingest/result"
	LogPath         = "/api/v1/ingest/log"
	LogBatchPath    = "/api/v1/ingest/log/batch"
	LogChunkPath    = "/api/v1/ingest/log/chunk"
	HeartbeatPath   = "/api/v1/ingest/heartbeat"
	ControlPollPath = "/api/v1/ingest/control/poll"
	ControlAckPath  = "/api/v1/ingest/control/ack"
)

// Backend is the Master-side sink for Worker-originated traffic. It is the
// same contract the Gateway server delegates to, so one implementation
// (pkg/master) serves both transport modes.
type Backend interface {
	ReportResult(ctx context.Context, workerID string, result transport.Result) error
	SendHeartbeat(ctx context.Context, hb transport.Heartbeat) error
	IngestLog(ctx context.Context, workerID string, line transport.LogLine) error
	IngestLogBatch(ctx context.Context, workerID string, lines []transport.LogLine) error
	IngestLogChunk(ctx context.Context, workerID string, chunk transport.LogChunk) error
	PollControl(ctx context.Context, workerID string, timeout time.Duration) (transport.ControlMessage, bool, error)
	AckControl(ctx context.Context, workerID, receiptID string) error
}

// KeyLookup resolves a Worker's api_key for ingest authentication.
type KeyLookup func(workerID string) (apiKey string, err error)

// IngestHandler is the Master's HTTP surface for Worker-originated Intranet
// traffic, authenticated per Worker with x-worker-id + bearer api_key.
type IngestHandler struct {
	backend Backend
	lookup  KeyLookup
	mux     *http.ServeMux
}

// NewIngestHandler builds the Master-side ingest surface.
func NewIngestHandler(backend Backend, lookup KeyLookup) *IngestHandler {
	h := &IngestHandler{backend: backend, lookup: lookup, mux: http.NewServeMux()}
	h.mux.HandleFunc(ResultPath, h.handle(h.result))
	h.mux.HandleFunc(LogPath, h.handle(h.logLine))
	h.mux.HandleFunc(LogBatchPath, h.handle(h.logBatch))
	h.mux.HandleFunc(LogChunkPath, h.handle(h.logChunk))
	h.mux.HandleFunc(HeartbeatPath, h.handle(h.heartbeat))
	h.mux.HandleFunc(ControlPollPath, h.handle(h.controlPoll))
	h.mux.HandleFunc(ControlAckPath, h.handle(h.controlAck))
	return h
}

func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) { h.mux.ServeHTTP(w, r) }

type ingestFunc func(ctx context.Context, workerID string, body []byte, w http.ResponseWriter) error

func (h *IngestHandler) handle(fn ingestFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workerID := r.Header.Get("X-Worker-Id")
		bearer, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if workerID == "" || !found {
			http.Error(w, "missing credentials", http.StatusUnauthorized)
			return
		}
		key, err := h.lookup(workerID)
		if err != nil || bearer != key {
			http.Error(w, "invalid api key", http.StatusUnauthorized)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 50<<20))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		if err := fn(r.Context(), workerID, body, w); err != nil {
			status := http.StatusInternalServerError
			if taskerr.Is(err, taskerr.KindValidation) {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
		}
	}
}

func (h *IngestHandler) result(ctx context.Context, workerID string, body []byte, w http.ResponseWriter) error {
	var result transport.Result
	if err := json.Unmarshal(body, &result); err != nil {
		return taskerr.Wrap(taskerr.KindValidation, "malformed result", err)
	}
	if err := h.backend.ReportResult(ctx, workerID, result); err != nil {
		return err
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *IngestHandler) logLine(ctx context.Context, workerID string, body []byte, w http.ResponseWriter) error {
	var line transport.LogLine
	if err := json.Unmarshal(body, &line); err != nil {
		return taskerr.Wrap(taskerr.KindValidation, "malformed log line", err)
	}
	if err := h.backend.IngestLog(ctx, workerID, line); err != nil {
		return err
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *IngestHandler) logBatch(ctx context.Context, workerID string, body []byte, w http.ResponseWriter) error {
	var lines []transport.LogLine
	if err := json.Unmarshal(body, &lines); err != nil {
		return taskerr.Wrap(taskerr.KindValidation, "malformed log batch", err)
	}
	if err := h.backend.IngestLogBatch(ctx, workerID, lines); err != nil {
		return err
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *IngestHandler) logChunk(ctx context.Context, workerID string, body []byte, w http.ResponseWriter) error {
	var chunk transport.LogChunk
	if err := json.Unmarshal(body, &chunk); err != nil {
		return taskerr.Wrap(taskerr.KindValidation, "malformed log chunk", err)
	}
	if err := h.backend.IngestLogChunk(ctx, workerID, chunk); err != nil {
		return err
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *IngestHandler) heartbeat(ctx context.Context, workerID string, body []byte, w http.ResponseWriter) error {
	var hb transport.Heartbeat
	if err := json.Unmarshal(body, &hb); err != nil {
		return taskerr.Wrap(taskerr.KindValidation, "malformed heartbeat", err)
	}
	hb.WorkerID = workerID
	if err := h.backend.SendHeartbeat(ctx, hb); err != nil {
		return err
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *IngestHandler) controlPoll(ctx context.Context, workerID string, body []byte, w http.ResponseWriter) error {
	var req struct{ TimeoutSec int64 }
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return taskerr.Wrap(taskerr.KindValidation, "malformed poll request", err)
		}
	}
	msg, ok, err := h.backend.PollControl(ctx, workerID, time.Duration(req.TimeoutSec)*time.Second)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(struct {
		HasMessage bool
		Message    transport.ControlMessage
	}{ok, msg})
}

func (h *IngestHandler) controlAck(ctx context.Context, workerID string, body []byte, w http.ResponseWriter) error {
	var req struct{ ReceiptID string }
	if err := json.Unmarshal(body, &req); err != nil {
		return taskerr.Wrap(taskerr.KindValidation, "malformed ack", err)
	}
	if err := h.backend.AckControl(ctx, workerID, req.ReceiptID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

// UplinkTransport is the Worker-side transport.Transport for Intranet mode:
// every Worker-originated call is an HTTP POST to the Master's ingest
// surface. Dispatch is not part of the uplink in this mode — the Master
// pushes it — so Dispatch here always errors.
type UplinkTransport struct {
	base     string // e.g. "http://master:8080"
	workerID string
	apiKey   string
	http     *http.Client
}

// NewUplinkTransport builds the Worker-side uplink.
func NewUplinkTransport(baseURL, workerID, apiKey string, timeout time.Duration) *UplinkTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &UplinkTransport{
		base:     strings.TrimRight(baseURL, "/"),
		workerID: workerID,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: timeout},
	}
}

func (t *UplinkTransport) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return taskerr.Wrap(taskerr.KindInternal, "intranet uplink: marshal", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+path, bytes.NewReader(raw))
	if err != nil {
		return taskerr.Wrap(taskerr.KindInternal, "intranet uplink: build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Worker-Id", t.workerID)
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.http.Do(req)
	if err != nil {
		return taskerr.Wrap(taskerr.KindTransientNetwork, "intranet uplink: post "+path, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return taskerr.New(taskerr.KindAuthFailure, "intranet uplink: rejected credentials")
	case resp.StatusCode != http.StatusOK:
		return taskerr.New(taskerr.KindTransientNetwork, "intranet uplink: master returned "+resp.Status)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (t *UplinkTransport) Dispatch(context.Context, string, transport.TaskPayload, time.Duration) (transport.DispatchResult, error) {
	return transport.DispatchResult{}, taskerr.New(taskerr.KindValidation, "intranet uplink: dispatch is master-pushed")
}

func (t *UplinkTransport) ReportResult(ctx context.Context, result transport.Result) error {
	return t.post(ctx, ResultPath, result, nil)
}

func (t *UplinkTransport) SendHeartbeat(ctx context.Context, hb transport.Heartbeat) error {
	return t.post(ctx, HeartbeatPath, hb, nil)
}

func (t *UplinkTransport) SendLog(ctx context.Context, line transport.LogLine) error {
	return t.post(ctx, LogPath, line, nil)
}

func (t *UplinkTransport) SendLogBatch(ctx context.Context, lines []transport.LogLine) error {
	return t.post(ctx, LogBatchPath, lines, nil)
}

func (t *UplinkTransport) SendLogChunk(ctx context.Context, chunk transport.LogChunk) error {
	return t.post(ctx, LogChunkPath, chunk, nil)
}

func (t *UplinkTransport) PollControl(ctx context.Context, workerID string, timeout time.Duration) (*transport.ControlMessage, error) {
	var reply struct {
		HasMessage bool
		Message    transport.ControlMessage
	}
	req := struct{ TimeoutSec int64 }{int64(timeout / time.Second)}
	if err := t.post(ctx, ControlPollPath, req, &reply); err != nil {
		return nil, err
	}
	if !reply.HasMessage {
		return nil, nil
	}
	return &reply.Message, nil
}

func (t *UplinkTransport) AckControl(ctx context.Context, result transport.ControlResult) error {
	req := struct{ ReceiptID string }{result.ReceiptID}
	return t.post(ctx, ControlAckPath, req, nil)
}

func (t *UplinkTransport) Close() error { return nil }

var _ transport.Transport = (*UplinkTransport)(nil)

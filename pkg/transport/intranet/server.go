package intranet

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskforge/taskforge/pkg/log"
	"github.com/taskforge/taskforge/pkg/transport"
)

// Runtime is what the Worker-side handler delegates an authenticated push
// to: accept-or-reject a dispatch, and apply a control message.
type Runtime interface {
	Accept(payload transport.TaskPayload) (accepted bool, reason string)
	Control(msg transport.ControlMessage) error
}

// Handler is the Worker's HTTP surface for Intranet mode: the Master pushes
// dispatches and control messages here, authenticated by this Worker's
// api_key and, when a secret key is configured, an HMAC signature checked
// against a replay window.
type Handler struct {
	apiKey    string
	secretKey string // empty disables signature checking
	replay    *ReplayWindow
	runtime   Runtime
	log       zerolog.Logger
	mux       *http.ServeMux
}

// NewHandler builds the Worker-side push handler.
func NewHandler(apiKey, secretKey string, replayWindow time.Duration, rt Runtime) *Handler {
	h := &Handler{
		apiKey:    apiKey,
		secretKey: secretKey,
		replay:    NewReplayWindow(replayWindow),
		runtime:   rt,
		log:       log.WithComponent("intranet"),
		mux:       http.NewServeMux(),
	}
	h.mux.HandleFunc(DispatchPath, h.handleDispatch)
	h.mux.HandleFunc(CancelPath, h.handleCancel)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) { h.mux.ServeHTTP(w, r) }

// authenticate checks the bearer key and, if configured, the HMAC signature
// over the request body. Returns the raw body on success.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	bearer, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !found || bearer != h.apiKey {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
		return nil, false
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 50<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return nil, false
	}

	if h.secretKey == "" {
		return body, true
	}

	tsHeader := r.Header.Get("X-Timestamp")
	nonce := r.Header.Get("X-Nonce")
	sig := r.Header.Get("X-Signature")
	if tsHeader == "" || nonce == "" || sig == "" {
		http.Error(w, "missing signature headers", http.StatusUnauthorized)
		return nil, false
	}
	unix, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		http.Error(w, "malformed timestamp", http.StatusUnauthorized)
		return nil, false
	}
	if err := h.replay.Check(time.Unix(unix, 0), nonce); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return nil, false
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "body is not a JSON object", http.StatusBadRequest)
		return nil, false
	}
	ok, err := Verify(h.secretKey, tsHeader, nonce, payload, sig)
	if err != nil || !ok {
		http.Error(w, "signature mismatch", http.StatusUnauthorized)
		return nil, false
	}
	return body, true
}

func (h *Handler) handleDispatch(w http.ResponseWriter, r *http.Request) {
	body, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var env dispatchEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		http.Error(w, "malformed dispatch", http.StatusBadRequest)
		return
	}

	accepted, reason := h.runtime.Accept(env.Task)
	h.log.Info().Str("task_id", env.Task.TaskID).Bool("accepted", accepted).Msg("dispatch received")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(dispatchReply{Accepted: accepted, Reason: reason, TaskID: env.Task.TaskID})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	body, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var msg transport.ControlMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		http.Error(w, "malformed control message", http.StatusBadRequest)
		return
	}
	if err := h.runtime.Control(msg); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

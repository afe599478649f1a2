package intranet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/taskforge/pkg/taskerr"
	"github.com/taskforge/taskforge/pkg/transport"
	"github.com/taskforge/taskforge/pkg/types"
)

// DispatchPath is the Worker endpoint the Master pushes task payloads to.
const DispatchPath = "/api/v1/tasks/dispatch"

// CancelPath is the Worker endpoint the Master pushes control messages to.
const CancelPath = "/api/v1/tasks/cancel"

// dispatchEnvelope is the wire shape of a pushed dispatch.
type dispatchEnvelope struct {
	Task transport.TaskPayload
}

// dispatchReply is the Worker's synchronous ack.
type dispatchReply struct {
	Accepted bool
	Reason   string
	TaskID   string
}

// Client is the Master-side push client for Intranet mode. It implements
// the Scheduler's Dispatcher contract directly: the Master initiates the
// connection to the Worker's advertised host:port and waits for the ack
// inline, so there is no separate poll/ack round trip as in Gateway mode.
type Client struct {
	http *http.Client
	// SignPayloads enables the optional HMAC signature headers on top of
	// the always-present api_key bearer.
	SignPayloads bool
}

// NewClient builds a Client with sane connection pooling for a fleet of
// short HTTP pushes.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func workerURL(w *types.Worker, path string) string {
	return fmt.Sprintf("http://%s:%d%s", w.Host, w.Port, path)
}

// post sends body to worker's endpoint with bearer and optional HMAC
// headers, decoding the JSON reply into out.
func (c *Client) post(ctx context.Context, w *types.Worker, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return taskerr.Wrap(taskerr.KindInternal, "intranet: marshal payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, workerURL(w, path), bytes.NewReader(raw))
	if err != nil {
		return taskerr.Wrap(taskerr.KindInternal, "intranet: build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.APIKey)

	if c.SignPayloads && w.SecretKey != "" {
		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil {
			return taskerr.Wrap(taskerr.KindInternal, "intranet: payload not an object", err)
		}
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		nonce := uuid.NewString()
		sig, err := Sign(w.SecretKey, ts, nonce, payload)
		if err != nil {
			return taskerr.Wrap(taskerr.KindInternal, "intranet: sign payload", err)
		}
		req.Header.Set("X-Timestamp", ts)
		req.Header.Set("X-Nonce", nonce)
		req.Header.Set("X-Signature", sig)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return taskerr.Wrap(taskerr.KindTransientNetwork, "intranet: push failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return taskerr.New(taskerr.KindAuthFailure, "intranet: worker rejected credentials")
	case resp.StatusCode >= 500:
		return taskerr.New(taskerr.KindTransientNetwork, "intranet: worker returned "+resp.Status)
	case resp.StatusCode != http.StatusOK:
		return taskerr.New(taskerr.KindValidation, "intranet: worker returned "+resp.Status)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return taskerr.Wrap(taskerr.KindTransientNetwork, "intranet: decode reply", err)
	}
	return nil
}

// Dispatch pushes payload to worker and waits for the inline ack, bounded by
// ackTimeout.
func (c *Client) Dispatch(ctx context.Context, worker *types.Worker, payload transport.TaskPayload, ackTimeout time.Duration) (transport.DispatchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()

	var reply dispatchReply
	if err := c.post(ctx, worker, DispatchPath, dispatchEnvelope{Task: payload}, &reply); err != nil {
		return transport.DispatchResult{}, err
	}
	return transport.DispatchResult{Accepted: reply.Accepted, Reason: reply.Reason, TaskID: payload.TaskID}, nil
}

// Cancel pushes a control message to worker.
func (c *Client) Cancel(ctx context.Context, worker *types.Worker, msg transport.ControlMessage) error {
	return c.post(ctx, worker, CancelPath, msg, nil)
}

package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/taskforge/pkg/taskerr"
)

// HMAC authenticates calls with x-timestamp + x-nonce + x-signature, where
// the signature is hex(HMAC-SHA256(secret_key, timestamp + "." + nonce +
// "." + body)). A nonce seen twice inside the replay window is rejected.
type HMAC struct {
	WorkerID string // outbound side
	Secret   string // outbound side

	Lookup CredentialLookup // inbound side
	Window time.Duration    // replay window; default 5 min

	mu    sync.Mutex
	seen  map[string]time.Time // nonce -> observed-at
	sweep time.Time
}

func signHMAC(secret, timestamp, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "." + nonce + "."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *HMAC) SignRequest(_ context.Context, _ string, body []byte) (map[string]string, error) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	nonce := uuid.NewString()
	return map[string]string{
		HeaderWorkerID:  h.WorkerID,
		HeaderTimestamp: ts,
		HeaderNonce:     nonce,
		HeaderSignature: signHMAC(h.Secret, ts, nonce, body),
	}, nil
}

func (h *HMAC) window() time.Duration {
	if h.Window <= 0 {
		return 5 * time.Minute
	}
	return h.Window
}

func (h *HMAC) Verify(_ context.Context, headers map[string]string, body []byte) (string, error) {
	workerID := headers[HeaderWorkerID]
	if workerID == "" {
		return "", taskerr.New(taskerr.KindAuthFailure, "missing "+HeaderWorkerID)
	}
	_, secret, err := h.Lookup(workerID)
	if err != nil {
		return "", taskerr.Wrap(taskerr.KindAuthFailure, "unknown worker", err)
	}

	ts, nonce, sig := headers[HeaderTimestamp], headers[HeaderNonce], headers[HeaderSignature]
	if ts == "" || nonce == "" || sig == "" {
		return "", taskerr.New(taskerr.KindAuthFailure, "missing hmac headers")
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "", taskerr.New(taskerr.KindAuthFailure, "malformed timestamp")
	}
	now := time.Now()
	if d := now.Sub(time.Unix(unix, 0)); d > h.window() || d < -h.window() {
		return "", taskerr.New(taskerr.KindAuthFailure, "timestamp outside replay window")
	}

	expected := signHMAC(secret, ts, nonce, body)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return "", taskerr.New(taskerr.KindAuthFailure, "signature mismatch")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.seen == nil {
		h.seen = make(map[string]time.Time)
	}
	if now.Sub(h.sweep) > h.window() {
		for n, at := range h.seen {
			if now.Sub(at) > h.window() {
				delete(h.seen, n)
			}
		}
		h.sweep = now
	}
	if _, dup := h.seen[nonce]; dup {
		return "", taskerr.New(taskerr.KindAuthFailure, "nonce replayed")
	}
	h.seen[nonce] = now
	return workerID, nil
}

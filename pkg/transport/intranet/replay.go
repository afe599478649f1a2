package intranet

import (
	"sync"
	"time"

	"github.com/taskforge/taskforge/pkg/taskerr"
)

// ReplayWindow rejects a signed request whose timestamp falls outside
// [now-window, now+window] or whose nonce has already been seen within the
// window, preventing HMAC-signed request replay.
type ReplayWindow struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
}

// NewReplayWindow builds a ReplayWindow of the given duration (both
// directions: how stale a timestamp may be, and how long a nonce is
// remembered).
func NewReplayWindow(window time.Duration) *ReplayWindow {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &ReplayWindow{window: window, seen: make(map[string]time.Time)}
}

// Check validates ts against the window and nonce against prior use,
// recording nonce on success.
func (w *ReplayWindow) Check(ts time.Time, nonce string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if now.Sub(ts) > w.window || ts.Sub(now) > w.window {
		return taskerr.New(taskerr.KindAuthFailure, "timestamp outside replay window")
	}

	if seenAt, ok := w.seen[nonce]; ok && now.Sub(seenAt) <= w.window {
		return taskerr.New(taskerr.KindAuthFailure, "nonce already used")
	}
	w.seen[nonce] = now
	w.sweepLocked(now)
	return nil
}

func (w *ReplayWindow) sweepLocked(now time.Time) {
	for n, t := range w.seen {
		if now.Sub(t) > w.window {
			delete(w.seen, n)
		}
	}
}

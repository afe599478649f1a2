package transport

import (
	"sync"

	"github.com/taskforge/taskforge/pkg/backoff"
	"github.com/taskforge/taskforge/pkg/taskerr"
)

// ReconnectPolicy tracks consecutive transport failures for Gateway mode and
// decides when to trigger the Backoff Engine versus giving up entirely.
// Authentication failures are counted separately: MaxAuthFailures in a row
// disables retry permanently until an operator intervenes.
type ReconnectPolicy struct {
	mu              sync.Mutex
	consecutiveFail int
	authFailures    int
	permanentOffline bool

	FailureThreshold int // consecutive non-auth failures before reconnect kicks in
	MaxAuthFailures  int

	backoff *backoff.Engine
}

// NewReconnectPolicy builds a policy seeded with b as the retry schedule.
func NewReconnectPolicy(b *backoff.Engine, failureThreshold, maxAuthFailures int) *ReconnectPolicy {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	if maxAuthFailures <= 0 {
		maxAuthFailures = 5
	}
	return &ReconnectPolicy{backoff: b, FailureThreshold: failureThreshold, MaxAuthFailures: maxAuthFailures}
}

// RecordFailure registers a transport error and reports whether the caller
// should now enter the reconnect-with-backoff loop.
func (p *ReconnectPolicy) RecordFailure(isAuthError bool) (shouldReconnect bool, delay int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if isAuthError {
		p.authFailures++
		if p.authFailures >= p.MaxAuthFailures {
			p.permanentOffline = true
			return false, 0
		}
		return false, 0
	}

	p.consecutiveFail++
	if p.consecutiveFail < p.FailureThreshold {
		return false, 0
	}
	d := p.backoff.Next()
	return true, d.Milliseconds()
}

// RecordSuccess resets both failure counters.
func (p *ReconnectPolicy) RecordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveFail = 0
	p.authFailures = 0
	p.backoff.Reset()
}

// PermanentlyOffline reports whether auth failures have disabled retry.
func (p *ReconnectPolicy) PermanentlyOffline() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.permanentOffline
}

// CheckOffline returns a taskerr.KindAuthFailure error once the transport
// has gone permanently offline, for callers to surface uniformly.
func (p *ReconnectPolicy) CheckOffline() error {
	if p.PermanentlyOffline() {
		return taskerr.New(taskerr.KindAuthFailure, "transport disabled after repeated authentication failures; operator intervention required")
	}
	return nil
}

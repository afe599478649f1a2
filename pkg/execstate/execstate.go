// Package execstate models the Execution State Machine: the two-axis
// dispatch/runtime lifecycle of a Run. The aggregate
// status is a tagged sum whose variants are the only public constructors —
// the two-axis columns in types.Run exist only at the storage boundary, via
// ApplyTo/FromRun.
package execstate

import (
	"time"

	"github.com/taskforge/taskforge/pkg/taskerr"
	"github.com/taskforge/taskforge/pkg/types"
)

// State is the tagged-sum representation of a Run's lifecycle. Only the
// constructors in this file produce a State; callers never set dispatch and
// runtime fields directly.
type State struct {
	dispatch types.DispatchStatus
	runtime  types.RuntimeStatus
	at       time.Time
	reason   string // populated for Failed
}

// Aggregate returns the externally-visible status.
func (s State) Aggregate() types.AggregateStatus { return types.Aggregate(s.dispatch, s.runtime) }

// Reason returns the failure reason, if any.
func (s State) Reason() string { return s.reason }

// At returns the timestamp the transition into s occurred.
func (s State) At() time.Time { return s.at }

func now() time.Time { return time.Now().UTC() }

// Pending is the initial state of a freshly-created Run.
func Pending() State {
	return State{dispatch: types.DispatchPending, at: now()}
}

// Dispatching transitions pending -> dispatching.
func Dispatching(from State) (State, error) {
	if from.dispatch != types.DispatchPending {
		return from, taskerr.New(taskerr.KindStateConflict, "dispatching requires pending")
	}
	return State{dispatch: types.DispatchDispatching, at: now()}, nil
}

// Queued transitions dispatching -> queued, unfreezing the runtime axis.
func Queued(from State) (State, error) {
	if from.dispatch != types.DispatchDispatching {
		return from, taskerr.New(taskerr.KindStateConflict, "queued requires dispatching")
	}
	return State{dispatch: types.DispatchQueued, at: now()}, nil
}

// DispatchFailed transitions dispatching -> failed (dispatch axis terminal).
func DispatchFailed(from State, reason string) (State, error) {
	if from.dispatch != types.DispatchDispatching {
		return from, taskerr.New(taskerr.KindStateConflict, "dispatch-failed requires dispatching")
	}
	return State{dispatch: types.DispatchFailed, at: now(), reason: reason}, nil
}

// DispatchTimedOut transitions pending or dispatching -> timeout (dispatch
// axis terminal); used by the janitor for stalled dispatches.
func DispatchTimedOut(from State, reason string) (State, error) {
	if from.dispatch != types.DispatchDispatching && from.dispatch != types.DispatchPending {
		return from, taskerr.New(taskerr.KindStateConflict, "dispatch-timeout requires pending or dispatching")
	}
	return State{dispatch: types.DispatchTimeout, at: now(), reason: reason}, nil
}

// Running transitions the runtime axis to running. The dispatch axis must
// already be queued.
func Running(from State) (State, error) {
	if from.dispatch != types.DispatchQueued {
		return from, taskerr.New(taskerr.KindStateConflict, "running requires a queued dispatch axis")
	}
	if from.runtime != types.RuntimeUnset {
		return from, taskerr.New(taskerr.KindStateConflict, "running requires an unset runtime axis")
	}
	return State{dispatch: types.DispatchQueued, runtime: types.RuntimeRunning, at: now()}, nil
}

func terminalRuntime(from State, next types.RuntimeStatus, reason string) (State, error) {
	if from.dispatch != types.DispatchQueued {
		return from, taskerr.New(taskerr.KindStateConflict, "runtime terminal transition requires a queued dispatch axis")
	}
	if from.Aggregate().IsTerminal() {
		return from, taskerr.New(taskerr.KindStateConflict, "run is already terminal")
	}
	return State{dispatch: types.DispatchQueued, runtime: next, at: now(), reason: reason}, nil
}

// Success transitions running -> success.
func Success(from State) (State, error) { return terminalRuntime(from, types.RuntimeSuccess, "") }

// Failed transitions running -> failed with reason.
func Failed(from State, reason string) (State, error) {
	return terminalRuntime(from, types.RuntimeFailed, reason)
}

// Cancelled transitions running -> cancelled with reason.
func Cancelled(from State, reason string) (State, error) {
	return terminalRuntime(from, types.RuntimeCancelled, reason)
}

// TimedOut transitions running -> timeout; used by the heartbeat-limit
// reaper when a live run's last_heartbeat is too old.
func TimedOut(from State, reason string) (State, error) {
	return terminalRuntime(from, types.RuntimeTimeout, reason)
}

// FromRun reconstructs a State from the storage-boundary representation.
func FromRun(r *types.Run) State {
	return State{dispatch: r.DispatchStatus, runtime: r.RuntimeStatus}
}

// ApplyTo writes s's axes onto r, preserving every other field. Callers must
// not write r.DispatchStatus/r.RuntimeStatus directly anywhere else.
func (s State) ApplyTo(r *types.Run) {
	r.DispatchStatus = s.dispatch
	r.RuntimeStatus = s.runtime
	if s.reason != "" {
		r.ErrorReason = s.reason
	}
	r.UpdatedAt = s.at
}

package execstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/pkg/taskerr"
	"github.com/taskforge/taskforge/pkg/types"
)

func TestHappyPathTransitions(t *testing.T) {
	s := Pending()
	assert.Equal(t, types.AggPending, s.Aggregate())

	s, err := Dispatching(s)
	require.NoError(t, err)
	assert.Equal(t, types.AggDispatching, s.Aggregate())

	s, err = Queued(s)
	require.NoError(t, err)
	assert.Equal(t, types.AggQueued, s.Aggregate())

	s, err = Running(s)
	require.NoError(t, err)
	assert.Equal(t, types.AggRunning, s.Aggregate())

	s, err = Success(s)
	require.NoError(t, err)
	assert.Equal(t, types.AggSuccess, s.Aggregate())
	assert.True(t, s.Aggregate().IsTerminal())
}

func TestCannotSkipDispatching(t *testing.T) {
	_, err := Queued(Pending())
	require.Error(t, err)
	assert.Equal(t, taskerr.KindStateConflict, taskerr.KindOf(err))
}

func TestCannotDoubleTerminal(t *testing.T) {
	s, _ := Dispatching(Pending())
	s, _ = Queued(s)
	s, _ = Running(s)
	s, err := Success(s)
	require.NoError(t, err)

	_, err = Failed(s, "late failure")
	require.Error(t, err)
	assert.Equal(t, taskerr.KindStateConflict, taskerr.KindOf(err))
}

func TestDispatchFailedIsTerminal(t *testing.T) {
	s, _ := Dispatching(Pending())
	s, err := DispatchFailed(s, "worker_busy")
	require.NoError(t, err)
	assert.Equal(t, types.AggFailed, s.Aggregate())
	assert.Equal(t, "worker_busy", s.Reason())
}

func TestApplyToRoundTrips(t *testing.T) {
	s, _ := Dispatching(Pending())
	s, _ = Queued(s)
	s, _ = Running(s)

	r := &types.Run{}
	s.ApplyTo(r)
	assert.Equal(t, types.DispatchQueued, r.DispatchStatus)
	assert.Equal(t, types.RuntimeRunning, r.RuntimeStatus)

	restored := FromRun(r)
	assert.Equal(t, s.Aggregate(), restored.Aggregate())
}

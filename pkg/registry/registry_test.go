package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/pkg/store"
	"github.com/taskforge/taskforge/pkg/types"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHeartbeatTransitionsOfflineToOnline(t *testing.T) {
	st := newTestStore(t)
	r := New(st, DefaultConfig)

	w := &types.Worker{PublicID: "w1", Name: "worker-1"}
	require.NoError(t, r.Register(w))

	status, err := r.Status("w1")
	require.NoError(t, err)
	require.Equal(t, types.WorkerOffline, status)

	require.NoError(t, r.Heartbeat("w1", types.WorkerMetrics{CPUPercent: 10}))
	status, err = r.Status("w1")
	require.NoError(t, err)
	require.Equal(t, types.WorkerOnline, status)

	events := r.Events("w1")
	require.Len(t, events, 2)
	require.Equal(t, EventRegistered, events[0].Type)
	require.Equal(t, EventOnline, events[1].Type)
}

func TestScanTransitionsStaleWorkerOffline(t *testing.T) {
	st := newTestStore(t)
	cfg := Config{ScanInterval: time.Hour, OfflineAfter: 10 * time.Millisecond, EventRingLen: 50}
	r := New(st, cfg)

	w := &types.Worker{PublicID: "w2", Name: "worker-2"}
	require.NoError(t, r.Register(w))
	require.NoError(t, r.Heartbeat("w2", types.WorkerMetrics{}))

	invalidated := make(chan string, 1)
	r.OnInvalidate(func(workerID string) { invalidated <- workerID })

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.scan())

	status, err := r.Status("w2")
	require.NoError(t, err)
	require.Equal(t, types.WorkerOffline, status)

	select {
	case id := <-invalidated:
		require.Equal(t, "w2", id)
	default:
		t.Fatal("expected invalidation callback")
	}
}

func TestDrainExcludesWorkerFromOnlineList(t *testing.T) {
	st := newTestStore(t)
	r := New(st, DefaultConfig)

	w := &types.Worker{PublicID: "w3", Name: "worker-3"}
	require.NoError(t, r.Register(w))
	require.NoError(t, r.Heartbeat("w3", types.WorkerMetrics{}))

	online, err := r.ListOnline()
	require.NoError(t, err)
	require.Len(t, online, 1)

	r.Drain("w3", true)
	online, err = r.ListOnline()
	require.NoError(t, err)
	require.Empty(t, online)
}

func TestPermissionACL(t *testing.T) {
	st := newTestStore(t)
	r := New(st, DefaultConfig)

	require.False(t, r.HasAccess("alice", "w1", false))
	r.GrantPermission("alice", "w1", PermUse)
	require.True(t, r.HasAccess("alice", "w1", false))
	require.True(t, r.HasAccess("bob", "w1", true))
}

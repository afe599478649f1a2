package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTaskCreateGetByNameUpdateDelete(t *testing.T) {
	s := newTestStore(t)

	task := &types.Task{PublicID: "t1", Name: "nightly-sync", IsActive: true}
	require.NoError(t, s.CreateTask(task))

	got, err := s.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, "nightly-sync", got.Name)

	byName, err := s.GetTaskByName("nightly-sync")
	require.NoError(t, err)
	assert.Equal(t, "t1", byName.PublicID)

	task.IsActive = false
	require.NoError(t, s.UpdateTask(task))
	got, _ = s.GetTask("t1")
	assert.False(t, got.IsActive)

	require.NoError(t, s.DeleteTask("t1"))
	_, err = s.GetTask("t1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetTaskByName("nightly-sync")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListTasks(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateTask(&types.Task{PublicID: "a", Name: "a"}))
	require.NoError(t, s.CreateTask(&types.Task{PublicID: "b", Name: "b"}))

	all, err := s.ListTasks()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRunLookupByRunIDAndStatusFilter(t *testing.T) {
	s := newTestStore(t)
	r1 := &types.Run{PublicID: "r1", RunID: "uuid-1", TaskRef: "t1", DispatchStatus: types.DispatchQueued, RuntimeStatus: types.RuntimeRunning}
	r2 := &types.Run{PublicID: "r2", RunID: "uuid-2", TaskRef: "t1", DispatchStatus: types.DispatchQueued, RuntimeStatus: types.RuntimeSuccess}
	require.NoError(t, s.CreateRun(r1))
	require.NoError(t, s.CreateRun(r2))

	byID, err := s.GetRunByRunID("uuid-1")
	require.NoError(t, err)
	assert.Equal(t, "r1", byID.PublicID)

	byTask, err := s.ListRunsByTask("t1")
	require.NoError(t, err)
	assert.Len(t, byTask, 2)

	running, err := s.ListRunsByStatus(types.AggRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "r1", running[0].PublicID)
}

func TestWorkerCRUD(t *testing.T) {
	s := newTestStore(t)
	w := &types.Worker{PublicID: "w1", Name: "edge-1", Status: types.WorkerOffline}
	require.NoError(t, s.CreateWorker(w))

	w.Status = types.WorkerOnline
	require.NoError(t, s.UpdateWorker(w))

	got, err := s.GetWorker("w1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerOnline, got.Status)

	all, err := s.ListWorkers()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteWorker("w1"))
	_, err = s.GetWorker("w1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManifestVersioningTracksLatest(t *testing.T) {
	s := newTestStore(t)
	m1 := &types.Manifest{Version: 1, FileCount: 3}
	m2 := &types.Manifest{Version: 2, FileCount: 4}
	require.NoError(t, s.PutManifest("p1", m1))
	require.NoError(t, s.PutManifest("p1", m2))

	latest, err := s.LatestVersion("p1")
	require.NoError(t, err)
	assert.Equal(t, 2, latest)

	got, err := s.GetManifest("p1", 1)
	require.NoError(t, err)
	assert.Equal(t, 3, got.FileCount)
}

func TestMarkProjectStaleOnlyTouchesMatchingProject(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertNodeProject(&types.NodeProject{WorkerRef: "w1", ProjectPublicID: "p1", Status: types.NodeProjectSynced}))
	require.NoError(t, s.UpsertNodeProject(&types.NodeProject{WorkerRef: "w2", ProjectPublicID: "p1", Status: types.NodeProjectSynced}))
	require.NoError(t, s.UpsertNodeProject(&types.NodeProject{WorkerRef: "w3", ProjectPublicID: "p2", Status: types.NodeProjectSynced}))

	require.NoError(t, s.MarkProjectStale("p1"))

	np1, err := s.GetNodeProject("w1", "p1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeProjectStale, np1.Status)

	np3, err := s.GetNodeProject("w3", "p2")
	require.NoError(t, err)
	assert.Equal(t, types.NodeProjectSynced, np3.Status)

	list, err := s.ListNodeProjectsByProject("p1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestProjectCRUD(t *testing.T) {
	s := newTestStore(t)
	p := &types.Project{PublicID: "p1", Type: types.ProjectFile, Status: types.ProjectDraft, CreatedAt: time.Now()}
	require.NoError(t, s.CreateProject(p))

	p.Status = types.ProjectActive
	require.NoError(t, s.UpdateProject(p))

	got, err := s.GetProject("p1")
	require.NoError(t, err)
	assert.Equal(t, types.ProjectActive, got.Status)

	all, err := s.ListProjects()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteProject("p1"))
	_, err = s.GetProject("p1")
	assert.ErrorIs(t, err, ErrNotFound)
}

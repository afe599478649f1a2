// Package store defines the interface Taskforge uses against its external
// collaborator databases: the relational key-attribute store (Task, Run,
// Worker, Project, NodeProject) treated as an
// out-of-scope, not-redesigned component. This package only narrows that
// collaborator to the shape Taskforge needs and ships one reference
// implementation, BoltStore, backed by go.etcd.io/bbolt for local
// development and tests; a real deployment points Store at an operator's own
// transactional store through the same interface.
package store

import (
	"github.com/taskforge/taskforge/pkg/types"
)

// Store is the persistence boundary for every durable record Taskforge
// manages outside of the log pipeline and artifact store.
type Store interface {
	// Tasks
	CreateTask(t *types.Task) error
	GetTask(publicID string) (*types.Task, error)
	GetTaskByName(name string) (*types.Task, error)
	ListTasks() ([]*types.Task, error)
	UpdateTask(t *types.Task) error
	DeleteTask(publicID string) error

	// Runs
	CreateRun(r *types.Run) error
	GetRun(publicID string) (*types.Run, error)
	GetRunByRunID(runID string) (*types.Run, error)
	ListRunsByTask(taskPublicID string) ([]*types.Run, error)
	ListRunsByStatus(statuses ...types.AggregateStatus) ([]*types.Run, error)
	UpdateRun(r *types.Run) error

	// Workers
	CreateWorker(w *types.Worker) error
	GetWorker(publicID string) (*types.Worker, error)
	ListWorkers() ([]*types.Worker, error)
	UpdateWorker(w *types.Worker) error
	DeleteWorker(publicID string) error

	// Projects
	CreateProject(p *types.Project) error
	GetProject(publicID string) (*types.Project, error)
	ListProjects() ([]*types.Project, error)
	UpdateProject(p *types.Project) error
	DeleteProject(publicID string) error

	// Manifests (one per published version)
	PutManifest(projectID string, m *types.Manifest) error
	GetManifest(projectID string, version int) (*types.Manifest, error)
	LatestVersion(projectID string) (int, error)

	// NodeProjects
	UpsertNodeProject(np *types.NodeProject) error
	GetNodeProject(workerID, projectID string) (*types.NodeProject, error)
	ListNodeProjectsByProject(projectID string) ([]*types.NodeProject, error)
	MarkProjectStale(projectID string) error

	Close() error
}

// ErrNotFound is returned by Get* methods when no record matches.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "store: not found" }

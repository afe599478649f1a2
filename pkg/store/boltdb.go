package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"

	bolt "go.etcd.io/bbolt"

	"github.com/taskforge/taskforge/pkg/types"
)

var (
	bucketTasks        = []byte("tasks")
	bucketTaskNames     = []byte("task_names") // name -> public_id
	bucketRuns          = []byte("runs")
	bucketRunIDs        = []byte("run_ids") // run_id -> public_id
	bucketWorkers       = []byte("workers")
	bucketProjects      = []byte("projects")
	bucketManifests     = []byte("manifests") // "<project_id>/<version>" -> Manifest
	bucketNodeProjects  = []byte("node_projects")
)

// BoltStore implements Store on top of an embedded bbolt database, following
// a bucket-per-entity, JSON-value layout.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) a bbolt database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "taskforge.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{
			bucketTasks, bucketTaskNames, bucketRuns, bucketRunIDs,
			bucketWorkers, bucketProjects, bucketManifests, bucketNodeProjects,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

// --- Tasks ---

func (s *BoltStore) CreateTask(t *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketTasks).Put([]byte(t.PublicID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketTaskNames).Put([]byte(t.Name), []byte(t.PublicID))
	})
}

func (s *BoltStore) GetTask(publicID string) (*types.Task, error) {
	var t types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(publicID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *BoltStore) GetTaskByName(name string) (*types.Task, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTaskNames).Get([]byte(name))
		if v == nil {
			return ErrNotFound
		}
		id = string(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(id)
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	var out []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(_, v []byte) error {
			var t types.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out = append(out, &t)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateTask(t *types.Task) error { return s.CreateTask(t) }

func (s *BoltStore) DeleteTask(publicID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		t, err := s.GetTask(publicID)
		if err == nil {
			tx.Bucket(bucketTaskNames).Delete([]byte(t.Name))
		}
		return tx.Bucket(bucketTasks).Delete([]byte(publicID))
	})
}

// --- Runs ---

func (s *BoltStore) CreateRun(r *types.Run) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketRuns).Put([]byte(r.PublicID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketRunIDs).Put([]byte(r.RunID), []byte(r.PublicID))
	})
}

func (s *BoltStore) GetRun(publicID string) (*types.Run, error) {
	var r types.Run
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(publicID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BoltStore) GetRunByRunID(runID string) (*types.Run, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRunIDs).Get([]byte(runID))
		if v == nil {
			return ErrNotFound
		}
		id = string(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetRun(id)
}

func (s *BoltStore) ListRunsByTask(taskPublicID string) ([]*types.Run, error) {
	var out []*types.Run
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(_, v []byte) error {
			var r types.Run
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.TaskRef == taskPublicID {
				out = append(out, &r)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListRunsByStatus(statuses ...types.AggregateStatus) ([]*types.Run, error) {
	want := make(map[types.AggregateStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []*types.Run
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(_, v []byte) error {
			var r types.Run
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if want[r.Status()] {
				out = append(out, &r)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateRun(r *types.Run) error { return s.CreateRun(r) }

// --- Workers ---

func (s *BoltStore) CreateWorker(w *types.Worker) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(w)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketWorkers).Put([]byte(w.PublicID), data)
	})
}

func (s *BoltStore) GetWorker(publicID string) (*types.Worker, error) {
	var w types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWorkers).Get([]byte(publicID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &w)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *BoltStore) ListWorkers() ([]*types.Worker, error) {
	var out []*types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).ForEach(func(_, v []byte) error {
			var w types.Worker
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			out = append(out, &w)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateWorker(w *types.Worker) error { return s.CreateWorker(w) }

func (s *BoltStore) DeleteWorker(publicID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).Delete([]byte(publicID))
	})
}

// --- Projects ---

func (s *BoltStore) CreateProject(p *types.Project) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketProjects).Put([]byte(p.PublicID), data)
	})
}

func (s *BoltStore) GetProject(publicID string) (*types.Project, error) {
	var p types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketProjects).Get([]byte(publicID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) ListProjects() ([]*types.Project, error) {
	var out []*types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProjects).ForEach(func(_, v []byte) error {
			var p types.Project
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, &p)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateProject(p *types.Project) error { return s.CreateProject(p) }

func (s *BoltStore) DeleteProject(publicID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProjects).Delete([]byte(publicID))
	})
}

// --- Manifests ---

func manifestKey(projectID string, version int) []byte {
	return []byte(projectID + "/" + strconv.Itoa(version))
}

func (s *BoltStore) PutManifest(projectID string, m *types.Manifest) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		b := tx.Bucket(bucketManifests)
		if err := b.Put(manifestKey(projectID, m.Version), data); err != nil {
			return err
		}
		return b.Put([]byte(projectID+"/latest"), []byte(strconv.Itoa(m.Version)))
	})
}

func (s *BoltStore) GetManifest(projectID string, version int) (*types.Manifest, error) {
	var m types.Manifest
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketManifests).Get(manifestKey(projectID, version))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *BoltStore) LatestVersion(projectID string) (int, error) {
	var v int
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketManifests).Get([]byte(projectID + "/latest"))
		if data == nil {
			return ErrNotFound
		}
		parsed, err := strconv.Atoi(string(data))
		if err != nil {
			return err
		}
		v = parsed
		return nil
	})
	return v, err
}

// --- NodeProjects ---

func nodeProjectKey(workerID, projectID string) []byte {
	return []byte(workerID + "/" + projectID)
}

func (s *BoltStore) UpsertNodeProject(np *types.NodeProject) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(np)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketNodeProjects).Put(nodeProjectKey(np.WorkerRef, np.ProjectPublicID), data)
	})
}

func (s *BoltStore) GetNodeProject(workerID, projectID string) (*types.NodeProject, error) {
	var np types.NodeProject
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodeProjects).Get(nodeProjectKey(workerID, projectID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &np)
	})
	if err != nil {
		return nil, err
	}
	return &np, nil
}

func (s *BoltStore) ListNodeProjectsByProject(projectID string) ([]*types.NodeProject, error) {
	var out []*types.NodeProject
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodeProjects).ForEach(func(_, v []byte) error {
			var np types.NodeProject
			if err := json.Unmarshal(v, &np); err != nil {
				return err
			}
			if np.ProjectPublicID == projectID {
				out = append(out, &np)
			}
			return nil
		})
	})
	return out, err
}

// MarkProjectStale implements the invariant "every NodeProject row with
// project_public_id = p.public_id has status = stale immediately after
// commit".
func (s *BoltStore) MarkProjectStale(projectID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodeProjects)
		return b.ForEach(func(k, v []byte) error {
			var np types.NodeProject
			if err := json.Unmarshal(v, &np); err != nil {
				return err
			}
			if np.ProjectPublicID != projectID {
				return nil
			}
			np.Status = types.NodeProjectStale
			data, err := json.Marshal(&np)
			if err != nil {
				return err
			}
			return b.Put(k, data)
		})
	})
}

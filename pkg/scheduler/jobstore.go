package scheduler

import (
	"encoding/json"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRetryTimers = []byte("retry_timers")

// retryTimer is a durably-persisted pending retry fire, so that a master
// restart does not lose a scheduled retry mid-backoff. The jobstore
// complements the in-memory time.AfterFunc that actually fires it: on
// recoverRetryTimers, any timer whose FireAt has already passed fires immediately, and
// any future one gets a fresh AfterFunc for the remaining delay.
type retryTimer struct {
	JobID   string    // run_id + "#" + attempt
	TaskID  string
	RunID   string
	Attempt int
	FireAt  time.Time
}

// jobStore persists pending retryTimers in an embedded bbolt database,
// in the same bucket-per-entity, JSON-value layout as pkg/store.
type jobStore struct {
	db *bolt.DB
}

func newJobStore(dataDir string) (*jobStore, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "scheduler_jobs.db"), 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRetryTimers)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &jobStore{db: db}, nil
}

func (j *jobStore) put(t retryTimer) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRetryTimers).Put([]byte(t.JobID), data)
	})
}

func (j *jobStore) delete(jobID string) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRetryTimers).Delete([]byte(jobID))
	})
}

func (j *jobStore) all() ([]retryTimer, error) {
	var timers []retryTimer
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRetryTimers).ForEach(func(_, v []byte) error {
			var t retryTimer
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			timers = append(timers, t)
			return nil
		})
	})
	return timers, err
}

func (j *jobStore) close() error { return j.db.Close() }

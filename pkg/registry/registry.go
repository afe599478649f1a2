// Package registry implements the Node Registry & Health component:
// Worker lifecycle tracking (registered -> online -> offline -> unreachable),
// heartbeat ingestion, and the adaptive smart-scan health sweep over all
// known Workers. The DB (pkg/store) remains authoritative; Registry keeps a
// small read-mostly, copy-on-read cache of (worker_id, last_heartbeat, status)
// so the health scan does not hit the store once per
// Worker per tick.
package registry

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskforge/taskforge/pkg/log"
	"github.com/taskforge/taskforge/pkg/metrics"
	"github.com/taskforge/taskforge/pkg/store"
	"github.com/taskforge/taskforge/pkg/taskerr"
	"github.com/taskforge/taskforge/pkg/types"
)

// NodeEventType enumerates the lifecycle transitions recorded per Worker.
// Retained in a bounded in-memory ring per Worker.
type NodeEventType string

const (
	EventRegistered  NodeEventType = "registered"
	EventOnline      NodeEventType = "online"
	EventOffline     NodeEventType = "offline"
	EventUnreachable NodeEventType = "unreachable"
)

// NodeEvent is one lifecycle transition.
type NodeEvent struct {
	Type     NodeEventType
	WorkerID string
	At       time.Time
}

// snapshot is the copy-on-read cache entry for one Worker.
type snapshot struct {
	status        types.WorkerStatus
	lastHeartbeat time.Time
	draining      bool
}

// Config tunes the health scan.
type Config struct {
	ScanInterval time.Duration // how often the smart scan runs; default 3s
	OfflineAfter time.Duration // how stale a heartbeat may be before OFFLINE; default 90s
	EventRingLen int           // per-worker NodeEvent ring capacity; default 50
}

// DefaultConfig matches the deployment defaults.
var DefaultConfig = Config{
	ScanInterval: 3 * time.Second,
	OfflineAfter: 90 * time.Second,
	EventRingLen: 50,
}

// Permission is a per-user ACL entry checked by the Scheduler's resolver
// under fixed/prefer-bound strategies.
type Permission string

const (
	PermUse   Permission = "use"
	PermAdmin Permission = "admin"
)

// Registry owns the in-process Worker cache, the ACL map, and the health
// scan loop. The backing store remains authoritative for every field other
// than the cache itself.
type Registry struct {
	cfg   Config
	store store.Store
	log   zerolog.Logger

	mu    sync.RWMutex
	cache map[string]snapshot
	// events is a bounded ring of NodeEvent per worker, newest last.
	events map[string][]NodeEvent
	// invalidators are called with a worker_id whenever that Worker's
	// cached state is invalidated (e.g. on transition to OFFLINE), so that
	// upstream caches (the Scheduler's resolver, NodeProject lookups) can
	// drop their own copies.
	invalidators []func(workerID string)

	// acl maps (user, worker) -> permission.
	aclMu sync.RWMutex
	acl   map[aclKey]Permission

	stop     chan struct{}
	stopOnce sync.Once
}

type aclKey struct {
	user   string
	worker string
}

// New constructs a Registry backed by st.
func New(st store.Store, cfg Config) *Registry {
	if cfg.ScanInterval <= 0 {
		cfg = DefaultConfig
	}
	if cfg.EventRingLen <= 0 {
		cfg.EventRingLen = DefaultConfig.EventRingLen
	}
	return &Registry{
		cfg:    cfg,
		store:  st,
		log:    log.WithComponent("registry"),
		cache:  make(map[string]snapshot),
		events: make(map[string][]NodeEvent),
		acl:    make(map[aclKey]Permission),
		stop:   make(chan struct{}),
	}
}

// OnInvalidate registers fn to be called whenever a Worker's cached state is
// invalidated, so upstream caches keyed by this Worker can drop their copies.
func (r *Registry) OnInvalidate(fn func(workerID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidators = append(r.invalidators, fn)
}

func (r *Registry) invalidate(workerID string) {
	r.mu.RLock()
	fns := append([]func(string){}, r.invalidators...)
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(workerID)
	}
}

// Register creates a Worker in OFFLINE status and seeds the cache.
func (r *Registry) Register(w *types.Worker) error {
	w.Status = types.WorkerOffline
	if err := r.store.CreateWorker(w); err != nil {
		return taskerr.Wrap(taskerr.KindInternal, "registry: create worker", err)
	}
	r.mu.Lock()
	r.cache[w.PublicID] = snapshot{status: types.WorkerOffline}
	r.appendEventLocked(w.PublicID, EventRegistered)
	r.mu.Unlock()
	return nil
}

// Heartbeat ingests a liveness report: validates the Worker exists,
// transitions OFFLINE->ONLINE if needed, updates last_heartbeat, and stores
// the latest metrics snapshot. Minute-aggregated history rows are the
// responsibility of the out-of-scope DB collaborator's coarse retention
// policy; this method only coalesces the in-memory cache
// (snapshots within the same minute are coalesced; the last value wins).
func (r *Registry) Heartbeat(workerID string, m types.WorkerMetrics) error {
	w, err := r.store.GetWorker(workerID)
	if err != nil {
		return taskerr.Wrap(taskerr.KindValidation, "registry: unknown worker", err)
	}

	now := time.Now().UTC()
	wasOffline := w.Status != types.WorkerOnline
	w.LastHeartbeat = now
	w.Metrics = m
	w.Status = types.WorkerOnline
	if err := r.store.UpdateWorker(w); err != nil {
		return taskerr.Wrap(taskerr.KindInternal, "registry: update worker", err)
	}

	r.mu.Lock()
	r.cache[workerID] = snapshot{status: types.WorkerOnline, lastHeartbeat: now, draining: r.cache[workerID].draining}
	if wasOffline {
		r.appendEventLocked(workerID, EventOnline)
	}
	r.mu.Unlock()

	metrics.HeartbeatsIngested.Inc()
	return nil
}

// Drain marks a Worker as draining: the resolver will no longer target it
// for new dispatches, but its running Runs are left alone. Draining is
// orthogonal to Status.
func (r *Registry) Drain(workerID string, draining bool) {
	r.mu.Lock()
	s := r.cache[workerID]
	s.draining = draining
	r.cache[workerID] = s
	r.mu.Unlock()
}

// IsDraining reports whether workerID is currently draining.
func (r *Registry) IsDraining(workerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cache[workerID].draining
}

// Status returns the cached status for workerID, falling back to the store
// on a cache miss (e.g. process restart).
func (r *Registry) Status(workerID string) (types.WorkerStatus, error) {
	r.mu.RLock()
	s, ok := r.cache[workerID]
	r.mu.RUnlock()
	if ok {
		return s.status, nil
	}
	w, err := r.store.GetWorker(workerID)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.cache[workerID] = snapshot{status: w.Status, lastHeartbeat: w.LastHeartbeat}
	r.mu.Unlock()
	return w.Status, nil
}

// Events returns a copy of the retained NodeEvent ring for workerID, oldest
// first.
func (r *Registry) Events(workerID string) []NodeEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	evs := r.events[workerID]
	out := make([]NodeEvent, len(evs))
	copy(out, evs)
	return out
}

// appendEventLocked appends an event to workerID's ring, evicting the
// oldest entry once the ring is full. Caller holds r.mu.
func (r *Registry) appendEventLocked(workerID string, typ NodeEventType) {
	ring := r.events[workerID]
	ring = append(ring, NodeEvent{Type: typ, WorkerID: workerID, At: time.Now().UTC()})
	if over := len(ring) - r.cfg.EventRingLen; over > 0 {
		ring = ring[over:]
	}
	r.events[workerID] = ring
}

// GrantPermission sets (user, worker) -> perm.
func (r *Registry) GrantPermission(user, workerID string, perm Permission) {
	r.aclMu.Lock()
	defer r.aclMu.Unlock()
	r.acl[aclKey{user, workerID}] = perm
}

// HasAccess reports whether user holds any granted permission on workerID
// (use or admin alike); admins (checked via isAdmin) bypass entirely.
func (r *Registry) HasAccess(user, workerID string, isAdmin bool) bool {
	if isAdmin {
		return true
	}
	r.aclMu.RLock()
	defer r.aclMu.RUnlock()
	_, ok := r.acl[aclKey{user, workerID}]
	return ok
}

// Start begins the smart-scan loop: every ScanInterval,
// iterate Workers the cache believes were online within OfflineAfter, and
// transition any that have gone silent to OFFLINE.
func (r *Registry) Start() {
	go r.scanLoop()
}

// Stop halts the scan loop.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Registry) scanLoop() {
	ticker := time.NewTicker(r.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.scan(); err != nil {
				r.log.Error().Err(err).Msg("health scan failed")
			}
		case <-r.stop:
			return
		}
	}
}

func (r *Registry) scan() error {
	r.mu.RLock()
	candidates := make(map[string]snapshot, len(r.cache))
	for id, s := range r.cache {
		candidates[id] = s
	}
	r.mu.RUnlock()

	now := time.Now().UTC()
	for id, s := range candidates {
		if s.status != types.WorkerOnline {
			continue
		}
		if now.Sub(s.lastHeartbeat) <= r.cfg.OfflineAfter {
			continue
		}
		w, err := r.store.GetWorker(id)
		if err != nil {
			continue
		}
		w.Status = types.WorkerOffline
		if err := r.store.UpdateWorker(w); err != nil {
			r.log.Error().Err(err).Str("worker_id", id).Msg("failed to mark worker offline")
			continue
		}

		r.mu.Lock()
		cur := r.cache[id]
		cur.status = types.WorkerOffline
		r.cache[id] = cur
		r.appendEventLocked(id, EventOffline)
		r.mu.Unlock()

		r.log.Info().Str("worker_id", id).Msg("worker transitioned offline")
		r.invalidate(id)
	}

	r.refreshGauges()
	return nil
}

func (r *Registry) refreshGauges() {
	workers, err := r.store.ListWorkers()
	if err != nil {
		return
	}
	counts := map[types.WorkerStatus]float64{}
	for _, w := range workers {
		counts[w.Status]++
	}
	for _, st := range []types.WorkerStatus{types.WorkerOffline, types.WorkerOnline, types.WorkerUnreachable} {
		metrics.WorkersByStatus.WithLabelValues(string(st)).Set(counts[st])
	}
}

// MarkUnreachable records a transient transport error against workerID
// without waiting for the heartbeat deadline, e.g. on a connection reset.
func (r *Registry) MarkUnreachable(workerID string) error {
	w, err := r.store.GetWorker(workerID)
	if err != nil {
		return err
	}
	w.Status = types.WorkerUnreachable
	if err := r.store.UpdateWorker(w); err != nil {
		return err
	}
	r.mu.Lock()
	cur := r.cache[workerID]
	cur.status = types.WorkerUnreachable
	r.cache[workerID] = cur
	r.appendEventLocked(workerID, EventUnreachable)
	r.mu.Unlock()
	r.invalidate(workerID)
	return nil
}

// ListOnline returns every Worker whose cached status is ONLINE and who is
// not currently draining.
func (r *Registry) ListOnline() ([]*types.Worker, error) {
	workers, err := r.store.ListWorkers()
	if err != nil {
		return nil, err
	}
	var online []*types.Worker
	for _, w := range workers {
		status, err := r.Status(w.PublicID)
		if err != nil || status != types.WorkerOnline {
			continue
		}
		if r.IsDraining(w.PublicID) {
			continue
		}
		online = append(online, w)
	}
	return online, nil
}

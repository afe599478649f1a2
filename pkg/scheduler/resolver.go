package scheduler

import (
	"github.com/taskforge/taskforge/pkg/registry"
	"github.com/taskforge/taskforge/pkg/taskerr"
	"github.com/taskforge/taskforge/pkg/types"
)

// Resolver picks the Worker a Run should dispatch to, combining the
// execution-strategy rules with capability matching and the per-user ACL.
type Resolver struct {
	reg *registry.Registry
}

// NewResolver builds a Resolver over reg.
func NewResolver(reg *registry.Registry) *Resolver {
	return &Resolver{reg: reg}
}

// Resolve picks a Worker for task/project under task.ExecutionStrategy. An
// empty ownerUser disables the ACL check (e.g. system-triggered retries
// inherit the original Run's access decision).
func (r *Resolver) Resolve(task *types.Task, project *types.Project, ownerUser string, ownerIsAdmin bool) (*types.Worker, error) {
	switch task.ExecutionStrategy {
	case types.StrategyLocal:
		if task.TaskType != types.TaskTypeRule {
			return nil, taskerr.New(taskerr.KindValidation, "local strategy is only valid for rule-type tasks")
		}
		// Rule tasks resolved "local" run on the co-located crawler
		// dispatcher, not a remote Worker; callers check for a nil Worker
		// plus StrategyLocal to route there instead of through transport.
		return nil, nil

	case types.StrategyFixed:
		w, err := r.fetchAccessible(task.BoundWorkerRef, ownerUser, ownerIsAdmin)
		if err == nil && r.online(w) {
			return w, nil
		}
		if task.FallbackEnabled {
			return r.auto(task, project, ownerUser, ownerIsAdmin)
		}
		return nil, taskerr.New(taskerr.KindWorkerUnavailable, "fixed worker unavailable and fallback disabled")

	case types.StrategyPreferBound:
		if project != nil && project.BoundWorkerRef != "" {
			w, err := r.fetchAccessible(project.BoundWorkerRef, ownerUser, ownerIsAdmin)
			if err == nil && r.online(w) {
				return w, nil
			}
		}
		return r.auto(task, project, ownerUser, ownerIsAdmin)

	case types.StrategyAuto, "":
		return r.auto(task, project, ownerUser, ownerIsAdmin)

	default:
		return nil, taskerr.New(taskerr.KindValidation, "unknown execution strategy: "+string(task.ExecutionStrategy))
	}
}

func (r *Resolver) fetchAccessible(workerID, ownerUser string, isAdmin bool) (*types.Worker, error) {
	if workerID == "" {
		return nil, taskerr.New(taskerr.KindWorkerUnavailable, "no worker reference set")
	}
	status, err := r.reg.Status(workerID)
	if err != nil {
		return nil, err
	}
	if ownerUser != "" && !r.reg.HasAccess(ownerUser, workerID, isAdmin) {
		return nil, taskerr.New(taskerr.KindWorkerUnavailable, "user lacks access to worker "+workerID)
	}
	return &types.Worker{PublicID: workerID, Status: status}, nil
}

func (r *Resolver) online(w *types.Worker) bool {
	return w != nil && w.Status == types.WorkerOnline && !r.reg.IsDraining(w.PublicID)
}

// requiredCapability extracts the capability tag a Project demands of its
// Worker, if any (a rule project with engine=browser
// requires capabilities.browser=true).
func requiredCapability(project *types.Project) (key string, ok bool) {
	if project == nil || project.Type != types.ProjectRule || project.Rule == nil {
		return "", false
	}
	switch project.Rule.Engine {
	case types.EngineBrowser:
		return "browser", true
	case types.EngineCurlCFFI:
		return "curl_cffi", true
	default:
		return "", false
	}
}

// auto picks an ONLINE, accessible, capability-matching Worker, tie-broken
// by least running_tasks, then lowest cpu_percent, then most recent
// heartbeat.
func (r *Resolver) auto(task *types.Task, project *types.Project, ownerUser string, isAdmin bool) (*types.Worker, error) {
	candidates, err := r.reg.ListOnline()
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindInternal, "resolver: list online workers", err)
	}

	capKey, needsCap := requiredCapability(project)

	var best *types.Worker
	for _, w := range candidates {
		if ownerUser != "" && !r.reg.HasAccess(ownerUser, w.PublicID, isAdmin) {
			continue
		}
		if needsCap && w.Capabilities[capKey] != "true" {
			continue
		}
		if best == nil || better(w, best) {
			best = w
		}
	}
	if best == nil {
		return nil, taskerr.New(taskerr.KindWorkerUnavailable, "no eligible online worker for task "+task.PublicID)
	}
	return best, nil
}

// better reports whether candidate should replace current as the auto pick.
func better(candidate, current *types.Worker) bool {
	if candidate.Metrics.RunningTasks != current.Metrics.RunningTasks {
		return candidate.Metrics.RunningTasks < current.Metrics.RunningTasks
	}
	if candidate.Metrics.CPUPercent != current.Metrics.CPUPercent {
		return candidate.Metrics.CPUPercent < current.Metrics.CPUPercent
	}
	return candidate.LastHeartbeat.After(current.LastHeartbeat)
}

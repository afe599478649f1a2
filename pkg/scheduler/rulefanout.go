package scheduler

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/taskforge/pkg/execstate"
	"github.com/taskforge/taskforge/pkg/taskerr"
	"github.com/taskforge/taskforge/pkg/types"
)

// fireRuleFanout implements the rule-task fan-out: when a rule
// project declares URL-pattern pagination, expand the single trigger fire
// into one independent child dispatch per page, each tagged
// "{execution_id}_page_{n}" for correlation. A child's failure never rolls
// back its siblings.
func (s *Scheduler) fireRuleFanout(task *types.Task, project *types.Project, attempt int) error {
	executionID := uuid.NewString()
	for n, pageURL := range project.Rule.PaginationURLs {
		childRunID := fmt.Sprintf("%s_page_%d", executionID, n)
		run := &types.Run{
			PublicID:  uuid.NewString(),
			RunID:     childRunID,
			TaskRef:   task.PublicID,
			Attempt:   attempt,
			CreatedAt: time.Now().UTC(),
		}
		s.acquireSlot(task, run.RunID)
		state := execstate.Pending()
		state.ApplyTo(run)
		if err := s.store.CreateRun(run); err != nil {
			s.releaseSlot(run.RunID)
			s.log.Error().Err(err).Str("run_id", childRunID).Msg("rule fan-out: failed to create child run")
			continue
		}

		childTask := *task
		childTask.ProjectRef = task.ProjectRef
		childProject := *project
		childProject.Rule = &types.RuleDetail{
			Engine:         project.Rule.Engine,
			TargetURL:      pageURL,
			ExtractRules:   project.Rule.ExtractRules,
			RequestHeaders: project.Rule.RequestHeaders,
		}

		// Each child holds its own slot until its terminal state, exactly
		// like a single-run fire.
		go s.dispatchPage(&childTask, &childProject, run)
	}
	return nil
}

// dispatchPage is dispatchRun's single-page counterpart for fan-out
// children: it always carries a synthetic per-page project so the resolver
// still sees the correct capability requirement (engine).
func (s *Scheduler) dispatchPage(task *types.Task, project *types.Project, run *types.Run) {
	dispatching := mustTransition(execstate.Dispatching(execstate.FromRun(run)))
	dispatching.ApplyTo(run)
	_ = s.store.UpdateRun(run)

	worker, err := s.resolver.Resolve(task, project, task.OwnerRef, false)
	if err != nil {
		s.failDispatch(task, run, dispatching, taskerr.KindOf(err), err.Error())
		return
	}
	s.dispatchToWorker(task, run, dispatching, worker)
}

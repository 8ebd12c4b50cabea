package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/xraph/ralph"
)

// Start drives the workflow to completion: phases in declaration order,
// tasks within each phase in dependency order, one at a time. It blocks
// until the run completes, fails, or ctx is canceled.
//
// Per-task failures are absorbed (logged as TASK_FAILED, siblings
// proceed); a phase whose gate is unsatisfied is reported as PHASE_FAILED
// but does not abort the run. A panic escaping the run loop is recorded
// as WORKFLOW_FAILED and re-panicked.
func (e *Engine) Start(ctx context.Context, executor ralph.Executor) (err error) {
	if executor == nil {
		return ralph.ErrNoExecutor
	}

	e.mu.Lock()
	if e.status == StatusRunning || e.status == StatusPaused {
		e.mu.Unlock()
		return ralph.ErrEngineRunning
	}
	e.status = StatusRunning
	e.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			e.recordFailure(ctx, fmt.Sprintf("panic: %v", r))
			panic(r)
		}
	}()

	if appendErr := e.Append(ctx, ralph.NewEvent(ralph.EventWorkflowStarted)); appendErr != nil {
		e.setStatus(StatusFailed)
		return appendErr
	}

	if runErr := e.runPhases(ctx, executor); runErr != nil {
		e.recordFailure(ctx, runErr.Error())
		return runErr
	}

	done := ralph.NewEvent(ralph.EventWorkflowCompleted)
	done.Payload = ralph.MarshalPayload(ralph.WorkflowFinishedPayload{Metrics: e.State().Metrics})
	if appendErr := e.Append(ctx, done); appendErr != nil {
		e.setStatus(StatusFailed)
		return appendErr
	}

	e.setStatus(StatusCompleted)
	e.logger.Info("workflow completed")
	return nil
}

// recordFailure logs WORKFLOW_FAILED with the current metrics,
// best-effort, and marks the engine failed.
func (e *Engine) recordFailure(ctx context.Context, reason string) {
	evt := ralph.NewEvent(ralph.EventWorkflowFailed)
	evt.Payload = ralph.MarshalPayload(ralph.WorkflowFinishedPayload{
		Error:   reason,
		Metrics: e.State().Metrics,
	})
	if appendErr := e.Append(ctx, evt); appendErr != nil {
		e.logger.Error("failed to record workflow failure", slog.Any("error", appendErr))
	}
	e.setStatus(StatusFailed)
}

// runPhases walks the phase list, skipping phases that precede the
// resume point.
func (e *Engine) runPhases(ctx context.Context, executor ralph.Executor) error {
	for i, phase := range e.phases {
		if i < e.resumePhase {
			continue
		}
		if err := e.waitIfPaused(ctx); err != nil {
			return err
		}
		if err := e.runPhase(ctx, executor, phase); err != nil {
			return err
		}
	}
	return nil
}

// runPhase executes one phase: repeatedly pick tasks whose dependencies
// are all completed and run them in declaration order. When no task is
// ready but some remain, the remainder are permanently blocked and the
// phase body exits. The transition gate then decides PHASE_COMPLETED
// versus PHASE_FAILED.
func (e *Engine) runPhase(ctx context.Context, executor ralph.Executor, phase ralph.PhaseDefinition) error {
	started := ralph.NewEvent(ralph.EventPhaseStarted)
	started.PhaseID = phase.ID
	if err := e.Append(ctx, started); err != nil {
		return err
	}
	e.logger.Info("phase started", slog.String("phase", phase.ID))

	pending := make(map[string]struct{}, len(phase.Tasks))
	for _, t := range phase.Tasks {
		st := e.State()
		if !st.TaskCompleted(t.ID) && !st.TaskFailed(t.ID) {
			pending[t.ID] = struct{}{}
		}
	}

	for len(pending) > 0 {
		ready := e.readyTasks(phase, pending)
		if len(ready) == 0 {
			// Remaining tasks are permanently blocked: a dependency failed.
			break
		}

		for _, task := range ready {
			if err := e.waitIfPaused(ctx); err != nil {
				return err
			}
			if err := e.executeTask(ctx, executor, task, phase); err != nil {
				return err
			}
			delete(pending, task.ID)

			if err := e.maybeCheckpoint(ctx); err != nil {
				return err
			}
		}
	}

	return e.finishPhase(ctx, phase, pending)
}

// readyTasks returns the pending tasks whose every dependency is in the
// completed set, in declaration order.
func (e *Engine) readyTasks(phase ralph.PhaseDefinition, pending map[string]struct{}) []ralph.PhaseTask {
	st := e.State()

	var ready []ralph.PhaseTask
	for _, t := range phase.Tasks {
		if _, ok := pending[t.ID]; !ok {
			continue
		}
		satisfied := true
		for _, dep := range t.Dependencies {
			if !st.TaskCompleted(dep) {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, t)
		}
	}
	return ready
}

// maybeCheckpoint takes a snapshot once the configured number of
// iterations has elapsed since the last one. Retried attempts advance
// the iteration counter by more than one per task, so the check is a
// threshold, not an exact multiple.
func (e *Engine) maybeCheckpoint(ctx context.Context) error {
	e.mu.Lock()
	due := e.cfg.CheckpointEvery > 0 &&
		e.state.Iteration-e.lastCheckpointIter >= e.cfg.CheckpointEvery
	e.mu.Unlock()

	if !due {
		return nil
	}
	return e.takeCheckpoint(ctx)
}

// finishPhase evaluates the transition gate, records the outcome, and
// raises the phase's HITL checkpoint when one is configured.
func (e *Engine) finishPhase(ctx context.Context, phase ralph.PhaseDefinition, pending map[string]struct{}) error {
	st := e.State()
	ok, reason, blockers := phase.TransitionGate.Evaluate(st, phase)

	if ok {
		done := ralph.NewEvent(ralph.EventPhaseCompleted)
		done.PhaseID = phase.ID
		done.Payload = ralph.MarshalPayload(ralph.PhaseCompletedPayload{Reason: reason})
		if err := e.Append(ctx, done); err != nil {
			return err
		}
		e.logger.Info("phase completed", slog.String("phase", phase.ID), slog.String("reason", reason))
	} else {
		for taskID := range pending {
			if !slices.Contains(blockers, taskID) {
				blockers = append(blockers, taskID)
			}
		}
		failed := ralph.NewEvent(ralph.EventPhaseFailed)
		failed.PhaseID = phase.ID
		failed.Payload = ralph.MarshalPayload(ralph.PhaseFailedPayload{Reason: reason, Blockers: blockers})
		if err := e.Append(ctx, failed); err != nil {
			return err
		}
		e.logger.Warn("phase failed",
			slog.String("phase", phase.ID),
			slog.String("reason", reason),
			slog.Any("blockers", blockers))
	}

	if phase.HITLCheckpoint != "" {
		if err := e.RequestHITL(ctx, phase.HITLCheckpoint, map[string]any{"phaseId": phase.ID}); err != nil {
			return err
		}
		if err := e.waitIfPaused(ctx); err != nil {
			return err
		}
	}

	return nil
}

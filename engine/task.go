package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xraph/ralph"
)

// executeTask runs one task through the executor with bounded retry.
// The returned error is only ever an infrastructure failure (log append,
// canceled context); an exhausted task is recorded as TASK_FAILED and
// absorbed so independent siblings proceed.
func (e *Engine) executeTask(ctx context.Context, executor ralph.Executor, task ralph.PhaseTask, phase ralph.PhaseDefinition) error {
	checksum := ralph.TaskChecksum(task.ID, phase.ID)

	e.mu.Lock()
	_, done := e.processed[checksum]
	e.mu.Unlock()
	if done {
		skipped := ralph.NewEvent(ralph.EventTaskSkipped)
		skipped.PhaseID, skipped.TaskID = phase.ID, task.ID
		skipped.Payload = ralph.MarshalPayload(ralph.TaskSkippedPayload{Reason: "already processed"})
		if err := e.Append(ctx, skipped); err != nil {
			return err
		}
		e.logger.Info("task skipped", slog.String("task", task.ID), slog.String("checksum", checksum))
		return nil
	}

	exec := &ralph.TaskExecution{TaskID: task.ID, Status: ralph.TaskPending}
	e.mu.Lock()
	e.executions[task.ID] = exec
	e.mu.Unlock()

	var lastErr string
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		exec.Attempt = attempt
		exec.Status = ralph.TaskRunning
		exec.StartedAt = time.Now().UTC()

		started := ralph.NewEvent(ralph.EventTaskStarted)
		started.PhaseID, started.TaskID = phase.ID, task.ID
		started.Payload = ralph.MarshalPayload(ralph.TaskStartedPayload{
			Attempt:     attempt,
			Description: task.Description,
		})
		if err := e.Append(ctx, started); err != nil {
			return err
		}

		result, execErr := invoke(ctx, executor, task, phase)
		exec.FinishedAt = time.Now().UTC()

		if execErr == nil && result.Success {
			exec.Status = ralph.TaskDone
			exec.Output = result.Output

			completed := ralph.NewEvent(ralph.EventTaskCompleted)
			completed.PhaseID, completed.TaskID = phase.ID, task.ID
			completed.Checksum = checksum
			completed.Payload = ralph.MarshalPayload(ralph.TaskCompletedPayload{
				DurationMs: exec.FinishedAt.Sub(exec.StartedAt).Milliseconds(),
				Attempt:    attempt,
				Output:     truncate(result.Output, e.cfg.OutputSample),
			})
			if err := e.Append(ctx, completed); err != nil {
				return err
			}
			e.logger.Info("task completed", slog.String("task", task.ID), slog.Int("attempt", attempt))
			return nil
		}

		lastErr = errorMessage(result, execErr)
		exec.Error = lastErr

		detected := ralph.NewEvent(ralph.EventErrorDetected)
		detected.PhaseID, detected.TaskID = phase.ID, task.ID
		detected.Payload = ralph.MarshalPayload(ralph.ErrorDetectedPayload{
			Pattern: normalizePattern(lastErr),
			Message: lastErr,
			Attempt: attempt,
		})
		if err := e.Append(ctx, detected); err != nil {
			return err
		}

		if attempt < e.cfg.MaxAttempts {
			delay := e.bo.Delay(attempt)
			exec.RetryAfter = time.Now().UTC().Add(delay)

			retried := ralph.NewEvent(ralph.EventTaskRetried)
			retried.PhaseID, retried.TaskID = phase.ID, task.ID
			retried.Payload = ralph.MarshalPayload(ralph.TaskRetriedPayload{
				Attempt: attempt,
				DelayMs: delay.Milliseconds(),
			})
			if err := e.Append(ctx, retried); err != nil {
				return err
			}

			e.logger.Warn("task attempt failed, retrying",
				slog.String("task", task.ID),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", lastErr))

			if err := e.sleep(ctx, delay); err != nil {
				return err
			}
		}
	}

	exec.Status = ralph.TaskErrored

	failed := ralph.NewEvent(ralph.EventTaskFailed)
	failed.PhaseID, failed.TaskID = phase.ID, task.ID
	failed.Payload = ralph.MarshalPayload(ralph.TaskFailedPayload{
		Attempts: e.cfg.MaxAttempts,
		Error:    lastErr,
	})
	if err := e.Append(ctx, failed); err != nil {
		return err
	}

	e.logger.Error("task failed",
		slog.String("task", task.ID),
		slog.Int("attempts", e.cfg.MaxAttempts),
		slog.String("error", lastErr))
	return nil
}

// invoke calls the executor with panic recovery: an executor panic is a
// failed attempt, not an engine crash.
func invoke(ctx context.Context, executor ralph.Executor, task ralph.PhaseTask, phase ralph.PhaseDefinition) (result ralph.TaskResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return executor(ctx, task, phase)
}

// errorMessage extracts the failure description from an attempt.
func errorMessage(result ralph.TaskResult, err error) string {
	switch {
	case err != nil:
		return err.Error()
	case result.Error != "":
		return result.Error
	default:
		return "executor reported failure"
	}
}

// normalizePattern reduces an error message to its aggregation key: the
// first line, bounded, so recurring errors with varying detail collapse
// into one pattern.
func normalizePattern(msg string) string {
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	const maxPattern = 80
	if len(msg) > maxPattern {
		msg = msg[:maxPattern]
	}
	return msg
}

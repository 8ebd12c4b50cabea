package ralph

import (
	"context"
	"time"
)

// TaskStatus tracks one task's current attempt cycle.
type TaskStatus string

const (
	TaskPending        TaskStatus = "pending"
	TaskRunning        TaskStatus = "running"
	TaskDone           TaskStatus = "completed"
	TaskErrored        TaskStatus = "failed"
	TaskSkippedAlready TaskStatus = "skipped"
)

// TaskResult is what the executor reports back for one attempt.
// Success false (or a returned error) makes the attempt eligible for
// retry with backoff.
type TaskResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Executor is the callback that actually performs a task's work. It is
// supplied by the caller; the engine decides when and whether to invoke
// it, never what it does.
type Executor func(ctx context.Context, task PhaseTask, phase PhaseDefinition) (TaskResult, error)

// TaskExecution is transient, in-memory bookkeeping for one task's attempt
// cycle. It is never persisted directly; its effects are persisted as events.
type TaskExecution struct {
	TaskID     string
	Attempt    int
	Status     TaskStatus
	StartedAt  time.Time
	FinishedAt time.Time
	Output     string
	Error      string
	RetryAfter time.Time
}

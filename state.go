package ralph

import (
	"slices"
	"time"
)

// LoopState is the mutable run state. It is created fresh at engine
// construction or restored from a checkpoint, and from then on mutated
// only by the replay package applying events, never directly. There is
// a single writer; it is not safe for concurrent mutation.
type LoopState struct {
	CurrentPhase   string         `json:"currentPhase"`
	CurrentTask    string         `json:"currentTask,omitempty"`
	TasksCompleted []string       `json:"tasksCompleted"`
	TasksFailed    []string       `json:"tasksFailed"`
	Iteration      int            `json:"iteration"`
	StartTime      time.Time      `json:"startTime"`
	LastCheckpoint time.Time      `json:"lastCheckpoint"`
	ErrorPatterns  []ErrorPattern `json:"errorPatterns"`
	Metrics        Metrics        `json:"metrics"`
}

// ErrorPattern aggregates recurring task errors, keyed by the normalized
// pattern string.
type ErrorPattern struct {
	Pattern          string    `json:"pattern"`
	Occurrences      int       `json:"occurrences"`
	LastSeen         time.Time `json:"lastSeen"`
	AutoFixAttempted bool      `json:"autoFixAttempted"`
}

// Metrics accumulates run-wide counters. AverageTaskTime is a running
// mean in milliseconds, weighted by completed-task count.
type Metrics struct {
	TotalIterations  int     `json:"totalIterations"`
	SuccessfulBuilds int     `json:"successfulBuilds"`
	FailedBuilds     int     `json:"failedBuilds"`
	TestsRun         int     `json:"testsRun"`
	TestsPassed      int     `json:"testsPassed"`
	CommitsCreated   int     `json:"commitsCreated"`
	AverageTaskTime  float64 `json:"averageTaskTime"`
}

// NewLoopState creates a fresh run state.
func NewLoopState() *LoopState {
	return &LoopState{
		TasksCompleted: []string{},
		TasksFailed:    []string{},
		ErrorPatterns:  []ErrorPattern{},
		StartTime:      time.Now().UTC(),
	}
}

// TaskCompleted reports whether the task is in the completed set.
func (s *LoopState) TaskCompleted(taskID string) bool {
	return slices.Contains(s.TasksCompleted, taskID)
}

// TaskFailed reports whether the task is in the failed set.
func (s *LoopState) TaskFailed(taskID string) bool {
	return slices.Contains(s.TasksFailed, taskID)
}

// Clone returns a deep copy, used for checkpoint snapshots so the live
// state can keep mutating while the snapshot is persisted.
func (s *LoopState) Clone() *LoopState {
	cp := *s
	cp.TasksCompleted = slices.Clone(s.TasksCompleted)
	cp.TasksFailed = slices.Clone(s.TasksFailed)
	cp.ErrorPatterns = slices.Clone(s.ErrorPatterns)
	return &cp
}

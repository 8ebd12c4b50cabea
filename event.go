package ralph

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	json "github.com/goccy/go-json"

	"github.com/xraph/ralph/id"
)

// EventType identifies the kind of workflow transition. The set is closed:
// the replay transition table is exhaustive over it.
type EventType string

const (
	// Workflow lifecycle.
	EventWorkflowStarted   EventType = "WORKFLOW_STARTED"
	EventWorkflowCompleted EventType = "WORKFLOW_COMPLETED"
	EventWorkflowFailed    EventType = "WORKFLOW_FAILED"

	// Phase lifecycle.
	EventPhaseStarted   EventType = "PHASE_STARTED"
	EventPhaseCompleted EventType = "PHASE_COMPLETED"
	EventPhaseFailed    EventType = "PHASE_FAILED"

	// Task lifecycle.
	EventTaskStarted   EventType = "TASK_STARTED"
	EventTaskCompleted EventType = "TASK_COMPLETED"
	EventTaskFailed    EventType = "TASK_FAILED"
	EventTaskRetried   EventType = "TASK_RETRIED"
	EventTaskSkipped   EventType = "TASK_SKIPPED"

	// Tooling feedback.
	EventBuildOutput   EventType = "BUILD_OUTPUT"
	EventTestResult    EventType = "TEST_RESULT"
	EventErrorDetected EventType = "ERROR_DETECTED"
	EventCommitCreated EventType = "COMMIT_CREATED"

	// Control plane.
	EventCheckpointCreated EventType = "CHECKPOINT_CREATED"
	EventHITLRequested     EventType = "HITL_REQUESTED"
	EventHITLResolved      EventType = "HITL_RESOLVED"
)

// knownEventTypes is the closed set used by log readers to reject
// records of unknown shape (e.g. a partial write that still parses).
var knownEventTypes = map[EventType]struct{}{
	EventWorkflowStarted: {}, EventWorkflowCompleted: {}, EventWorkflowFailed: {},
	EventPhaseStarted: {}, EventPhaseCompleted: {}, EventPhaseFailed: {},
	EventTaskStarted: {}, EventTaskCompleted: {}, EventTaskFailed: {},
	EventTaskRetried: {}, EventTaskSkipped: {},
	EventBuildOutput: {}, EventTestResult: {}, EventErrorDetected: {},
	EventCommitCreated: {},
	EventCheckpointCreated: {}, EventHITLRequested: {}, EventHITLResolved: {},
}

// Valid reports whether t is a member of the closed event type set.
func (t EventType) Valid() bool {
	_, ok := knownEventTypes[t]
	return ok
}

// Event is an immutable fact in the workflow's append-only log. Once
// appended it is never mutated or reordered; append order is causal order.
//
// The wire format is one JSON object per line with camelCase keys, so the
// log can be tailed and inspected by external tooling.
type Event struct {
	ID        id.EventID      `json:"id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	PhaseID   string          `json:"phaseId,omitempty"`
	TaskID    string          `json:"taskId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Checksum  string          `json:"checksum,omitempty"`
}

// NewEvent creates an event with a fresh K-sortable ID and the current
// UTC timestamp. Payload, phase, and task fields are set by the caller.
func NewEvent(typ EventType) *Event {
	return &Event{
		ID:        id.NewEventID(),
		Type:      typ,
		Timestamp: time.Now().UTC(),
	}
}

// MarshalPayload encodes a typed payload struct into the free-form wire
// field. It panics on error: payload structs are plain data and a marshal
// failure is a programming error.
func MarshalPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("ralph: marshal event payload: " + err.Error())
	}
	return data
}

// PayloadAs decodes an event's payload into the typed struct for its
// event type. A missing payload yields the zero value and no error.
func PayloadAs[T any](e *Event) (T, error) {
	var out T
	if len(e.Payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(e.Payload, &out); err != nil {
		return out, err
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// Typed payloads, one per event type that carries data
// ──────────────────────────────────────────────────

// TaskStartedPayload accompanies TASK_STARTED.
type TaskStartedPayload struct {
	Attempt     int    `json:"attempt"`
	Description string `json:"description,omitempty"`
}

// TaskCompletedPayload accompanies TASK_COMPLETED. DurationMs feeds the
// running averageTaskTime metric during replay.
type TaskCompletedPayload struct {
	DurationMs int64  `json:"durationMs"`
	Attempt    int    `json:"attempt"`
	Output     string `json:"output,omitempty"`
}

// TaskFailedPayload accompanies TASK_FAILED after retries are exhausted.
type TaskFailedPayload struct {
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

// TaskRetriedPayload accompanies TASK_RETRIED with the computed backoff.
type TaskRetriedPayload struct {
	Attempt int   `json:"attempt"`
	DelayMs int64 `json:"delayMs"`
}

// TaskSkippedPayload accompanies TASK_SKIPPED when the idempotency
// checksum was already processed.
type TaskSkippedPayload struct {
	Reason string `json:"reason"`
}

// BuildOutputPayload accompanies BUILD_OUTPUT.
type BuildOutputPayload struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
}

// TestResultPayload accompanies TEST_RESULT.
type TestResultPayload struct {
	Passed  bool   `json:"passed"`
	Name    string `json:"name,omitempty"`
	Details string `json:"details,omitempty"`
}

// ErrorDetectedPayload accompanies ERROR_DETECTED. Pattern is the
// normalized form used to aggregate recurring errors.
type ErrorDetectedPayload struct {
	Pattern string `json:"pattern"`
	Message string `json:"message"`
	Attempt int    `json:"attempt,omitempty"`
}

// CommitCreatedPayload accompanies COMMIT_CREATED.
type CommitCreatedPayload struct {
	Message string `json:"message"`
}

// PhaseCompletedPayload accompanies PHASE_COMPLETED.
type PhaseCompletedPayload struct {
	Reason string `json:"reason"`
}

// PhaseFailedPayload accompanies PHASE_FAILED. Blockers lists tasks that
// never became ready because a dependency failed.
type PhaseFailedPayload struct {
	Reason   string   `json:"reason"`
	Blockers []string `json:"blockers,omitempty"`
}

// CheckpointCreatedPayload accompanies CHECKPOINT_CREATED.
type CheckpointCreatedPayload struct {
	CheckpointID string `json:"checkpointId"`
	TotalEvents  int    `json:"totalEvents"`
}

// HITLRequestedPayload accompanies HITL_REQUESTED.
type HITLRequestedPayload struct {
	Reason string         `json:"reason"`
	Data   map[string]any `json:"data,omitempty"`
}

// HITLResolvedPayload accompanies HITL_RESOLVED.
type HITLResolvedPayload struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

// WorkflowFinishedPayload accompanies WORKFLOW_COMPLETED and
// WORKFLOW_FAILED with the final metrics snapshot.
type WorkflowFinishedPayload struct {
	Error   string  `json:"error,omitempty"`
	Metrics Metrics `json:"metrics"`
}

// TaskChecksum computes the stable idempotency fingerprint for one unit
// of work: task ID and phase ID only, not the task's inputs. Re-entry
// after a crash-and-resume therefore never re-executes a task that
// already ran.
func TaskChecksum(taskID, phaseID string) string {
	sum := sha256.Sum256([]byte(taskID + "\x00" + phaseID))
	return hex.EncodeToString(sum[:])
}

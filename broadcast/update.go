// Package broadcast fans workflow progress out to in-process subscribers,
// a derived progress stream on disk, and external webhooks. It is the
// read side of the engine: it never writes to the workflow event log and
// losing a progress update never affects correctness.
package broadcast

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/xraph/ralph"
)

// UpdateType categorizes a progress update for subscriber filtering.
type UpdateType string

const (
	UpdateWorkflow   UpdateType = "workflow"
	UpdatePhase      UpdateType = "phase"
	UpdateTask       UpdateType = "task"
	UpdateBuild      UpdateType = "build"
	UpdateTest       UpdateType = "test"
	UpdateError      UpdateType = "error"
	UpdateHITL       UpdateType = "hitl"
	UpdateCheckpoint UpdateType = "checkpoint"
)

// UpdateStatus is the coarse state conveyed by an update.
type UpdateStatus string

const (
	StatusPending   UpdateStatus = "pending"
	StatusRunning   UpdateStatus = "running"
	StatusCompleted UpdateStatus = "completed"
	StatusError     UpdateStatus = "error"
	StatusWaiting   UpdateStatus = "waiting"
)

// ProgressUpdate is the broadcast message delivered to subscribers,
// written to the progress stream, and shaped into webhook payloads.
type ProgressUpdate struct {
	Type      UpdateType     `json:"type"`
	Status    UpdateStatus   `json:"status"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	PhaseID   string         `json:"phaseId,omitempty"`
	TaskID    string         `json:"taskId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Translate maps a workflow event to its progress update. The mapping is
// fixed; event types with no subscriber-facing meaning (TASK_SKIPPED,
// COMMIT_CREATED) return ok=false and produce no update.
func Translate(evt *ralph.Event) (*ProgressUpdate, bool) {
	u := &ProgressUpdate{
		Timestamp: evt.Timestamp,
		PhaseID:   evt.PhaseID,
		TaskID:    evt.TaskID,
		Data:      payloadData(evt),
	}

	switch evt.Type {
	case ralph.EventWorkflowStarted:
		u.Type, u.Status = UpdateWorkflow, StatusRunning
		u.Message = "workflow started"
	case ralph.EventWorkflowCompleted:
		u.Type, u.Status = UpdateWorkflow, StatusCompleted
		u.Message = "workflow completed"
	case ralph.EventWorkflowFailed:
		u.Type, u.Status = UpdateWorkflow, StatusError
		u.Message = "workflow failed"

	case ralph.EventPhaseStarted:
		u.Type, u.Status = UpdatePhase, StatusRunning
		u.Message = fmt.Sprintf("phase %s started", evt.PhaseID)
	case ralph.EventPhaseCompleted:
		u.Type, u.Status = UpdatePhase, StatusCompleted
		u.Message = fmt.Sprintf("phase %s completed", evt.PhaseID)
	case ralph.EventPhaseFailed:
		u.Type, u.Status = UpdatePhase, StatusError
		u.Message = fmt.Sprintf("phase %s failed", evt.PhaseID)

	case ralph.EventTaskStarted:
		u.Type, u.Status = UpdateTask, StatusRunning
		u.Message = fmt.Sprintf("task %s started", evt.TaskID)
	case ralph.EventTaskCompleted:
		u.Type, u.Status = UpdateTask, StatusCompleted
		u.Message = fmt.Sprintf("task %s completed", evt.TaskID)
	case ralph.EventTaskFailed:
		u.Type, u.Status = UpdateTask, StatusError
		u.Message = fmt.Sprintf("task %s failed", evt.TaskID)
	case ralph.EventTaskRetried:
		u.Type, u.Status = UpdateTask, StatusPending
		u.Message = fmt.Sprintf("task %s retrying", evt.TaskID)

	case ralph.EventBuildOutput:
		p, _ := ralph.PayloadAs[ralph.BuildOutputPayload](evt)
		u.Type = UpdateBuild
		if p.Success {
			u.Status, u.Message = StatusCompleted, "build succeeded"
		} else {
			u.Status, u.Message = StatusError, "build failed"
		}
	case ralph.EventTestResult:
		p, _ := ralph.PayloadAs[ralph.TestResultPayload](evt)
		u.Type = UpdateTest
		if p.Passed {
			u.Status, u.Message = StatusCompleted, "tests passed"
		} else {
			u.Status, u.Message = StatusError, "tests failed"
		}
	case ralph.EventErrorDetected:
		p, _ := ralph.PayloadAs[ralph.ErrorDetectedPayload](evt)
		u.Type, u.Status = UpdateError, StatusError
		u.Message = p.Message
		if u.Message == "" {
			u.Message = p.Pattern
		}

	case ralph.EventCheckpointCreated:
		u.Type, u.Status = UpdateCheckpoint, StatusCompleted
		u.Message = "checkpoint created"

	case ralph.EventHITLRequested:
		p, _ := ralph.PayloadAs[ralph.HITLRequestedPayload](evt)
		u.Type, u.Status = UpdateHITL, StatusWaiting
		u.Message = p.Reason
		if u.Message == "" {
			u.Message = "human review requested"
		}
	case ralph.EventHITLResolved:
		p, _ := ralph.PayloadAs[ralph.HITLResolvedPayload](evt)
		u.Type = UpdateHITL
		if p.Approved {
			u.Status, u.Message = StatusCompleted, "human review approved"
		} else {
			u.Status, u.Message = StatusWaiting, "human review rejected"
		}

	default:
		return nil, false
	}

	return u, true
}

// payloadData decodes an event payload into the update's free-form data
// map. Decode failures drop the data rather than the update.
func payloadData(evt *ralph.Event) map[string]any {
	if len(evt.Payload) == 0 {
		return nil
	}
	var data map[string]any
	if err := json.Unmarshal(evt.Payload, &data); err != nil {
		return nil
	}
	return data
}

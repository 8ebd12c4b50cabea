// Package replay is the state reconstructor: a deterministic left-fold of
// workflow events onto a loop state. The same function mutates live state
// as the engine appends events and rebuilds state during crash recovery,
// so identical event sequences always yield identical states regardless
// of when or where they are replayed.
package replay

import (
	"github.com/xraph/ralph"
)

// Apply folds one event onto the state. It is deterministic and free of
// side effects: every timestamp written into the state comes from the
// event, never from the wall clock.
//
// Event types not listed in the transition table are recorded in the log
// for audit and progress purposes but do not mutate state.
func Apply(st *ralph.LoopState, evt *ralph.Event) {
	switch evt.Type {
	case ralph.EventPhaseStarted:
		st.CurrentPhase = evt.PhaseID
		st.LastCheckpoint = evt.Timestamp

	case ralph.EventTaskStarted:
		st.CurrentTask = evt.TaskID
		st.Iteration++
		st.Metrics.TotalIterations++

	case ralph.EventTaskCompleted:
		if !st.TaskCompleted(evt.TaskID) {
			st.TasksCompleted = append(st.TasksCompleted, evt.TaskID)
			p, _ := ralph.PayloadAs[ralph.TaskCompletedPayload](evt)
			n := float64(len(st.TasksCompleted))
			st.Metrics.AverageTaskTime += (float64(p.DurationMs) - st.Metrics.AverageTaskTime) / n
		}
		st.CurrentTask = ""

	case ralph.EventTaskFailed:
		if !st.TaskFailed(evt.TaskID) {
			st.TasksFailed = append(st.TasksFailed, evt.TaskID)
		}
		st.CurrentTask = ""

	case ralph.EventBuildOutput:
		p, _ := ralph.PayloadAs[ralph.BuildOutputPayload](evt)
		if p.Success {
			st.Metrics.SuccessfulBuilds++
		} else {
			st.Metrics.FailedBuilds++
		}

	case ralph.EventTestResult:
		p, _ := ralph.PayloadAs[ralph.TestResultPayload](evt)
		st.Metrics.TestsRun++
		if p.Passed {
			st.Metrics.TestsPassed++
		}

	case ralph.EventErrorDetected:
		p, _ := ralph.PayloadAs[ralph.ErrorDetectedPayload](evt)
		upsertErrorPattern(st, p.Pattern, evt)

	default:
		// Audit-only event type.
	}
}

// Replay left-folds events onto st and returns it.
func Replay(events []*ralph.Event, st *ralph.LoopState) *ralph.LoopState {
	for _, evt := range events {
		Apply(st, evt)
	}
	return st
}

// upsertErrorPattern increments an existing pattern's occurrence count or
// appends a new entry. Patterns keep their first-seen position so replays
// produce an identical slice order.
func upsertErrorPattern(st *ralph.LoopState, pattern string, evt *ralph.Event) {
	for i := range st.ErrorPatterns {
		if st.ErrorPatterns[i].Pattern == pattern {
			st.ErrorPatterns[i].Occurrences++
			st.ErrorPatterns[i].LastSeen = evt.Timestamp
			return
		}
	}
	st.ErrorPatterns = append(st.ErrorPatterns, ralph.ErrorPattern{
		Pattern:     pattern,
		Occurrences: 1,
		LastSeen:    evt.Timestamp,
	})
}

package ralph

import (
	"fmt"
	"strings"
)

// PhaseTask is one unit of work inside a phase. Dependencies name other
// tasks in the same phase that must complete first.
type PhaseTask struct {
	ID               string   `json:"id"`
	Description      string   `json:"description"`
	EstimatedMinutes int      `json:"estimatedMinutes,omitempty"`
	Dependencies     []string `json:"dependencies,omitempty"`
}

// GateType selects the rule for declaring a phase done.
type GateType string

const (
	// GateAllTasksComplete requires every task in the phase to be in the
	// completed set. This is the default when no gate is configured.
	GateAllTasksComplete GateType = "all_tasks_complete"

	// GateNoFailedTasks passes as long as no task in the phase failed,
	// even if some were left blocked.
	GateNoFailedTasks GateType = "no_failed_tasks"

	// GateBuildsSucceed requires at least one build recorded and no
	// failed builds.
	GateBuildsSucceed GateType = "builds_succeed"

	// GateTestsPass requires at least one test recorded and all passing.
	GateTestsPass GateType = "tests_pass"
)

// TransitionGate is the rule evaluated at the end of a phase.
type TransitionGate struct {
	Type        GateType `json:"type,omitempty"`
	Description string   `json:"description,omitempty"`
}

// PhaseDefinition is static configuration supplied at engine construction
// and immutable for the run's lifetime.
type PhaseDefinition struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Tasks          []PhaseTask    `json:"tasks"`
	TransitionGate TransitionGate `json:"transitionGate,omitempty"`

	// HITLCheckpoint, when non-empty, is the human-review prompt raised
	// at the phase boundary before the run may continue.
	HITLCheckpoint string `json:"hitlCheckpoint,omitempty"`
}

// Evaluate checks the gate against the reconstructed state. It returns
// whether the gate is satisfied, a human-readable reason either way, and
// the IDs of tasks blocking satisfaction (for the failure event).
func (g TransitionGate) Evaluate(st *LoopState, phase PhaseDefinition) (bool, string, []string) {
	typ := g.Type
	if typ == "" {
		typ = GateAllTasksComplete
	}

	switch typ {
	case GateAllTasksComplete:
		var blockers []string
		for _, t := range phase.Tasks {
			if !st.TaskCompleted(t.ID) {
				blockers = append(blockers, t.ID)
			}
		}
		if len(blockers) > 0 {
			return false, fmt.Sprintf("tasks incomplete: %s", strings.Join(blockers, ", ")), blockers
		}
		return true, "all tasks complete", nil

	case GateNoFailedTasks:
		var failed []string
		for _, t := range phase.Tasks {
			if st.TaskFailed(t.ID) {
				failed = append(failed, t.ID)
			}
		}
		if len(failed) > 0 {
			return false, fmt.Sprintf("tasks failed: %s", strings.Join(failed, ", ")), failed
		}
		return true, "no failed tasks", nil

	case GateBuildsSucceed:
		m := st.Metrics
		if m.SuccessfulBuilds == 0 && m.FailedBuilds == 0 {
			return false, "no builds recorded", nil
		}
		if m.FailedBuilds > 0 {
			return false, fmt.Sprintf("%d build(s) failed", m.FailedBuilds), nil
		}
		return true, "all builds succeeded", nil

	case GateTestsPass:
		m := st.Metrics
		if m.TestsRun == 0 {
			return false, "no tests recorded", nil
		}
		if m.TestsPassed < m.TestsRun {
			return false, fmt.Sprintf("%d of %d tests failed", m.TestsRun-m.TestsPassed, m.TestsRun), nil
		}
		return true, "all tests passed", nil

	default:
		return false, fmt.Sprintf("unknown gate type %q", typ), nil
	}
}

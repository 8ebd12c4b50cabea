package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/ralph"
	"github.com/xraph/ralph/id"
)

// appendTaskCycle appends a TASK_STARTED/TASK_COMPLETED pair for one task.
func appendTaskCycle(t *testing.T, e *Engine, phaseID, taskID string) {
	t.Helper()
	ctx := context.Background()

	started := ralph.NewEvent(ralph.EventTaskStarted)
	started.PhaseID, started.TaskID = phaseID, taskID
	if err := e.Append(ctx, started); err != nil {
		t.Fatalf("Append error: %v", err)
	}

	completed := ralph.NewEvent(ralph.EventTaskCompleted)
	completed.PhaseID, completed.TaskID = phaseID, taskID
	completed.Checksum = ralph.TaskChecksum(taskID, phaseID)
	completed.Payload = ralph.MarshalPayload(ralph.TaskCompletedPayload{DurationMs: 50, Attempt: 1})
	if err := e.Append(ctx, completed); err != nil {
		t.Fatalf("Append error: %v", err)
	}
}

func TestResumeEquivalence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	phases := []ralph.PhaseDefinition{{
		ID: "p",
		Tasks: []ralph.PhaseTask{
			{ID: "t1"}, {ID: "t2"}, {ID: "t3"}, {ID: "t4"}, {ID: "t5"}, {ID: "t6"}, {ID: "t7"},
		},
	}}
	e, err := New(dir, phases, WithLogger(discard()))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	phaseStarted := ralph.NewEvent(ralph.EventPhaseStarted)
	phaseStarted.PhaseID = "p"
	if err := e.Append(ctx, phaseStarted); err != nil {
		t.Fatalf("Append error: %v", err)
	}
	for i := 1; i <= 4; i++ {
		appendTaskCycle(t, e, "p", fmt.Sprintf("t%d", i))
	}

	// Snapshot mid-run, then keep appending past it.
	if err := e.takeCheckpoint(ctx); err != nil {
		t.Fatalf("takeCheckpoint error: %v", err)
	}
	for i := 5; i <= 6; i++ {
		appendTaskCycle(t, e, "p", fmt.Sprintf("t%d", i))
	}

	preCrash := e.State()
	e.Close()

	resumed, err := Resume(ctx, dir, WithLogger(discard()))
	if err != nil {
		t.Fatalf("Resume error: %v", err)
	}
	defer resumed.Close()

	got := resumed.State()
	if !got.StartTime.Equal(preCrash.StartTime) {
		t.Errorf("StartTime = %v, want %v", got.StartTime, preCrash.StartTime)
	}
	if !got.LastCheckpoint.Equal(preCrash.LastCheckpoint) {
		t.Errorf("LastCheckpoint = %v, want %v", got.LastCheckpoint, preCrash.LastCheckpoint)
	}
	got.StartTime, preCrash.StartTime = time.Time{}, time.Time{}
	got.LastCheckpoint, preCrash.LastCheckpoint = time.Time{}, time.Time{}
	if !reflect.DeepEqual(got, preCrash) {
		t.Errorf("resumed state differs from pre-crash state:\n got %+v\nwant %+v", got, preCrash)
	}
	if resumed.Status() != StatusIdle {
		t.Errorf("Status = %s, want %s", resumed.Status(), StatusIdle)
	}
}

func TestResumeDoesNotReExecute(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	phases := []ralph.PhaseDefinition{
		{ID: "p1", Tasks: []ralph.PhaseTask{{ID: "t1"}}},
		{ID: "p2", Tasks: []ralph.PhaseTask{{ID: "t2"}}},
	}
	cfg := ralph.DefaultConfig()
	cfg.CheckpointEvery = 1

	e1, err := New(dir, phases, WithLogger(discard()), WithConfig(cfg))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := e1.Start(ctx, succeedingExecutor(nil)); err != nil {
		t.Fatalf("first Start error: %v", err)
	}
	firstLen := len(loadEvents(t, e1))
	e1.Close()

	resumed, err := Resume(ctx, dir, WithLogger(discard()), WithConfig(cfg))
	if err != nil {
		t.Fatalf("Resume error: %v", err)
	}
	defer resumed.Close()

	var calls atomic.Int64
	if err := resumed.Start(ctx, succeedingExecutor(&calls)); err != nil {
		t.Fatalf("resumed Start error: %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("executor invoked %d times after resume, want 0", calls.Load())
	}

	// Earlier phases are skipped entirely: no events for p1's task at all
	// in the post-resume segment.
	for _, evt := range loadEvents(t, resumed)[firstLen:] {
		if evt.TaskID == "t1" {
			t.Errorf("post-resume event %s for t1; earlier phase should be skipped", evt.Type)
		}
	}
}

func TestResumeWithoutCheckpoint(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	phases := foundationPhases()

	// Two iterations never hit the default checkpoint cadence, so the run
	// leaves events but no snapshot.
	e1, err := New(dir, phases, WithLogger(discard()))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := e1.Start(ctx, succeedingExecutor(nil)); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	e1.Close()

	if _, err := Resume(ctx, dir, WithLogger(discard())); !errors.Is(err, ralph.ErrNoPhases) {
		t.Errorf("Resume without phases error = %v, want ErrNoPhases", err)
	}

	resumed, err := Resume(ctx, dir, WithLogger(discard()), WithPhases(phases))
	if err != nil {
		t.Fatalf("Resume error: %v", err)
	}
	defer resumed.Close()

	st := resumed.State()
	if !st.TaskCompleted("task-1") || !st.TaskCompleted("task-2") {
		t.Errorf("TasksCompleted = %v, want both tasks after full-log replay", st.TasksCompleted)
	}
}

func TestResumeNothingToResume(t *testing.T) {
	_, err := Resume(context.Background(), t.TempDir(), WithLogger(discard()))
	if !errors.Is(err, ralph.ErrNothingToResume) {
		t.Errorf("Resume error = %v, want ErrNothingToResume", err)
	}
}

func TestTailAfter(t *testing.T) {
	mk := func() *ralph.Event {
		evt := ralph.NewEvent(ralph.EventTaskStarted)
		time.Sleep(2 * time.Millisecond) // keep IDs strictly K-ordered
		return evt
	}

	e1, e2 := mk(), mk()
	marker := id.NewEventID() // a log position that was dropped from the log
	time.Sleep(2 * time.Millisecond)
	e3 := mk()
	events := []*ralph.Event{e1, e2, e3}

	got := tailAfter(events, e2.ID, discard())
	if len(got) != 1 || !got[0].ID.Equal(e3.ID) {
		t.Errorf("tailAfter(e2) = %d events, want exactly e3", len(got))
	}

	// The exact position is gone; fall back to K-sortable ID order.
	got = tailAfter(events, marker, discard())
	if len(got) != 1 || !got[0].ID.Equal(e3.ID) {
		t.Errorf("tailAfter(missing marker) = %d events, want exactly e3", len(got))
	}

	if got := tailAfter(events, id.Nil, discard()); len(got) != 3 {
		t.Errorf("tailAfter(nil) = %d events, want all 3", len(got))
	}
}

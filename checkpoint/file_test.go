package checkpoint_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/xraph/ralph"
	"github.com/xraph/ralph/checkpoint"
	"github.com/xraph/ralph/eventlog"
	"github.com/xraph/ralph/id"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func snapshot(completed ...string) *checkpoint.Checkpoint {
	st := ralph.NewLoopState()
	st.CurrentPhase = "foundation"
	st.TasksCompleted = append(st.TasksCompleted, completed...)

	return &checkpoint.Checkpoint{
		ID:        id.NewCheckpointID(),
		Timestamp: st.StartTime,
		State:     st,
		Phases: []ralph.PhaseDefinition{
			{ID: "foundation", Name: "Foundation", Tasks: []ralph.PhaseTask{{ID: "task-1"}}},
		},
		LastEvent: id.NewEventID(),
		Metadata:  checkpoint.Metadata{TotalEvents: len(completed), Version: checkpoint.Version},
	}
}

func TestSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemLog()
	store := checkpoint.NewFileStore(filepath.Join(t.TempDir(), "checkpoint.json"), log, discard())

	want := snapshot("task-1", "task-2")
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got == nil {
		t.Fatal("Load returned nil after Save")
	}
	if got.ID.String() != want.ID.String() {
		t.Errorf("ID = %s, want %s", got.ID, want.ID)
	}
	if got.LastEvent.String() != want.LastEvent.String() {
		t.Errorf("LastEvent = %s, want %s", got.LastEvent, want.LastEvent)
	}
	if got.State.CurrentPhase != "foundation" {
		t.Errorf("CurrentPhase = %q, want %q", got.State.CurrentPhase, "foundation")
	}
	if len(got.State.TasksCompleted) != 2 {
		t.Errorf("TasksCompleted has %d entries, want 2", len(got.State.TasksCompleted))
	}
	if got.Metadata.Version != checkpoint.Version {
		t.Errorf("Version = %d, want %d", got.Metadata.Version, checkpoint.Version)
	}
}

func TestLatestWriteWins(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewFileStore(filepath.Join(t.TempDir(), "checkpoint.json"), eventlog.NewMemLog(), discard())

	first := snapshot("task-1")
	second := snapshot("task-1", "task-2", "task-3")

	if err := store.Save(ctx, first); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if err := store.Save(ctx, second); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got.ID.String() != second.ID.String() {
		t.Errorf("Load returned %s, want the latest snapshot %s", got.ID, second.ID)
	}
	if len(got.State.TasksCompleted) != 3 {
		t.Errorf("TasksCompleted has %d entries, want 3", len(got.State.TasksCompleted))
	}
}

func TestSaveAppendsCheckpointEvent(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemLog()
	store := checkpoint.NewFileStore(filepath.Join(t.TempDir(), "checkpoint.json"), log, discard())

	cp := snapshot("task-1")
	cp.Metadata.TotalEvents = 7
	if err := store.Save(ctx, cp); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	events, err := log.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("log has %d events, want 1", len(events))
	}
	if events[0].Type != ralph.EventCheckpointCreated {
		t.Fatalf("event type = %s, want %s", events[0].Type, ralph.EventCheckpointCreated)
	}

	p, err := ralph.PayloadAs[ralph.CheckpointCreatedPayload](events[0])
	if err != nil {
		t.Fatalf("PayloadAs error: %v", err)
	}
	if p.CheckpointID != cp.ID.String() {
		t.Errorf("payload checkpointId = %q, want %q", p.CheckpointID, cp.ID)
	}
	if p.TotalEvents != 7 {
		t.Errorf("payload totalEvents = %d, want 7", p.TotalEvents)
	}
}

func TestLoadWithoutSnapshot(t *testing.T) {
	store := checkpoint.NewFileStore(filepath.Join(t.TempDir(), "checkpoint.json"), eventlog.NewMemLog(), discard())

	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got != nil {
		t.Errorf("Load = %+v, want nil when no snapshot exists", got)
	}
}

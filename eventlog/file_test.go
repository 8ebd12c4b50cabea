package eventlog_test

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/xraph/ralph"
	"github.com/xraph/ralph/eventlog"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func openTemp(t *testing.T) *eventlog.FileLog {
	t.Helper()
	l, err := eventlog.Open(filepath.Join(t.TempDir(), "events.jsonl"), discard())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendAndLoadAll(t *testing.T) {
	ctx := context.Background()
	l := openTemp(t)

	want := []*ralph.Event{
		ralph.NewEvent(ralph.EventPhaseStarted),
		ralph.NewEvent(ralph.EventTaskStarted),
		ralph.NewEvent(ralph.EventTaskCompleted),
	}
	want[0].PhaseID = "foundation"
	want[1].TaskID = "task-1"
	want[2].TaskID = "task-1"
	want[2].Checksum = ralph.TaskChecksum("task-1", "foundation")
	want[2].Payload = ralph.MarshalPayload(ralph.TaskCompletedPayload{DurationMs: 42, Attempt: 1})

	for _, evt := range want {
		if err := l.Append(ctx, evt); err != nil {
			t.Fatalf("Append error: %v", err)
		}
	}

	got, err := l.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll error: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("LoadAll returned %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID.String() != want[i].ID.String() {
			t.Errorf("event %d: ID = %s, want %s", i, got[i].ID, want[i].ID)
		}
		if got[i].Type != want[i].Type {
			t.Errorf("event %d: Type = %s, want %s", i, got[i].Type, want[i].Type)
		}
	}

	// Checksum survives the round trip.
	if got[2].Checksum != want[2].Checksum {
		t.Errorf("checksum = %q, want %q", got[2].Checksum, want[2].Checksum)
	}

	p, err := ralph.PayloadAs[ralph.TaskCompletedPayload](got[2])
	if err != nil {
		t.Fatalf("PayloadAs error: %v", err)
	}
	if p.DurationMs != 42 {
		t.Errorf("payload durationMs = %d, want 42", p.DurationMs)
	}
}

func TestLoadAllSkipsTrailingCorruption(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.jsonl")

	l, err := eventlog.Open(path, discard())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer l.Close()

	for range 3 {
		if err := l.Append(ctx, ralph.NewEvent(ralph.EventTaskStarted)); err != nil {
			t.Fatalf("Append error: %v", err)
		}
	}

	// Simulate a crash mid-append: a torn, partial line at the tail.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	if _, err := f.WriteString(`{"id":"evt_truncat`); err != nil {
		t.Fatalf("write torn line: %v", err)
	}
	f.Close()

	got, err := l.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("LoadAll returned %d events, want 3 (torn line skipped)", len(got))
	}
	if l.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", l.Dropped())
	}
}

func TestLoadAllSkipsOversizedLine(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.jsonl")

	l, err := eventlog.Open(path, discard())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer l.Close()

	if err := l.Append(ctx, ralph.NewEvent(ralph.EventTaskStarted)); err != nil {
		t.Fatalf("Append error: %v", err)
	}

	// One corrupt record far beyond any well-formed line's size, with
	// valid events on both sides of it.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	if _, err := f.Write(append(bytes.Repeat([]byte("x"), 2<<20), '\n')); err != nil {
		t.Fatalf("write oversized line: %v", err)
	}
	f.Close()

	if err := l.Append(ctx, ralph.NewEvent(ralph.EventTaskCompleted)); err != nil {
		t.Fatalf("Append error: %v", err)
	}

	got, err := l.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("LoadAll returned %d events, want 2 (oversized line skipped)", len(got))
	}
	if l.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", l.Dropped())
	}
}

func TestLoadAllSkipsUnknownEventType(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.jsonl")

	l, err := eventlog.Open(path, discard())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer l.Close()

	if err := l.Append(ctx, ralph.NewEvent(ralph.EventBuildOutput)); err != nil {
		t.Fatalf("Append error: %v", err)
	}

	// A parseable line that is not a workflow event.
	f, _ := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	f.WriteString(`{"id":"evt_01h2xcejqtf2nbrexx3vqjhp41","type":"NOT_A_REAL_TYPE"}` + "\n")
	f.Close()

	got, err := l.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("LoadAll returned %d events, want 1", len(got))
	}
}

func TestLoadAllMissingFileIsEmpty(t *testing.T) {
	l, err := eventlog.Open(filepath.Join(t.TempDir(), "events.jsonl"), discard())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	l.Close()

	// Remove the file entirely; a fresh reader sees an empty log.
	os.Remove(l.Path())

	got, err := l.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("LoadAll returned %d events, want 0", len(got))
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	l := openTemp(t)

	if err := l.Append(ctx, ralph.NewEvent(ralph.EventTaskStarted)); err != nil {
		t.Fatalf("Append error: %v", err)
	}
	if err := l.Clear(ctx); err != nil {
		t.Fatalf("Clear error: %v", err)
	}

	got, err := l.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("LoadAll after Clear returned %d events, want 0", len(got))
	}

	// The log stays appendable after Clear.
	if err := l.Append(ctx, ralph.NewEvent(ralph.EventTaskCompleted)); err != nil {
		t.Fatalf("Append after Clear error: %v", err)
	}
}

func TestAppendAfterClose(t *testing.T) {
	l := openTemp(t)
	l.Close()

	err := l.Append(context.Background(), ralph.NewEvent(ralph.EventTaskStarted))
	if err != ralph.ErrLogClosed {
		t.Errorf("Append after Close error = %v, want ErrLogClosed", err)
	}
}

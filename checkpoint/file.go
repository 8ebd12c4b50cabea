package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/xraph/ralph"
)

// Compile-time interface check.
var _ Store = (*FileStore)(nil)

// FileStore persists the latest snapshot as a single JSON object,
// replaced atomically on every Save (write to a temp file, then rename).
type FileStore struct {
	path     string
	appender Appender
	logger   *slog.Logger

	mu sync.Mutex
}

// NewFileStore creates a snapshot store at path. Every successful Save
// also appends a CHECKPOINT_CREATED event through appender.
func NewFileStore(path string, appender Appender, logger *slog.Logger) *FileStore {
	return &FileStore{path: path, appender: appender, logger: logger}
}

// Path returns the snapshot file's location.
func (s *FileStore) Path() string { return s.path }

// Save implements Store. The snapshot hits stable storage before the
// CHECKPOINT_CREATED event is appended, so a log that mentions a
// checkpoint always refers to one that exists.
func (s *FileStore) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal %s: %w", cp.ID, err)
	}

	s.mu.Lock()
	err = s.writeAtomic(data)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	evt := ralph.NewEvent(ralph.EventCheckpointCreated)
	evt.Payload = ralph.MarshalPayload(ralph.CheckpointCreatedPayload{
		CheckpointID: cp.ID.String(),
		TotalEvents:  cp.Metadata.TotalEvents,
	})
	if err := s.appender.Append(ctx, evt); err != nil {
		return fmt.Errorf("checkpoint: record %s in event log: %w", cp.ID, err)
	}

	s.logger.Debug("checkpoint saved",
		slog.String("checkpoint_id", cp.ID.String()),
		slog.String("last_event_id", cp.LastEvent.String()),
		slog.Int("total_events", cp.Metadata.TotalEvents),
	)

	return nil
}

func (s *FileStore) writeAtomic(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: create dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("checkpoint: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("checkpoint: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("checkpoint: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("checkpoint: close temp file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("checkpoint: replace %s: %w", s.path, err)
	}

	return nil
}

// Load implements Store. A missing file means no snapshot, not an error.
func (s *FileStore) Load(_ context.Context) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoint: read %s: %w", s.path, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint: parse %s: %w", s.path, err)
	}

	return &cp, nil
}

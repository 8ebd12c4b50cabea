package eventlog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	json "github.com/goccy/go-json"

	"github.com/xraph/ralph"
)

// Compile-time interface check.
var _ Log = (*FileLog)(nil)

// maxLineBytes bounds a single log line during reads. Events carry
// truncated output samples, so well-formed lines stay far below this.
const maxLineBytes = 1 << 20

// FileLog is the JSONL-backed event log. Each Append writes one line and
// fsyncs before returning, so an acknowledged event survives a crash.
type FileLog struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	f      *os.File
	closed bool

	// dropped counts malformed lines skipped during LoadAll. Surfaced so
	// operators can tell silent recovery from a clean log.
	dropped atomic.Int64
}

// Open opens (or creates) the event log at path. Parent directories are
// created as needed.
func Open(path string, logger *slog.Logger) (*FileLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create dir for %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}

	return &FileLog{path: path, logger: logger, f: f}, nil
}

// Path returns the log file's location.
func (l *FileLog) Path() string { return l.path }

// Append implements Log. The write is flushed to stable storage before
// Append returns (append-before-acknowledge).
func (l *FileLog) Append(_ context.Context, evt *ralph.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("eventlog: marshal event %s: %w", evt.ID, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ralph.ErrLogClosed
	}

	if _, err := l.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("eventlog: append event %s: %w", evt.ID, err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("eventlog: sync after event %s: %w", evt.ID, err)
	}

	return nil
}

// LoadAll implements Log. Lines that fail to parse, parse into an event
// of unknown type, or exceed the line size bound are counted and skipped:
// corruption anywhere in the file must not make the rest of the log
// unreadable.
func (l *FileLog) LoadAll(_ context.Context) ([]*ralph.Event, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("eventlog: open %s for read: %w", l.path, err)
	}
	defer f.Close()

	var events []*ralph.Event

	r := bufio.NewReaderSize(f, 64*1024)
	for {
		line, overflow, err := readLine(r)
		if overflow {
			l.dropped.Add(1)
			l.logger.Warn("skipping oversized event log line",
				slog.String("path", l.path),
			)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("eventlog: read %s: %w", l.path, err)
		}
		if overflow || len(line) == 0 {
			continue
		}

		var evt ralph.Event
		if err := json.Unmarshal(line, &evt); err != nil || !evt.Type.Valid() || evt.ID.IsNil() {
			l.dropped.Add(1)
			l.logger.Warn("skipping malformed event log line",
				slog.String("path", l.path),
				slog.Int("bytes", len(line)),
			)
			continue
		}
		events = append(events, &evt)
	}

	return events, nil
}

// readLine accumulates one line, bounded by maxLineBytes. An oversized
// line is drained to its newline and reported as overflow, so reading
// resumes at the next record.
func readLine(r *bufio.Reader) (line []byte, overflow bool, err error) {
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return line, false, err
		}
		if len(line)+len(chunk) > maxLineBytes {
			for isPrefix {
				if _, isPrefix, err = r.ReadLine(); err != nil {
					return nil, true, err
				}
			}
			return nil, true, nil
		}
		line = append(line, chunk...)
		if !isPrefix {
			return line, false, nil
		}
	}
}

// Clear implements Log.
func (l *FileLog) Clear(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ralph.ErrLogClosed
	}

	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("eventlog: truncate %s: %w", l.path, err)
	}
	if _, err := l.f.Seek(0, 0); err != nil {
		return fmt.Errorf("eventlog: rewind %s: %w", l.path, err)
	}

	return nil
}

// Dropped returns the number of malformed lines skipped so far.
func (l *FileLog) Dropped() int64 { return l.dropped.Load() }

// Close implements Log. Further appends return ErrLogClosed.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	return l.f.Close()
}

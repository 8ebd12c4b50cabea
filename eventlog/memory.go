package eventlog

import (
	"context"
	"sync"

	"github.com/xraph/ralph"
)

// Compile-time interface check.
var _ Log = (*MemLog)(nil)

// MemLog is an in-memory Log for tests and embedders that do not need
// durability. It preserves append order and the skip-nothing semantics of
// a clean file log.
type MemLog struct {
	mu     sync.Mutex
	events []*ralph.Event
	closed bool
}

// NewMemLog creates an empty in-memory log.
func NewMemLog() *MemLog {
	return &MemLog{}
}

// Append implements Log.
func (l *MemLog) Append(_ context.Context, evt *ralph.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ralph.ErrLogClosed
	}

	l.events = append(l.events, evt)
	return nil
}

// LoadAll implements Log.
func (l *MemLog) LoadAll(_ context.Context) ([]*ralph.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*ralph.Event, len(l.events))
	copy(out, l.events)
	return out, nil
}

// Clear implements Log.
func (l *MemLog) Clear(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ralph.ErrLogClosed
	}

	l.events = nil
	return nil
}

// Close implements Log.
func (l *MemLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	return nil
}

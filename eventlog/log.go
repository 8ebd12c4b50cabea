// Package eventlog provides the append-only, durable record of every
// workflow transition. The engine is the log's only writer; the file
// format is one self-contained JSON object per line so the stream can be
// tailed and inspected externally.
package eventlog

import (
	"context"

	"github.com/xraph/ralph"
)

// Log is the event log contract. Append must not return until the event
// is durably written; LoadAll returns every event in append order.
type Log interface {
	// Append durably writes one event.
	Append(ctx context.Context, evt *ralph.Event) error

	// LoadAll returns every event in append order. Malformed records
	// (e.g. a partial write from a crash mid-append) are skipped, not
	// fatal; readers must not assume batch atomicity across lines.
	LoadAll(ctx context.Context) ([]*ralph.Event, error)

	// Clear truncates the log.
	Clear(ctx context.Context) error

	// Close releases the underlying resources.
	Close() error
}

// Package checkpoint persists periodic full-state snapshots referencing a
// log position, so crash recovery replays only the events after the
// snapshot instead of the whole log. The snapshot file is written by the
// engine and read exactly once, at startup; after that the event log is
// authoritative.
package checkpoint

import (
	"context"
	"time"

	"github.com/xraph/ralph"
	"github.com/xraph/ralph/id"
)

// Version is the current snapshot schema version, recorded in Metadata.
const Version = 1

// Checkpoint is a point-in-time snapshot of a run. Invariant: State must
// equal the result of replaying all events up to and including
// LastEventID onto the initial state.
type Checkpoint struct {
	ID        id.CheckpointID         `json:"id"`
	Timestamp time.Time               `json:"timestamp"`
	State     *ralph.LoopState        `json:"state"`
	Phases    []ralph.PhaseDefinition `json:"phases"`
	PRD       string                  `json:"prd,omitempty"`
	LastEvent id.EventID              `json:"lastEventId"`
	Metadata  Metadata                `json:"metadata"`
}

// Metadata carries snapshot bookkeeping.
type Metadata struct {
	TotalEvents int `json:"totalEvents"`
	Version     int `json:"version"`
}

// Appender is where Save records the CHECKPOINT_CREATED event, so the
// event log itself carries checkpoint history. The engine passes itself
// (keeping its in-memory state and subscribers in sync); a bare
// eventlog.Log works too.
type Appender interface {
	Append(ctx context.Context, evt *ralph.Event) error
}

// Store is the snapshot persistence contract. Latest write wins; Load
// returns nil when no snapshot exists.
type Store interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context) (*Checkpoint, error)
}

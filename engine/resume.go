package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/xraph/ralph"
	"github.com/xraph/ralph/id"
	"github.com/xraph/ralph/replay"
)

// Resume is the crash-recovery entry point. It loads the latest
// checkpoint and the full event log from dir, replays the events after
// the checkpoint's log position onto the snapshot state, and rebuilds the
// idempotency set from the whole log. The returned engine continues the
// run from the checkpointed phase when Start is called.
//
// With no checkpoint and no events there is nothing to recover and
// ralph.ErrNothingToResume is returned. With events but no checkpoint the
// full log is replayed onto a fresh state; phase definitions must then be
// supplied via WithPhases.
func Resume(ctx context.Context, dir string, opts ...Option) (*Engine, error) {
	e := newEngine(opts)
	if err := e.openStores(dir); err != nil {
		return nil, err
	}

	cp, err := e.checkpoints.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: load checkpoint: %w", err)
	}
	events, err := e.log.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: load event log: %w", err)
	}

	if cp == nil && len(events) == 0 {
		e.Close() //nolint:errcheck // nothing written yet
		return nil, ralph.ErrNothingToResume
	}

	if cp != nil {
		e.state = cp.State
		e.phases = cp.Phases
		if e.prd == "" {
			e.prd = cp.PRD
		}
		e.lastCheckpointIter = e.state.Iteration
		e.state = replay.Replay(tailAfter(events, cp.LastEvent, e.logger), e.state)
	} else {
		e.state = replay.Replay(events, ralph.NewLoopState())
	}

	if len(e.phases) == 0 {
		e.Close() //nolint:errcheck // constructed but unusable
		return nil, ralph.ErrNoPhases
	}

	// Idempotency must hold across the entire run, not just since the
	// last checkpoint: rebuild the set from the full log.
	for _, evt := range events {
		if evt.Checksum != "" {
			e.processed[evt.Checksum] = struct{}{}
		}
		e.lastEventID = evt.ID
	}
	e.totalEvents = len(events)

	e.resumePhase = phaseIndex(e.phases, e.state.CurrentPhase)

	e.logger.Info("resumed from log",
		slog.Int("events", len(events)),
		slog.Bool("had_checkpoint", cp != nil),
		slog.String("phase", e.state.CurrentPhase))
	return e, nil
}

// tailAfter returns the events strictly after the checkpoint's log
// position. If the referenced event is missing from the log (a dropped
// corrupt line), it falls back to K-sortable ID comparison, which agrees
// with append order for event IDs.
func tailAfter(events []*ralph.Event, last id.EventID, logger *slog.Logger) []*ralph.Event {
	if last.IsNil() {
		return events
	}

	for i, evt := range events {
		if evt.ID.Equal(last) {
			return events[i+1:]
		}
	}

	logger.Warn("checkpoint log position not found, falling back to ID order",
		slog.String("last_event_id", last.String()))

	tail := make([]*ralph.Event, 0, len(events))
	for _, evt := range events {
		if last.Before(evt.ID) {
			tail = append(tail, evt)
		}
	}
	return tail
}

// phaseIndex locates the phase to resume from; unknown or empty phase
// IDs restart from the beginning.
func phaseIndex(phases []ralph.PhaseDefinition, phaseID string) int {
	if phaseID == "" {
		return 0
	}
	i := slices.IndexFunc(phases, func(p ralph.PhaseDefinition) bool { return p.ID == phaseID })
	if i < 0 {
		return 0
	}
	return i
}

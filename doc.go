// Package ralph provides a durable, event-sourced execution engine for
// multi-phase, multi-task workflows. It drives a workflow to completion
// while surviving process crashes, transient task failures, and
// human-in-the-loop pauses.
//
// Ralph is designed as a library, not a service. Embed it, supply the
// phase definitions and an executor callback, and point it at a directory:
//
//	eng, err := engine.New(".ralph", phases)
//	if err != nil { ... }
//	err = eng.Start(ctx, func(ctx context.Context, task ralph.PhaseTask, phase ralph.PhaseDefinition) (ralph.TaskResult, error) {
//	    // perform the actual work
//	    return ralph.TaskResult{Success: true}, nil
//	})
//
// # Architecture
//
// Every state transition is appended to an immutable event log before it
// is acted on; in-memory state is the deterministic left-fold of that log
// (see the replay package). Periodic checkpoints bound replay cost on
// recovery, and a stable per-task checksum guarantees a task is never
// executed twice even when a retry races a crash.
//
// The root package holds the shared domain types (events, loop state,
// phase definitions). Subsystems live in their own packages: eventlog,
// checkpoint, replay, backoff, broadcast, engine, and observability.
// The engine package sits above all of them and below the application.
//
// All entity IDs use TypeID (type-prefixed, K-sortable, UUIDv7-based
// identifiers), so event IDs are unique and creation-ordered.
package ralph

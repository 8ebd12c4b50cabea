// Package engine is the workflow orchestrator. It walks phases in
// declaration order, resolves ready tasks from their dependency graph,
// executes them one at a time through the caller-supplied executor with
// bounded exponential-backoff retry, enforces idempotency via per-task
// checksums, evaluates phase transition gates, and supports cooperative
// pause/resume for human-in-the-loop checkpoints.
//
// Every state transition is appended to the event log before the engine
// acts on it; in-memory state is mutated exclusively by replaying the
// appended event. Periodic checkpoints bound the replay cost of crash
// recovery, and Resume reconstructs a crashed run from the snapshot plus
// the log tail.
package engine

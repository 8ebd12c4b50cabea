package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/xraph/ralph"
	"github.com/xraph/ralph/backoff"
	"github.com/xraph/ralph/checkpoint"
	"github.com/xraph/ralph/eventlog"
	"github.com/xraph/ralph/id"
	"github.com/xraph/ralph/replay"
)

// Compile-time interface check: checkpoint saves route their
// CHECKPOINT_CREATED event back through the engine's bookkeeping.
var _ checkpoint.Appender = (*Engine)(nil)

// Status is the engine-level run state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Notifier receives every event after it is durably appended. Calls are
// synchronous on the engine's goroutine; implementations must not block.
type Notifier interface {
	HandleEvent(evt *ralph.Event)
}

// Engine drives one workflow run. Exactly one engine instance owns a
// given log directory; it is the only writer to the event log and the
// checkpoint file.
type Engine struct {
	cfg    ralph.Config
	logger *slog.Logger

	log         eventlog.Log
	checkpoints checkpoint.Store
	notifier    Notifier
	bo          backoff.Strategy

	phases []ralph.PhaseDefinition
	prd    string

	mu          sync.Mutex
	state       *ralph.LoopState
	status      Status
	paused      bool
	pendingHITL bool
	resumeCh    chan struct{}

	// processed holds the idempotency checksums of every unit of work the
	// log records as done, across the entire run history.
	processed  map[string]struct{}
	executions map[string]*ralph.TaskExecution

	lastEventID id.EventID
	totalEvents int
	resumePhase int

	// lastCheckpointIter is the iteration count when the last checkpoint
	// was taken; the cadence check is a threshold against it.
	lastCheckpointIter int

	ownsLog bool

	// sleep performs the retry backoff wait. Replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an engine over the given log directory. Existing events in
// the directory are replayed onto the run state and seed the idempotency
// set, so re-running a partially completed workflow never re-executes
// finished tasks and dependency resolution sees prior completions.
func New(dir string, phases []ralph.PhaseDefinition, opts ...Option) (*Engine, error) {
	if len(phases) == 0 {
		return nil, ralph.ErrNoPhases
	}

	e := newEngine(opts)
	e.phases = phases
	e.state = ralph.NewLoopState()

	if err := e.openStores(dir); err != nil {
		return nil, err
	}

	// Replay whatever the log already records. Prior completions must be
	// visible to dependency resolution, not just to the checksum skip.
	events, err := e.log.LoadAll(context.Background())
	if err != nil {
		return nil, fmt.Errorf("engine: load event log: %w", err)
	}
	for _, evt := range events {
		if evt.Checksum != "" {
			e.processed[evt.Checksum] = struct{}{}
		}
		e.lastEventID = evt.ID
	}
	e.totalEvents = len(events)
	e.state = replay.Replay(events, e.state)
	e.lastCheckpointIter = e.state.Iteration

	return e, nil
}

// newEngine builds the zero-run engine skeleton and applies options.
func newEngine(opts []Option) *Engine {
	e := &Engine{
		cfg:        ralph.DefaultConfig(),
		logger:     slog.Default(),
		status:     StatusIdle,
		processed:  make(map[string]struct{}),
		executions: make(map[string]*ralph.TaskExecution),
		ownsLog:    true,
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.bo == nil {
		e.bo = &backoff.Exponential{
			Initial:    e.cfg.BaseDelay,
			Max:        e.cfg.MaxDelay,
			Multiplier: 2,
		}
	}
	return e
}

// openStores wires the default file-backed log and checkpoint store for
// the directory, honoring replacements made via options.
func (e *Engine) openStores(dir string) error {
	if e.log == nil {
		l, err := eventlog.Open(filepath.Join(dir, "events.jsonl"), e.logger)
		if err != nil {
			return fmt.Errorf("engine: open event log: %w", err)
		}
		e.log = l
		e.ownsLog = true
	}
	if e.checkpoints == nil {
		e.checkpoints = checkpoint.NewFileStore(filepath.Join(dir, "checkpoint.json"), e, e.logger)
	}
	return nil
}

// Append durably writes one event, folds it onto the in-memory state,
// and notifies subscribers. Every write path in the engine funnels
// through here: append-before-acknowledge is the durability contract.
func (e *Engine) Append(ctx context.Context, evt *ralph.Event) error {
	if err := e.log.Append(ctx, evt); err != nil {
		return fmt.Errorf("engine: append %s: %w", evt.Type, err)
	}

	e.mu.Lock()
	replay.Apply(e.state, evt)
	e.lastEventID = evt.ID
	e.totalEvents++
	if evt.Checksum != "" {
		e.processed[evt.Checksum] = struct{}{}
	}
	e.mu.Unlock()

	if e.notifier != nil {
		e.notifier.HandleEvent(evt)
	}
	return nil
}

// takeCheckpoint snapshots the current state and persists it. The
// snapshot is taken under the lock; the save happens outside it because
// the store appends CHECKPOINT_CREATED back through Append.
func (e *Engine) takeCheckpoint(ctx context.Context) error {
	e.mu.Lock()
	cp := &checkpoint.Checkpoint{
		ID:        id.NewCheckpointID(),
		Timestamp: time.Now().UTC(),
		State:     e.state.Clone(),
		Phases:    e.phases,
		PRD:       e.prd,
		LastEvent: e.lastEventID,
		Metadata: checkpoint.Metadata{
			TotalEvents: e.totalEvents,
			Version:     checkpoint.Version,
		},
	}
	e.lastCheckpointIter = e.state.Iteration
	e.mu.Unlock()

	if err := e.checkpoints.Save(ctx, cp); err != nil {
		return fmt.Errorf("engine: save checkpoint: %w", err)
	}
	return nil
}

// Pause suspends the run at the next safe point (between tasks) and
// forces a checkpoint so the paused state survives a process kill.
func (e *Engine) Pause(ctx context.Context) error {
	e.mu.Lock()
	if !e.paused {
		e.paused = true
		e.resumeCh = make(chan struct{})
		if e.status == StatusRunning {
			e.status = StatusPaused
		}
	}
	e.mu.Unlock()

	return e.takeCheckpoint(ctx)
}

// unpause clears the paused flag and releases waiters.
func (e *Engine) unpause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.paused {
		return
	}
	e.paused = false
	if e.status == StatusPaused {
		e.status = StatusRunning
	}
	close(e.resumeCh)
	e.resumeCh = nil
}

// waitIfPaused blocks until the run is unpaused or ctx is canceled. The
// pause is cooperative: it is observed between task executions, never
// mid-task.
func (e *Engine) waitIfPaused(ctx context.Context) error {
	for {
		e.mu.Lock()
		if !e.paused {
			e.mu.Unlock()
			return nil
		}
		ch := e.resumeCh
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// RequestHITL pauses the run for human review: the request is logged,
// the paused flag set, and a checkpoint forced so the wait is durable.
func (e *Engine) RequestHITL(ctx context.Context, reason string, data map[string]any) error {
	e.mu.Lock()
	e.paused = true
	e.pendingHITL = true
	if e.resumeCh == nil {
		e.resumeCh = make(chan struct{})
	}
	if e.status == StatusRunning {
		e.status = StatusPaused
	}
	e.mu.Unlock()

	evt := ralph.NewEvent(ralph.EventHITLRequested)
	evt.Payload = ralph.MarshalPayload(ralph.HITLRequestedPayload{Reason: reason, Data: data})
	if err := e.Append(ctx, evt); err != nil {
		return err
	}

	e.logger.Info("HITL requested", slog.String("reason", reason))
	return e.takeCheckpoint(ctx)
}

// ResolveHITL records the human decision. Only approval clears the
// paused flag; a rejection leaves the run waiting for a later approval.
func (e *Engine) ResolveHITL(ctx context.Context, approved bool, feedback string) error {
	e.mu.Lock()
	pending := e.pendingHITL
	e.mu.Unlock()
	if !pending {
		return ralph.ErrNoPendingHITL
	}

	evt := ralph.NewEvent(ralph.EventHITLResolved)
	evt.Payload = ralph.MarshalPayload(ralph.HITLResolvedPayload{Approved: approved, Feedback: feedback})
	if err := e.Append(ctx, evt); err != nil {
		return err
	}

	if approved {
		e.mu.Lock()
		e.pendingHITL = false
		e.mu.Unlock()
		e.unpause()
	}

	e.logger.Info("HITL resolved", slog.Bool("approved", approved))
	return nil
}

// RecordBuild feeds a build outcome into the event stream and,
// transitively, into the metrics.
func (e *Engine) RecordBuild(ctx context.Context, success bool, output string) error {
	evt := ralph.NewEvent(ralph.EventBuildOutput)
	evt.Payload = ralph.MarshalPayload(ralph.BuildOutputPayload{
		Success: success,
		Output:  truncate(output, e.cfg.OutputSample),
	})
	return e.Append(ctx, evt)
}

// RecordTest feeds a test outcome into the event stream.
func (e *Engine) RecordTest(ctx context.Context, passed bool, name, details string) error {
	evt := ralph.NewEvent(ralph.EventTestResult)
	evt.Payload = ralph.MarshalPayload(ralph.TestResultPayload{
		Passed:  passed,
		Name:    name,
		Details: details,
	})
	return e.Append(ctx, evt)
}

// RecordCommit records a created commit for audit.
func (e *Engine) RecordCommit(ctx context.Context, message string) error {
	evt := ralph.NewEvent(ralph.EventCommitCreated)
	evt.Payload = ralph.MarshalPayload(ralph.CommitCreatedPayload{Message: message})
	return e.Append(ctx, evt)
}

// Status returns the engine-level run state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// State returns a copy of the current run state.
func (e *Engine) State() *ralph.LoopState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

// Close releases the engine's owned resources.
func (e *Engine) Close() error {
	if e.ownsLog {
		return e.log.Close()
	}
	return nil
}

func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

// sleepCtx waits for d or until ctx is canceled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if n > 0 && len(s) > n {
		return s[:n]
	}
	return s
}

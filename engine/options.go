package engine

import (
	"log/slog"

	"github.com/xraph/ralph"
	"github.com/xraph/ralph/backoff"
	"github.com/xraph/ralph/checkpoint"
	"github.com/xraph/ralph/eventlog"
)

// Option configures an Engine at construction or resume.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithConfig replaces the default retry and checkpoint tuning.
func WithConfig(cfg ralph.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithBackoff replaces the retry delay strategy. The default is a
// deterministic exponential schedule derived from Config.
func WithBackoff(s backoff.Strategy) Option {
	return func(e *Engine) { e.bo = s }
}

// WithNotifier sets the hook that receives every durably appended
// event. A broadcast.Broadcaster satisfies this directly.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithEventLog replaces the default file log under the engine
// directory. The caller keeps ownership; Close will not close it.
func WithEventLog(l eventlog.Log) Option {
	return func(e *Engine) {
		e.log = l
		e.ownsLog = false
	}
}

// WithCheckpointStore replaces the default file store under the engine
// directory.
func WithCheckpointStore(s checkpoint.Store) Option {
	return func(e *Engine) { e.checkpoints = s }
}

// WithPRD attaches the product requirements text driving the workflow,
// carried in checkpoints for operator inspection.
func WithPRD(prd string) Option {
	return func(e *Engine) { e.prd = prd }
}

// WithPhases supplies phase definitions to Resume when no checkpoint
// exists to restore them from. New ignores it; phases are a required
// argument there.
func WithPhases(phases []ralph.PhaseDefinition) Option {
	return func(e *Engine) {
		if len(e.phases) == 0 {
			e.phases = phases
		}
	}
}

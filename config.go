package ralph

import "time"

// Config holds the engine's retry and checkpoint tuning knobs.
type Config struct {
	// MaxAttempts is the maximum number of executor invocations per task,
	// including the first one.
	MaxAttempts int

	// BaseDelay is the delay before the first retry. Each subsequent
	// retry doubles the delay (see the backoff package).
	BaseDelay time.Duration

	// MaxDelay caps the computed retry delay.
	MaxDelay time.Duration

	// CheckpointEvery is the iteration cadence for automatic checkpoints.
	// A checkpoint is also forced whenever the run pauses.
	CheckpointEvery int

	// OutputSample is the maximum number of bytes of executor output
	// retained on a TASK_COMPLETED event. Full output is the executor's
	// concern; the log keeps a sample for audit.
	OutputSample int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		BaseDelay:       1 * time.Second,
		MaxDelay:        30 * time.Second,
		CheckpointEvery: 5,
		OutputSample:    500,
	}
}

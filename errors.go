package ralph

import "errors"

var (
	// Engine lifecycle errors.
	ErrEngineRunning   = errors.New("ralph: engine already running")
	ErrNoExecutor      = errors.New("ralph: no executor provided")
	ErrNoPhases        = errors.New("ralph: no phases configured")
	ErrNothingToResume = errors.New("ralph: nothing to resume")

	// HITL errors.
	ErrNoPendingHITL = errors.New("ralph: no pending HITL request")

	// Persistence errors.
	ErrLogClosed = errors.New("ralph: event log closed")
)

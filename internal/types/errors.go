package types

import "errors"

// Engine error taxonomy. Callers branch with errors.Is; user-visible
// failures are converted to a single error event by the orchestrator.
var (
	// ErrSessionBusy is returned when a task is submitted while another
	// orchestrator run owns the session. Concurrent tasks are rejected,
	// never queued silently.
	ErrSessionBusy = errors.New("session busy: a task is already running")

	// ErrNoSuchSession is returned for operations on an unknown session id.
	ErrNoSuchSession = errors.New("no such session")

	// ErrNoSuchCheckpoint is returned by rewind for an unknown or discarded
	// checkpoint id. No mutation is performed.
	ErrNoSuchCheckpoint = errors.New("no such checkpoint")

	// ErrStreamFailed terminates a run after N consecutive identical
	// failures talking to the reasoning service.
	ErrStreamFailed = errors.New("reasoning stream failed repeatedly")

	// ErrNoActiveRun is returned for keep/revert/approval control messages
	// when the session is not parked in the corresponding state.
	ErrNoActiveRun = errors.New("no active run awaiting this action")

	// ErrEmptyTask is returned for a task submission with no content.
	ErrEmptyTask = errors.New("task content cannot be empty")
)

package sandbox

import (
	"fmt"
	"time"
)

// TimeoutError reports that an invocation exceeded its deadline. Teardown
// has already been attempted when this error is returned.
type TimeoutError struct {
	ID       string
	Deadline time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("invocation %s timed out after %s", e.ID, e.Deadline)
}

// CancellationError reports that the caller aborted the invocation. It
// carries the same teardown guarantee as a timeout.
type CancellationError struct {
	ID string
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("invocation %s cancelled", e.ID)
}

// ExecutionError reports a command that ran but failed in a way that is not
// expressible as a plain exit code: a missing exit marker, unreadable logs,
// or a backend-reported launch failure. Stderr is sanitized before being
// stored here.
type ExecutionError struct {
	ID       string
	ExitCode int
	Stderr   string
}

func (e *ExecutionError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("invocation %s failed with exit code %d", e.ID, e.ExitCode)
	}
	return fmt.Sprintf("invocation %s failed with exit code %d: %s", e.ID, e.ExitCode, e.Stderr)
}

// InfrastructureError reports that the container runtime or cluster API is
// unreachable or rejected an operation before the command could run.
type InfrastructureError struct {
	Backend string
	Op      string
	Err     error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s backend: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

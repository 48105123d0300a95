package watchdog

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoTimeout is returned by [*Watchdog.Register] for a non-positive timeout.
	// Tasks without a timeout are never registered.
	ErrNoTimeout = errors.New("task has no timeout")

	// ErrAlreadyRegistered is returned by [*Watchdog.Register]
	// when the task identity is already being tracked.
	ErrAlreadyRegistered = errors.New("task already registered")

	// ErrTaskPanicked wraps the value recovered from a panicking task function.
	ErrTaskPanicked = errors.New("task panicked")
)

// errRegistryInconsistency indicates the owner of an entry
// could no longer be acted upon, usually because the task finished
// between the snapshot and enforcement.
// It never leaves the package.
var errRegistryInconsistency = errors.New("owner handle no longer valid")

// DeadlineExceededError is delivered to a task that ran past its timeout
// while hard enforcement was active.
type DeadlineExceededError struct {
	// Description is the human-readable name of the task.
	Description string

	Timeout time.Duration

	// Elapsed is the run time measured when the watchdog acted.
	// It is always at least Timeout.
	Elapsed time.Duration

	// Trace is the stack of the task's goroutine at interruption time,
	// if it could be captured.
	Trace string

	// Abandoned is set when the task ignored the interruption
	// for longer than the grace period.
	Abandoned bool
}

func (e *DeadlineExceededError) Error() string {
	msg := fmt.Sprintf("task %s exceeded timeout of %s (elapsed %s)", e.Description, e.Timeout, e.Elapsed)
	if e.Abandoned {
		msg += "; abandoned after ignoring interruption"
	}
	return msg
}

// IsDeadlineExceeded reports whether ctx was cancelled by the watchdog.
func IsDeadlineExceeded(ctx context.Context) bool {
	e := context.Cause(ctx)
	if e == nil {
		return false
	}

	var dl *DeadlineExceededError
	return errors.As(e, &dl)
}

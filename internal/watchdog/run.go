package watchdog

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Task describes a unit of work for [*Watchdog.Run].
type Task struct {
	ID          TaskID
	Description string

	// Timeout overrides the default timeout when positive.
	Timeout time.Duration

	// OnWarning, if set, is called once if the task passes its deadline
	// under soft enforcement.
	OnWarning func(Warning)
}

// Report summarizes how the watchdog treated a finished task.
type Report struct {
	// Timeout is the effective timeout; zero if the task was unmonitored.
	Timeout time.Duration

	Elapsed time.Duration

	Warned      bool
	Interrupted bool
	Abandoned   bool
}

// Monitored reports whether the task ran under a deadline.
func (r Report) Monitored() bool {
	return r.Timeout > 0
}

// Run executes fn under the watchdog and returns its outcome.
//
// The effective timeout is t.Timeout if positive, otherwise the current
// default timeout; if neither is set fn runs unmonitored on the calling goroutine.
// A monitored fn runs on its own goroutine with a context that the watchdog
// cancels on hard enforcement. The task is unregistered on every exit path.
//
// If the task was interrupted, the returned error is a [*DeadlineExceededError],
// regardless of what fn itself returned.
// If fn does not return within the grace period after its context is cancelled,
// Run returns without waiting further and the error is marked Abandoned.
// A panic in fn is returned as an error wrapping [ErrTaskPanicked].
func (w *Watchdog) Run(ctx context.Context, t Task, fn func(context.Context) error) (rep Report, err error) {
	timeout := w.resolveTimeout(t.Timeout)
	if timeout <= 0 {
		start := time.Now()
		err = runProtected(ctx, fn)
		rep.Elapsed = time.Since(start)
		return rep, err
	}

	taskCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	owner := NewOwner(cancel)
	if err := w.Register(t.ID, t.Description, timeout, owner, t.OnWarning); err != nil {
		return Report{}, err
	}
	rep.Timeout = timeout
	defer func() {
		if final, ok := w.remove(t.ID); ok {
			rep.Warned = final.Warned
		}
	}()

	start := time.Now()
	errCh := make(chan error, 1)
	go func() {
		owner.Bind()
		defer owner.Finish()
		errCh <- runProtected(taskCtx, fn)
	}()

	select {
	case err = <-errCh:
	case <-taskCtx.Done():
		err = w.awaitGrace(t, taskCtx, errCh)
	}
	rep.Elapsed = time.Since(start)

	var dl *DeadlineExceededError
	if errors.As(context.Cause(taskCtx), &dl) {
		rep.Interrupted = true
		if !errors.As(err, &dl) {
			err = dl
		}
		rep.Abandoned = dl.Abandoned
	}
	return rep, err
}

// awaitGrace waits for a cancelled task to return.
func (w *Watchdog) awaitGrace(t Task, taskCtx context.Context, errCh <-chan error) error {
	timer := time.NewTimer(w.gracePeriod)
	defer timer.Stop()

	select {
	case err := <-errCh:
		return err
	case <-timer.C:
	}

	abandoned.Inc()
	cause := context.Cause(taskCtx)
	w.log.Error(
		"Abandoning task that ignored cancellation",
		"task", t.ID,
		"description", t.Description,
		"grace_period", w.gracePeriod,
		"cause", cause,
	)

	var dl *DeadlineExceededError
	if errors.As(cause, &dl) {
		// Copy so the error held by the task context is not mutated.
		cp := *dl
		cp.Abandoned = true
		return &cp
	}
	return fmt.Errorf("task %s abandoned after cancellation: %w", t.Description, cause)
}

func runProtected(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	return fn(ctx)
}

// Package sleep provides an executor that waits for a fixed duration.
// It exists to exercise deadline enforcement: the cooperative mode honours
// cancellation, the uncooperative mode ignores it like blocking work would.
package sleep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/timeguard/internal/backend"
)

// Kind is the task kind served by this executor.
const Kind = "sleep"

// Sleep modes.
const (
	ModeCooperative   = "cooperative"
	ModeUncooperative = "uncooperative"
)

// ErrInvalidArgs is returned for malformed task arguments.
var ErrInvalidArgs = errors.New("invalid sleep args")

// Executor sleeps for the duration given in the first argument.
type Executor struct{}

var _ backend.Executor = Executor{}

// New returns a sleep executor.
func New() Executor { return Executor{} }

// Capabilities implements backend.Executor.
func (Executor) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:        Kind,
		Description: "Waits for a duration; uncooperative mode ignores interruption.",
		Usage:       "<duration> [cooperative|uncooperative]",
		Cooperative: true,
	}
}

// Execute implements backend.Executor.
func (Executor) Execute(ctx context.Context, spec backend.Spec) (backend.Result, error) {
	d, mode, err := parseArgs(spec.Args)
	if err != nil {
		return backend.Result{ExitCode: 2}, err
	}

	spec.Log(fmt.Sprintf("sleeping %s (%s)", d, mode))
	start := time.Now()

	if mode == ModeUncooperative {
		time.Sleep(d)
		spec.Log(fmt.Sprintf("woke after %s", time.Since(start).Round(time.Millisecond)))
		return backend.Result{Output: []byte("slept " + d.String())}, nil
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		spec.Log(fmt.Sprintf("woke after %s", time.Since(start).Round(time.Millisecond)))
		return backend.Result{Output: []byte("slept " + d.String())}, nil
	case <-ctx.Done():
		cause := context.Cause(ctx)
		spec.Log(fmt.Sprintf("interrupted after %s: %v", time.Since(start).Round(time.Millisecond), cause))
		return backend.Result{ExitCode: 1}, cause
	}
}

func parseArgs(args []string) (time.Duration, string, error) {
	if len(args) == 0 || len(args) > 2 {
		return 0, "", fmt.Errorf("%w: want <duration> [mode], got %d args", ErrInvalidArgs, len(args))
	}
	d, err := time.ParseDuration(args[0])
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	if d < 0 {
		return 0, "", fmt.Errorf("%w: negative duration %s", ErrInvalidArgs, d)
	}

	mode := ModeCooperative
	if len(args) == 2 {
		mode = args[1]
	}
	switch mode {
	case ModeCooperative, ModeUncooperative:
	default:
		return 0, "", fmt.Errorf("%w: unknown mode %q", ErrInvalidArgs, mode)
	}
	return d, mode, nil
}

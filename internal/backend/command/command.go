// Package command provides an executor that runs an OS process.
//
// Interruption escalates: when the task context is cancelled the process
// receives SIGINT, and if it has not exited after the grace period it is
// killed and its output pipes are closed.
package command

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/seantiz/timeguard/internal/backend"
)

// Kind is the task kind served by this executor.
const Kind = "command"

// defaultGracePeriod applies when Config.GracePeriod is unset.
const defaultGracePeriod = 2 * time.Second

// ReapMargin is the time allowed after the kill for the process to be
// reaped and its output drained.
const ReapMargin = time.Second

// SupervisionGrace returns the grace period a watchdog needs so that an
// executor with the given kill delay returns before being abandoned.
// A non-positive killDelay means the default of two seconds.
func SupervisionGrace(killDelay time.Duration) time.Duration {
	if killDelay <= 0 {
		killDelay = defaultGracePeriod
	}
	return killDelay + ReapMargin
}

// maxOutput caps the combined output kept in the task result. Every line is
// still streamed through the log writer.
const maxOutput = 1 << 20

// ErrNoCommand is returned when a task has no argv.
var ErrNoCommand = errors.New("no command given")

// Config controls process execution.
type Config struct {
	// GracePeriod is how long an interrupted process may keep running
	// before it is killed. Zero means two seconds.
	GracePeriod time.Duration

	// Dir is the working directory. Empty uses the current directory.
	Dir string
}

// Executor runs argv as a child process.
type Executor struct {
	cfg    Config
	logger *slog.Logger
}

var _ backend.Executor = (*Executor)(nil)

// New returns a command executor.
func New(cfg Config, logger *slog.Logger) *Executor {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	return &Executor{cfg: cfg, logger: logger}
}

// Capabilities implements backend.Executor.
func (e *Executor) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:        Kind,
		Description: "Runs a process; interrupted with SIGINT, killed after the grace period.",
		Usage:       "<argv...>",
		Cooperative: true,
	}
}

// Execute implements backend.Executor. A non-zero exit is reported both in
// Result.ExitCode and as an error.
func (e *Executor) Execute(ctx context.Context, spec backend.Spec) (backend.Result, error) {
	if len(spec.Args) == 0 || spec.Args[0] == "" {
		return backend.Result{ExitCode: -1}, ErrNoCommand
	}

	cmd := exec.CommandContext(ctx, spec.Args[0], spec.Args[1:]...)
	cmd.Dir = e.cfg.Dir
	cmd.Cancel = func() error {
		e.logger.Debug("interrupting process", "task_id", spec.ID, "pid", cmd.Process.Pid)
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = e.cfg.GracePeriod

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	out := &cappedBuffer{max: maxOutput}
	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), maxOutput)
		for scanner.Scan() {
			line := scanner.Text()
			out.WriteLine(line)
			spec.Log(line)
		}
		// Drain so the writer side never blocks on an oversized line.
		_, _ = io.Copy(io.Discard, pr)
	}()

	start := time.Now()
	if err := cmd.Start(); err != nil {
		pw.Close()
		<-scanned
		runsTotal.WithLabelValues(outcomeStartFailed).Inc()
		return backend.Result{ExitCode: -1}, fmt.Errorf("start %s: %w", spec.Args[0], err)
	}

	waitErr := cmd.Wait()
	pw.Close()
	<-scanned
	runDuration.Observe(time.Since(start).Seconds())

	res := backend.Result{Output: out.Bytes()}
	if waitErr == nil {
		runsTotal.WithLabelValues(outcomeExited).Inc()
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode < 0 {
			runsTotal.WithLabelValues(outcomeSignaled).Inc()
		} else {
			runsTotal.WithLabelValues(outcomeExited).Inc()
		}
	} else {
		res.ExitCode = -1
		runsTotal.WithLabelValues(outcomeSignaled).Inc()
	}

	if ctx.Err() != nil {
		e.logger.Info("process stopped after interruption",
			"task_id", spec.ID,
			"exit_code", res.ExitCode,
			"error", waitErr,
		)
		return res, context.Cause(ctx)
	}
	return res, fmt.Errorf("%s: %w", spec.Args[0], waitErr)
}

// cappedBuffer keeps the first max bytes of output, one line at a time.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func (b *cappedBuffer) WriteLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return
	}
	if len(b.buf)+len(line)+1 > b.max {
		b.truncated = true
		return
	}
	b.buf = append(b.buf, line...)
	b.buf = append(b.buf, '\n')
}

func (b *cappedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf...)
}

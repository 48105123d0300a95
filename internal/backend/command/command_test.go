package command_test

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seantiz/timeguard/internal/backend"
	"github.com/seantiz/timeguard/internal/backend/command"
	"github.com/seantiz/timeguard/internal/ttest"
	"github.com/seantiz/timeguard/internal/watchdog"
)

func newExecutor(t *testing.T, grace time.Duration) *command.Executor {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	return command.New(command.Config{GracePeriod: grace}, ttest.NewLogger(t))
}

type lineRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *lineRecorder) write(l string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, l)
}

func (r *lineRecorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func TestExecute_streamsOutput(t *testing.T) {
	t.Parallel()

	e := newExecutor(t, time.Second)
	var rec lineRecorder
	res, err := e.Execute(context.Background(), backend.Spec{
		ID:        "t1",
		Args:      []string{"sh", "-c", "echo hello; echo world >&2"},
		LogWriter: rec.write,
	})
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, []string{"hello", "world"}, rec.get())
	require.Equal(t, "hello\nworld\n", string(res.Output))
}

func TestExecute_nonZeroExit(t *testing.T) {
	t.Parallel()

	e := newExecutor(t, time.Second)
	res, err := e.Execute(context.Background(), backend.Spec{
		Args: []string{"sh", "-c", "exit 3"},
	})
	require.Error(t, err)
	require.Equal(t, 3, res.ExitCode)

	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
}

func TestExecute_noCommand(t *testing.T) {
	t.Parallel()

	e := newExecutor(t, time.Second)
	_, err := e.Execute(context.Background(), backend.Spec{})
	require.ErrorIs(t, err, command.ErrNoCommand)
}

func TestExecute_startFailure(t *testing.T) {
	t.Parallel()

	e := newExecutor(t, time.Second)
	res, err := e.Execute(context.Background(), backend.Spec{
		Args: []string{"/nonexistent/timeguard-test-binary"},
	})
	require.Error(t, err)
	require.Equal(t, -1, res.ExitCode)
}

func TestExecute_interruptReturnsCause(t *testing.T) {
	t.Parallel()

	e := newExecutor(t, 5*time.Second)
	cause := errors.New("deadline")
	ctx, cancel := context.WithCancelCause(context.Background())
	time.AfterFunc(50*time.Millisecond, func() { cancel(cause) })

	start := time.Now()
	_, err := e.Execute(ctx, backend.Spec{Args: []string{"sleep", "30"}})
	require.ErrorIs(t, err, cause)
	// SIGINT stops sleep well before the grace period.
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestExecute_killsAfterGrace(t *testing.T) {
	t.Parallel()

	e := newExecutor(t, 100*time.Millisecond)
	cause := errors.New("deadline")
	ctx, cancel := context.WithCancelCause(context.Background())
	time.AfterFunc(50*time.Millisecond, func() { cancel(cause) })

	start := time.Now()
	_, err := e.Execute(ctx, backend.Spec{
		Args: []string{"sh", "-c", "trap '' INT; sleep 30"},
	})
	require.ErrorIs(t, err, cause)
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestExecute_killedUnderWatchdogIsNotAbandoned(t *testing.T) {
	t.Parallel()

	const killDelay = 200 * time.Millisecond
	e := newExecutor(t, killDelay)
	wd := watchdog.New(ttest.NewLogger(t), watchdog.Options{
		PollInterval: 10 * time.Millisecond,
		GracePeriod:  command.SupervisionGrace(killDelay),
	})
	defer wd.Wait()

	var res backend.Result
	rep, err := wd.Run(context.Background(), watchdog.Task{
		ID:          "stubborn",
		Description: "stubborn child",
		Timeout:     50 * time.Millisecond,
	}, func(ctx context.Context) error {
		var err error
		res, err = e.Execute(ctx, backend.Spec{
			ID:   "stubborn",
			Args: []string{"sh", "-c", "trap '' INT; sleep 5"},
		})
		return err
	})

	var dl *watchdog.DeadlineExceededError
	require.ErrorAs(t, err, &dl)
	require.True(t, rep.Interrupted)
	require.False(t, rep.Abandoned)
	require.False(t, dl.Abandoned)

	// Killed by signal after ignoring SIGINT.
	require.Equal(t, -1, res.ExitCode)
}

func TestSupervisionGrace(t *testing.T) {
	t.Parallel()

	require.Equal(t, 300*time.Millisecond+command.ReapMargin, command.SupervisionGrace(300*time.Millisecond))
	require.Equal(t, 2*time.Second+command.ReapMargin, command.SupervisionGrace(0))
}

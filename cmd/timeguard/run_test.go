package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seantiz/timeguard/internal/config"
	"github.com/seantiz/timeguard/internal/watchdog"
)

func testConfig() config.Config {
	return config.Config{
		PollInterval: 10 * time.Millisecond,
		GracePeriod:  200 * time.Millisecond,
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func execRoot(t *testing.T, cfg config.Config, args ...string) (stdout, stderr string, err error) {
	t.Helper()

	var out, errOut bytes.Buffer
	root := newRootCmd(cfg)
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	err = root.ExecuteContext(ctx)
	return out.String(), errOut.String(), err
}

func TestRun_StreamsOutput(t *testing.T) {
	requireShell(t)

	out, _, err := execRoot(t, testConfig(), "run", "--timeout", "5s", "--", "sh", "-c", "echo one; echo two")
	require.NoError(t, err)
	require.Equal(t, "one\ntwo\n", out)
}

func TestRun_PropagatesExitCode(t *testing.T) {
	requireShell(t)

	_, _, err := execRoot(t, testConfig(), "run", "--", "sh", "-c", "exit 3")
	var ee exitError
	require.ErrorAs(t, err, &ee)
	require.Equal(t, 3, ee.code)
}

func TestRun_TimeoutExits124(t *testing.T) {
	requireShell(t)

	start := time.Now()
	_, _, err := execRoot(t, testConfig(), "run", "--timeout", "100ms", "--", "sh", "-c", "sleep 5")
	require.Less(t, time.Since(start), 3*time.Second)

	var ee exitError
	require.ErrorAs(t, err, &ee)
	require.Equal(t, exitTimedOut, ee.code)

	var dl *watchdog.DeadlineExceededError
	require.True(t, errors.As(err, &dl))
	require.Equal(t, 100*time.Millisecond, dl.Timeout)
}

func TestRun_StubbornCommandIsKilledNotAbandoned(t *testing.T) {
	requireShell(t)

	_, stderr, err := execRoot(t, testConfig(), "run", "--timeout", "50ms", "--", "sh", "-c", "trap '' INT; sleep 5")

	var ee exitError
	require.ErrorAs(t, err, &ee)
	require.Equal(t, exitTimedOut, ee.code)

	var dl *watchdog.DeadlineExceededError
	require.ErrorAs(t, err, &dl)
	require.False(t, dl.Abandoned)
	require.NotContains(t, stderr, "Abandoning")
}

func TestWatchdogOptions_GraceOutlastsKillDelay(t *testing.T) {
	cfg := testConfig()
	opts := watchdogOptions(cfg, io.Discard)
	require.Greater(t, opts.GracePeriod, cfg.GracePeriod)
}

func TestRun_DefaultTimeoutFlag(t *testing.T) {
	requireShell(t)

	_, _, err := execRoot(t, testConfig(), "run", "--default-timeout", "100ms", "--", "sh", "-c", "sleep 5")
	var ee exitError
	require.ErrorAs(t, err, &ee)
	require.Equal(t, exitTimedOut, ee.code)
}

func TestRun_ContinueOnTimeoutWarns(t *testing.T) {
	requireShell(t)

	out, stderr, err := execRoot(t, testConfig(),
		"run", "--timeout", "50ms", "--continue-on-timeout", "--", "sh", "-c", "sleep 0.3; echo done")
	require.NoError(t, err)
	require.Equal(t, "done\n", out)
	require.Contains(t, stderr, "exceeded")
}

func TestRun_InvalidTimeout(t *testing.T) {
	_, _, err := execRoot(t, testConfig(), "run", "--timeout", "soon", "--", "true")
	require.ErrorContains(t, err, "invalid --timeout")
}

func TestRun_RejectsSubMillisecondTimeout(t *testing.T) {
	_, _, err := execRoot(t, testConfig(), "run", "--timeout", "500us", "--", "true")
	require.ErrorContains(t, err, "below the minimum")
}

func TestRun_RequiresCommand(t *testing.T) {
	_, _, err := execRoot(t, testConfig(), "run")
	require.Error(t, err)
}

func TestExitError(t *testing.T) {
	require.Equal(t, "exit status 2", exitError{code: 2}.Error())

	cause := errors.New("boom")
	ee := exitError{code: 1, err: cause}
	require.Equal(t, "boom", ee.Error())
	require.ErrorIs(t, ee, cause)
}

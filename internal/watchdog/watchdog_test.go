package watchdog_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/timeguard/internal/ttest"
	"github.com/seantiz/timeguard/internal/watchdog"
)

const testPollInterval = 10 * time.Millisecond

func newTestWatchdog(t *testing.T, s watchdog.Settings) (*watchdog.Watchdog, *ttest.Buffer) {
	t.Helper()

	diagBuf := new(ttest.Buffer)
	diag := logrus.New()
	diag.SetOutput(diagBuf)
	diag.SetFormatter(&logrus.TextFormatter{DisableColors: true})

	w := watchdog.New(ttest.NewLogger(t), watchdog.Options{
		PollInterval: testPollInterval,
		GracePeriod:  ttest.Scale(100 * time.Millisecond),
		Settings:     s,
		Diagnostics:  diag,
	})
	t.Cleanup(w.Wait)
	return w, diagBuf
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestWatchdog_Run_finishesBeforeDeadline(t *testing.T) {
	t.Parallel()

	w, diag := newTestWatchdog(t, watchdog.Settings{})

	rep, err := w.Run(context.Background(), watchdog.Task{
		ID:          "fast",
		Description: "fast task",
		Timeout:     100 * time.Millisecond,
	}, func(ctx context.Context) error {
		return sleepCtx(ctx, 10*time.Millisecond)
	})
	require.NoError(t, err)

	require.True(t, rep.Monitored())
	require.Equal(t, 100*time.Millisecond, rep.Timeout)
	require.False(t, rep.Interrupted)
	require.False(t, rep.Warned)
	require.Empty(t, diag.String())
	require.Zero(t, w.Len())
}

func TestWatchdog_Run_hardEnforcementInterrupts(t *testing.T) {
	t.Parallel()

	w, diag := newTestWatchdog(t, watchdog.Settings{})

	var sawDeadline atomic.Bool
	rep, err := w.Run(context.Background(), watchdog.Task{
		ID:          "slow",
		Description: "slow task",
		Timeout:     100 * time.Millisecond,
	}, func(ctx context.Context) error {
		err := sleepCtx(ctx, 300*time.Millisecond)
		sawDeadline.Store(watchdog.IsDeadlineExceeded(ctx))
		return err
	})

	var dl *watchdog.DeadlineExceededError
	require.ErrorAs(t, err, &dl)
	require.Equal(t, "slow task", dl.Description)
	require.Equal(t, 100*time.Millisecond, dl.Timeout)
	require.GreaterOrEqual(t, dl.Elapsed, 100*time.Millisecond)
	require.Less(t, dl.Elapsed, 100*time.Millisecond+ttest.Scale(150*time.Millisecond))
	require.False(t, dl.Abandoned)
	require.Contains(t, dl.Error(), "exceeded timeout of 100ms")

	require.True(t, sawDeadline.Load(), "task context should carry the deadline cause")
	require.True(t, rep.Interrupted)
	require.False(t, rep.Abandoned)
	require.Less(t, rep.Elapsed, 300*time.Millisecond)

	// Hard mode never writes the soft-mode warning.
	require.Empty(t, diag.String())
}

func TestWatchdog_Run_interruptionCarriesTrace(t *testing.T) {
	t.Parallel()

	w, _ := newTestWatchdog(t, watchdog.Settings{})

	_, err := w.Run(context.Background(), watchdog.Task{
		ID:          "traced",
		Description: "traced task",
		Timeout:     30 * time.Millisecond,
	}, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	var dl *watchdog.DeadlineExceededError
	require.ErrorAs(t, err, &dl)
	require.Contains(t, dl.Trace, "goroutine ")
	require.Contains(t, dl.Trace, "watchdog_test.go")
}

func TestWatchdog_Run_softEnforcementWarnsOnce(t *testing.T) {
	t.Parallel()

	w, diag := newTestWatchdog(t, watchdog.Settings{ContinueOnTimeout: true})

	var warnings atomic.Int32
	var warned atomic.Pointer[watchdog.Warning]
	var completed atomic.Bool
	rep, err := w.Run(context.Background(), watchdog.Task{
		ID:          "soft",
		Description: "soft task",
		Timeout:     100 * time.Millisecond,
		OnWarning: func(wn watchdog.Warning) {
			warnings.Add(1)
			warned.Store(&wn)
		},
	}, func(ctx context.Context) error {
		// Many poll cycles pass after the deadline.
		if err := sleepCtx(ctx, 300*time.Millisecond); err != nil {
			return err
		}
		completed.Store(true)
		return nil
	})
	require.NoError(t, err)

	require.True(t, completed.Load(), "task should have run to completion")
	require.True(t, rep.Warned)
	require.False(t, rep.Interrupted)
	require.Equal(t, int32(1), warnings.Load())
	wn := warned.Load()
	require.NotNil(t, wn)
	require.Equal(t, watchdog.TaskID("soft"), wn.ID)
	require.GreaterOrEqual(t, wn.Elapsed, wn.Timeout)
	require.Equal(t, 1, diag.Count("exceeded timeout of 100ms"))
	require.Contains(t, diag.String(), "soft task")
}

func TestWatchdog_Run_abandonsUncooperativeTask(t *testing.T) {
	t.Parallel()

	w, _ := newTestWatchdog(t, watchdog.Settings{})

	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	rep, err := w.Run(context.Background(), watchdog.Task{
		ID:          "stubborn",
		Description: "stubborn task",
		Timeout:     30 * time.Millisecond,
	}, func(context.Context) error {
		// Ignores its context entirely.
		<-release
		return nil
	})

	var dl *watchdog.DeadlineExceededError
	require.ErrorAs(t, err, &dl)
	require.True(t, dl.Abandoned)
	require.True(t, rep.Abandoned)
	require.True(t, rep.Interrupted)
	require.Less(t, time.Since(start), ttest.Scale(time.Second))
	require.Zero(t, w.Len(), "abandoned tasks are still unregistered")
}

func TestWatchdog_Run_uncooperativeTaskStillReportsTimeout(t *testing.T) {
	t.Parallel()

	w, _ := newTestWatchdog(t, watchdog.Settings{})

	// Returns nil after its deadline, within the grace period.
	_, err := w.Run(context.Background(), watchdog.Task{
		ID:          "late",
		Description: "late task",
		Timeout:     30 * time.Millisecond,
	}, func(context.Context) error {
		time.Sleep(80 * time.Millisecond)
		return nil
	})

	var dl *watchdog.DeadlineExceededError
	require.ErrorAs(t, err, &dl)
	require.False(t, dl.Abandoned)
}

func TestWatchdog_Run_unmonitored(t *testing.T) {
	t.Parallel()

	w, _ := newTestWatchdog(t, watchdog.Settings{})

	rep, err := w.Run(context.Background(), watchdog.Task{ID: "free"}, func(context.Context) error {
		require.Zero(t, w.Len(), "tasks without a timeout are never registered")
		require.Zero(t, w.Workers())
		return nil
	})
	require.NoError(t, err)
	require.False(t, rep.Monitored())
}

func TestWatchdog_Run_defaultTimeoutAndOverride(t *testing.T) {
	t.Parallel()

	w, _ := newTestWatchdog(t, watchdog.Settings{DefaultTimeout: 40 * time.Millisecond})

	rep, err := w.Run(context.Background(), watchdog.Task{ID: "default"}, func(ctx context.Context) error {
		return sleepCtx(ctx, time.Second)
	})
	require.ErrorAs(t, err, new(*watchdog.DeadlineExceededError))
	require.Equal(t, 40*time.Millisecond, rep.Timeout)

	// The per-task override wins over the default.
	rep, err = w.Run(context.Background(), watchdog.Task{ID: "override", Timeout: time.Hour}, func(ctx context.Context) error {
		return sleepCtx(ctx, 80*time.Millisecond)
	})
	require.NoError(t, err)
	require.Equal(t, time.Hour, rep.Timeout)
}

func TestWatchdog_Run_taskError(t *testing.T) {
	t.Parallel()

	w, _ := newTestWatchdog(t, watchdog.Settings{})

	boom := errors.New("boom")
	rep, err := w.Run(context.Background(), watchdog.Task{ID: "failing", Timeout: time.Second}, func(context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.False(t, rep.Interrupted)
}

func TestWatchdog_Run_panicBecomesError(t *testing.T) {
	t.Parallel()

	w, _ := newTestWatchdog(t, watchdog.Settings{})

	_, err := w.Run(context.Background(), watchdog.Task{ID: "panicking", Timeout: time.Second}, func(context.Context) error {
		panic("kaboom")
	})
	require.ErrorIs(t, err, watchdog.ErrTaskPanicked)
	require.Contains(t, err.Error(), "kaboom")
	require.Zero(t, w.Len())
}

func TestWatchdog_Run_parentCancellation(t *testing.T) {
	t.Parallel()

	w, _ := newTestWatchdog(t, watchdog.Settings{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	rep, err := w.Run(ctx, watchdog.Task{ID: "cancelled", Timeout: time.Second}, func(ctx context.Context) error {
		return sleepCtx(ctx, time.Second)
	})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, rep.Interrupted)
}

func TestWatchdog_Run_duplicateID(t *testing.T) {
	t.Parallel()

	w, _ := newTestWatchdog(t, watchdog.Settings{})

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = w.Run(context.Background(), watchdog.Task{ID: "dup", Timeout: time.Second}, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	_, err := w.Run(context.Background(), watchdog.Task{ID: "dup", Timeout: time.Second}, func(context.Context) error {
		t.Error("second task with the same id must not run")
		return nil
	})
	require.ErrorIs(t, err, watchdog.ErrAlreadyRegistered)

	close(release)
	<-done
}

func TestWatchdog_lateSettingsChangeAppliesToNextCycle(t *testing.T) {
	t.Parallel()

	w, diag := newTestWatchdog(t, watchdog.Settings{})

	// Switch to soft enforcement before the deadline passes.
	_, err := w.Run(context.Background(), watchdog.Task{ID: "switch", Description: "switching task", Timeout: 60 * time.Millisecond}, func(ctx context.Context) error {
		w.Configure(func(s *watchdog.Settings) { s.ContinueOnTimeout = true })
		return sleepCtx(ctx, 150*time.Millisecond)
	})
	require.NoError(t, err)
	require.Equal(t, 1, diag.Count("exceeded timeout"))
	require.True(t, w.Settings().ContinueOnTimeout)
}

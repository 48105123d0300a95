package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/timeguard/internal/backend"
	"github.com/seantiz/timeguard/internal/model"
	"github.com/seantiz/timeguard/internal/store"
	"github.com/seantiz/timeguard/internal/watchdog"
)

// DefaultMaxConcurrency bounds RunBatch when no limit is configured.
const DefaultMaxConcurrency = 4

var (
	// ErrKilled is the cancellation cause for tasks stopped through Kill.
	ErrKilled = errors.New("task killed")

	// ErrNotRunning is returned by Kill for a task that is not in flight.
	ErrNotRunning = errors.New("task is not running")
)

// Engine orchestrates task execution.
type Engine struct {
	store    store.Store
	registry *backend.Registry
	watchdog *watchdog.Watchdog
	logger   *slog.Logger
	wg       sync.WaitGroup
	broker   *LogBroker

	maxConcurrency int

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// NewEngine creates a new execution engine. maxConcurrency bounds RunBatch;
// non-positive values use DefaultMaxConcurrency.
func NewEngine(
	s store.Store,
	reg *backend.Registry,
	wd *watchdog.Watchdog,
	logger *slog.Logger,
	maxConcurrency int,
) *Engine {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	return &Engine{
		store:          s,
		registry:       reg,
		watchdog:       wd,
		logger:         logger,
		broker:         NewLogBroker(),
		maxConcurrency: maxConcurrency,
		running:        make(map[string]context.CancelCauseFunc),
	}
}

// Broker returns the engine's log broker for SSE subscription.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// Watchdog returns the watchdog that enforces task deadlines.
func (e *Engine) Watchdog() *watchdog.Watchdog {
	return e.watchdog
}

// Submit creates a task record and launches execution in a goroutine.
// The task is stored with status "pending" before returning.
// The goroutine operates on a copy of the task to avoid data races with
// the caller.
func (e *Engine) Submit(ctx context.Context, t *model.Task) error {
	if err := e.create(ctx, t); err != nil {
		return err
	}

	tCopy := *t
	runCtx := e.track(context.Background(), tCopy.ID)
	e.wg.Go(func() {
		e.execute(runCtx, &tCopy)
	})

	return nil
}

// Run creates a task record, executes it, and returns the finished task.
// Cancelling ctx stops the task and records it as killed. The returned
// error reports only persistence failures; the task's own outcome is in
// its status.
func (e *Engine) Run(ctx context.Context, t *model.Task) (*model.Task, error) {
	if err := e.create(ctx, t); err != nil {
		return nil, err
	}

	tCopy := *t
	runCtx := e.track(ctx, tCopy.ID)
	e.wg.Add(1)
	defer e.wg.Done()
	return e.execute(runCtx, &tCopy), nil
}

// RunBatch runs tasks with at most maxConcurrency in flight and returns
// them in input order once all have finished. A failing task does not stop
// the others.
func (e *Engine) RunBatch(ctx context.Context, tasks []*model.Task) ([]*model.Task, error) {
	for i, t := range tasks {
		if err := e.create(ctx, t); err != nil {
			for _, created := range tasks[:i] {
				e.broker.Close(created.ID)
			}
			return nil, err
		}
	}

	results := make([]*model.Task, len(tasks))
	var g errgroup.Group
	g.SetLimit(e.maxConcurrency)
	for i, t := range tasks {
		tCopy := *t
		runCtx := e.track(ctx, tCopy.ID)
		e.wg.Add(1)
		g.Go(func() error {
			defer e.wg.Done()
			results[i] = e.execute(runCtx, &tCopy)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Kill stops a running task. The task finishes with status "killed".
func (e *Engine) Kill(ctx context.Context, id string) error {
	e.mu.Lock()
	cancel, ok := e.running[id]
	e.mu.Unlock()
	if ok {
		cancel(ErrKilled)
		e.logger.Info("task kill requested", "task_id", id)
		return nil
	}

	if _, err := e.store.GetTask(ctx, id); err != nil {
		return err
	}
	return ErrNotRunning
}

// Wait blocks until all in-flight task goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func prepare(t *model.Task) {
	if t.ID == "" {
		t.ID = model.NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.Status = model.StatusPending
}

// track derives a killable context for the task and records its cancel func.
// create stores t as pending. Its log topic is opened first so a
// subscriber that finds the stored task never sees a missing topic.
func (e *Engine) create(ctx context.Context, t *model.Task) error {
	prepare(t)
	e.broker.Open(t.ID)
	if err := e.store.CreateTask(ctx, t); err != nil {
		e.broker.Close(t.ID)
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (e *Engine) track(parent context.Context, id string) context.Context {
	ctx, cancel := context.WithCancelCause(parent)
	e.mu.Lock()
	e.running[id] = cancel
	e.mu.Unlock()
	return ctx
}

func (e *Engine) untrack(id string) {
	e.mu.Lock()
	cancel, ok := e.running[id]
	delete(e.running, id)
	e.mu.Unlock()
	if ok {
		cancel(nil)
	}
}

// execute runs the task lifecycle: pending→running→terminal. It returns the
// task as persisted.
func (e *Engine) execute(ctx context.Context, t *model.Task) *model.Task {
	// Close the log stream when execution finishes, regardless of outcome.
	defer e.broker.Close(t.ID)
	defer e.untrack(t.ID)

	if err := e.store.UpdateTaskStatus(context.Background(), t.ID, model.StatusRunning); err != nil {
		e.logger.Error("failed to transition to running", "task_id", t.ID, "error", err)
		return e.finish(t, model.StatusFailed, nil, fmt.Sprintf("failed to start: %v", err))
	}

	start := time.Now().UTC()
	t.Status = model.StatusRunning
	t.StartedAt = &start

	// The LogWriter dual-writes: persist to SQLite for historical viewing,
	// then publish to LogBroker for real-time SSE.
	var seq atomic.Int32
	logLine := func(line string) {
		currentSeq := int(seq.Add(1) - 1)
		if err := e.store.InsertLogLine(context.Background(), t.ID, currentSeq, line); err != nil {
			e.logger.Error("failed to persist log line", "task_id", t.ID, "seq", currentSeq, "error", err)
		}
		e.broker.Publish(t.ID, line)
	}

	ex, err := e.registry.Resolve(t.Kind)
	if err != nil {
		return e.finish(t, model.StatusFailed, nil, fmt.Sprintf("resolve executor: %v", err))
	}

	spec := backend.Spec{
		ID:        t.ID,
		Kind:      t.Kind,
		Args:      t.Args,
		LogWriter: logLine,
	}

	wt := watchdog.Task{
		ID:          watchdog.TaskID(t.ID),
		Description: t.Describe(),
		Timeout:     t.Timeout(),
		OnWarning: func(w watchdog.Warning) {
			logLine(fmt.Sprintf("exceeded timeout of %s (elapsed %s); continuing",
				w.Timeout, w.Elapsed.Round(time.Millisecond)))
		},
	}

	// An abandoned executor may still be running after Run returns, so
	// its result is handed over through a buffered channel.
	resCh := make(chan backend.Result, 1)
	rep, runErr := e.watchdog.Run(ctx, wt, func(ctx context.Context) error {
		res, err := ex.Execute(ctx, spec)
		resCh <- res
		return err
	})

	var res *backend.Result
	select {
	case r := <-resCh:
		res = &r
	default:
	}

	if rep.Monitored() {
		ms := rep.Timeout.Milliseconds()
		t.EffectiveTimeoutMS = &ms
	}
	t.Warned = rep.Warned
	elapsed := rep.Elapsed.Milliseconds()
	t.ElapsedMS = &elapsed

	status, msg := e.classify(ctx, t, runErr)
	return e.finish(t, status, res, msg)
}

// classify maps the outcome of a watchdog run to a task status and error message.
func (e *Engine) classify(ctx context.Context, t *model.Task, err error) (string, string) {
	if err == nil {
		return model.StatusCompleted, ""
	}

	var dl *watchdog.DeadlineExceededError
	if errors.As(err, &dl) {
		e.logger.Warn("task timed out",
			"task_id", t.ID,
			"timeout", dl.Timeout,
			"elapsed", dl.Elapsed,
			"abandoned", dl.Abandoned,
		)
		if dl.Trace != "" {
			e.logger.Debug("timed out task trace", "task_id", t.ID, "trace", dl.Trace)
		}
		return model.StatusTimedOut, dl.Error()
	}

	if errors.Is(context.Cause(ctx), ErrKilled) || ctx.Err() != nil {
		return model.StatusKilled, err.Error()
	}
	return model.StatusFailed, err.Error()
}

// finish records the terminal state of t. res may be nil when the executor
// never returned.
func (e *Engine) finish(t *model.Task, status string, res *backend.Result, errMsg string) *model.Task {
	now := time.Now().UTC()
	t.Status = status
	t.Error = errMsg
	t.FinishedAt = &now
	if t.ElapsedMS == nil && t.StartedAt != nil {
		ms := now.Sub(*t.StartedAt).Milliseconds()
		t.ElapsedMS = &ms
	}
	if res != nil {
		code := res.ExitCode
		t.ExitCode = &code
		t.Output = res.Output
	}

	if err := e.store.UpdateTask(context.Background(), t); err != nil {
		e.logger.Error("failed to update finished task", "task_id", t.ID, "status", status, "error", err)
	}
	tasksTotal.WithLabelValues(t.Kind, status).Inc()
	if t.ElapsedMS != nil {
		taskDuration.WithLabelValues(t.Kind).Observe(float64(*t.ElapsedMS) / 1000)
	}

	e.logger.Info("task finished",
		"task_id", t.ID,
		"kind", t.Kind,
		"status", status,
		"warned", t.Warned,
	)
	return t
}

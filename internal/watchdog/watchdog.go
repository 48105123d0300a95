package watchdog

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultPollInterval bounds detection latency:
	// an expired task is noticed within one interval of its deadline.
	DefaultPollInterval = 500 * time.Millisecond

	// DefaultGracePeriod is how long an interrupted task may keep running
	// before [*Watchdog.Run] gives up on it.
	DefaultGracePeriod = 2 * time.Second
)

// TaskID identifies a tracked task. Any unique string works.
type TaskID string

// Options configure a [Watchdog].
type Options struct {
	// PollInterval defaults to DefaultPollInterval.
	// It should be smaller than the smallest expected timeout.
	PollInterval time.Duration

	// GracePeriod defaults to DefaultGracePeriod.
	GracePeriod time.Duration

	// Initial runtime settings; see [*Watchdog.Configure].
	Settings Settings

	// Diagnostics receives continue-on-timeout warnings.
	// If nil, warnings are written as text to stderr.
	Diagnostics *logrus.Logger
}

// Warning describes a task that passed its deadline under soft enforcement.
type Warning struct {
	ID          TaskID
	Description string
	Timeout     time.Duration
	Elapsed     time.Duration
}

// EntryState is a point-in-time copy of one registry entry.
type EntryState struct {
	ID          TaskID
	Description string
	Start       time.Time
	Timeout     time.Duration

	// Warned is set once the continue-on-timeout warning was emitted.
	Warned bool

	// Interrupted is set once the deadline error was delivered.
	Interrupted bool
}

// Elapsed reports how long the task had been running at now.
func (s EntryState) Elapsed(now time.Time) time.Duration {
	return now.Sub(s.Start)
}

// Expired reports whether the task was past its deadline at now.
func (s EntryState) Expired(now time.Time) bool {
	return s.Elapsed(now) > s.Timeout
}

type entry struct {
	EntryState

	owner     *Owner
	onWarning func(Warning)
}

// candidate pairs a copied entry state with the references needed
// to act on it outside the registry lock.
type candidate struct {
	EntryState

	owner     *Owner
	onWarning func(Warning)
}

// Watchdog tracks in-flight tasks against their deadlines.
// Construct one per task-running session with [New];
// the zero value is not usable.
type Watchdog struct {
	log  *slog.Logger
	diag *logrus.Logger

	pollInterval time.Duration
	gracePeriod  time.Duration

	settingsMu sync.Mutex
	settings   atomic.Pointer[Settings]

	// mu guards the registry and the worker state machine together,
	// so that "registry is empty" and "worker is running" never disagree.
	mu      sync.Mutex
	entries map[TaskID]*entry
	running bool
	workers int

	wg sync.WaitGroup
}

// New returns a Watchdog with no tasks and no running worker.
func New(log *slog.Logger, opts Options) *Watchdog {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}

	diag := opts.Diagnostics
	if diag == nil {
		diag = logrus.New()
		diag.SetOutput(os.Stderr)
		diag.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	}

	w := &Watchdog{
		log:          log,
		diag:         diag,
		pollInterval: opts.PollInterval,
		gracePeriod:  opts.GracePeriod,
		entries:      make(map[TaskID]*entry),
	}
	s := opts.Settings
	w.settings.Store(&s)
	return w
}

// PollInterval returns the configured poll interval.
func (w *Watchdog) PollInterval() time.Duration {
	return w.pollInterval
}

// Register starts tracking a task with the given timeout.
// The start time is captured now. If no worker is running, one is started.
//
// The onWarning callback may be nil; when set it is called at most once,
// from the watchdog worker, when the task passes its deadline
// under soft enforcement.
func (w *Watchdog) Register(
	id TaskID,
	description string,
	timeout time.Duration,
	owner *Owner,
	onWarning func(Warning),
) error {
	if timeout <= 0 {
		return fmt.Errorf("register %s: %w", id, ErrNoTimeout)
	}

	if timeout <= w.pollInterval {
		w.log.Debug(
			"Task timeout is not longer than the poll interval; detection may lag by up to one interval",
			"task", id, "timeout", timeout, "poll_interval", w.pollInterval,
		)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.entries[id]; ok {
		return fmt.Errorf("register %s: %w", id, ErrAlreadyRegistered)
	}

	w.entries[id] = &entry{
		EntryState: EntryState{
			ID:          id,
			Description: description,
			Start:       time.Now(),
			Timeout:     timeout,
		},
		owner:     owner,
		onWarning: onWarning,
	}
	activeTasks.Inc()

	if !w.running {
		w.running = true
		w.workers++
		activeWorkers.Inc()
		w.wg.Add(1)
		go w.loop()
	}

	return nil
}

// Unregister stops tracking id.
// Unregistering an unknown or already removed id is a no-op.
func (w *Watchdog) Unregister(id TaskID) {
	w.remove(id)
}

// remove deletes id and returns its final state.
func (w *Watchdog) remove(id TaskID) (EntryState, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.entries[id]
	if !ok {
		return EntryState{}, false
	}
	delete(w.entries, id)
	activeTasks.Dec()
	return e.EntryState, true
}

// Snapshot returns a copy of every tracked entry, ordered by start time.
func (w *Watchdog) Snapshot() []EntryState {
	cs := w.snapshot()
	out := make([]EntryState, len(cs))
	for i, c := range cs {
		out[i] = c.EntryState
	}
	return out
}

func (w *Watchdog) snapshot() []candidate {
	w.mu.Lock()
	cs := make([]candidate, 0, len(w.entries))
	for _, e := range w.entries {
		cs = append(cs, candidate{
			EntryState: e.EntryState,
			owner:      e.owner,
			onWarning:  e.onWarning,
		})
	}
	w.mu.Unlock()

	sort.Slice(cs, func(i, j int) bool {
		if cs[i].Start.Equal(cs[j].Start) {
			return cs[i].ID < cs[j].ID
		}
		return cs[i].Start.Before(cs[j].Start)
	})
	return cs
}

// Len returns the number of tracked tasks.
func (w *Watchdog) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Workers returns the number of live watchdog workers; it is 0 or 1.
func (w *Watchdog) Workers() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.workers
}

// Wait blocks until the current worker, if any, has exited.
// Workers exit on their own once no tasks remain,
// so Wait must not be called concurrently with Register.
func (w *Watchdog) Wait() {
	w.wg.Wait()
}

// mark applies fn to the live entry for id under the registry lock.
// It reports false if the entry is gone or fn declined the transition.
func (w *Watchdog) mark(id TaskID, fn func(*entry) bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.entries[id]
	if !ok {
		return false
	}
	return fn(e)
}

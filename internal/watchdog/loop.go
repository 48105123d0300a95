package watchdog

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// loop is the single background worker.
// It exits after the first poll cycle that observes an empty registry.
func (w *Watchdog) loop() {
	defer w.wg.Done()

	w.log.Debug("Watchdog worker started", "poll_interval", w.pollInterval)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for range ticker.C {
		if !w.poll() {
			w.log.Debug("Watchdog worker stopping; no tasks remain")
			return
		}
	}
}

// poll runs one scan-and-enforce cycle.
// It reports whether the worker should keep running.
func (w *Watchdog) poll() bool {
	start := time.Now()

	cs := w.snapshot()
	continueOnTimeout := w.Settings().ContinueOnTimeout
	now := time.Now()

	// Enforcement happens without w.mu held;
	// Register and Unregister must never wait on an interruption.
	for _, c := range cs {
		w.evaluate(c, continueOnTimeout, now)
	}

	pollDuration.Observe(time.Since(start).Seconds())

	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.entries) > 0 {
		return true
	}

	// Stop while still holding the lock.
	// A Register that follows will see running == false and start a new worker.
	w.running = false
	w.workers--
	activeWorkers.Dec()
	return false
}

// evaluate applies the enforcement policy to a single entry.
// A failure here is contained to the entry.
func (w *Watchdog) evaluate(c candidate, continueOnTimeout bool, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Recovered panic while evaluating watchdog entry", "task", c.ID, "panic", r)
		}
	}()

	switch Decide(c.EntryState, c.owner.alive(), continueOnTimeout, now) {
	case ActionInterrupt:
		w.interrupt(c, now)
	case ActionWarn:
		w.warn(c, now)
	}
}

func (w *Watchdog) interrupt(c candidate, now time.Time) {
	claimed := w.mark(c.ID, func(e *entry) bool {
		if e.Interrupted {
			return false
		}
		e.Interrupted = true
		return true
	})
	if !claimed {
		// Unregistered after the snapshot, or another cycle got there first.
		return
	}

	err := &DeadlineExceededError{
		Description: c.Description,
		Timeout:     c.Timeout,
		Elapsed:     c.Elapsed(now),
		Trace:       c.owner.trace(),
	}
	if e := c.owner.interrupt(err); e != nil {
		if errors.Is(e, errRegistryInconsistency) {
			w.log.Debug("Skipping interruption of finished task", "task", c.ID)
			return
		}
		w.log.Error("Failed to interrupt task", "task", c.ID, "err", e)
		return
	}

	enforcements.WithLabelValues(ActionInterrupt.String()).Inc()
	w.log.Warn(
		"Interrupted task past its deadline",
		"task", c.ID,
		"description", c.Description,
		"timeout", c.Timeout,
		"elapsed", err.Elapsed,
	)
}

func (w *Watchdog) warn(c candidate, now time.Time) {
	claimed := w.mark(c.ID, func(e *entry) bool {
		if e.Warned {
			return false
		}
		e.Warned = true
		return true
	})
	if !claimed {
		return
	}

	wn := Warning{
		ID:          c.ID,
		Description: c.Description,
		Timeout:     c.Timeout,
		Elapsed:     c.Elapsed(now),
	}

	enforcements.WithLabelValues(ActionWarn.String()).Inc()
	w.diag.WithFields(logrus.Fields{
		"task":    string(wn.ID),
		"timeout": wn.Timeout.String(),
		"elapsed": wn.Elapsed.String(),
	}).Warnf("Task %s exceeded timeout of %s (elapsed %s); continuing", wn.Description, wn.Timeout, wn.Elapsed)

	if c.onWarning != nil {
		c.onWarning(wn)
	}
}

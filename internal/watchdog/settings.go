package watchdog

import "time"

// Settings are the runtime-adjustable enforcement values.
// They are read when a task is registered (DefaultTimeout)
// and on every poll cycle (ContinueOnTimeout),
// so changes apply to subsequently registered tasks and later cycles.
type Settings struct {
	// DefaultTimeout applies to tasks that carry no timeout of their own.
	// Zero means such tasks run unmonitored.
	DefaultTimeout time.Duration

	// ContinueOnTimeout selects soft enforcement:
	// a single warning instead of interruption.
	ContinueOnTimeout bool
}

// Settings returns the current settings.
func (w *Watchdog) Settings() Settings {
	return *w.settings.Load()
}

// Configure applies fn to a copy of the current settings and installs the result.
// Concurrent Configure calls are serialized.
func (w *Watchdog) Configure(fn func(*Settings)) Settings {
	w.settingsMu.Lock()
	defer w.settingsMu.Unlock()

	s := *w.settings.Load()
	fn(&s)
	w.settings.Store(&s)
	return s
}

// resolveTimeout picks the per-task override when present,
// otherwise the process-wide default.
func (w *Watchdog) resolveTimeout(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return w.Settings().DefaultTimeout
}

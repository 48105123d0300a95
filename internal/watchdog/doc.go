// Package watchdog enforces per-task deadlines on work that is not itself
// deadline-aware.
//
// A [Watchdog] keeps a registry of in-flight tasks, each with its own timeout.
// A single background worker polls the registry on a fixed interval and,
// for any task past its deadline, either interrupts the task
// (hard enforcement, the default) or emits exactly one warning and lets it
// continue (soft enforcement, [Settings.ContinueOnTimeout]).
// The worker is started lazily on the first registration
// and exits on its own once the registry is empty.
//
// Go cannot raise an error inside another goroutine,
// so interruption is cooperative: the task's context is cancelled
// with a [*DeadlineExceededError] cause,
// which [IsDeadlineExceeded] and [context.Cause] can observe.
// Work that ignores its context is given a grace period to return;
// after that, [*Watchdog.Run] reports the task as abandoned
// and leaves the goroutine to finish on its own.
//
// Detection is sampling-based: a task that passes its deadline
// is noticed within one poll interval, not at the exact deadline.
package watchdog

package model

import (
	"fmt"
	"time"
)

// Task status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimedOut  = "timed_out"
	StatusKilled    = "killed"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
		StatusKilled:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusTimedOut:  true,
		StatusKilled:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether a task in the given status has finished.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusKilled:
		return true
	default:
		return false
	}
}

// LogLine represents a single persisted log line from a task execution.
type LogLine struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is a unit of work run under the watchdog.
type Task struct {
	ID     string   `json:"id"`
	Name   string   `json:"name,omitempty"`
	Kind   string   `json:"kind"`
	Args   []string `json:"args,omitempty"`
	Status string   `json:"status"`

	// TimeoutMS is the per-task override; nil falls back to the default.
	TimeoutMS *int64 `json:"timeout_ms,omitempty"`

	// EffectiveTimeoutMS is the timeout the watchdog applied, if any.
	EffectiveTimeoutMS *int64 `json:"effective_timeout_ms,omitempty"`

	// Warned is set when the task ran past its deadline under continue-on-timeout.
	Warned bool `json:"warned"`

	Output     []byte     `json:"output,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Error      string     `json:"error,omitempty"`
	ElapsedMS  *int64     `json:"elapsed_ms,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Describe returns the human-readable description used in
// deadline errors and warnings.
func (t *Task) Describe() string {
	if t.Name != "" {
		return fmt.Sprintf("%q (%s)", t.Name, t.ID)
	}
	return fmt.Sprintf("%s %s", t.Kind, t.ID)
}

// MinTimeout is the smallest timeout a task can carry; timeouts are stored
// in whole milliseconds.
const MinTimeout = time.Millisecond

// Timeout returns the per-task override, or zero if none is set.
func (t *Task) Timeout() time.Duration {
	if t.TimeoutMS == nil || *t.TimeoutMS <= 0 {
		return 0
	}
	return time.Duration(*t.TimeoutMS) * time.Millisecond
}

package backend

import "context"

// Executor is the interface that every task kind must implement.
type Executor interface {
	// Execute runs a task according to the given spec and returns the result.
	// The context is cancelled when the watchdog interrupts the task; its
	// cause is the deadline error. Executors should return promptly once
	// ctx is done.
	Execute(ctx context.Context, spec Spec) (Result, error)

	// Capabilities describes the executor for listings.
	Capabilities() Capabilities
}

// Spec describes a task to be executed.
type Spec struct {
	ID   string   `json:"id"`
	Kind string   `json:"kind"`
	Args []string `json:"args"`

	// LogWriter is an optional callback that executors invoke to emit log lines
	// during execution. Each call delivers one line to connected SSE subscribers.
	LogWriter func(line string) `json:"-"`
}

// Log emits line through LogWriter if one is set.
func (s Spec) Log(line string) {
	if s.LogWriter != nil {
		s.LogWriter(line)
	}
}

// Result holds the output produced by an executor.
type Result struct {
	ExitCode int    `json:"exit_code"`
	Output   []byte `json:"output"`
}

// Capabilities describes what an executor does.
type Capabilities struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Usage       string `json:"usage"`

	// Cooperative reports whether the executor stops promptly when its
	// context is cancelled.
	Cooperative bool `json:"cooperative"`
}

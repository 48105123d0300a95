package backend

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownKind is returned when no executor is registered for a task kind.
var ErrUnknownKind = errors.New("unknown task kind")

// ExecutorInfo pairs a task kind with its executor's capabilities.
type ExecutorInfo struct {
	Kind         string       `json:"kind"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry holds registered executors keyed by task kind.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]Executor),
	}
}

// Register adds an executor under the given kind, replacing any previous one.
func (r *Registry) Register(kind string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[kind] = e
}

// Resolve returns the executor for kind.
func (r *Registry) Resolve(kind string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return e, nil
}

// List returns information about all registered executors, sorted by kind
// for a stable API response.
func (r *Registry) List() []ExecutorInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ExecutorInfo, 0, len(r.executors))
	for kind, e := range r.executors {
		infos = append(infos, ExecutorInfo{
			Kind:         kind,
			Capabilities: e.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Kind < infos[j].Kind
	})
	return infos
}

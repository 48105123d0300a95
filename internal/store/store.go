package store

import (
	"context"
	"errors"

	"github.com/seantiz/timeguard/internal/model"
)

// ErrInvalidTransition is returned when a task status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// TaskStats holds aggregate execution statistics.
type TaskStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByKind   map[string]int `json:"count_by_kind"`
	Warned        int            `json:"warned"`
	AvgElapsedMS  float64        `json:"avg_elapsed_ms"`
}

// Store defines the persistence operations for tasks.
type Store interface {
	CreateTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, limit, offset int) ([]*model.Task, int, error)
	UpdateTaskStatus(ctx context.Context, id, status string) error
	UpdateTask(ctx context.Context, t *model.Task) error
	GetTaskStats(ctx context.Context) (*TaskStats, error)
	InsertLogLine(ctx context.Context, taskID string, seq int, line string) error
	GetLogLines(ctx context.Context, taskID string) ([]model.LogLine, error)
	Close() error
}

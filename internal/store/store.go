package store

import (
	"context"
	"errors"

	"github.com/seantiz/easel/internal/model"
)

// ErrInvalidTransition is returned when a task status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// TaskStats holds aggregate render statistics.
type TaskStats struct {
	Total         int            `json:"total"`
	Stopped       int            `json:"stopped"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByEngine map[string]int `json:"count_by_engine"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for render tasks and the
// messages they emit.
type Store interface {
	CreateTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, limit, offset int) ([]*model.Task, int, error)
	UpdateTaskStatus(ctx context.Context, id, status string) error
	FinishTask(ctx context.Context, t *model.Task) error
	GetTaskStats(ctx context.Context) (*TaskStats, error)
	InsertMessage(ctx context.Context, taskID string, seq int, kind, body string) error
	GetMessages(ctx context.Context, taskID string) ([]model.TaskMessage, error)
	Close() error
}

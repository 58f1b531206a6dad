// Package storage keeps the in-memory task registry, the per-task cancel
// functions and the TTL cleanup of finished tasks.
package storage

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"segmentdl/internal/config"
	"segmentdl/internal/entity"
	"segmentdl/internal/errs"
	"segmentdl/internal/observability"
)

// Storer defines the interface for storage operations.
type Storer interface {
	// SetTask stores a new task. A task with the same id must not exist.
	SetTask(ctx context.Context, task *entity.Task) error
	GetTask(ctx context.Context, id string) (*entity.Task, error)
	// GetTasks returns all tasks ordered by creation time.
	GetTasks(ctx context.Context) ([]*entity.Task, error)
	DeleteTask(ctx context.Context, id string) error

	// CancelTask calls the cancel function registered for the task.
	CancelTask(ctx context.Context, taskID string) error

	// RegisterCancelFunc stores a cancel function for a task.
	RegisterCancelFunc(taskID string, cancelFunc func())

	// UnregisterCancelFunc removes the cancel function for a task.
	UnregisterCancelFunc(taskID string)

	CleanupExpiredTasks(ctx context.Context, interval time.Duration)
}

// EvictFunc is called for every task removed by the TTL cleanup, before removal.
type EvictFunc func(ctx context.Context, task *entity.Task)

type storage struct {
	log     *slog.Logger
	metrics *observability.Metrics
	onEvict EvictFunc

	mu    sync.RWMutex
	tasks map[string]*entity.Task // task id : task

	cancelMu    sync.RWMutex
	cancelFuncs map[string]func() // task id : cancel func
}

// New creates an in-memory storage and starts the TTL cleanup loop.
// A non-positive cleanup interval disables the loop.
func New(ctx context.Context, log *slog.Logger, cfg config.Storage, metrics *observability.Metrics, onEvict EvictFunc) Storer {
	stg := &storage{
		log:         log.With(slog.String("package", "storage")),
		metrics:     metrics,
		onEvict:     onEvict,
		tasks:       make(map[string]*entity.Task),
		cancelFuncs: make(map[string]func()),
	}

	if cfg.CleanupInterval > 0 {
		go stg.CleanupExpiredTasks(ctx, cfg.CleanupInterval)
	}

	return stg
}

func (stg *storage) SetTask(ctx context.Context, task *entity.Task) error {
	if task == nil {
		return errs.ErrTaskNil
	}

	if task.ID == "" {
		return errs.ErrTaskIDEmpty
	}

	stg.mu.Lock()
	defer stg.mu.Unlock()

	if _, exists := stg.tasks[task.ID]; exists {
		return errs.ErrTaskAlreadyExists
	}

	stg.tasks[task.ID] = task
	stg.reportLocked()

	stg.log.DebugContext(ctx, "task stored", slog.Any("task", task))

	return nil
}

func (stg *storage) GetTask(_ context.Context, id string) (*entity.Task, error) {
	stg.mu.RLock()
	defer stg.mu.RUnlock()

	task := stg.tasks[id]
	if task == nil {
		return nil, errs.ErrTaskNotFound
	}

	return task, nil
}

func (stg *storage) GetTasks(_ context.Context) ([]*entity.Task, error) {
	stg.mu.RLock()
	defer stg.mu.RUnlock()

	if len(stg.tasks) == 0 {
		return nil, errs.ErrNoTasks
	}

	tasks := make([]*entity.Task, 0, len(stg.tasks))
	for _, task := range stg.tasks {
		tasks = append(tasks, task)
	}

	slices.SortFunc(tasks, func(a, b *entity.Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		return cmp.Compare(a.ID, b.ID)
	})

	return tasks, nil
}

func (stg *storage) DeleteTask(ctx context.Context, id string) error {
	stg.mu.Lock()
	defer stg.mu.Unlock()

	if _, exists := stg.tasks[id]; !exists {
		return errs.ErrTaskNotFound
	}

	delete(stg.tasks, id)
	stg.reportLocked()

	stg.log.DebugContext(ctx, "task deleted", slog.String("task_id", id))

	return nil
}

// CancelTask cancels a task by calling its registered cancel function.
func (stg *storage) CancelTask(ctx context.Context, taskID string) error {
	if _, err := stg.GetTask(ctx, taskID); err != nil {
		return err
	}

	stg.cancelMu.RLock()
	cancelFunc := stg.cancelFuncs[taskID]
	stg.cancelMu.RUnlock()

	if cancelFunc == nil {
		stg.log.DebugContext(ctx, "no cancel func registered for task", slog.String("task_id", taskID))

		return nil
	}

	cancelFunc()

	stg.log.InfoContext(ctx, "task cancel requested", slog.String("task_id", taskID))

	return nil
}

// RegisterCancelFunc stores a cancel function for a task.
func (stg *storage) RegisterCancelFunc(taskID string, cancelFunc func()) {
	stg.cancelMu.Lock()
	defer stg.cancelMu.Unlock()

	stg.cancelFuncs[taskID] = cancelFunc
}

// UnregisterCancelFunc removes the cancel function for a task.
func (stg *storage) UnregisterCancelFunc(taskID string) {
	stg.cancelMu.Lock()
	defer stg.cancelMu.Unlock()

	delete(stg.cancelFuncs, taskID)
}

func (stg *storage) reportLocked() {
	if stg.metrics != nil {
		stg.metrics.SetStoredTasks(len(stg.tasks))
	}
}

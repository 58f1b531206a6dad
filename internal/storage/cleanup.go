package storage

import (
	"context"
	"log/slog"
	"time"

	"segmentdl/internal/entity"
)

// CleanupExpiredTasks removes finished tasks whose TTL elapsed, every interval.
func (stg *storage) CleanupExpiredTasks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := stg.log.With(slog.String("action", "cleanup_expired_tasks"), slog.Duration("interval", interval))

	for {
		select {
		case <-ticker.C:
			stg.performCleanup(ctx)
		case <-ctx.Done():
			log.Info("cleanup expired tasks stopped")

			return
		}
	}
}

func (stg *storage) performCleanup(ctx context.Context) {
	now := time.Now()

	stg.mu.RLock()
	expired := stg.getExpiredTasks(now)
	stg.mu.RUnlock()

	if len(expired) == 0 {
		stg.log.DebugContext(ctx, "no expired tasks found to clean up")

		return
	}

	stg.log.InfoContext(ctx, "about to remove expired tasks", slog.Int("count", len(expired)))

	for _, task := range expired {
		if stg.onEvict != nil {
			stg.onEvict(ctx, task)
		}

		stg.UnregisterCancelFunc(task.ID)

		if err := stg.DeleteTask(ctx, task.ID); err != nil {
			stg.log.DebugContext(ctx, "expired task already removed", slog.String("task_id", task.ID))
		}
	}

	if stg.metrics != nil {
		stg.metrics.RecordCleanup(len(expired))
	}
}

func (stg *storage) getExpiredTasks(now time.Time) []*entity.Task {
	var expired []*entity.Task

	for _, task := range stg.tasks {
		if task.Expired(now) {
			expired = append(expired, task)
		}
	}

	return expired
}

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RemoveOldJobsTask is the name of the built-in cleanup task
const RemoveOldJobsTask = "procrastinate.builtin.remove_old_jobs"

// JobRemover deletes finished jobs
type JobRemover interface {
	DeleteOldJobs(ctx context.Context, olderThan time.Duration, queue string, includeError bool) (int64, error)
}

// RegisterBuiltins adds the tasks every worker can run.
//
// remove_old_jobs takes max_hours (required), queue and remove_error.
func RegisterBuiltins(r *Registry, remover JobRemover, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	return r.Register(RemoveOldJobsTask, Task{
		Handler: func(ctx context.Context, kwargs map[string]any) error {
			maxHours, ok := kwargs["max_hours"].(float64)
			if !ok || maxHours <= 0 {
				return fmt.Errorf("max_hours must be a positive number")
			}
			queue, _ := kwargs["queue"].(string)
			removeError, _ := kwargs["remove_error"].(bool)

			deleted, err := remover.DeleteOldJobs(ctx, time.Duration(maxHours*float64(time.Hour)), queue, removeError)
			if err != nil {
				return err
			}

			logger.Info("Old jobs removed",
				slog.Int64("deleted", deleted),
				slog.Float64("max_hours", maxHours),
				slog.String("queue", queue),
			)
			return nil
		},
	})
}

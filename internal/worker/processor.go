package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/procrastinate-go/internal/jobs"
)

// processJob runs a claimed job and records its outcome
func (w *Worker) processJob(ctx context.Context, job *jobs.Job, workerName string) {
	w.logger.Info("Processing job",
		slog.String("worker_name", workerName),
		slog.Int64("job_id", job.ID),
		slog.String("task_name", job.TaskName),
		slog.Int("attempts", job.Attempts),
	)

	task, err := w.registry.Get(job.TaskName)
	if err != nil {
		w.logger.Error("No task registered for job",
			slog.Int64("job_id", job.ID),
			slog.String("task_name", job.TaskName),
		)
		w.finish(ctx, job, jobs.StatusFailed)
		return
	}

	// in-flight jobs run to completion when the worker stops
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.jobTimeout)
	defer cancel()

	start := time.Now()
	err = runTask(jobCtx, task, job)
	w.metrics.JobDuration.WithLabelValues(job.TaskName).Observe(time.Since(start).Seconds())

	status := outcome(task, job, err)
	switch status {
	case jobs.StatusSucceeded:
		w.logger.Info("Job completed successfully",
			slog.Int64("job_id", job.ID),
			slog.String("task_name", job.TaskName),
			slog.Duration("duration", time.Since(start)),
		)
	case jobs.StatusTodo:
		w.logger.Warn("Job failed, will be retried",
			slog.Int64("job_id", job.ID),
			slog.String("task_name", job.TaskName),
			slog.Int("attempts", job.Attempts),
			slog.Int("max_retries", task.MaxRetries),
			slog.Any("error", err),
		)
	default:
		w.logger.Error("Job failed",
			slog.Int64("job_id", job.ID),
			slog.String("task_name", job.TaskName),
			slog.Int("attempts", job.Attempts),
			slog.Any("error", err),
		)
	}

	w.finish(ctx, job, status)
}

// finish records the outcome even when the worker is stopping
func (w *Worker) finish(ctx context.Context, job *jobs.Job, status jobs.Status) {
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	if err := w.store.FinishJob(finishCtx, job, status); err != nil {
		w.logger.Error("Failed to finish job",
			slog.Int64("job_id", job.ID),
			slog.String("status", string(status)),
			slog.Any("error", err),
		)
		return
	}
	w.metrics.finished(status)
}

// runTask calls the task handler, turning a panic into an error
func runTask(ctx context.Context, task Task, job *jobs.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	kwargs := job.TaskKwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return task.Handler(ctx, kwargs)
}

// outcome maps a task result to the status the job is finished with.
// Retryable errors and timeouts send the job back to todo while retries
// remain. Anything else fails it.
func outcome(task Task, job *jobs.Job, err error) jobs.Status {
	if err == nil {
		return jobs.StatusSucceeded
	}
	if job.Attempts >= task.MaxRetries {
		return jobs.StatusFailed
	}

	var retryable *jobs.RetryableError
	if errors.As(err, &retryable) || errors.Is(err, context.DeadlineExceeded) {
		return jobs.StatusTodo
	}
	return jobs.StatusFailed
}

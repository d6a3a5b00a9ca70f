package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cuongbtq/procrastinate-go/internal/jobs"
)

const defaultJanitorSchedule = "@every 1m"

// JanitorStore is the part of the job store the janitor needs
type JanitorStore interface {
	GetStalledJobs(ctx context.Context, olderThan time.Duration, queue, taskName string) ([]jobs.Job, error)
	RequeueStalledJob(ctx context.Context, job *jobs.Job) error
	DeleteOldJobs(ctx context.Context, olderThan time.Duration, queue string, includeError bool) (int64, error)
}

// JanitorConfig holds janitor configuration. A zero StalledAfter disables
// requeueing and a zero Retention disables cleanup.
type JanitorConfig struct {
	Logger  *slog.Logger
	Store   JanitorStore
	Metrics *Metrics

	// Schedule is a cron expression or descriptor such as "@every 1m"
	Schedule     string
	StalledAfter time.Duration
	Retention    time.Duration
	Queue        string
	IncludeError bool
}

// Janitor periodically requeues stalled jobs and deletes old finished ones
type Janitor struct {
	logger       *slog.Logger
	store        JanitorStore
	metrics      *Metrics
	schedule     cron.Schedule
	stalledAfter time.Duration
	retention    time.Duration
	queue        string
	includeError bool
}

// NewJanitor creates a janitor, parsing its schedule
func NewJanitor(cfg *JanitorConfig) (*Janitor, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = defaultJanitorSchedule
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", expr, err)
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Janitor{
		logger:       logger,
		store:        cfg.Store,
		metrics:      metrics,
		schedule:     schedule,
		stalledAfter: cfg.StalledAfter,
		retention:    cfg.Retention,
		queue:        cfg.Queue,
		includeError: cfg.IncludeError,
	}, nil
}

// Start runs the janitor on its schedule until ctx is canceled
func (j *Janitor) Start(ctx context.Context) {
	j.logger.Info("Janitor started",
		slog.Duration("stalled_after", j.stalledAfter),
		slog.Duration("retention", j.retention),
	)

	for {
		wait := time.Until(j.schedule.Next(time.Now()))
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			j.logger.Info("Janitor stopped")
			return
		case <-timer.C:
			if _, _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
				j.logger.Error("Janitor run failed", slog.Any("error", err))
			}
		}
	}
}

// RunOnce requeues stalled jobs and deletes old ones. It returns how many
// jobs were requeued and deleted.
func (j *Janitor) RunOnce(ctx context.Context) (int, int64, error) {
	requeued, err := j.requeueStalled(ctx)
	if err != nil {
		return requeued, 0, err
	}

	if j.retention <= 0 {
		return requeued, 0, nil
	}

	deleted, err := j.store.DeleteOldJobs(ctx, j.retention, j.queue, j.includeError)
	if err != nil {
		return requeued, 0, fmt.Errorf("failed to delete old jobs: %w", err)
	}
	j.metrics.JobsDeleted.Add(float64(deleted))

	return requeued, deleted, nil
}

func (j *Janitor) requeueStalled(ctx context.Context) (int, error) {
	if j.stalledAfter <= 0 {
		return 0, nil
	}

	stalled, err := j.store.GetStalledJobs(ctx, j.stalledAfter, j.queue, "")
	if err != nil {
		return 0, fmt.Errorf("failed to get stalled jobs: %w", err)
	}

	requeued := 0
	for i := range stalled {
		job := &stalled[i]
		err := j.store.RequeueStalledJob(ctx, job)
		if errors.Is(err, jobs.ErrJobNotDoing) {
			// finished, or requeued and claimed again, since it was listed
			continue
		}
		if err != nil {
			return requeued, fmt.Errorf("failed to requeue job %d: %w", job.ID, err)
		}

		requeued++
		j.metrics.StalledRequeued.Inc()
		j.logger.Warn("Stalled job requeued",
			slog.Int64("job_id", job.ID),
			slog.String("task_name", job.TaskName),
			slog.Int("attempts", job.Attempts),
		)
	}

	return requeued, nil
}

package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/procrastinate-go/internal/jobs"
)

// JobStore is the subset of the job store the admin API uses
type JobStore interface {
	DeferJob(ctx context.Context, job *jobs.Job) (int64, error)
	GetStalledJobs(ctx context.Context, olderThan time.Duration, queue, taskName string) ([]jobs.Job, error)
	DeleteOldJobs(ctx context.Context, olderThan time.Duration, queue string, includeError bool) (int64, error)
	CountJobsByStatus(ctx context.Context) (map[jobs.Status]int64, error)
	CheckSchema(ctx context.Context) error
}

// DatabaseChecker reports whether the database answers queries
type DatabaseChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers. Database is
// optional.
type Dependencies struct {
	Logger   *slog.Logger
	Store    JobStore
	Database DatabaseChecker
	Service  string
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger  *slog.Logger
	store   JobStore
	db      DatabaseChecker
	service string
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	service := deps.Service
	if service == "" {
		service = "procrastinate"
	}
	return &JobHandler{
		logger:  deps.Logger,
		store:   deps.Store,
		db:      deps.Database,
		service: service,
	}
}

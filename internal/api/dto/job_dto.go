package dto

import (
	"time"

	"github.com/cuongbtq/procrastinate-go/internal/jobs"
)

type DeferJobRequest struct {
	Queue       string         `json:"queue" binding:"required,max=43"`
	TaskName    string         `json:"task_name" binding:"required"`
	Lock        string         `json:"lock"`
	TaskKwargs  map[string]any `json:"task_kwargs"`
	ScheduledAt *time.Time     `json:"scheduled_at"`
}

type DeferJobResponse struct {
	ID     int64  `json:"id"`
	Queue  string `json:"queue"`
	Status string `json:"status"`
}

type StalledJobsRequest struct {
	NbSeconds int    `form:"nb_seconds" binding:"required,min=1"`
	Queue     string `form:"queue"`
	TaskName  string `form:"task_name"`
}

type StalledJobsResponse struct {
	Jobs []JobDTO `json:"jobs"`
}

// DeleteOldJobsRequest takes nb_hours=0 to delete every finished job
type DeleteOldJobsRequest struct {
	NbHours      *int   `form:"nb_hours" binding:"required,min=0"`
	Queue        string `form:"queue"`
	IncludeError bool   `form:"include_error"`
}

type DeleteOldJobsResponse struct {
	Deleted int64 `json:"deleted"`
}

type HealthResponse struct {
	Status   string           `json:"status"`
	Service  string           `json:"service"`
	Database string           `json:"database,omitempty"`
	Schema   string           `json:"schema"`
	Jobs     map[string]int64 `json:"jobs,omitempty"`
	Error    string           `json:"error,omitempty"`
}

type JobDTO struct {
	ID          int64          `json:"id"`
	Queue       string         `json:"queue"`
	TaskName    string         `json:"task_name"`
	Lock        string         `json:"lock,omitempty"`
	TaskKwargs  map[string]any `json:"task_kwargs"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty"`
	Status      string         `json:"status"`
	Attempts    int            `json:"attempts"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
}

// ToJob converts the request into a job ready to defer
func (r *DeferJobRequest) ToJob() *jobs.Job {
	return &jobs.Job{
		Queue:       r.Queue,
		TaskName:    r.TaskName,
		Lock:        r.Lock,
		TaskKwargs:  r.TaskKwargs,
		ScheduledAt: r.ScheduledAt,
	}
}

// FromJob converts a stored job into its API representation
func FromJob(job *jobs.Job) JobDTO {
	return JobDTO{
		ID:          job.ID,
		Queue:       job.Queue,
		TaskName:    job.TaskName,
		Lock:        job.Lock,
		TaskKwargs:  job.TaskKwargs,
		ScheduledAt: job.ScheduledAt,
		Status:      string(job.Status),
		Attempts:    job.Attempts,
		StartedAt:   job.StartedAt,
	}
}

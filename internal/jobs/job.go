package jobs

import (
	"fmt"
	"time"
)

// MaxQueueLength keeps "procrastinate_queue#<queue>" within PostgreSQL's
// 63 byte channel name limit
const MaxQueueLength = 43

// Job represents a unit of work persisted in procrastinate_jobs
type Job struct {
	ID          int64
	Queue       string
	TaskName    string
	Lock        string // empty means no exclusion group
	TaskKwargs  map[string]any
	ScheduledAt *time.Time
	Status      Status
	Attempts    int
	StartedAt   *time.Time
}

// Validate checks the fields a producer must fill before deferring
func (j *Job) Validate() error {
	if j.Queue == "" {
		return &ValidationError{Field: "queue", Reason: "is required"}
	}
	if len(j.Queue) > MaxQueueLength {
		return &ValidationError{Field: "queue", Reason: fmt.Sprintf("must be at most %d bytes", MaxQueueLength)}
	}
	if j.TaskName == "" {
		return &ValidationError{Field: "task_name", Reason: "is required"}
	}
	return nil
}

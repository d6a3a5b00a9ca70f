package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/procrastinate-go/internal/jobs"
	"github.com/cuongbtq/procrastinate-go/shared/postgresql"
)

// ErrNoListener is returned by listen operations when the store was built
// without a listener
var ErrNoListener = errors.New("no listener configured")

// Listener delivers wake-up notifications from LISTEN channels
type Listener interface {
	Listen(ctx context.Context, channels ...string) error
	Notifications() <-chan postgresql.Notification
	Close() error
}

// JobStore persists jobs and their event history in PostgreSQL
type JobStore struct {
	conn     postgresql.Connector
	listener Listener
	logger   *slog.Logger
}

// Option configures a JobStore
type Option func(*JobStore)

// WithLogger sets the store logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *JobStore) {
		s.logger = logger
	}
}

// WithListener enables ListenForJobs and WaitForJobs
func WithListener(listener Listener) Option {
	return func(s *JobStore) {
		s.listener = listener
	}
}

// New creates a JobStore on top of a connector
func New(conn postgresql.Connector, opts ...Option) *JobStore {
	s := &JobStore{
		conn:   conn,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close stops listening and closes the connector. It is safe to call twice.
func (s *JobStore) Close() error {
	return errors.Join(s.StopListening(), s.conn.Close())
}

// jobRow mirrors a procrastinate_jobs row
type jobRow struct {
	ID          int64          `db:"id"`
	Queue       string         `db:"queue"`
	TaskName    string         `db:"task_name"`
	Lock        sql.NullString `db:"lock"`
	Args        []byte         `db:"args"`
	Status      string         `db:"status"`
	ScheduledAt sql.NullTime   `db:"scheduled_at"`
	StartedAt   sql.NullTime   `db:"started_at"`
	Attempts    int            `db:"attempts"`
}

func (s *JobStore) toJob(row *jobRow) (*jobs.Job, error) {
	job := &jobs.Job{
		ID:       row.ID,
		Queue:    row.Queue,
		TaskName: row.TaskName,
		Lock:     row.Lock.String,
		Status:   jobs.Status(row.Status),
		Attempts: row.Attempts,
	}

	if row.ScheduledAt.Valid {
		t := row.ScheduledAt.Time
		job.ScheduledAt = &t
	}
	if row.StartedAt.Valid {
		t := row.StartedAt.Time
		job.StartedAt = &t
	}

	kwargs := map[string]any{}
	if len(row.Args) > 0 {
		if err := s.conn.DecodeJSON(row.Args, &kwargs); err != nil {
			return nil, fmt.Errorf("failed to decode args of job %d: %w", row.ID, err)
		}
	}
	job.TaskKwargs = kwargs

	return job, nil
}

// nullable turns empty strings into SQL NULL
func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

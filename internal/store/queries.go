package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/cuongbtq/procrastinate-go/internal/jobs"
)

const (
	// maxClaimAttempts bounds how often a claim that lost a lock race is re-run
	maxClaimAttempts = 3

	lockIndexName = "procrastinate_jobs_lock_idx"

	uniqueViolation = "23505"
)

const jobColumns = `id, queue, task_name, lock, args, status, scheduled_at, started_at, attempts`

// DeferJob inserts a todo job with its deferred event and returns the new id.
// The insert trigger wakes listeners of the job queue.
func (s *JobStore) DeferJob(ctx context.Context, job *jobs.Job) (int64, error) {
	if err := job.Validate(); err != nil {
		return 0, err
	}

	kwargs := job.TaskKwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	args, err := s.conn.EncodeJSON(kwargs)
	if err != nil {
		return 0, fmt.Errorf("failed to encode task kwargs: %w", err)
	}

	var scheduledAt any
	if job.ScheduledAt != nil {
		scheduledAt = *job.ScheduledAt
	}

	query := `
		WITH inserted AS (
			INSERT INTO procrastinate_jobs (queue, task_name, lock, args, scheduled_at)
			VALUES (:queue, :task_name, NULLIF(:lock, ''), CAST(:args AS jsonb), CAST(:scheduled_at AS timestamptz))
			RETURNING id
		), event AS (
			INSERT INTO procrastinate_events (job_id, type)
			SELECT id, CAST('deferred' AS procrastinate_job_event_type) FROM inserted
		)
		SELECT id FROM inserted
	`

	var id int64
	if _, err := s.conn.QueryOne(ctx, &id, query, map[string]any{
		"queue":        job.Queue,
		"task_name":    job.TaskName,
		"lock":         job.Lock,
		"args":         string(args),
		"scheduled_at": scheduledAt,
	}); err != nil {
		return 0, fmt.Errorf("failed to defer job: %w", err)
	}

	job.ID = id
	job.Status = jobs.StatusTodo

	s.logger.Debug("Job deferred",
		slog.Int64("job_id", id),
		slog.String("queue", job.Queue),
		slog.String("task_name", job.TaskName),
	)

	return id, nil
}

// FetchJob claims the oldest due todo job in the given queues whose lock is
// free, or any queue when queues is empty. It returns nil when nothing can
// be claimed.
func (s *JobStore) FetchJob(ctx context.Context, queues []string) (*jobs.Job, error) {
	var queuesParam any
	if len(queues) > 0 {
		queuesParam = pq.Array(queues)
	}

	query := `
		WITH candidate AS (
			SELECT jobs.id
			FROM procrastinate_jobs AS jobs
			WHERE jobs.status = 'todo'
			  AND (CAST(:queues AS varchar[]) IS NULL OR jobs.queue = ANY(CAST(:queues AS varchar[])))
			  AND (jobs.scheduled_at IS NULL OR jobs.scheduled_at <= now())
			  AND (jobs.lock IS NULL OR NOT EXISTS (
				SELECT 1
				FROM procrastinate_jobs AS held
				WHERE held.lock = jobs.lock
				  AND held.status = 'doing'
			  ))
			ORDER BY jobs.id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		), claimed AS (
			UPDATE procrastinate_jobs
			SET status = 'doing',
			    started_at = now()
			FROM candidate
			WHERE procrastinate_jobs.id = candidate.id
			RETURNING procrastinate_jobs.*
		), event AS (
			INSERT INTO procrastinate_events (job_id, type)
			SELECT id, CAST('started' AS procrastinate_job_event_type) FROM claimed
		)
		SELECT ` + jobColumns + ` FROM claimed
	`
	args := map[string]any{"queues": queuesParam}

	for attempt := 1; attempt <= maxClaimAttempts; attempt++ {
		var row jobRow
		found, err := s.conn.QueryOne(ctx, &row, query, args)
		if isLockConflict(err) {
			s.logger.Debug("Lost lock race while claiming job, retrying",
				slog.Int("attempt", attempt),
			)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to fetch job: %w", err)
		}
		if !found {
			return nil, nil
		}

		job, err := s.toJob(&row)
		if err != nil {
			return nil, err
		}

		s.logger.Debug("Job claimed",
			slog.Int64("job_id", job.ID),
			slog.String("queue", job.Queue),
			slog.String("task_name", job.TaskName),
		)
		return job, nil
	}

	return nil, nil
}

// FinishJob moves a doing job to succeeded, failed or back to todo and
// appends the matching event. A todo outcome clears started_at and
// increments attempts.
func (s *JobStore) FinishJob(ctx context.Context, job *jobs.Job, status jobs.Status) error {
	return s.finish(ctx, job, status, "", nil)
}

// RequeueStalledJob moves a stalled job back to todo, but only while it is
// still the same claim: a job that was finished, or requeued and claimed
// again since it was read, is left alone and ErrJobNotDoing is returned.
func (s *JobStore) RequeueStalledJob(ctx context.Context, job *jobs.Job) error {
	if job.StartedAt == nil {
		return fmt.Errorf("%w: job %d has no start time", jobs.ErrJobNotDoing, job.ID)
	}
	return s.finish(ctx, job, jobs.StatusTodo,
		"AND started_at = CAST(:started_at AS timestamptz)",
		map[string]any{"started_at": *job.StartedAt},
	)
}

// finish runs the conditional status change. guard adds conditions on the
// claimed row, with its parameters in guardArgs.
func (s *JobStore) finish(ctx context.Context, job *jobs.Job, status jobs.Status, guard string, guardArgs map[string]any) error {
	event, ok := jobs.EventFor(status)
	if !ok {
		return fmt.Errorf("%w: %q", jobs.ErrInvalidOutcome, status)
	}

	query := `
		WITH finished AS (
			UPDATE procrastinate_jobs
			SET status = CAST(:status AS procrastinate_job_status),
			    started_at = CASE WHEN CAST(:retry AS boolean) THEN NULL ELSE started_at END,
			    attempts = CASE WHEN CAST(:retry AS boolean) THEN attempts + 1 ELSE attempts END
			WHERE id = :id
			  AND status = 'doing'
			  ` + guard + `
			RETURNING id, attempts
		), event AS (
			INSERT INTO procrastinate_events (job_id, type)
			SELECT id, CAST(:event AS procrastinate_job_event_type) FROM finished
		)
		SELECT attempts FROM finished
	`

	args := map[string]any{
		"id":     job.ID,
		"status": string(status),
		"retry":  status == jobs.StatusTodo,
		"event":  string(event),
	}
	for k, v := range guardArgs {
		args[k] = v
	}

	var attempts int
	found, err := s.conn.QueryOne(ctx, &attempts, query, args)
	if err != nil {
		return fmt.Errorf("failed to finish job %d: %w", job.ID, err)
	}
	if !found {
		return fmt.Errorf("%w: job %d", jobs.ErrJobNotDoing, job.ID)
	}

	job.Status = status
	job.Attempts = attempts
	if status == jobs.StatusTodo {
		job.StartedAt = nil
	}

	s.logger.Debug("Job finished",
		slog.Int64("job_id", job.ID),
		slog.String("status", string(status)),
		slog.Int("attempts", attempts),
	)

	return nil
}

// GetStalledJobs lists doing jobs started more than olderThan ago.
// Empty queue or taskName match everything.
func (s *JobStore) GetStalledJobs(ctx context.Context, olderThan time.Duration, queue, taskName string) ([]jobs.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM procrastinate_jobs
		WHERE status = 'doing'
		  AND started_at < now() - make_interval(secs => :nb_seconds)
		  AND (CAST(:queue AS varchar) IS NULL OR queue = :queue)
		  AND (CAST(:task_name AS varchar) IS NULL OR task_name = :task_name)
		ORDER BY id ASC
	`

	var rows []jobRow
	if err := s.conn.QueryAll(ctx, &rows, query, map[string]any{
		"nb_seconds": olderThan.Seconds(),
		"queue":      nullable(queue),
		"task_name":  nullable(taskName),
	}); err != nil {
		return nil, fmt.Errorf("failed to get stalled jobs: %w", err)
	}

	stalled := make([]jobs.Job, 0, len(rows))
	for i := range rows {
		job, err := s.toJob(&rows[i])
		if err != nil {
			return nil, err
		}
		stalled = append(stalled, *job)
	}

	return stalled, nil
}

// DeleteOldJobs removes succeeded jobs, and failed ones when includeError is
// set, whose final event is older than olderThan. Events go with them.
func (s *JobStore) DeleteOldJobs(ctx context.Context, olderThan time.Duration, queue string, includeError bool) (int64, error) {
	statuses := []string{string(jobs.StatusSucceeded)}
	if includeError {
		statuses = append(statuses, string(jobs.StatusFailed))
	}

	query := `
		WITH deleted AS (
			DELETE FROM procrastinate_jobs AS jobs
			WHERE jobs.status = ANY(CAST(:statuses AS procrastinate_job_status[]))
			  AND (CAST(:queue AS varchar) IS NULL OR jobs.queue = :queue)
			  AND EXISTS (
				SELECT 1
				FROM procrastinate_events AS events
				WHERE events.job_id = jobs.id
				  AND CAST(events.type AS text) = CAST(jobs.status AS text)
				  AND events.at < now() - make_interval(secs => :nb_seconds)
			  )
			RETURNING jobs.id
		)
		SELECT count(*) FROM deleted
	`

	var deleted int64
	if _, err := s.conn.QueryOne(ctx, &deleted, query, map[string]any{
		"statuses":   pq.Array(statuses),
		"queue":      nullable(queue),
		"nb_seconds": olderThan.Seconds(),
	}); err != nil {
		return 0, fmt.Errorf("failed to delete old jobs: %w", err)
	}

	s.logger.Info("Old jobs deleted",
		slog.Int64("count", deleted),
		slog.String("queue", queue),
		slog.Bool("include_error", includeError),
	)

	return deleted, nil
}

// CountJobsByStatus returns the number of jobs per status. Every known
// status is present in the result.
func (s *JobStore) CountJobsByStatus(ctx context.Context) (map[jobs.Status]int64, error) {
	query := `
		SELECT CAST(status AS text) AS status, count(*) AS count
		FROM procrastinate_jobs
		GROUP BY status
	`

	var rows []struct {
		Status string `db:"status"`
		Count  int64  `db:"count"`
	}
	if err := s.conn.QueryAll(ctx, &rows, query, nil); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	counts := make(map[jobs.Status]int64, len(jobs.AllStatuses()))
	for _, status := range jobs.AllStatuses() {
		counts[status] = 0
	}
	for _, row := range rows {
		counts[jobs.Status(row.Status)] = row.Count
	}

	return counts, nil
}

// CheckSchema verifies that the database enums carry exactly the status and
// event labels the application knows about
func (s *JobStore) CheckSchema(ctx context.Context) error {
	wantStatuses := make([]string, 0, len(jobs.AllStatuses()))
	for _, status := range jobs.AllStatuses() {
		wantStatuses = append(wantStatuses, string(status))
	}
	wantEvents := make([]string, 0, len(jobs.AllEventTypes()))
	for _, event := range jobs.AllEventTypes() {
		wantEvents = append(wantEvents, string(event))
	}

	for typeName, want := range map[string][]string{
		"procrastinate_job_status":     wantStatuses,
		"procrastinate_job_event_type": wantEvents,
	} {
		got, err := s.enumLabels(ctx, typeName)
		if err != nil {
			return err
		}
		if !sameLabels(got, want) {
			return fmt.Errorf("enum %s has labels %v, expected %v", typeName, got, want)
		}
	}

	return nil
}

func (s *JobStore) enumLabels(ctx context.Context, typeName string) ([]string, error) {
	query := `
		SELECT CAST(e.enumlabel AS text)
		FROM pg_enum AS e
		JOIN pg_type AS t ON t.oid = e.enumtypid
		WHERE t.typname = :type_name
		ORDER BY e.enumsortorder
	`

	var labels []string
	if err := s.conn.QueryAll(ctx, &labels, query, map[string]any{"type_name": typeName}); err != nil {
		return nil, fmt.Errorf("failed to read labels of enum %s: %w", typeName, err)
	}
	return labels, nil
}

func sameLabels(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	seen := make(map[string]struct{}, len(got))
	for _, label := range got {
		seen[label] = struct{}{}
	}
	for _, label := range want {
		if _, ok := seen[label]; !ok {
			return false
		}
	}
	return true
}

// isLockConflict reports a claim rejected by the one-doing-job-per-lock index
func isLockConflict(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == uniqueViolation && pqErr.Constraint == lockIndexName
}

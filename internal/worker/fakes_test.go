package worker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/procrastinate-go/internal/jobs"
)

type finishCall struct {
	jobID  int64
	status jobs.Status
}

// fakeStore keeps jobs in memory with the same state rules as the job store
type fakeStore struct {
	mu       sync.Mutex
	nextID   int64
	todo     []*jobs.Job
	doing    map[int64]*jobs.Job
	finishes []finishCall

	listenErr error
	listened  []string
	stopped   int
	notify    chan struct{}

	stalled      []jobs.Job
	deleted      int64
	deleteCalls  int
	deleteQueue  string
	deleteErrors bool
	deleteAge    time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		doing:  make(map[int64]*jobs.Job),
		notify: make(chan struct{}, 8),
	}
}

func (f *fakeStore) add(taskName string, kwargs map[string]any) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.todo = append(f.todo, &jobs.Job{
		ID:         f.nextID,
		Queue:      "default",
		TaskName:   taskName,
		TaskKwargs: kwargs,
		Status:     jobs.StatusTodo,
	})
	return f.nextID
}

func (f *fakeStore) FetchJob(_ context.Context, _ []string) (*jobs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.todo) == 0 {
		return nil, nil
	}
	job := f.todo[0]
	f.todo = f.todo[1:]
	now := time.Now()
	job.Status = jobs.StatusDoing
	job.StartedAt = &now
	f.doing[job.ID] = job
	claimed := *job
	return &claimed, nil
}

func (f *fakeStore) FinishJob(_ context.Context, job *jobs.Job, status jobs.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.doing[job.ID]
	if !ok {
		return jobs.ErrJobNotDoing
	}
	return f.finishLocked(stored, job, status)
}

// RequeueStalledJob only matches the claim the caller read, like the SQL guard
// on started_at
func (f *fakeStore) RequeueStalledJob(_ context.Context, job *jobs.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.doing[job.ID]
	if !ok || stored.StartedAt == nil || job.StartedAt == nil || !stored.StartedAt.Equal(*job.StartedAt) {
		return jobs.ErrJobNotDoing
	}
	return f.finishLocked(stored, job, jobs.StatusTodo)
}

func (f *fakeStore) finishLocked(stored, job *jobs.Job, status jobs.Status) error {
	delete(f.doing, job.ID)
	f.finishes = append(f.finishes, finishCall{jobID: job.ID, status: status})

	stored.Status = status
	if status == jobs.StatusTodo {
		stored.Attempts++
		stored.StartedAt = nil
		f.todo = append(f.todo, stored)
	}
	job.Status = status
	job.Attempts = stored.Attempts
	return nil
}

func (f *fakeStore) ListenForJobs(_ context.Context, queues []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listenErr != nil {
		return f.listenErr
	}
	f.listened = append(f.listened, queues...)
	return nil
}

func (f *fakeStore) WaitForJobs(ctx context.Context, _ time.Duration) (bool, error) {
	select {
	case <-f.notify:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (f *fakeStore) StopListening() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

func (f *fakeStore) GetStalledJobs(_ context.Context, _ time.Duration, _, _ string) ([]jobs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stalled, nil
}

func (f *fakeStore) DeleteOldJobs(_ context.Context, olderThan time.Duration, queue string, includeError bool) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	f.deleteAge = olderThan
	f.deleteQueue = queue
	f.deleteErrors = includeError
	return f.deleted, nil
}

func (f *fakeStore) finishedWith() []finishCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]finishCall(nil), f.finishes...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

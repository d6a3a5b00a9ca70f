package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/procrastinate-go/internal/jobs"
)

func TestOutcome(t *testing.T) {
	retryable := jobs.NewRetryableError(errors.New("temporary"))

	tests := []struct {
		name       string
		maxRetries int
		attempts   int
		err        error
		want       jobs.Status
	}{
		{name: "success", err: nil, want: jobs.StatusSucceeded},
		{name: "plain error fails", maxRetries: 3, err: errors.New("boom"), want: jobs.StatusFailed},
		{name: "retryable error with retries left", maxRetries: 3, attempts: 1, err: retryable, want: jobs.StatusTodo},
		{name: "retryable error out of retries", maxRetries: 3, attempts: 3, err: retryable, want: jobs.StatusFailed},
		{name: "retryable error without retries", maxRetries: 0, err: retryable, want: jobs.StatusFailed},
		{name: "timeout is retried", maxRetries: 1, err: context.DeadlineExceeded, want: jobs.StatusTodo},
		{name: "wrapped retryable error", maxRetries: 1, err: errors.Join(errors.New("ctx"), retryable), want: jobs.StatusTodo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := Task{MaxRetries: tt.maxRetries}
			job := &jobs.Job{Attempts: tt.attempts}
			assert.Equal(t, tt.want, outcome(task, job, tt.err))
		})
	}
}

func TestRunTask_RecoversPanic(t *testing.T) {
	task := Task{Handler: func(context.Context, map[string]any) error {
		panic("kaboom")
	}}

	err := runTask(context.Background(), task, &jobs.Job{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestRunTask_NilKwargs(t *testing.T) {
	var got map[string]any
	task := Task{Handler: func(_ context.Context, kwargs map[string]any) error {
		got = kwargs
		return nil
	}}

	require.NoError(t, runTask(context.Background(), task, &jobs.Job{}))
	assert.NotNil(t, got)
}

func startWorker(t *testing.T, w *Worker) (stop func()) {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- w.Start(context.Background())
	}()
	return func() {
		w.Stop()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
}

func TestWorker_ProcessesJobs(t *testing.T) {
	store := newFakeStore()
	registry := NewRegistry()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	var retries atomic.Int32
	require.NoError(t, registry.Register("ok", Task{Handler: func(context.Context, map[string]any) error {
		return nil
	}}))
	require.NoError(t, registry.Register("boom", Task{MaxRetries: 5, Handler: func(context.Context, map[string]any) error {
		return errors.New("boom")
	}}))
	require.NoError(t, registry.Register("flaky", Task{MaxRetries: 2, Handler: func(context.Context, map[string]any) error {
		retries.Add(1)
		return jobs.NewRetryableError(errors.New("try again"))
	}}))
	require.NoError(t, registry.Register("panics", Task{Handler: func(context.Context, map[string]any) error {
		panic("kaboom")
	}}))

	okID := store.add("ok", map[string]any{"a": 1})
	boomID := store.add("boom", nil)
	flakyID := store.add("flaky", nil)
	panicID := store.add("panics", nil)
	unknownID := store.add("unknown", nil)

	w := NewWorker(&Config{
		Logger:       discardLogger(),
		Store:        store,
		Registry:     registry,
		Metrics:      metrics,
		Concurrency:  2,
		PollInterval: 10 * time.Millisecond,
		JobTimeout:   time.Second,
	})
	stop := startWorker(t, w)

	require.Eventually(t, func() bool {
		return len(store.finishedWith()) == 7
	}, 5*time.Second, 10*time.Millisecond)
	stop()

	final := map[int64]jobs.Status{}
	var flakyStatuses []jobs.Status
	for _, f := range store.finishedWith() {
		final[f.jobID] = f.status
		if f.jobID == flakyID {
			flakyStatuses = append(flakyStatuses, f.status)
		}
	}

	assert.Equal(t, jobs.StatusSucceeded, final[okID])
	assert.Equal(t, jobs.StatusFailed, final[boomID])
	assert.Equal(t, jobs.StatusFailed, final[panicID])
	assert.Equal(t, jobs.StatusFailed, final[unknownID])
	assert.Equal(t, []jobs.Status{jobs.StatusTodo, jobs.StatusTodo, jobs.StatusFailed}, flakyStatuses)
	assert.Equal(t, int32(3), retries.Load())

	assert.Equal(t, float64(7), testutil.ToFloat64(metrics.JobsFetched))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.JobsFinished.WithLabelValues("succeeded")))
	assert.Equal(t, float64(4), testutil.ToFloat64(metrics.JobsFinished.WithLabelValues("failed")))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.JobsFinished.WithLabelValues("todo")))
}

func TestWorker_WakesOnNotification(t *testing.T) {
	store := newFakeStore()
	registry := NewRegistry()
	require.NoError(t, registry.Register("ok", Task{Handler: func(context.Context, map[string]any) error {
		return nil
	}}))

	w := NewWorker(&Config{
		Logger:       discardLogger(),
		Store:        store,
		Registry:     registry,
		Queues:       []string{"default"},
		Concurrency:  3,
		PollInterval: time.Hour,
		Listen:       true,
	})
	stop := startWorker(t, w)

	// let every loop go idle on its first empty fetch
	time.Sleep(50 * time.Millisecond)

	id := store.add("ok", nil)
	store.notify <- struct{}{}

	require.Eventually(t, func() bool {
		finishes := store.finishedWith()
		return len(finishes) == 1 && finishes[0].jobID == id
	}, 2*time.Second, 10*time.Millisecond)
	stop()

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, []string{"default"}, store.listened)
	assert.Equal(t, 1, store.stopped)
}

func TestWorker_PollsWhenListenFails(t *testing.T) {
	store := newFakeStore()
	store.listenErr = errors.New("no listener configured")
	registry := NewRegistry()
	require.NoError(t, registry.Register("ok", Task{Handler: func(context.Context, map[string]any) error {
		return nil
	}}))

	w := NewWorker(&Config{
		Logger:       discardLogger(),
		Store:        store,
		Registry:     registry,
		PollInterval: 10 * time.Millisecond,
		Listen:       true,
	})
	stop := startWorker(t, w)

	time.Sleep(30 * time.Millisecond)
	store.add("ok", nil)

	require.Eventually(t, func() bool {
		return len(store.finishedWith()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	stop()
}

func TestWorker_StopWaitsForInFlightJob(t *testing.T) {
	store := newFakeStore()
	registry := NewRegistry()

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, registry.Register("slow", Task{Handler: func(ctx context.Context, _ map[string]any) error {
		close(started)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}))
	store.add("slow", nil)

	w := NewWorker(&Config{
		Logger:       discardLogger(),
		Store:        store,
		Registry:     registry,
		PollInterval: 10 * time.Millisecond,
		JobTimeout:   5 * time.Second,
	})

	done := make(chan error, 1)
	go func() {
		done <- w.Start(context.Background())
	}()

	<-started
	w.Stop()
	w.Stop()

	select {
	case <-done:
		t.Fatal("worker stopped before the in-flight job finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	finishes := store.finishedWith()
	require.Len(t, finishes, 1)
	assert.Equal(t, jobs.StatusSucceeded, finishes[0].status)
}

func TestWorker_StartRequiresStoreAndRegistry(t *testing.T) {
	w := NewWorker(&Config{Logger: discardLogger()})
	assert.Error(t, w.Start(context.Background()))
}

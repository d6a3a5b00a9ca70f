package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/procrastinate-go/internal/jobs"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultJobTimeout   = 5 * time.Minute
	finishTimeout       = 10 * time.Second
)

// Store is the part of the job store a worker needs
type Store interface {
	FetchJob(ctx context.Context, queues []string) (*jobs.Job, error)
	FinishJob(ctx context.Context, job *jobs.Job, status jobs.Status) error
	ListenForJobs(ctx context.Context, queues []string) error
	WaitForJobs(ctx context.Context, timeout time.Duration) (bool, error)
	StopListening() error
}

// Config holds worker configuration
type Config struct {
	Logger       *slog.Logger
	Store        Store
	Registry     *Registry
	Metrics      *Metrics
	Queues       []string
	Concurrency  int
	PollInterval time.Duration
	JobTimeout   time.Duration

	// Listen enables LISTEN/NOTIFY wake-ups on top of polling
	Listen bool
}

// Worker fetches jobs from the store and runs their tasks
type Worker struct {
	logger       *slog.Logger
	store        Store
	registry     *Registry
	metrics      *Metrics
	queues       []string
	concurrency  int
	pollInterval time.Duration
	jobTimeout   time.Duration
	listen       bool
	workerID     string

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
	wakeups  []chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = defaultJobTimeout
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	wakeups := make([]chan struct{}, concurrency)
	for i := range wakeups {
		wakeups[i] = make(chan struct{}, 1)
	}

	return &Worker{
		logger:       logger,
		store:        cfg.Store,
		registry:     cfg.Registry,
		metrics:      metrics,
		queues:       cfg.Queues,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		jobTimeout:   jobTimeout,
		listen:       cfg.Listen,
		workerID:     uuid.New().String(),
		stopChan:     make(chan struct{}),
		wakeups:      wakeups,
	}
}

// Start runs the fetch loops until ctx is canceled or Stop is called. It
// returns once every in-flight job has been finished.
func (w *Worker) Start(ctx context.Context) error {
	if w.store == nil || w.registry == nil {
		return fmt.Errorf("worker needs a store and a registry")
	}

	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Any("queues", w.queues),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("poll_interval", w.pollInterval),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopChan:
			cancel()
		case <-runCtx.Done():
		}
	}()

	if w.listen {
		if err := w.store.ListenForJobs(runCtx, w.queues); err != nil {
			w.logger.Warn("Failed to listen for jobs, falling back to polling",
				slog.Any("error", err),
			)
		} else {
			w.wg.Add(1)
			go w.dispatchWakeups(runCtx)
		}
	}

	w.spawnWorkerPool(runCtx)
	w.wg.Wait()

	if w.listen {
		if err := w.store.StopListening(); err != nil {
			w.logger.Warn("Failed to stop listening", slog.Any("error", err))
		}
	}

	w.logger.Info("Worker stopped", slog.String("worker_id", w.workerID))
	return nil
}

// Stop asks the worker to stop fetching. Start returns once in-flight jobs
// are done. Calling Stop more than once is safe.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...", slog.String("worker_id", w.workerID))
		close(w.stopChan)
	})
}

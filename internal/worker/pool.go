package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// dispatchWakeups fans every notification out to all fetch loops
func (w *Worker) dispatchWakeups(ctx context.Context) {
	defer w.wg.Done()

	for {
		woken, err := w.store.WaitForJobs(ctx, 0)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				w.logger.Warn("Waiting for jobs failed, polling only",
					slog.Any("error", err),
				)
			}
			return
		}
		if !woken {
			w.logger.Warn("Listener closed, polling only")
			return
		}

		for _, wakeup := range w.wakeups {
			select {
			case wakeup <- struct{}{}:
			default:
			}
		}
	}
}

// spawnWorkerPool spawns one fetch loop per concurrency slot
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop fetches and runs jobs until ctx is done. When nothing can be
// fetched it sleeps until a wake-up or the poll interval.
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started", slog.String("worker_name", workerName))

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			w.logger.Debug("Worker goroutine stopping", slog.String("worker_name", workerName))
			return
		}

		job, err := w.store.FetchJob(ctx, w.queues)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("Failed to fetch job",
				slog.String("worker_name", workerName),
				slog.Any("error", err),
			)
		}

		if job != nil {
			w.metrics.JobsFetched.Inc()
			w.processJob(ctx, job, workerName)
			continue
		}

		select {
		case <-ctx.Done():
		case <-w.wakeups[workerNum]:
		case <-ticker.C:
		}
	}
}

package main

import (
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cuongbtq/procrastinate-go/internal/config"
	"github.com/cuongbtq/procrastinate-go/internal/worker"
)

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Fetch and run jobs until interrupted",
		RunE:  runWorker,
	}
	cmd.Flags().StringSlice("queues", nil, "Queues to fetch from (default: every queue)")
	cmd.Flags().Int("concurrency", 0, "Number of concurrent jobs (overrides config)")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	return cmd
}

func runWorker(cmd *cobra.Command, _ []string) error {
	a, err := loadApp(cmd, func(cfg *config.Config) error {
		if queues, _ := cmd.Flags().GetStringSlice("queues"); len(queues) > 0 {
			cfg.Worker.Queues = queues
		}
		if n, _ := cmd.Flags().GetInt("concurrency"); n > 0 {
			cfg.Worker.Concurrency = n
		}
		return cfg.ValidateWorkerConfig()
	})
	if err != nil {
		return err
	}
	defer a.close()

	st, _ := a.openStore(a.cfg.Worker.Listen)
	defer func() {
		if err := st.Close(); err != nil {
			a.logger.Error("Failed to close job store", slog.Any("error", err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := worker.NewMetrics(reg)

	registry := worker.NewRegistry()
	if err := worker.RegisterBuiltins(registry, st, a.logger.Logger); err != nil {
		return err
	}

	w := worker.NewWorker(&worker.Config{
		Logger:       a.logger.Logger,
		Store:        st,
		Registry:     registry,
		Metrics:      metrics,
		Queues:       a.cfg.Worker.Queues,
		Concurrency:  a.cfg.Worker.Concurrency,
		PollInterval: a.cfg.Worker.PollInterval,
		JobTimeout:   a.cfg.Worker.JobTimeout,
		Listen:       a.cfg.Worker.Listen,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.cfg.Janitor.Enabled {
		janitor, err := worker.NewJanitor(&worker.JanitorConfig{
			Logger:       a.logger.Logger,
			Store:        st,
			Metrics:      metrics,
			Schedule:     a.cfg.Janitor.Schedule,
			StalledAfter: a.cfg.Janitor.StalledAfter,
			Retention:    a.cfg.Janitor.Retention,
			Queue:        a.cfg.Janitor.Queue,
			IncludeError: a.cfg.Janitor.IncludeError,
		})
		if err != nil {
			return err
		}
		go janitor.Start(ctx)
	}

	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("Metrics server failed", slog.Any("error", err))
			}
		}()
		defer srv.Close()
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- w.Start(ctx)
	}()

	a.logger.Info("Worker service started",
		slog.Any("queues", a.cfg.Worker.Queues),
		slog.Int("concurrency", a.cfg.Worker.Concurrency),
		slog.Any("tasks", registry.Names()),
	)

	select {
	case <-ctx.Done():
		a.logger.Info("Received signal, shutting down gracefully")
	case err := <-errChan:
		return err
	}

	w.Stop()

	select {
	case err := <-errChan:
		if err != nil {
			return err
		}
		a.logger.Info("Worker stopped gracefully")
	case <-time.After(a.cfg.Worker.ShutdownTimeout):
		a.logger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/cuongbtq/procrastinate-go/internal/api/handler"
	"github.com/cuongbtq/procrastinate-go/internal/api/router"
	"github.com/cuongbtq/procrastinate-go/internal/config"
)

func apiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Serve the admin HTTP API",
		RunE:  runAPI,
	}
}

func runAPI(cmd *cobra.Command, _ []string) error {
	a, err := loadApp(cmd, (*config.Config).ValidateAPIConfig)
	if err != nil {
		return err
	}
	defer a.close()

	st, client := a.openStore(false)
	defer st.Close()

	if a.cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := router.SetupRouter(&handler.Dependencies{
		Logger:   a.logger.Logger,
		Store:    st,
		Database: client,
		Service:  a.cfg.App.Name,
	}, router.Options{
		RateLimit: router.RateLimit{
			RequestsPerSecond: a.cfg.Server.RateLimit.RequestsPerSecond,
			Burst:             a.cfg.Server.RateLimit.Burst,
			EvictTTL:          a.cfg.Server.RateLimit.EvictTTL,
		},
		Gatherer: reg,
	})

	addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  a.cfg.Server.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	a.logger.Info("API service is running", slog.String("address", addr))

	select {
	case <-ctx.Done():
	case err := <-errChan:
		return fmt.Errorf("server failed: %w", err)
	}

	a.logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	a.logger.Info("Server shutdown complete")
	return nil
}

package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/procrastinate-go/internal/config"
	"github.com/cuongbtq/procrastinate-go/internal/store"
	"github.com/cuongbtq/procrastinate-go/shared/logger"
	"github.com/cuongbtq/procrastinate-go/shared/postgresql"
)

// app carries what every subcommand builds first
type app struct {
	cfg    *config.Config
	logger *logger.Logger
}

// loadApp reads the config named by --config, validates it and builds the logger
func loadApp(cmd *cobra.Command, validate func(*config.Config) error) (*app, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	slog.SetDefault(appLogger.Logger)

	appLogger.Info("Starting "+cmd.Name(),
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	return &app{cfg: cfg, logger: appLogger}, nil
}

func (a *app) close() {
	a.logger.Close()
}

// openStore builds a job store over a new client. The pool and the listener
// connect lazily.
func (a *app) openStore(withListener bool) (*store.JobStore, *postgresql.Client) {
	pgConfig := postgresConfig(&a.cfg.Database)
	client := postgresql.NewClient(pgConfig, a.logger.Logger)

	opts := []store.Option{store.WithLogger(a.logger.Logger)}
	if withListener {
		opts = append(opts, store.WithListener(a.newListener()))
	}
	return store.New(client, opts...), client
}

func (a *app) newListener() *postgresql.Listener {
	return postgresql.NewListener(postgresConfig(&a.cfg.Database).DSN(), postgresql.ListenerConfig{
		MinReconnectInterval: a.cfg.Listener.MinReconnectInterval,
		MaxReconnectInterval: a.cfg.Listener.MaxReconnectInterval,
	}, a.logger.Logger)
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

func postgresConfig(cfg *config.DatabaseConfig) *postgresql.Config {
	return &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}
}

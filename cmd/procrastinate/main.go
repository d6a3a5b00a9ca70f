// Command procrastinate runs and administers a PostgreSQL-backed job queue.
//
// Subcommands:
//
//	worker        fetch and run jobs, with an optional janitor
//	api           admin HTTP API
//	relay         mirror job notifications to RabbitMQ
//	migrate       apply or roll back the schema
//	defer         enqueue a single job
//	healthchecks  check the database and count jobs by status
package main

import (
	"log"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "configs/procrastinate.yaml"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	if err := newRootCmd().Execute(); err != nil {
		slog.Error("command failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "procrastinate",
		Short:         "PostgreSQL-backed job queue",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	configPath := os.Getenv("PROCRASTINATE_CONFIG_PATH")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	root.PersistentFlags().String("config", configPath, "Path to configuration file")

	root.AddCommand(
		workerCmd(),
		apiCmd(),
		relayCmd(),
		migrateCmd(),
		deferCmd(),
		healthchecksCmd(),
	)

	return root
}

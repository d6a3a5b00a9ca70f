package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/procrastinate-go/internal/config"
	"github.com/cuongbtq/procrastinate-go/migrations"
	"github.com/cuongbtq/procrastinate-go/shared/postgresql"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply every pending migration",
			RunE: withMigrator(func(cmd *cobra.Command, m *postgresql.Migrator) error {
				return m.Up()
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back every migration",
			RunE: withMigrator(func(cmd *cobra.Command, m *postgresql.Migrator) error {
				return m.Down()
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			RunE: withMigrator(func(cmd *cobra.Command, m *postgresql.Migrator) error {
				version, dirty, err := m.Version()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", version, dirty)
				return nil
			}),
		},
	)

	return cmd
}

func withMigrator(run func(*cobra.Command, *postgresql.Migrator) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		a, err := loadApp(cmd, (*config.Config).ValidateDatabaseConfig)
		if err != nil {
			return err
		}
		defer a.close()

		m, err := postgresql.NewMigrator(postgresConfig(&a.cfg.Database).DSN(), migrations.FS, a.logger.Logger)
		if err != nil {
			return err
		}
		defer m.Close()

		return run(cmd, m)
	}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/procrastinate-go/internal/config"
	"github.com/cuongbtq/procrastinate-go/internal/jobs"
)

func healthchecksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthchecks",
		Short: "Check the database connection and schema, and count jobs by status",
		RunE:  runHealthchecks,
	}
}

func runHealthchecks(cmd *cobra.Command, _ []string) error {
	a, err := loadApp(cmd, (*config.Config).ValidateDatabaseConfig)
	if err != nil {
		return err
	}
	defer a.close()

	st, client := a.openStore(false)
	defer st.Close()

	out := cmd.OutOrStdout()

	if err := client.HealthCheck(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(out, "db_conn: OK")

	if err := st.CheckSchema(cmd.Context()); err != nil {
		return fmt.Errorf("schema check failed: %w", err)
	}
	fmt.Fprintln(out, "schema: OK")

	counts, err := st.CountJobsByStatus(cmd.Context())
	if err != nil {
		return err
	}
	for _, status := range jobs.AllStatuses() {
		fmt.Fprintf(out, "%s: %d\n", status, counts[status])
	}
	fmt.Fprintf(out, "pool: %s\n", client.Stats())
	return nil
}

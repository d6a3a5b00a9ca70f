package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/procrastinate-go/internal/config"
	"github.com/cuongbtq/procrastinate-go/internal/jobs"
)

// deferOptions holds the defer command flags
type deferOptions struct {
	queue  string
	lock   string
	kwargs string
	at     string
	in     time.Duration
}

func deferCmd() *cobra.Command {
	opts := &deferOptions{}
	cmd := &cobra.Command{
		Use:   "defer TASK_NAME",
		Short: "Enqueue a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDefer(cmd, args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.queue, "queue", "default", "Queue to defer the job on")
	cmd.Flags().StringVar(&opts.lock, "lock", "", "Lock shared by jobs that must not run concurrently")
	cmd.Flags().StringVar(&opts.kwargs, "kwargs", "{}", "Task arguments as a JSON object")
	cmd.Flags().StringVar(&opts.at, "at", "", "Schedule the job at this RFC 3339 time")
	cmd.Flags().DurationVar(&opts.in, "in", 0, "Schedule the job after this delay")
	cmd.MarkFlagsMutuallyExclusive("at", "in")
	return cmd
}

func runDefer(cmd *cobra.Command, taskName string, opts *deferOptions) error {
	job, err := opts.job(taskName, time.Now())
	if err != nil {
		return err
	}

	a, err := loadApp(cmd, (*config.Config).ValidateDatabaseConfig)
	if err != nil {
		return err
	}
	defer a.close()

	st, _ := a.openStore(false)
	defer st.Close()

	id, err := st.DeferJob(cmd.Context(), job)
	if err != nil {
		return err
	}

	a.logger.Info("Job deferred",
		slog.Int64("job_id", id),
		slog.String("queue", job.Queue),
		slog.String("task_name", job.TaskName),
	)
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

// job builds the job described by the flags
func (o *deferOptions) job(taskName string, now time.Time) (*jobs.Job, error) {
	var kwargs map[string]any
	if err := json.Unmarshal([]byte(o.kwargs), &kwargs); err != nil {
		return nil, fmt.Errorf("invalid --kwargs: %w", err)
	}

	job := &jobs.Job{
		Queue:      o.queue,
		TaskName:   taskName,
		Lock:       o.lock,
		TaskKwargs: kwargs,
	}

	switch {
	case o.at != "":
		at, err := time.Parse(time.RFC3339, o.at)
		if err != nil {
			return nil, fmt.Errorf("invalid --at: %w", err)
		}
		job.ScheduledAt = &at
	case o.in > 0:
		at := now.Add(o.in)
		job.ScheduledAt = &at
	}

	if err := job.Validate(); err != nil {
		return nil, err
	}
	return job, nil
}

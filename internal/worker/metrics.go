package worker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cuongbtq/procrastinate-go/internal/jobs"
)

const metricsNamespace = "procrastinate"

// Metrics counts job lifecycle events for a worker or janitor
type Metrics struct {
	JobsFetched     prometheus.Counter
	JobsFinished    *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	StalledRequeued prometheus.Counter
	JobsDeleted     prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_fetched_total",
			Help:      "Jobs claimed by workers.",
		}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs finished by workers, by resulting status.",
		}, []string{"status"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "job_duration_seconds",
			Help:      "Task execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task_name"}),
		StalledRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stalled_jobs_requeued_total",
			Help:      "Stalled jobs sent back to todo by the janitor.",
		}),
		JobsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_deleted_total",
			Help:      "Finished jobs removed by cleanup.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.JobsFetched, m.JobsFinished, m.JobDuration, m.StalledRequeued, m.JobsDeleted)
	}
	return m
}

func (m *Metrics) finished(status jobs.Status) {
	m.JobsFinished.WithLabelValues(string(status)).Inc()
}

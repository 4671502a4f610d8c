package jobmetrics

import (
	"errors"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs       *prometheus.CounterVec
	failures   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	deliveries *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Run statuses recorded by Tracker.End.
const (
	StatusSuccess = "success"
	// StatusRetry marks a failed run asynq will attempt again.
	StatusRetry = "retry"
	// StatusDropped marks a run that returned asynq.SkipRetry.
	StatusDropped = "dropped"
)

// Tracker times one task run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track starts timing a run of job. It is safe on a nil Metrics.
func (m *Metrics) Track(job string) *Tracker {
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End records the run under its status and returns err unchanged so it can
// wrap a handler's return statement. Only retryable failures count towards
// the failure counter.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := RunStatus(err)
	if status == StatusRetry {
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// RunStatus classifies a handler result.
func RunStatus(err error) string {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, asynq.SkipRetry):
		return StatusDropped
	default:
		return StatusRetry
	}
}

// AddDelivery counts one outbound mail by kind and outcome (queued, sent,
// failed, dropped).
func (m *Metrics) AddDelivery(kind, outcome string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.deliveries.WithLabelValues(kind, outcome).Inc()
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iam_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iam_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "iam_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iam_mail_deliveries_total",
		Help: "Invitation and password reset mails by kind and outcome.",
	}, []string{"kind", "outcome"})
	registerer.MustRegister(runs, failures, duration, deliveries)
	return &Metrics{runs: runs, failures: failures, duration: duration, deliveries: deliveries}
}

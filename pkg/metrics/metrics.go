package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task manager metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "factorial_tasks_total",
			Help: "Total number of live coordinator tasks by status",
		},
		[]string{"status"},
	)

	TasksFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "factorial_tasks_finished_total",
			Help: "Total number of finished tasks by final status",
		},
		[]string{"final_status"},
	)

	SchedulingLoopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "factorial_scheduling_loop_duration_seconds",
			Help:    "Time taken for one task-manager scheduling loop cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Worker registry metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "factorial_workers_total",
			Help: "Total number of registered workers by liveness",
		},
		[]string{"alive"},
	)

	DispatchAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "factorial_dispatch_attempts_total",
			Help: "Total send_command dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Control API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "factorial_api_requests_total",
			Help: "Total number of control API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "factorial_api_request_duration_seconds",
			Help:    "Control API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Ingestor metrics
	IngestCommitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "factorial_ingest_commit_duration_seconds",
			Help:    "Time to commit one day's result frame",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"}, // "factor" or "tick"
	)

	IngestRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "factorial_ingest_rows_total",
			Help: "Total rows committed by the ingestor",
		},
		[]string{"kind"},
	)

	IngestRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "factorial_ingest_rejected_total",
			Help: "Total ingest callbacks rejected by reason",
		},
		[]string{"reason"},
	)

	// Worker pool (executor side) metrics
	UnitTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "factorial_unit_tasks_total",
			Help: "Total unit tasks completed by outcome",
		},
		[]string{"outcome"}, // "finished" or "aborted"
	)

	PoolRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "factorial_pool_restarts_total",
			Help: "Total number of process-pool kill/restart cycles",
		},
	)
)

func init() {
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksFinishedTotal)
	prometheus.MustRegister(SchedulingLoopDuration)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(DispatchAttemptsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(IngestCommitDuration)
	prometheus.MustRegister(IngestRowsTotal)
	prometheus.MustRegister(IngestRejectedTotal)
	prometheus.MustRegister(UnitTasksTotal)
	prometheus.MustRegister(PoolRestartsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

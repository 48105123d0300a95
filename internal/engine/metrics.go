package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timeguard_tasks_total",
			Help: "Total number of finished tasks by kind and final status.",
		},
		[]string{"kind", "status"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "timeguard_task_duration_seconds",
			Help:    "Task wall time from running to finished, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	droppedLines = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "timeguard_log_lines_dropped_total",
			Help: "Log lines not delivered to a subscriber whose buffer was full.",
		},
	)
)

func init() {
	prometheus.MustRegister(tasksTotal)
	prometheus.MustRegister(taskDuration)
	prometheus.MustRegister(droppedLines)
}

package watchdog

import "github.com/prometheus/client_golang/prometheus"

var (
	activeTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "timeguard_watchdog_active_tasks",
			Help: "Number of tasks currently tracked by watchdogs.",
		},
	)

	activeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "timeguard_watchdog_workers",
			Help: "Number of running watchdog poll workers.",
		},
	)

	pollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "timeguard_watchdog_poll_seconds",
			Help:    "Duration of one watchdog scan-and-enforce cycle, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
	)

	enforcements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timeguard_watchdog_enforcements_total",
			Help: "Total number of deadline enforcements, by action.",
		},
		[]string{"action"},
	)

	abandoned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "timeguard_watchdog_abandoned_total",
			Help: "Total number of interrupted tasks that did not return within the grace period.",
		},
	)
)

func init() {
	prometheus.MustRegister(activeTasks)
	prometheus.MustRegister(activeWorkers)
	prometheus.MustRegister(pollDuration)
	prometheus.MustRegister(enforcements)
	prometheus.MustRegister(abandoned)

	enforcements.WithLabelValues(ActionInterrupt.String())
	enforcements.WithLabelValues(ActionWarn.String())
}

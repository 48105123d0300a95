package command

import "github.com/prometheus/client_golang/prometheus"

// Outcome label values.
const (
	outcomeExited      = "exited"
	outcomeSignaled    = "signaled"
	outcomeStartFailed = "start_failed"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timeguard_command_runs_total",
			Help: "Total number of processes run by the command executor, by outcome.",
		},
		[]string{"outcome"},
	)

	runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "timeguard_command_run_seconds",
			Help:    "Wall time from process start to exit, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(runDuration)

	for _, o := range []string{outcomeExited, outcomeSignaled, outcomeStartFailed} {
		runsTotal.WithLabelValues(o)
	}
}

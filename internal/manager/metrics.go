package manager

import "github.com/prometheus/client_golang/prometheus"

var (
	backendBootsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "llmd",
			Subsystem: "backend",
			Name:      "boots_total",
			Help:      "Backend boot attempts by result",
		},
		[]string{"backend", "result"},
	)

	promptSessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "llmd",
			Subsystem: "prompt",
			Name:      "sessions_active",
			Help:      "Completion sessions currently streaming",
		},
		[]string{"backend"},
	)

	promptEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "llmd",
			Subsystem: "prompt",
			Name:      "events_total",
			Help:      "Completion events forwarded to callers",
		},
		[]string{"backend", "type"},
	)

	promptAbortsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "llmd",
			Subsystem: "prompt",
			Name:      "aborts_total",
			Help:      "Completion sessions aborted before their natural end",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(backendBootsTotal, promptSessionsActive, promptEventsTotal, promptAbortsTotal)
}

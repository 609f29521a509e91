package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_items_total",
			Help: "Queue items reaching a terminal state",
		},
		[]string{"outcome"}, // sent|failed
	)

	SendAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_send_attempts_total",
			Help: "Gateway send attempts by request shape and result",
		},
		[]string{"kind", "result"}, // media_payload|media_url|text , ok|error
	)

	DriverStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_driver_steps_total",
			Help: "Driver invocations by adapter and result",
		},
		[]string{"adapter", "result"}, // foreground|background , sent|failed|waiting|inactive|completed|error
	)

	MediaOptimizeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_media_optimize_total",
			Help: "Media optimizer runs by mode",
		},
		[]string{"mode"}, // passthrough|transcoded|oversize|unavailable
	)
)

var all = []prometheus.Collector{
	ItemsTotal,
	SendAttemptsTotal,
	DriverStepsTotal,
	MediaOptimizeTotal,
}

// MustRegister registers the collectors once; repeated calls on the same
// registerer are ignored.
func MustRegister(r prometheus.Registerer) {
	for _, c := range all {
		if err := r.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			panic(err)
		}
	}
}

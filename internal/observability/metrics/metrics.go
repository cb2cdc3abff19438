package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	PaymentEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netgrant_payment_events_total",
			Help: "Inbound payment events by reconciliation outcome.",
		},
		[]string{"outcome"},
	)

	GatewayCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netgrant_gateway_commands_total",
			Help: "Native gateway commands by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	SweepRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netgrant_sweep_runs_total",
			Help: "Periodic sweep runs by sweep and result.",
		},
		[]string{"sweep", "result"},
	)

	SweepItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netgrant_sweep_items_total",
			Help: "Items handled by periodic sweeps.",
		},
		[]string{"sweep", "result"},
	)
)

// MustRegister registers all collectors on the default registry. Call once from main.
func MustRegister() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		PaymentEventsTotal,
		GatewayCommandsTotal,
		SweepRunsTotal,
		SweepItemsTotal,
	)
}

package proxy

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "motya_requests_total",
			Help: "Total number of requests processed, per service",
		},
		[]string{"service", "status"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "motya_request_duration_seconds",
			Help:    "Request duration in seconds, per service",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)
	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "motya_active_connections",
			Help: "Connections currently tracked by the drain supervisor",
		},
	)
	handoversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "motya_handovers_total",
			Help: "Handover attempts observed by this process, by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, activeConnections, handoversTotal)
}

// ObserveActiveConnections feeds the active connection gauge. Intended to be
// wired to the drain supervisor's count callback.
func ObserveActiveConnections(n int) {
	activeConnections.Set(float64(n))
}

// RecordHandover counts a handover attempt outcome ("completed", "failed",
// "inherited", "fresh").
func RecordHandover(outcome string) {
	handoversTotal.WithLabelValues(outcome).Inc()
}

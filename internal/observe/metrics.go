package observe

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's Prometheus metrics.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	InFlight         prometheus.Gauge
	RateLimitedTotal prometheus.Counter
	TimeoutsTotal    prometheus.Counter
	PreflightsTotal  prometheus.Counter
}

// NewMetrics creates and registers all pipeline metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_requests_total",
				Help: "Total number of requests processed.",
			},
			[]string{"method", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "pipeline_request_duration_seconds",
				Help: "Request duration in seconds.",
				// Buckets: 5ms, 10ms, 25ms, 50ms, 100ms, 250ms, 500ms, 1s, 2.5s, 5s, 10s
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method"},
		),
		InFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeline_requests_in_flight",
				Help: "Requests currently inside the pipeline.",
			},
		),
		// Never labelled by client key.
		RateLimitedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_rate_limited_total",
				Help: "Total number of rate-limited requests.",
			},
		),
		TimeoutsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_timeouts_total",
				Help: "Total number of requests answered with 408 by the timeout guard.",
			},
		),
		PreflightsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_cors_preflights_total",
				Help: "Total number of CORS preflight requests answered.",
			},
		),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.InFlight,
		m.RateLimitedTotal,
		m.TimeoutsTotal,
		m.PreflightsTotal,
	)

	return m
}

// Handler returns the HTTP handler for the /metrics endpoint of g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

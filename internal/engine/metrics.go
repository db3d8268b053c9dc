package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for feedbackd_requests_finished_total.
const (
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
	OutcomeFallback = "fallback"
)

// Metrics are the engine's Prometheus instruments.
// No request ids or event names in labels: both are unbounded.
type Metrics struct {
	RequestsStarted  prometheus.Counter
	RequestsFinished *prometheus.CounterVec
	Failures         *prometheus.CounterVec
	ActiveRequests   prometheus.Gauge
	TasksProcessed   *prometheus.CounterVec
}

// NewMetrics registers the engine instruments with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "feedbackd_requests_started_total",
			Help: "Total number of play requests handed to the engine, fallback replays included.",
		}),
		RequestsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "feedbackd_requests_finished_total",
			Help: "Total number of torn down requests, by outcome (success/error/fallback).",
		}, []string{"outcome"}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "feedbackd_request_failures_total",
			Help: "Total number of request failures, by failure code.",
		}, []string{"code"}),
		ActiveRequests: f.NewGauge(prometheus.GaugeOpts{
			Name: "feedbackd_active_requests",
			Help: "Current number of requests with selected sinks.",
		}),
		TasksProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "feedbackd_engine_tasks_total",
			Help: "Total number of engine loop tasks processed, by kind.",
		}, []string{"kind"}),
	}
}

// Package metrics holds the Prometheus instruments for the bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the bridge.
type Metrics struct {
	// Task metrics
	TasksTotal    *prometheus.CounterVec
	TaskDuration  *prometheus.HistogramVec
	TasksInFlight prometheus.Gauge

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Auth metrics
	AuthTotal *prometheus.CounterVec

	// Rate-limit metrics
	RateLimitDenials *prometheus.CounterVec

	// Escrow metrics
	EscrowValidations   *prometheus.CounterVec
	EscrowConfirmations *prometheus.CounterVec
	EscrowRPCDuration   *prometheus.HistogramVec

	// WebSocket metrics
	WSConnections prometheus.Gauge

	// Lifecycle metrics
	LifecycleState prometheus.Gauge
}

// NewMetrics creates and registers all bridge metrics. Pass nil to use the
// default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_tasks_total",
				Help: "Tasks finished, by result status",
			},
			[]string{"status", "mock"},
		),

		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_task_duration_seconds",
				Help:    "Wall-clock task execution time",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"status"},
		),

		TasksInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_tasks_in_flight",
				Help: "Tasks currently executing",
			},
		),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_http_requests_total",
				Help: "HTTP requests served, by route and status code",
			},
			[]string{"method", "route", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_http_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),

		AuthTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_auth_total",
				Help: "Authentication attempts, by stage and outcome",
			},
			[]string{"stage", "outcome"}, // outcome: ok, rejected
		),

		RateLimitDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_rate_limit_denials_total",
				Help: "Requests denied by a rate limiter",
			},
			[]string{"limiter"}, // limiter: did, ip, global, ws, sandbox
		),

		EscrowValidations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_escrow_validations_total",
				Help: "Escrow validation gate outcomes",
			},
			[]string{"outcome"}, // outcome: valid, invalid, error
		),

		EscrowConfirmations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_escrow_confirmations_total",
				Help: "Delivery confirmation outcomes",
			},
			[]string{"outcome"}, // outcome: ok, failed
		),

		EscrowRPCDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_escrow_rpc_duration_seconds",
				Help:    "Chain call latency including retries",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"op"}, // op: validate, confirm
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_ws_connections",
				Help: "Open WebSocket connections",
			},
		),

		LifecycleState: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_lifecycle_state",
				Help: "0 accepting, 1 draining, 2 terminated",
			},
		),
	}
}

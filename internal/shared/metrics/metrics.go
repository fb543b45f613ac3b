// Package metrics is the gateway's Prometheus registry: in-flight gauges,
// endpoint latency histograms, and cost/budget counters, grounded on
// brightming-ai-platform's pkg/metrics/prometheus.go Registry pattern and
// narrowed to the gateway's own label set.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric the gateway's admission and proxy paths
// report to.
type Registry struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight prometheus.Gauge

	endpointLatency *prometheus.HistogramVec
	endpointHealth  *prometheus.GaugeVec

	costTotal      *prometheus.CounterVec
	budgetRejected *prometheus.CounterVec

	admissionRejected *prometheus.CounterVec
}

// NewRegistry builds and registers every metric against the default
// Prometheus registerer.
func NewRegistry() *Registry {
	r := &Registry{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Name:      "requests_total",
				Help:      "Total number of admitted requests by terminal status",
			},
			[]string{"status", "model"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gateway",
				Name:      "request_duration_seconds",
				Help:      "End-to-end request latency",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"model"},
		),
		requestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "gateway",
				Name:      "requests_in_flight",
				Help:      "Requests currently dispatched to an upstream endpoint",
			},
		),
		endpointLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gateway",
				Name:      "endpoint_latency_seconds",
				Help:      "Per-endpoint upstream latency",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"endpoint_id", "model_id"},
		),
		endpointHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "gateway",
				Name:      "endpoint_health",
				Help:      "Endpoint health status (1=healthy, 0.5=degraded, 0=down)",
			},
			[]string{"endpoint_id", "model_id"},
		),
		costTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Name:      "cost_total",
				Help:      "Committed cost by model",
			},
			[]string{"model"},
		),
		budgetRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Name:      "budget_rejected_total",
				Help:      "Requests rejected with budget-exceeded",
			},
			[]string{"api_key_id"},
		),
		admissionRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Name:      "admission_rejected_total",
				Help:      "Requests rejected during admission by error kind",
			},
			[]string{"kind"},
		),
	}

	prometheus.MustRegister(
		r.requestsTotal, r.requestDuration, r.requestsInFlight,
		r.endpointLatency, r.endpointHealth, r.costTotal,
		r.budgetRejected, r.admissionRejected,
	)

	return r
}

func (r *Registry) RecordRequest(status, model string, durationSeconds float64) {
	r.requestsTotal.WithLabelValues(status, model).Inc()
	r.requestDuration.WithLabelValues(model).Observe(durationSeconds)
}

func (r *Registry) IncInFlight() { r.requestsInFlight.Inc() }
func (r *Registry) DecInFlight() { r.requestsInFlight.Dec() }

func (r *Registry) RecordEndpointLatency(endpointID, modelID string, seconds float64) {
	r.endpointLatency.WithLabelValues(endpointID, modelID).Observe(seconds)
}

func (r *Registry) SetEndpointHealth(endpointID, modelID string, value float64) {
	r.endpointHealth.WithLabelValues(endpointID, modelID).Set(value)
}

func (r *Registry) RecordCost(model string, cost float64) {
	r.costTotal.WithLabelValues(model).Add(cost)
}

func (r *Registry) RecordBudgetRejected(apiKeyID string) {
	r.budgetRejected.WithLabelValues(apiKeyID).Inc()
}

func (r *Registry) RecordAdmissionRejected(kind string) {
	r.admissionRejected.WithLabelValues(kind).Inc()
}

// Handler exposes the registry over GET /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}

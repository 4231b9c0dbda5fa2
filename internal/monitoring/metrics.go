// Package monitoring exposes the gateway's Prometheus metrics.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument the gateway records into.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestCost     *prometheus.HistogramVec
	armSelections   *prometheus.CounterVec
	armReward       *prometheus.HistogramVec
	generations     *prometheus.CounterVec
	budgetDenials   prometheus.Counter
	rateLimited     prometheus.Counter
	cacheOps        *prometheus.CounterVec
	providerCalls   *prometheus.CounterVec
}

// New registers all gateway metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prism",
			Name:      "requests_total",
			Help:      "Completed requests by operation and status.",
		}, []string{"operation", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "prism",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"operation"}),
		requestCost: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "prism",
			Name:      "request_cost_dollars",
			Help:      "Total cost incurred per request.",
			Buckets:   []float64{.001, .0025, .005, .01, .02, .05, .1, .25},
		}, []string{"operation"}),
		armSelections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prism",
			Name:      "bandit_arm_selections_total",
			Help:      "Routing arm selections.",
		}, []string{"arm"}),
		armReward: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "prism",
			Name:      "bandit_arm_reward",
			Help:      "Reward fed back to the bandit per arm.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}, []string{"arm"}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prism",
			Name:      "model_generations_total",
			Help:      "Model generation attempts by outcome.",
		}, []string{"model", "outcome"}),
		budgetDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "prism",
			Name:      "budget_denials_total",
			Help:      "Requests denied for exhausted budgets.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "prism",
			Name:      "rate_limited_total",
			Help:      "Requests refused at admission by the rate limiter.",
		}),
		cacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prism",
			Name:      "cache_operations_total",
			Help:      "Cache lookups by result.",
		}, []string{"result"}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prism",
			Name:      "provider_calls_total",
			Help:      "External provider calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
	}

	reg.MustRegister(
		m.requestsTotal, m.requestDuration, m.requestCost,
		m.armSelections, m.armReward, m.generations,
		m.budgetDenials, m.rateLimited, m.cacheOps, m.providerCalls,
	)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one completed request.
func (m *Metrics) ObserveRequest(operation, status string, duration time.Duration, cost float64) {
	m.requestsTotal.WithLabelValues(operation, status).Inc()
	m.requestDuration.WithLabelValues(operation).Observe(duration.Seconds())
	m.requestCost.WithLabelValues(operation).Observe(cost)
}

// ObserveArm records a bandit selection and its eventual reward.
func (m *Metrics) ObserveArm(arm string, reward float64) {
	m.armSelections.WithLabelValues(arm).Inc()
	m.armReward.WithLabelValues(arm).Observe(reward)
}

// ObserveGeneration counts one model attempt.
func (m *Metrics) ObserveGeneration(model string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.generations.WithLabelValues(model, outcome).Inc()
}

// BudgetDenied counts a budget-exhausted refusal.
func (m *Metrics) BudgetDenied() { m.budgetDenials.Inc() }

// RateLimited counts a rate-limited refusal.
func (m *Metrics) RateLimited() { m.rateLimited.Inc() }

// ObserveCache counts one cache lookup ("hit" or "miss").
func (m *Metrics) ObserveCache(hit bool) {
	if hit {
		m.cacheOps.WithLabelValues("hit").Inc()
	} else {
		m.cacheOps.WithLabelValues("miss").Inc()
	}
}

// ObserveProvider counts one external provider call.
func (m *Metrics) ObserveProvider(provider string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.providerCalls.WithLabelValues(provider, outcome).Inc()
}

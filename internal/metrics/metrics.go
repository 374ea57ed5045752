// Package metrics exposes prometheus collectors for the agent.
// Every method is safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry          *prometheus.Registry
	intercepts        *prometheus.CounterVec
	interceptDuration *prometheus.HistogramVec
	installs          *prometheus.CounterVec
	storeErrors       *prometheus.CounterVec
	activeGeneration  *prometheus.GaugeVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	intercepts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_agent_intercepts_total",
		Help: "Intercepted requests by classification and outcome",
	}, []string{"class", "outcome"})

	interceptDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "offline_agent_intercept_duration_seconds",
		Help:    "Time to produce a response for an intercepted request",
		Buckets: prometheus.DefBuckets,
	}, []string{"class"})

	installs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_agent_installs_total",
		Help: "Install attempts by generation and result",
	}, []string{"generation", "result"})

	storeErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_agent_store_errors_total",
		Help: "Cache store operations that failed",
	}, []string{"op"})

	activeGeneration := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "offline_agent_active_generation",
		Help: "1 for the generation currently controlling clients",
	}, []string{"generation"})

	registry.MustRegister(intercepts, interceptDuration, installs, storeErrors, activeGeneration)

	return &Metrics{
		registry:          registry,
		intercepts:        intercepts,
		interceptDuration: interceptDuration,
		installs:          installs,
		storeErrors:       storeErrors,
		activeGeneration:  activeGeneration,
	}
}

// Registry returns the registry holding every collector
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveIntercept(class, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.intercepts.WithLabelValues(class, outcome).Inc()
	m.interceptDuration.WithLabelValues(class).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveInstall(generation string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.installs.WithLabelValues(generation, result).Inc()
}

func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

// SetActiveGeneration marks generation as the only active one
func (m *Metrics) SetActiveGeneration(generation string) {
	if m == nil {
		return
	}
	m.activeGeneration.Reset()
	m.activeGeneration.WithLabelValues(generation).Set(1)
}

// Package metrics exposes Prometheus instrumentation for the onboarding
// engine. A Metrics value owns its collectors and registry so tests can
// create isolated instances.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	ProcessesStarted *prometheus.CounterVec
	ProcessesEnded   *prometheus.CounterVec
	StepsTotal       *prometheus.CounterVec
	FallbacksTotal   *prometheus.CounterVec
	StepDuration     *prometheus.HistogramVec
	ActiveProcesses  prometheus.Gauge
}

// New creates a Metrics instance with all collectors registered on a
// private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ProcessesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onboard_processes_started_total",
				Help: "Total number of onboarding processes started",
			},
			[]string{"flow"},
		),
		ProcessesEnded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onboard_processes_ended_total",
				Help: "Total number of onboarding processes ended, by final status",
			},
			[]string{"status"},
		),
		StepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onboard_steps_total",
				Help: "Total number of step executions, by step and outcome",
			},
			[]string{"step", "outcome"},
		),
		FallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onboard_step_fallbacks_total",
				Help: "Total number of step executions that committed fallback data",
			},
			[]string{"step"},
		),
		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "onboard_step_duration_seconds",
				Help:    "Step execution duration, collaborator call included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"step"},
		),
		ActiveProcesses: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "onboard_active_processes",
				Help: "Number of onboarding processes currently running",
			},
		),
	}

	m.registry.MustRegister(
		m.ProcessesStarted,
		m.ProcessesEnded,
		m.StepsTotal,
		m.FallbacksTotal,
		m.StepDuration,
		m.ActiveProcesses,
	)
	return m
}

// Handler returns the HTTP handler serving this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Package metrics exposes Prometheus collectors for the workflow engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cadence"

type Metrics struct {
	Resolutions         *prometheus.CounterVec
	SweepRuns           prometheus.Counter
	SweepRowFailures    prometheus.Counter
	SweepDuration       prometheus.Histogram
	InstancesGenerated  prometheus.Counter
	TemplateTransitions *prometheus.CounterVec
}

// New registers the collectors on reg. Passing prometheus.DefaultRegisterer
// exposes them through promhttp.Handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Resolutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reschedule_resolutions_total",
			Help:      "Reschedule requests resolved, by outcome",
		}, []string{"outcome"}),
		SweepRuns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Expiry sweep runs",
		}),
		SweepRowFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_row_failures_total",
			Help:      "Expired requests the sweep failed to resolve",
		}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of expiry sweep runs",
			Buckets:   prometheus.DefBuckets,
		}),
		InstancesGenerated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_generated_total",
			Help:      "Recurring task instances created",
		}),
		TemplateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "template_transitions_total",
			Help:      "Template lifecycle transitions, by target state",
		}, []string{"to"}),
	}
}

func (m *Metrics) Resolved(outcome string) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Sweep(d time.Duration, failures int) {
	if m == nil {
		return
	}
	m.SweepRuns.Inc()
	m.SweepDuration.Observe(d.Seconds())
	if failures > 0 {
		m.SweepRowFailures.Add(float64(failures))
	}
}

func (m *Metrics) Generated() {
	if m == nil {
		return
	}
	m.InstancesGenerated.Inc()
}

func (m *Metrics) Transition(to string) {
	if m == nil {
		return
	}
	m.TemplateTransitions.WithLabelValues(to).Inc()
}

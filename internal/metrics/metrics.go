// Package metrics exposes Prometheus collectors for the retrain loop.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kynex/loadforecast/internal/model"
)

const (
	namespace = "loadforecast"
	subsystem = "retrain"
)

// Outcome labels for runs_total.
const (
	OutcomeSuccess          = "success"
	OutcomeFailure          = "failure"
	OutcomeSkippedRecent    = "skipped_recent"
	OutcomeSkippedNoNewData = "skipped_no_new_data"
	OutcomeBusy             = "busy"
)

// Retrain holds the retrain collectors registered on one registry.
type Retrain struct {
	registry *prometheus.Registry

	runs     *prometheus.CounterVec
	duration prometheus.Histogram
	samples  prometheus.Gauge
	mae      *prometheus.GaugeVec
	r2       *prometheus.GaugeVec
	selected *prometheus.GaugeVec
}

// New registers the collectors on reg. A nil reg gets a fresh registry, which
// keeps tests independent of the global default.
func New(reg *prometheus.Registry) *Retrain {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Retrain{
		registry: reg,
		runs: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "runs_total",
				Help:      "Retrain attempts by outcome",
			},
			[]string{"outcome"}, // success, failure, skipped_recent, skipped_no_new_data, busy
		),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "duration_seconds",
			Help:      "Wall time of retrain cycles that ran the pipeline",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		samples: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "samples",
			Help:      "Training rows used by the last successful retrain",
		}),
		mae: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "model_mae",
			Help:      "Held-out MAE in watts of the last promoted model",
		}, []string{"model_type"}),
		r2: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "model_r2",
			Help:      "Held-out R² of the last promoted model",
		}, []string{"model_type"}),
		selected: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "selected_model",
			Help:      "1 for the model family currently promoted",
		}, []string{"model_type"}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Retrain) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Retrain) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRun counts one attempt.
func (m *Retrain) ObserveRun(outcome string) {
	m.runs.WithLabelValues(outcome).Inc()
}

// ObserveDuration records how long a pipeline run took.
func (m *Retrain) ObserveDuration(d time.Duration) {
	m.duration.Observe(d.Seconds())
}

// ObserveModel publishes the quality of a newly promoted model.
func (m *Retrain) ObserveModel(kind model.Kind, samples int, q *model.Metrics) {
	m.samples.Set(float64(samples))
	for _, k := range []model.Kind{model.KindRidge, model.KindHourlyProfile} {
		v := 0.0
		if k == kind {
			v = 1
		}
		m.selected.WithLabelValues(string(k)).Set(v)
	}
	if q != nil {
		m.mae.WithLabelValues(string(kind)).Set(q.MAE)
		m.r2.WithLabelValues(string(kind)).Set(q.R2)
	}
}

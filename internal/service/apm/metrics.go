package apm

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes pipeline-level prometheus collectors.
type Metrics struct {
	EventsProcessed       *prometheus.CounterVec
	DetailRetained        prometheus.Counter
	PredictionsOpened     prometheus.Counter
	PredictionResolutions *prometheus.CounterVec
}

// NewMetrics builds and registers the pipeline collectors on the default
// registry. Double registration (tests constructing several pipelines) reuses
// the existing collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tailscope",
			Subsystem: "apm",
			Name:      "events_processed_total",
			Help:      "Events processed by sampling mode",
		}, []string{"mode"}),
		DetailRetained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tailscope",
			Subsystem: "apm",
			Name:      "detail_retained_total",
			Help:      "Events retained at full trace detail",
		}),
		PredictionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tailscope",
			Subsystem: "apm",
			Name:      "predictions_opened_total",
			Help:      "Forecasts opened on stable-to-elevated transitions",
		}),
		PredictionResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tailscope",
			Subsystem: "apm",
			Name:      "prediction_resolutions_total",
			Help:      "Forecast resolutions by kind and status",
		}, []string{"kind", "status"}),
	}

	if c, ok := register(m.EventsProcessed).(*prometheus.CounterVec); ok {
		m.EventsProcessed = c
	}
	if c, ok := register(m.DetailRetained).(prometheus.Counter); ok {
		m.DetailRetained = c
	}
	if c, ok := register(m.PredictionsOpened).(prometheus.Counter); ok {
		m.PredictionsOpened = c
	}
	if c, ok := register(m.PredictionResolutions).(*prometheus.CounterVec); ok {
		m.PredictionResolutions = c
	}
	return m
}

func register(collector prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(collector); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector
		}
	}
	return collector
}

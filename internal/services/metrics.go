package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"convotap/internal/engine"
)

// Metrics holds all custom Prometheus metrics for the application
type Metrics struct {
	// Per-exchange ingest outcomes
	ExchangesIngested prometheus.CounterFunc
	IngestErrors      prometheus.CounterFunc
	Divergences       prometheus.CounterFunc

	// Conversation-boundary events by kind
	BoundaryEvents *prometheus.GaugeVec
}

var globalMetrics *Metrics

// InitMetrics initializes the Prometheus metrics. Counters read off the
// engine's cumulative stats so the hot ingest path stays metrics-free.
func InitMetrics(eng *engine.Engine, connManager *ConnectionManager, scheduler *RenderScheduler) *Metrics {
	metrics := &Metrics{
		ExchangesIngested: promauto.NewCounterFunc(prometheus.CounterOpts{
			Name: "convotap_exchanges_ingested_total",
			Help: "Total number of admitted exchanges ingested by the correlation engine",
		}, func() float64 {
			return float64(eng.CurrentStats().Ingests)
		}),

		IngestErrors: promauto.NewCounterFunc(prometheus.CounterOpts{
			Name: "convotap_ingest_errors_total",
			Help: "Total number of ingest cycles recovered from internal errors",
		}, func() float64 {
			return float64(eng.CurrentStats().IngestErrors)
		}),

		Divergences: promauto.NewCounterFunc(prometheus.CounterOpts{
			Name: "convotap_merge_divergences_total",
			Help: "Times an outbound record's text diverged from the server mapping for the same message id",
		}, func() float64 {
			return float64(eng.CurrentStats().Divergences)
		}),
	}

	// Boundary events by kind from engine stats
	metrics.BoundaryEvents = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "convotap_boundary_events_total",
		Help: "Conversation-boundary events detected, by kind",
	}, []string{"kind"})

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "convotap_panel_connections_current",
			Help: "Current number of active panel WebSocket connections",
		},
		func() float64 {
			if connManager != nil {
				return float64(connManager.Count())
			}
			return 0
		},
	))

	prometheus.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "convotap_render_attempts_total",
			Help: "Total render attempts by the render scheduler",
		},
		func() float64 {
			if scheduler != nil {
				return float64(scheduler.Attempts())
			}
			return 0
		},
	))

	prometheus.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "convotap_render_giveups_total",
			Help: "Render sequences that exhausted their retry budget",
		},
		func() float64 {
			if scheduler != nil {
				return float64(scheduler.GiveUps())
			}
			return 0
		},
	))

	globalMetrics = metrics
	return metrics
}

// UpdateBoundaryGauges refreshes the by-kind boundary gauges from engine
// stats. Called periodically from main; keeps labelled values without
// touching the ingest path.
func (m *Metrics) UpdateBoundaryGauges(stats engine.Stats) {
	m.BoundaryEvents.WithLabelValues("new").Set(float64(stats.BoundaryNew))
	m.BoundaryEvents.WithLabelValues("switch").Set(float64(stats.BoundarySwitch))
	m.BoundaryEvents.WithLabelValues("delete").Set(float64(stats.BoundaryDelete))
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	return globalMetrics
}

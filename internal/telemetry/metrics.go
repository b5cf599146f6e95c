package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "spendopt"

// Cycle stages, used as the stage label and as span names.
const (
	StageIngest      = "ingest"
	StageSnapshot    = "snapshot"
	StageDecide      = "decide"
	StageAllocate    = "allocate"
	StageAttribute   = "attribute"
	StageInsights    = "insights"
	StagePublish     = "publish"
	StagePersistence = "persist"
)

// Metrics holds the Prometheus collectors of the optimisation cycle.
type Metrics struct {
	CyclesTotal      *prometheus.CounterVec
	CycleDuration    prometheus.Histogram
	StageDuration    *prometheus.HistogramVec
	RecordsTotal     *prometheus.CounterVec
	DecisionsTotal   *prometheus.CounterVec
	ChangesTotal     *prometheus.CounterVec
	EntityFailures   *prometheus.CounterVec
	LastSuccess      prometheus.Gauge
	InsightsNotified prometheus.Counter
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CyclesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "runs_total",
			Help:      "Optimisation cycles by outcome",
		}, []string{"status"}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "duration_seconds",
			Help:      "Wall time of a full optimisation cycle",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "stage_duration_seconds",
			Help:      "Wall time of each cycle stage",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"stage"}),
		RecordsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "records_total",
			Help:      "Raw platform records by normalisation result",
		}, []string{"result"}),
		DecisionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "budget",
			Name:      "decisions_total",
			Help:      "Budget decisions by action",
		}, []string{"action"}),
		ChangesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "apply",
			Name:      "changes_total",
			Help:      "Published changes by kind",
		}, []string{"kind"}),
		EntityFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "entity_failures_total",
			Help:      "Entities skipped because their processing failed",
		}, []string{"stage"}),
		LastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "last_success_timestamp_seconds",
			Help:      "Cycle time of the last successful cycle",
		}),
		InsightsNotified: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "insights",
			Name:      "notified_total",
			Help:      "Insights sent through the notifier",
		}),
	}
}

// ObserveStage records the elapsed time of a stage.
func (m *Metrics) ObserveStage(stage string, started time.Time) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"transit-sync/internal/domain/vehicle"
)

const namespace = "transit_sync"

// Workflow implements the metrics hooks of the runner, the coordinator and
// the geocode cache.
type Workflow struct {
	Runs           *prometheus.CounterVec
	RunDuration    prometheus.Histogram
	RunInProgress  prometheus.Gauge
	Outcomes       *prometheus.CounterVec
	Resolutions    *prometheus.CounterVec
	PlatesFound    prometheus.Gauge
	Extractions    *prometheus.CounterVec
	GeocodeLookups *prometheus.CounterVec
	LastRunTime    prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers the collectors with reg. Passing a fresh registry keeps
// tests independent of the global default.
func New(reg *prometheus.Registry) *Workflow {
	f := promauto.With(reg)
	return &Workflow{
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Workflow runs by final status",
		}, []string{"status"}),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a workflow run",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 10),
		}),
		RunInProgress: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_in_progress",
			Help:      "1 while a workflow run is executing",
		}),
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plate_outcomes_total",
			Help:      "Per-plate update outcomes",
		}, []string{"kind"}),
		Resolutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "location_resolutions_total",
			Help:      "Resolver output by fallback rung",
		}, []string{"resolution"}),
		PlatesFound: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dashboard_plates",
			Help:      "Plates listed on the dashboard in the last extraction",
		}),
		Extractions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extractions_total",
			Help:      "Dashboard extractions by result",
		}, []string{"result"}),
		GeocodeLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_cache_lookups_total",
			Help:      "Geocode cache lookups by result",
		}, []string{"result"}),
		LastRunTime: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_finished_timestamp",
			Help:      "Unix time the last run finished",
		}),
		gatherer: reg,
	}
}

func (m *Workflow) ObserveOutcome(kind vehicle.OutcomeKind) {
	m.Outcomes.WithLabelValues(string(kind)).Inc()
}

func (m *Workflow) ObserveResolution(r vehicle.EnrichedRecord) {
	m.Resolutions.WithLabelValues(r.Resolution()).Inc()
}

func (m *Workflow) ObserveExtraction(plates int, err error) {
	if err != nil {
		m.Extractions.WithLabelValues("error").Inc()
		return
	}
	m.Extractions.WithLabelValues("ok").Inc()
	m.PlatesFound.Set(float64(plates))
}

func (m *Workflow) ObserveGeocodeCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.GeocodeLookups.WithLabelValues(result).Inc()
}

func (m *Workflow) SetRunning(running bool) {
	if running {
		m.RunInProgress.Set(1)
		return
	}
	m.RunInProgress.Set(0)
}

func (m *Workflow) ObserveRun(s vehicle.RunSummary) {
	m.Runs.WithLabelValues(s.Status()).Inc()
	if !s.FinishedAt.IsZero() {
		m.RunDuration.Observe(s.FinishedAt.Sub(s.StartedAt).Seconds())
		m.LastRunTime.Set(float64(s.FinishedAt.Unix()))
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Workflow) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

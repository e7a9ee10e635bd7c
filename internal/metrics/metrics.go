// Package metrics exposes Prometheus collectors for the harvest service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	harvestSurveysTotal        *prometheus.CounterVec
	harvestFilesTotal          *prometheus.CounterVec
	harvestBytesTotal          *prometheus.CounterVec
	harvestChunkQueriesTotal   *prometheus.CounterVec
	harvestRegionDurationSecs  *prometheus.HistogramVec
	harvestActiveRegionWorkers prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		harvestSurveysTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_surveys_total",
				Help: "Total number of surveys handled, labeled by region and outcome.",
			},
			[]string{"region", "outcome"},
		)

		harvestFilesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_files_total",
				Help: "Total number of archive files downloaded, labeled by region.",
			},
			[]string{"region"},
		)

		harvestBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_bytes_total",
				Help: "Total number of bytes stored, labeled by region.",
			},
			[]string{"region"},
		)

		harvestChunkQueriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_chunk_queries_total",
				Help: "Total number of catalog chunk queries, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		harvestRegionDurationSecs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvest_region_duration_seconds",
				Help:    "Histogram of end to end region harvest durations.",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"region"},
		)

		harvestActiveRegionWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvest_active_region_workers",
				Help: "Number of workers currently harvesting a region.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSurvey increments the survey counter for the given region and outcome.
// Outcomes are discovered, skipped, downloaded, processed and failed.
func ObserveSurvey(region, outcome string) {
	harvestSurveysTotal.WithLabelValues(region, outcome).Inc()
}

// ObserveDownload records one stored file and its decompressed size.
func ObserveDownload(region string, bytes int64) {
	harvestFilesTotal.WithLabelValues(region).Inc()
	if bytes > 0 {
		harvestBytesTotal.WithLabelValues(region).Add(float64(bytes))
	}
}

// ObserveChunkQuery increments the chunk query counter for the given outcome.
func ObserveChunkQuery(outcome string) {
	harvestChunkQueriesTotal.WithLabelValues(outcome).Inc()
}

// ObserveRegionDuration records the duration of a full region harvest.
func ObserveRegionDuration(region string, duration time.Duration) {
	harvestRegionDurationSecs.WithLabelValues(region).Observe(duration.Seconds())
}

// IncActiveRegionWorkers increments the active region workers gauge.
func IncActiveRegionWorkers() {
	harvestActiveRegionWorkers.Inc()
}

// DecActiveRegionWorkers decrements the active region workers gauge.
func DecActiveRegionWorkers() {
	harvestActiveRegionWorkers.Dec()
}

// Package metrics exposes Prometheus collectors for the mirror service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	recordsSyncedTotal         *prometheus.CounterVec
	recordInvalidationsTotal   prometheus.Counter
	downloadsTotal             *prometheus.CounterVec
	extractionsTotal           *prometheus.CounterVec
	tasksTotal                 *prometheus.CounterVec
	taskDurationSeconds        *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. It is safe to call more
// than once.
func Init() {
	once.Do(func() {
		recordsSyncedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "preprintd_records_synced_total",
				Help: "Records folded into the store, labeled by upsert outcome.",
			},
			[]string{"outcome"},
		)

		recordInvalidationsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "preprintd_record_invalidations_total",
				Help: "Upserts that reset the download and extraction lanes.",
			},
		)

		downloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "preprintd_downloads_total",
				Help: "Download pipeline runs, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		extractionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "preprintd_extractions_total",
				Help: "Extraction pipeline runs, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "preprintd_tasks_total",
				Help: "Tasks processed by the workers, labeled by kind and status.",
			},
			[]string{"kind", "status"},
		)

		taskDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "preprintd_task_duration_seconds",
				Help:    "Histogram of task execution times, labeled by kind.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800},
			},
			[]string{"kind"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler exposing the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveUpsert counts one sync upsert by outcome.
func ObserveUpsert(outcome string, invalidated bool) {
	if recordsSyncedTotal == nil {
		return
	}
	recordsSyncedTotal.WithLabelValues(outcome).Inc()
	if invalidated {
		recordInvalidationsTotal.Inc()
	}
}

// ObserveDownload counts one download run.
func ObserveDownload(outcome string) {
	if downloadsTotal == nil {
		return
	}
	downloadsTotal.WithLabelValues(outcome).Inc()
}

// ObserveExtraction counts one extraction run.
func ObserveExtraction(outcome string) {
	if extractionsTotal == nil {
		return
	}
	extractionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveTask records one finished task.
func ObserveTask(kind, status string, duration time.Duration) {
	if tasksTotal == nil {
		return
	}
	tasksTotal.WithLabelValues(kind, status).Inc()
	taskDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveHTTPRequest records one API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

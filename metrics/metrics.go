// Package metrics bundles the Prometheus collectors shared by the fetcher, the
// ingestion scheduler, the record store and the HTTP layer.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector on a dedicated registry. A nil *Metrics is valid and
// records nothing, so components can be built without instrumentation in tests.
type Metrics struct {
	Registry            *prometheus.Registry
	FetchRequestsTotal  *prometheus.CounterVec
	FetchDuration       prometheus.Histogram
	FetchErrorsTotal    *prometheus.CounterVec
	PagesTotal          prometheus.Counter
	RecordsParsedTotal  prometheus.Counter
	ParseSkippedTotal   *prometheus.CounterVec
	RecordsMergedTotal  *prometheus.CounterVec
	RunsTotal           *prometheus.CounterVec
	IngestProgress      prometheus.Gauge
	StoreMalformedLines prometheus.Gauge
	QueryCacheTotal     *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
}

// New constructs and registers all metrics on a dedicated registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	fetchRequests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelf_fetch_requests_total",
			Help: "Shelf page requests issued, by outcome.",
		},
		[]string{"outcome"},
	)
	fetchDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shelf_fetch_duration_seconds",
			Help:    "Latency of shelf page requests.",
			Buckets: prometheus.DefBuckets,
		},
	)
	fetchErrors := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelf_fetch_errors_total",
			Help: "Shelf page fetch failures by error type.",
		},
		[]string{"error_type"},
	)
	pages := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shelf_ingest_pages_total",
			Help: "Shelf pages fetched, parsed and merged.",
		},
	)
	parsed := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shelf_records_parsed_total",
			Help: "Candidate records extracted from shelf pages.",
		},
	)
	skipped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelf_parse_skipped_total",
			Help: "Listing entries skipped by the parser, by reason.",
		},
		[]string{"reason"},
	)
	merged := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelf_records_merged_total",
			Help: "Candidate records merged into the store, by result.",
		},
		[]string{"result"},
	)
	runs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelf_ingest_runs_total",
			Help: "Finished ingestion runs by final state.",
		},
		[]string{"state"},
	)
	progress := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shelf_ingest_progress_percent",
			Help: "Progress of the current or last ingestion run.",
		},
	)
	malformed := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shelf_store_malformed_lines",
			Help: "Undecodable lines found by the last store load.",
		},
	)
	queryCache := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelf_query_cache_total",
			Help: "Listing query cache lookups by result.",
		},
		[]string{"result"},
	)

	httpRequests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelf_http_requests_total",
			Help: "HTTP requests served, by method, route and status.",
		},
		[]string{"method", "route", "status"},
	)
	httpDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shelf_http_request_duration_seconds",
			Help:    "Latency of HTTP requests by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	registry.MustRegister(fetchRequests, fetchDuration, fetchErrors, pages, parsed, skipped,
		merged, runs, progress, malformed, queryCache, httpRequests, httpDuration)

	return &Metrics{
		Registry:            registry,
		FetchRequestsTotal:  fetchRequests,
		FetchDuration:       fetchDuration,
		FetchErrorsTotal:    fetchErrors,
		PagesTotal:          pages,
		RecordsParsedTotal:  parsed,
		ParseSkippedTotal:   skipped,
		RecordsMergedTotal:  merged,
		RunsTotal:           runs,
		IngestProgress:      progress,
		StoreMalformedLines: malformed,
		QueryCacheTotal:     queryCache,
		HTTPRequestsTotal:   httpRequests,
		HTTPDuration:        httpDuration,
	}
}

// IncFetch counts a page request by outcome ("success" or "error").
func (m *Metrics) IncFetch(outcome string) {
	if m == nil {
		return
	}
	m.FetchRequestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveFetchDuration records a page request duration.
func (m *Metrics) ObserveFetchDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.FetchDuration.Observe(d.Seconds())
}

// IncFetchError increments the fetch error counter for a type label.
func (m *Metrics) IncFetchError(errorType string) {
	if m == nil {
		return
	}
	m.FetchErrorsTotal.WithLabelValues(errorType).Inc()
}

// ObservePage records one completed page with its parse outcome.
func (m *Metrics) ObservePage(parsed int, skipped map[string]int) {
	if m == nil {
		return
	}
	m.PagesTotal.Inc()
	m.RecordsParsedTotal.Add(float64(parsed))
	for reason, n := range skipped {
		m.ParseSkippedTotal.WithLabelValues(reason).Add(float64(n))
	}
}

// ObserveMerge records merge results.
func (m *Metrics) ObserveMerge(inserted, updated, unchanged int) {
	if m == nil {
		return
	}
	m.RecordsMergedTotal.WithLabelValues("inserted").Add(float64(inserted))
	m.RecordsMergedTotal.WithLabelValues("updated").Add(float64(updated))
	m.RecordsMergedTotal.WithLabelValues("unchanged").Add(float64(unchanged))
}

// IncRun counts a finished run by its final state.
func (m *Metrics) IncRun(state string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(state).Inc()
}

// SetProgress mirrors the ingestion progress percentage.
func (m *Metrics) SetProgress(percent int) {
	if m == nil {
		return
	}
	m.IngestProgress.Set(float64(percent))
}

// SetMalformedLines records how many lines the last store load skipped.
func (m *Metrics) SetMalformedLines(n int) {
	if m == nil {
		return
	}
	m.StoreMalformedLines.Set(float64(n))
}

// IncQueryCache counts a cache lookup ("hit" or "miss").
func (m *Metrics) IncQueryCache(result string) {
	if m == nil {
		return
	}
	m.QueryCacheTotal.WithLabelValues(result).Inc()
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(d.Seconds())
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

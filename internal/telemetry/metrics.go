// Package telemetry provides application-level observability for the block directory.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served by the side-channel HTTP server started by cmd/server:
//
//	GET http://<host>:<BDS_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template)
//   - Catalog query outcomes and latency
//   - Catalog cache hits and misses
//   - Search results returned and records skipped per reason
//
// HTTP metrics use c.FullPath() rather than the raw URL so that search terms
// never become label values.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate:   rate(http_requests_total[5m])
//   - p99 latency:    histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Catalog metrics, recorded by the catalog client around every outbound query.
//
// CatalogRequestsTotal carries an {outcome} label: "ok", "transport_error",
// "http_error", "decode_error" or "catalog_error". Alert on a sustained
// non-ok ratio to catch catalog outages:
//
//	sum(rate(catalog_requests_total{outcome!="ok"}[10m])) / sum(rate(catalog_requests_total[10m])) > 0.2
var (
	CatalogRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_requests_total",
			Help: "Total number of remote catalog search queries, by outcome.",
		},
		[]string{"outcome"},
	)

	CatalogRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "catalog_request_duration_seconds",
			Help:    "Latency of remote catalog search queries.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	// CatalogCacheLookupsTotal has a {result} label of "hit", "miss" or "error".
	CatalogCacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_cache_lookups_total",
			Help: "Catalog response cache lookups, by result.",
		},
		[]string{"result"},
	)
)

// Search pipeline metrics.
//
// SearchItemsSkippedTotal{reason} counts catalog records that did not make it
// into a response: "installed" (already present locally), "malformed" (no block
// descriptor) or "lookup_error" (installation index failed for that slug).
var (
	SearchItemsSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "block_search_items_skipped_total",
			Help: "Catalog records omitted from search responses, by reason.",
		},
		[]string{"reason"},
	)

	SearchResults = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "block_search_results",
			Help:    "Number of items returned per successful search.",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
		},
	)
)

package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the monitoring
// room query engine.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	pageCacheHits   prometheus.Counter
	pageCacheMisses prometheus.Counter
	prefetchPages   prometheus.Counter
	prefetchErrors  prometheus.Counter
	staleDiscards   prometheus.Counter
	shortCircuits   prometheus.Counter
	resolverLatency *prometheus.HistogramVec
	dbQueryDuration *prometheus.HistogramVec
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	pageCacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "page_cache_hits_total",
		Help: "Page loads served from the view cache",
	})

	pageCacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "page_cache_misses_total",
		Help: "Page loads that required a store round-trip",
	})

	prefetchPages := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "page_prefetch_total",
		Help: "Neighbor pages fetched ahead of navigation",
	})

	prefetchErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "page_prefetch_errors_total",
		Help: "Neighbor prefetches that failed and were discarded",
	})

	staleDiscards := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "page_cache_stale_discards_total",
		Help: "Async page results dropped because the query epoch moved on",
	})

	shortCircuits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "search_short_circuits_total",
		Help: "Queries answered empty without a store round-trip",
	})

	resolverLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "search_resolver_latency_seconds",
		Help:    "Latency of search resolver lookups per collection",
		Buckets: prometheus.DefBuckets,
	}, []string{"collection"})

	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "db_query_duration_seconds",
		Help:    "Duration of database queries",
		Buckets: prometheus.DefBuckets,
	}, []string{"query"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, pageCacheHits, pageCacheMisses,
		prefetchPages, prefetchErrors, staleDiscards, shortCircuits, resolverLatency,
		dbQueryDuration, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		pageCacheHits:   pageCacheHits,
		pageCacheMisses: pageCacheMisses,
		prefetchPages:   prefetchPages,
		prefetchErrors:  prefetchErrors,
		staleDiscards:   staleDiscards,
		shortCircuits:   shortCircuits,
		resolverLatency: resolverLatency,
		dbQueryDuration: dbQueryDuration,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordPageLoad counts a page load as a cache hit or miss.
func (m *MetricsService) RecordPageLoad(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.pageCacheHits.Inc()
	} else {
		m.pageCacheMisses.Inc()
	}
}

// RecordPrefetch counts a neighbor prefetch attempt.
func (m *MetricsService) RecordPrefetch(failed bool) {
	if m == nil {
		return
	}
	m.prefetchPages.Inc()
	if failed {
		m.prefetchErrors.Inc()
	}
}

// RecordStaleDiscard counts an async result dropped for epoch mismatch.
func (m *MetricsService) RecordStaleDiscard() {
	if m == nil {
		return
	}
	m.staleDiscards.Inc()
}

// RecordShortCircuit counts a query answered empty without hitting the store.
func (m *MetricsService) RecordShortCircuit() {
	if m == nil {
		return
	}
	m.shortCircuits.Inc()
}

// ObserveResolverLookup records the latency of one resolver collection lookup.
func (m *MetricsService) ObserveResolverLookup(collection string, duration time.Duration) {
	if m == nil {
		return
	}
	m.resolverLatency.WithLabelValues(collection).Observe(duration.Seconds())
}

// ObserveDBQuery records database query timing.
func (m *MetricsService) ObserveDBQuery(label string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dbQueryDuration.WithLabelValues(label).Observe(duration.Seconds())
}

package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits counts responses served from cache.
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hris_cache_hits_total",
			Help: "Total number of responses served from the cache",
		},
		[]string{"kind"}, // "fresh", "revalidated"
	)

	// CacheMisses counts lookups that found no entry.
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hris_cache_misses_total",
			Help: "Total number of cache misses",
		},
	)

	// ConditionalRequestsSent counts requests sent with If-None-Match or
	// If-Modified-Since.
	ConditionalRequestsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hris_cache_conditional_requests_total",
			Help: "Total number of conditional requests sent to revalidate cache entries",
		},
	)

	// NotModifiedResponses counts 304 answers.
	NotModifiedResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hris_cache_not_modified_total",
			Help: "Total number of 304 Not Modified responses",
		},
	)

	// CacheErrors counts failed cache operations.
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hris_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete"
	)
)

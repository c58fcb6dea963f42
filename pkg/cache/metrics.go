package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits counts Get calls served from the cache.
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmcache_hits_total",
			Help: "Total number of cache hits",
		},
	)

	// CacheMisses counts Get calls that fell through to the upstream.
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmcache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"reason"}, // "absent", "expired", "corrupt", "disabled", "error"
	)

	// CacheSize tracks the summed payload size of all indexed entries.
	CacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmcache_size_bytes",
			Help: "Current size of cached payloads in bytes",
		},
	)

	// CacheEntries tracks the number of indexed entries.
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmcache_entries",
			Help: "Current number of cache entries",
		},
	)

	// CacheEvictions counts entries removed, by reason.
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmcache_evictions_total",
			Help: "Total number of cache entries removed",
		},
		[]string{"reason"}, // "capacity", "expired", "invalidated", "stale", "self_heal", "cleared"
	)

	// CacheErrors counts soft failures the cache recovered from.
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmcache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "put", "remove", "sweep"
	)

	// SimilarityQueries counts FindSimilar calls by outcome.
	SimilarityQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmcache_similarity_queries_total",
			Help: "Total number of similarity lookups",
		},
		[]string{"result"}, // "match", "none"
	)
)

package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CommitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_commits_total",
		Help: "Total number of carts committed into transactions",
	})

	CommitsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_commits_failed_total",
		Help: "Total number of rejected or failed commits",
	}, []string{"reason"})

	CommitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "storefront_commit_latency_seconds",
		Help:    "Latency of the locked commit section",
		Buckets: prometheus.DefBuckets,
	})

	RevertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_reverts_total",
		Help: "Total number of revert calls by outcome",
	}, []string{"outcome"})

	CheckoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_checkouts_total",
		Help: "Total number of checkouts by outcome",
	}, []string{"outcome"})

	ReconciliationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_reconciliations_total",
		Help: "Total number of reconciliations by resolved status",
	}, []string{"status"})

	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "storefront_payment_gateway_latency_seconds",
		Help:    "Latency of payment gateway calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"gateway", "operation"})

	CacheRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_cache_requests_total",
		Help: "Cache lookups by result (hit, miss)",
	}, []string{"result"})

	CacheRegenerationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_cache_regenerations_total",
		Help: "Total number of values regenerated under the key lock",
	})

	CacheLockContendedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_cache_lock_contended_total",
		Help: "Regeneration lock attempts that gave up waiting",
	})

	CacheErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_cache_errors_total",
		Help: "Cache backend errors swallowed by the cache layer",
	}, []string{"operation"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)

// Package metrics exposes Prometheus counters and histograms for the
// proxies, and a net/http handler to serve them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	bytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "factorio_cacher_tunnel_bytes_total",
			Help: "Total bytes transferred over the tunnel",
		},
		[]string{"direction"}, // "sent" | "received"
	)

	cacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "factorio_cacher_cache_hits_total",
			Help: "Total chunk-cache lookups satisfied without a fetch",
		},
	)

	cacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "factorio_cacher_cache_misses_total",
			Help: "Total chunk-cache lookups that required a fetch",
		},
	)

	cacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "factorio_cacher_cache_evictions_total",
			Help: "Total chunk-cache entries evicted to stay under the byte budget",
		},
	)

	dedupRatio = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "factorio_cacher_dedup_ratio",
			Help:    "Fraction of a world transfer's requested chunks not fetched over the tunnel",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	blockStallRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "factorio_cacher_block_stall_retries_total",
			Help: "Total stall-triggered re-sends of in-flight TransferBlockRequest packets",
		},
	)
)

// RecordBytesSent records bytes written to the tunnel.
func RecordBytesSent(n int) { bytesTransferred.WithLabelValues("sent").Add(float64(n)) }

// RecordBytesReceived records bytes read from the tunnel.
func RecordBytesReceived(n int) { bytesTransferred.WithLabelValues("received").Add(float64(n)) }

// RecordCacheHit records a chunk-cache hit.
func RecordCacheHit() { cacheHits.Inc() }

// RecordCacheMiss records a chunk-cache miss.
func RecordCacheMiss() { cacheMisses.Inc() }

// RecordCacheEviction records one chunk-cache eviction.
func RecordCacheEviction() { cacheEvictions.Inc() }

// RecordDedupRatio records the fraction of a completed world transfer's
// requested chunks (counted by number, not bytes) that did not have to
// be fetched over the tunnel.
func RecordDedupRatio(ratio float64) { dedupRatio.Observe(ratio) }

// RecordBlockStallRetry records one stall-triggered block re-request.
func RecordBlockStallRetry() { blockStallRetries.Inc() }

// Handler returns the net/http handler that serves the registered
// metrics in the Prometheus text exposition format.
func Handler() http.Handler { return promhttp.Handler() }

// Serve starts an HTTP server exposing /metrics on addr and blocks
// until it errors or the process exits; callers typically run it in
// its own goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server.ListenAndServe()
}

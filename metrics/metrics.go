// Package metrics exposes the node's Prometheus metrics surface. Unlike
// the teacher's metrics/prometheus package (which bridges geth's
// homegrown metrics.Registry into Prometheus's exposition format), this
// node has no legacy registry to bridge, so metrics are defined directly
// against prometheus/client_golang, the library both packages ultimately
// serve.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry groups every counter/gauge/histogram this node exports.
type Registry struct {
	BlueprintsCommitted   prometheus.Counter
	BlueprintsRejected    prometheus.Counter
	BlueprintsPublished   prometheus.Counter
	PublisherLag          prometheus.Gauge
	DelayedEventsApplied  prometheus.Counter
	KernelExecDuration    prometheus.Histogram
	WatcherDropped        prometheus.Counter
	TxPoolPending         prometheus.Gauge
}

// New registers every metric with Prometheus's default registerer, the
// registry Handler serves; a second call panics on duplicate registration.
func New() *Registry {
	return &Registry{
		BlueprintsCommitted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "evmseq",
			Name:      "blueprints_committed_total",
			Help:      "Total number of blueprints committed by the EVM context.",
		}),
		BlueprintsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "evmseq",
			Name:      "blueprints_rejected_total",
			Help:      "Total number of blueprints the kernel rejected (zero blocks produced).",
		}),
		BlueprintsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "evmseq",
			Name:      "blueprints_published_total",
			Help:      "Total number of blueprints successfully injected into the rollup inbox.",
		}),
		PublisherLag: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "evmseq",
			Name:      "publisher_lag_blocks",
			Help:      "Difference between the next blueprint number and the last one seen on chain.",
		}),
		DelayedEventsApplied: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "evmseq",
			Name:      "delayed_events_applied_total",
			Help:      "Total number of delayed-inbox events delivered to the EVM context.",
		}),
		KernelExecDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "evmseq",
			Name:      "kernel_execution_seconds",
			Help:      "Wall-clock duration of kernel_run/kernel_simulate invocations.",
			Buckets:   prometheus.DefBuckets,
		}),
		WatcherDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "evmseq",
			Name:      "blueprint_watcher_dropped_total",
			Help:      "Total number of blueprint-watcher notifications dropped for slow subscribers.",
		}),
		TxPoolPending: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "evmseq",
			Name:      "tx_pool_pending",
			Help:      "Number of transactions currently queued in the tx pool.",
		}),
	}
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

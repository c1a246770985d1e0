// ============================================================================
// Poolctl Metrics - Prometheus Monitoring
// ============================================================================
//
// Package: internal/metrics
// Purpose: collect and expose coordinator/backlog metrics for Prometheus.
//
// Metric Categories:
//   1. Counters: items_enqueued_total, items_dispatched_total,
//      items_completed_total, items_returned_total, items_dead_total,
//      workers_spawned_total, workers_killed_total
//   2. Histogram: dispatch_latency_seconds - time from dispatch to result
//   3. Gauges: items_pending, active_workers
//   (every metric name carries the poolctl_ prefix)
//
// HTTP Endpoint: /metrics, scraped by Prometheus.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects Prometheus metrics for one pool.
type Collector struct {
	itemsEnqueued   prometheus.Counter
	itemsDispatched prometheus.Counter
	itemsCompleted  prometheus.Counter
	itemsReturned   prometheus.Counter
	itemsDead       prometheus.Counter

	workersSpawned prometheus.Counter
	workersKilled  prometheus.Counter

	dispatchLatency prometheus.Histogram

	itemsPending  prometheus.Gauge
	activeWorkers prometheus.Gauge
}

func NewCollector() *Collector {
	c := &Collector{
		itemsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poolctl_items_enqueued_total",
			Help: "Total number of items enqueued to the backlog",
		}),
		itemsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poolctl_items_dispatched_total",
			Help: "Total number of items dispatched to a worker",
		}),
		itemsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poolctl_items_completed_total",
			Help: "Total number of items completed successfully",
		}),
		itemsReturned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poolctl_items_returned_total",
			Help: "Total number of items returned to the backlog (crash, timeout, or silent failure)",
		}),
		itemsDead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poolctl_items_dead_total",
			Help: "Total number of items moved to the dead-letter set",
		}),
		workersSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poolctl_workers_spawned_total",
			Help: "Total number of worker subprocesses spawned",
		}),
		workersKilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poolctl_workers_killed_total",
			Help: "Total number of worker subprocesses killed",
		}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "poolctl_dispatch_latency_seconds",
			Help:    "Time between dispatch and a worker's result",
			Buckets: prometheus.DefBuckets,
		}),
		itemsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "poolctl_items_pending",
			Help: "Current number of pending items",
		}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "poolctl_active_workers",
			Help: "Current number of READY or BUSY workers",
		}),
	}

	prometheus.MustRegister(
		c.itemsEnqueued, c.itemsDispatched, c.itemsCompleted, c.itemsReturned, c.itemsDead,
		c.workersSpawned, c.workersKilled, c.dispatchLatency, c.itemsPending, c.activeWorkers,
	)

	return c
}

func (c *Collector) RecordEnqueue()   { c.itemsEnqueued.Inc() }
func (c *Collector) RecordDispatch()  { c.itemsDispatched.Inc() }
func (c *Collector) RecordReturned()  { c.itemsReturned.Inc() }
func (c *Collector) RecordDead()      { c.itemsDead.Inc() }
func (c *Collector) RecordSpawned()   { c.workersSpawned.Inc() }
func (c *Collector) RecordKilled()    { c.workersKilled.Inc() }

func (c *Collector) RecordCompleted(latencySeconds float64) {
	c.itemsCompleted.Inc()
	c.dispatchLatency.Observe(latencySeconds)
}

func (c *Collector) UpdatePoolStats(pending, activeWorkers int) {
	c.itemsPending.Set(float64(pending))
	c.activeWorkers.Set(float64(activeWorkers))
}

// StartServer starts the Prometheus metrics HTTP server. It blocks; run it
// in its own goroutine.
func StartServer(port int) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), nil)
}

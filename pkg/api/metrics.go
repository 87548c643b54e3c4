package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the per-server instruments.
type metrics struct {
	requests         *prometheus.CounterVec
	requestsInflight prometheus.Gauge
	resolveDuration  prometheus.Summary
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hostd_api_requests_count",
			Help: "Total number of API requests served",
		}, []string{"endpoint", "code"}),
		requestsInflight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hostd_api_requests_inflight_gauge",
			Help: "The number of API requests currently inflight",
		}),
		resolveDuration: factory.NewSummary(prometheus.SummaryOpts{
			Name: "hostd_resolve_duration_seconds",
			Help: "Summarizes the time to answer a resolve request (in seconds)",
			Objectives: map[float64]float64{
				0.5:  0.01,
				0.9:  0.01,
				0.99: 0.001,
			},
		}),
	}
}

// statsCollector exports a resolver's stats snapshot at scrape time.
type statsCollector struct {
	src Resolver

	total, success, failed, cached *prometheus.Desc
	queueDepth, workers            *prometheus.Desc
	records, stale, pending        *prometheus.Desc
	cacheMem                       *prometheus.Desc
	poolActive, poolIdle           *prometheus.Desc
}

var _ prometheus.Collector = (*statsCollector)(nil)

func newStatsCollector(src Resolver) *statsCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("hostd_"+name, help, nil, nil)
	}
	return &statsCollector{
		src:        src,
		total:      desc("resolve_requests_total", "Resolve requests received"),
		success:    desc("resolve_success_total", "Resolve requests answered with an address"),
		failed:     desc("resolve_failed_total", "Resolve requests that found no address"),
		cached:     desc("resolve_cached_total", "Resolve requests answered from the registry"),
		queueDepth: desc("queue_depth", "Tasks waiting in the engine queue"),
		workers:    desc("workers", "Running engine workers"),
		records:    desc("registry_records", "Records held in memory"),
		stale:      desc("registry_stale_records", "Records older than the TTL"),
		pending:    desc("registry_pending_writes", "Record writes not yet on disk"),
		cacheMem:   desc("cache_memory_entries", "Entries in the cache memory tier"),
		poolActive: desc("pool_active_connections", "Pooled clients checked out"),
		poolIdle:   desc("pool_idle_connections", "Pooled clients idle"),
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.total, c.success, c.failed, c.cached,
		c.queueDepth, c.workers,
		c.records, c.stale, c.pending, c.cacheMem,
		c.poolActive, c.poolIdle,
	} {
		ch <- d
	}
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Stats()
	counter := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v int) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}
	counter(c.total, st.Total)
	counter(c.success, st.Success)
	counter(c.failed, st.Failed)
	counter(c.cached, st.Cached)
	gauge(c.queueDepth, st.QueueDepth)
	gauge(c.workers, st.Workers)
	gauge(c.records, st.Registry.Total)
	gauge(c.stale, st.Registry.Stale)
	gauge(c.pending, st.Registry.Pending)
	gauge(c.cacheMem, st.Registry.Cached)
	gauge(c.poolActive, st.Pool.Active)
	gauge(c.poolIdle, st.Pool.Idle)
}

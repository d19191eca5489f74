package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"consecutive/internal/infrastructure/storage/postgres"
)

// PoolCollector exports database pool statistics at scrape time.
type PoolCollector struct {
	stats func() postgres.PoolStats

	total        *prometheus.Desc
	acquired     *prometheus.Desc
	idle         *prometheus.Desc
	max          *prometheus.Desc
	acquireCount *prometheus.Desc
	acquireTime  *prometheus.Desc
}

// NewPoolCollector creates a collector reading stats on every scrape.
func NewPoolCollector(stats func() postgres.PoolStats) *PoolCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "db_pool", name), help, nil, nil)
	}
	return &PoolCollector{
		stats:        stats,
		total:        desc("total_conns", "Total connections in the pool."),
		acquired:     desc("acquired_conns", "Connections currently in use."),
		idle:         desc("idle_conns", "Idle connections."),
		max:          desc("max_conns", "Maximum pool size."),
		acquireCount: desc("acquires_total", "Total successful connection acquires."),
		acquireTime:  desc("acquire_seconds_total", "Total time spent acquiring connections."),
	}
}

// Describe implements prometheus.Collector.
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.total
	ch <- c.acquired
	ch <- c.idle
	ch <- c.max
	ch <- c.acquireCount
	ch <- c.acquireTime
}

// Collect implements prometheus.Collector.
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(s.TotalConns))
	ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.GaugeValue, float64(s.AcquiredConns))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.IdleConns))
	ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(s.MaxConns))
	ch <- prometheus.MustNewConstMetric(c.acquireCount, prometheus.CounterValue, float64(s.AcquireCount))
	ch <- prometheus.MustNewConstMetric(c.acquireTime, prometheus.CounterValue, s.AcquireDuration.Seconds())
}

package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolCollector reads pgx pool counters at scrape time instead of keeping
// gauges in sync by hand.
type PoolCollector struct {
	pool *pgxpool.Pool

	totalConns    *prometheus.Desc
	acquiredConns *prometheus.Desc
	idleConns     *prometheus.Desc
}

// NewPoolCollector creates a collector over the database pool. pool may be
// nil; all gauges then report 0.
func NewPoolCollector(pool *pgxpool.Pool) *PoolCollector {
	return &PoolCollector{
		pool: pool,
		totalConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "total_conns"),
			"Total database pool connections.",
			nil, nil,
		),
		acquiredConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "acquired_conns"),
			"Database pool connections currently in use.",
			nil, nil,
		),
		idleConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "idle_conns"),
			"Database pool idle connections.",
			nil, nil,
		),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalConns
	ch <- c.acquiredConns
	ch <- c.idleConns
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	if c.pool == nil {
		ch <- prometheus.MustNewConstMetric(c.totalConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.acquiredConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.idleConns, prometheus.GaugeValue, 0)
		return
	}
	stat := c.pool.Stat()
	ch <- prometheus.MustNewConstMetric(c.totalConns, prometheus.GaugeValue, float64(stat.TotalConns()))
	ch <- prometheus.MustNewConstMetric(c.acquiredConns, prometheus.GaugeValue, float64(stat.AcquiredConns()))
	ch <- prometheus.MustNewConstMetric(c.idleConns, prometheus.GaugeValue, float64(stat.IdleConns()))
}

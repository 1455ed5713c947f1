package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// poolCollector expone gauges de conexiones del pool de refresh tokens.
type poolCollector struct {
	pool func() *pgxpool.Pool

	acquiredDesc *prometheus.Desc
	idleDesc     *prometheus.Desc
	totalDesc    *prometheus.Desc
}

// NewPoolCollector reporta las stats del pool que devuelve pool (nil se omite).
func NewPoolCollector(pool func() *pgxpool.Pool) prometheus.Collector {
	return &poolCollector{
		pool:         pool,
		acquiredDesc: prometheus.NewDesc(namespace+"_pgxpool_acquired", "Conexiones adquiridas", nil, nil),
		idleDesc:     prometheus.NewDesc(namespace+"_pgxpool_idle", "Conexiones inactivas", nil, nil),
		totalDesc:    prometheus.NewDesc(namespace+"_pgxpool_total", "Conexiones totales", nil, nil),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.acquiredDesc
	ch <- c.idleDesc
	ch <- c.totalDesc
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	if c.pool == nil {
		return
	}
	p := c.pool()
	if p == nil {
		return
	}
	stat := p.Stat()
	ch <- prometheus.MustNewConstMetric(c.acquiredDesc, prometheus.GaugeValue, float64(stat.AcquiredConns()))
	ch <- prometheus.MustNewConstMetric(c.idleDesc, prometheus.GaugeValue, float64(stat.IdleConns()))
	ch <- prometheus.MustNewConstMetric(c.totalDesc, prometheus.GaugeValue, float64(stat.TotalConns()))
}

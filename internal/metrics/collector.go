package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// LiveStats provides the metrics collector access to in-memory pipeline state.
type LiveStats interface {
	DeviceCounts() (total, online int)
	ModuleCounts() (total, online int)
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	pool  *pgxpool.Pool
	stats LiveStats
	wsFn  func() int

	devicesTotal    *prometheus.Desc
	devicesOnline   *prometheus.Desc
	modulesTotal    *prometheus.Desc
	modulesOnline   *prometheus.Desc
	wsClients       *prometheus.Desc
	dbTotalConns    *prometheus.Desc
	dbAcquiredConns *prometheus.Desc
	dbIdleConns     *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// pool may be nil (gauges report 0); wsFn may be nil if the push channel
// is disabled.
func NewCollector(pool *pgxpool.Pool, stats LiveStats, wsFn func() int) *Collector {
	return &Collector{
		pool:  pool,
		stats: stats,
		wsFn:  wsFn,
		devicesTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "devices_total"),
			"Devices currently known to the state cache.",
			nil, nil,
		),
		devicesOnline: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "devices_online"),
			"Devices with a fresh heartbeat.",
			nil, nil,
		),
		modulesTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "modules_total"),
			"Modules currently known to the state cache.",
			nil, nil,
		),
		modulesOnline: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "modules_online"),
			"Modules with a fresh heartbeat.",
			nil, nil,
		),
		wsClients: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "ws_clients_active"),
			"Currently connected WebSocket clients.",
			nil, nil,
		),
		dbTotalConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "total_conns"),
			"Total database pool connections.",
			nil, nil,
		),
		dbAcquiredConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "acquired_conns"),
			"Database pool connections currently in use.",
			nil, nil,
		),
		dbIdleConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "idle_conns"),
			"Database pool idle connections.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.devicesTotal
	ch <- c.devicesOnline
	ch <- c.modulesTotal
	ch <- c.modulesOnline
	ch <- c.wsClients
	ch <- c.dbTotalConns
	ch <- c.dbAcquiredConns
	ch <- c.dbIdleConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.stats != nil {
		dt, do := c.stats.DeviceCounts()
		mt, mo := c.stats.ModuleCounts()
		ch <- prometheus.MustNewConstMetric(c.devicesTotal, prometheus.GaugeValue, float64(dt))
		ch <- prometheus.MustNewConstMetric(c.devicesOnline, prometheus.GaugeValue, float64(do))
		ch <- prometheus.MustNewConstMetric(c.modulesTotal, prometheus.GaugeValue, float64(mt))
		ch <- prometheus.MustNewConstMetric(c.modulesOnline, prometheus.GaugeValue, float64(mo))
	} else {
		ch <- prometheus.MustNewConstMetric(c.devicesTotal, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.devicesOnline, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.modulesTotal, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.modulesOnline, prometheus.GaugeValue, 0)
	}

	if c.wsFn != nil {
		ch <- prometheus.MustNewConstMetric(c.wsClients, prometheus.GaugeValue, float64(c.wsFn()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.wsClients, prometheus.GaugeValue, 0)
	}

	if c.pool != nil {
		stat := c.pool.Stat()
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, float64(stat.TotalConns()))
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, float64(stat.AcquiredConns()))
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, float64(stat.IdleConns()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, 0)
	}
}

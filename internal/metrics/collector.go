package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// RuntimeStats provides the metrics collector access to orchestrator state
// at scrape time, the narrow subset of internal/runtime.Runtime's read
// surface this package depends on (it cannot import internal/runtime
// itself without an import cycle, since runtime imports metrics for the
// counter/histogram vars).
type RuntimeStats interface {
	LiveSessionCount() int
	SessionCountByState() map[string]int
	IngestDepth() int
	IngestInFlight() int
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	pool  *pgxpool.Pool
	stats RuntimeStats

	liveSessions    *prometheus.Desc
	sessionsByState *prometheus.Desc
	ingestDepth     *prometheus.Desc
	ingestInFlight  *prometheus.Desc
	dbTotalConns    *prometheus.Desc
	dbAcquiredConns *prometheus.Desc
	dbIdleConns     *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// pool may be nil (db_pool metrics report 0). stats may be nil if the
// runtime hasn't started yet.
func NewCollector(pool *pgxpool.Pool, stats RuntimeStats) *Collector {
	return &Collector{
		pool:  pool,
		stats: stats,
		liveSessions: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "live_sessions"),
			"Current number of live device sessions.",
			nil, nil,
		),
		sessionsByState: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sessions_by_state"),
			"Current number of live sessions in each state.",
			[]string{"state"}, nil,
		),
		ingestDepth: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "lifelog", "ingest_queue_depth"),
			"Current depth of the lifelog ingest queue.",
			nil, nil,
		),
		ingestInFlight: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "lifelog", "ingest_in_flight"),
			"Lifelog ingest jobs currently being processed.",
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
	ch <- c.liveSessions
	ch <- c.sessionsByState
	ch <- c.ingestDepth
	ch <- c.ingestInFlight
	ch <- c.dbTotalConns
	ch <- c.dbAcquiredConns
	ch <- c.dbIdleConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.stats != nil {
		ch <- prometheus.MustNewConstMetric(c.liveSessions, prometheus.GaugeValue, float64(c.stats.LiveSessionCount()))
		for state, n := range c.stats.SessionCountByState() {
			ch <- prometheus.MustNewConstMetric(c.sessionsByState, prometheus.GaugeValue, float64(n), state)
		}
		ch <- prometheus.MustNewConstMetric(c.ingestDepth, prometheus.GaugeValue, float64(c.stats.IngestDepth()))
		ch <- prometheus.MustNewConstMetric(c.ingestInFlight, prometheus.GaugeValue, float64(c.stats.IngestInFlight()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.liveSessions, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.ingestDepth, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.ingestInFlight, prometheus.GaugeValue, 0)
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

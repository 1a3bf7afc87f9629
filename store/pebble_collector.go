package store

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

// PebbleCollector surfaces pebble runtime counters for a PebbleStore.
// Register it with a prometheus registry alongside the package vars.
type PebbleCollector struct {
	db *pebble.DB

	compactionCount *prometheus.Desc
	compactionDebt  *prometheus.Desc

	memtableSize  *prometheus.Desc
	memtableCount *prometheus.Desc

	walFiles        *prometheus.Desc
	walSize         *prometheus.Desc
	walBytesWritten *prometheus.Desc
}

func NewPebbleCollector(s *PebbleStore) *PebbleCollector {
	return &PebbleCollector{
		db: s.Database(),

		compactionCount: prometheus.NewDesc(
			"sohm_pebble_compaction_count_total",
			"Total number of compactions performed",
			nil, nil,
		),
		compactionDebt: prometheus.NewDesc(
			"sohm_pebble_compaction_estimated_debt_bytes",
			"Estimated bytes to compact to reach a stable state",
			nil, nil,
		),
		memtableSize: prometheus.NewDesc(
			"sohm_pebble_memtable_size_bytes",
			"Current size of the memtable in bytes",
			nil, nil,
		),
		memtableCount: prometheus.NewDesc(
			"sohm_pebble_memtable_count_total",
			"Current count of memtables",
			nil, nil,
		),
		walFiles: prometheus.NewDesc(
			"sohm_pebble_wal_files_total",
			"Number of live WAL files",
			nil, nil,
		),
		walSize: prometheus.NewDesc(
			"sohm_pebble_wal_size_bytes",
			"Size of live WAL data in bytes",
			nil, nil,
		),
		walBytesWritten: prometheus.NewDesc(
			"sohm_pebble_wal_bytes_written_total",
			"Total physical bytes written to the WAL",
			nil, nil,
		),
	}
}

func (pc *PebbleCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pc.compactionCount
	ch <- pc.compactionDebt
	ch <- pc.memtableSize
	ch <- pc.memtableCount
	ch <- pc.walFiles
	ch <- pc.walSize
	ch <- pc.walBytesWritten
}

func (pc *PebbleCollector) Collect(ch chan<- prometheus.Metric) {
	metrics := pc.db.Metrics()

	ch <- prometheus.MustNewConstMetric(
		pc.compactionCount,
		prometheus.CounterValue,
		float64(metrics.Compact.Count),
	)
	ch <- prometheus.MustNewConstMetric(
		pc.compactionDebt,
		prometheus.GaugeValue,
		float64(metrics.Compact.EstimatedDebt),
	)
	ch <- prometheus.MustNewConstMetric(
		pc.memtableSize,
		prometheus.GaugeValue,
		float64(metrics.MemTable.Size),
	)
	ch <- prometheus.MustNewConstMetric(
		pc.memtableCount,
		prometheus.GaugeValue,
		float64(metrics.MemTable.Count),
	)
	ch <- prometheus.MustNewConstMetric(
		pc.walFiles,
		prometheus.GaugeValue,
		float64(metrics.WAL.Files),
	)
	ch <- prometheus.MustNewConstMetric(
		pc.walSize,
		prometheus.GaugeValue,
		float64(metrics.WAL.Size),
	)
	ch <- prometheus.MustNewConstMetric(
		pc.walBytesWritten,
		prometheus.CounterValue,
		float64(metrics.WAL.BytesWritten),
	)
}

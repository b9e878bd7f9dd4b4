package hashdb

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// engineMetrics holds the counters of one database. Every database has its own set,
// so several databases can live in one process.
type engineMetrics struct {
	set *metrics.Set

	gets           *metrics.Counter
	sets           *metrics.Counter
	deletes        *metrics.Counter
	notFound       *metrics.Counter
	bloomNegatives *metrics.Counter
	readRetries    *metrics.Counter
	gcDuration     *metrics.Histogram
}

func newEngineMetrics(d *DB) *engineMetrics {
	s := metrics.NewSet()
	m := &engineMetrics{
		set:            s,
		gets:           s.NewCounter("hashdb_gets_total"),
		sets:           s.NewCounter("hashdb_sets_total"),
		deletes:        s.NewCounter("hashdb_deletes_total"),
		notFound:       s.NewCounter("hashdb_not_found_total"),
		bloomNegatives: s.NewCounter("hashdb_bloom_negatives_total"),
		readRetries:    s.NewCounter("hashdb_read_retries_total"),
		gcDuration:     s.NewHistogram("hashdb_gc_round_duration_seconds"),
	}

	s.NewGauge("hashdb_disk_bytes", func() float64 { return float64(d.blobs.DiskUsage()) })
	s.NewGauge("hashdb_live_bytes", func() float64 { return float64(d.blobs.LiveBytes()) })
	s.NewGauge("hashdb_blob_files", func() float64 { return float64(len(d.blobs.Files())) })
	s.NewGauge("hashdb_index_used_slots", func() float64 { return float64(d.index.Used()) })
	s.NewGauge("hashdb_index_capacity_slots", func() float64 { return float64(d.index.Capacity()) })
	s.NewGauge("hashdb_index_cold_groups", func() float64 { return float64(d.index.Stats().ColdGroups) })
	s.NewGauge("hashdb_gc_reclaimed_files_total", func() float64 { return float64(d.gc.Stats().ReclaimedFiles) })
	s.NewGauge("hashdb_gc_freed_bytes_total", func() float64 { return float64(d.gc.Stats().FreedBytes) })
	s.NewGauge("hashdb_gc_relocated_bytes_total", func() float64 { return float64(d.gc.Stats().RelocatedBytes) })
	s.NewGauge("hashdb_maintenance_round", func() float64 { return float64(d.round.Load()) })
	if d.cache != nil {
		s.NewGauge("hashdb_cache_bytes", func() float64 { return float64(d.cache.Stats().Bytes) })
		s.NewGauge("hashdb_cache_hits_total", func() float64 { return float64(d.cache.Stats().Hits) })
		s.NewGauge("hashdb_cache_misses_total", func() float64 { return float64(d.cache.Stats().Misses) })
	}
	return m
}

// WritePrometheus writes the metrics of the database in Prometheus text format.
func (d *DB) WritePrometheus(w io.Writer) {
	d.metrics.set.WritePrometheus(w)
}

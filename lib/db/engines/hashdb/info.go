package hashdb

import (
	"github.com/ValentinKolb/hashDB/lib/db"
	"github.com/ValentinKolb/hashDB/lib/db/engines/hashdb/internal"
	"github.com/ValentinKolb/hashDB/lib/db/util"
)

// Info is the engine specific part of db.DatabaseInfo.
type Info struct {
	Directory      string               `json:"directory"`
	DiskBytes      int64                `json:"disk_bytes"`
	LiveBytes      int64                `json:"live_bytes"`
	IndexFileBytes int64                `json:"index_file_bytes"`
	Files          []internal.FileInfo  `json:"files"`
	Index          internal.IndexStats  `json:"index"`
	Bloom          internal.BloomStats  `json:"bloom"`
	Cache          *internal.CacheStats `json:"cache,omitempty"`
	GC             internal.GCStats     `json:"gc"`
	ValueSizes     util.SizeSummary     `json:"value_sizes"`
	Counters       Counters             `json:"counters"`
	Sequence       uint64               `json:"sequence"`
	Round          uint64               `json:"maintenance_round"`
}

type Counters struct {
	Gets           uint64 `json:"gets"`
	Sets           uint64 `json:"sets"`
	Deletes        uint64 `json:"deletes"`
	NotFound       uint64 `json:"not_found"`
	BloomNegatives uint64 `json:"bloom_negatives"`
	ReadRetries    uint64 `json:"read_retries"`
}

// GetInfo returns sizes, per file utilities and statistics of all subsystems.
func (d *DB) GetInfo() db.DatabaseInfo {
	var features []db.Feature
	for _, f := range db.AllFeatures {
		if d.SupportsFeature(f) {
			features = append(features, f)
		}
	}

	info := Info{
		Directory:      d.opts.FilesDirectory,
		DiskBytes:      d.blobs.DiskUsage(),
		LiveBytes:      d.blobs.LiveBytes(),
		IndexFileBytes: d.cold.SizeBytes(),
		Files:          d.blobs.Files(),
		Index:          d.index.Stats(),
		Bloom:          d.bloom.Stats(),
		GC:             d.gc.Stats(),
		ValueSizes:     d.valueSizes.Summary(),
		Counters: Counters{
			Gets:           d.metrics.gets.Get(),
			Sets:           d.metrics.sets.Get(),
			Deletes:        d.metrics.deletes.Get(),
			NotFound:       d.metrics.notFound.Get(),
			BloomNegatives: d.metrics.bloomNegatives.Get(),
			ReadRetries:    d.metrics.readRetries.Get(),
		},
		Sequence: d.seq.Load(),
		Round:    d.round.Load(),
	}
	if d.cache != nil {
		stats := d.cache.Stats()
		info.Cache = &stats
	}

	return db.DatabaseInfo{
		SizeBytes:         info.DiskBytes + info.IndexFileBytes,
		DbType:            db.ImplHashDB,
		SupportedFeatures: features,
		Metadata:          info,
	}
}

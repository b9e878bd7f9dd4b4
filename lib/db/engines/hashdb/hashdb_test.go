package hashdb

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/hashDB/lib/db"
	"github.com/ValentinKolb/hashDB/lib/db/engines/hashdb/internal"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// smallOptions describes a database with tiny blob files and no background work
// besides the async flush.
func smallOptions(dir string) *Options {
	opts := DefaultOptions(dir)
	opts.SlotsMapSize = 1024
	opts.SlotGroupSize = 16
	opts.BlobApproximateSize = 4096
	opts.BlobWriteBufferSize = 1024
	opts.BlobGCMinUtilityThreshold = 0.5
	opts.GCCheckEverySomeWrites = 1 << 20
	opts.GCCacheMaxThreshold = 64 << 10
	opts.BloomFiltersElementsNum = 1024
	opts.MaintenanceInterval = time.Hour
	return opts
}

func openDB(t *testing.T, opts *Options) *DB {
	t.Helper()
	d, err := Open(opts)
	require.NoError(t, err)
	return d
}

func scenarioKey(i int) string { return fmt.Sprintf("%04d", i) }

func scenarioValue(i int) []byte {
	return bytes.Repeat([]byte{byte('a' + i%26)}, 100)
}

// simulateCrash clears the clean marker of a closed database so the next Open
// rebuilds the index from the data files.
func simulateCrash(t *testing.T, opts *Options) {
	t.Helper()
	cold, err := internal.OpenColdStore(filepath.Join(opts.indexDir(), indexFileName))
	require.NoError(t, err)
	require.NoError(t, cold.MarkDirty())
	require.NoError(t, cold.Close())
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestGarbageCollectScenario(t *testing.T) {
	opts := smallOptions(t.TempDir())
	d := openDB(t, opts)
	defer d.Close()

	for i := 0; i < 2000; i++ {
		require.NoError(t, d.Set(scenarioKey(i), scenarioValue(i), true))
	}
	require.Greater(t, len(d.blobs.Files()), 10)
	for i := 0; i < 1000; i++ {
		require.NoError(t, d.Delete(scenarioKey(i), true))
	}
	require.NoError(t, d.Flush())

	before := d.blobs.DiskUsage()
	result, err := d.GarbageCollect(true)
	require.NoError(t, err)
	require.Positive(t, result.ReclaimedFiles)
	require.Less(t, d.blobs.DiskUsage(), before)

	for i := 0; i < 2000; i++ {
		value, err := d.Get(scenarioKey(i))
		if i < 1000 {
			require.ErrorIs(t, err, db.ErrNotFound, "key %d", i)
			continue
		}
		require.NoError(t, err, "key %d", i)
		require.Equal(t, scenarioValue(i), value, "key %d", i)
	}
}

func TestReopenFromCheckpoint(t *testing.T) {
	opts := smallOptions(t.TempDir())
	d := openDB(t, opts)

	for i := 0; i < 300; i++ {
		require.NoError(t, d.Set(scenarioKey(i), scenarioValue(i), true))
	}
	require.NoError(t, d.Delete(scenarioKey(7), true))
	seq := d.seq.Load()
	require.NoError(t, d.Close())

	d = openDB(t, opts)
	defer d.Close()

	require.Equal(t, seq, d.seq.Load())
	require.EqualValues(t, 300, d.index.Used())
	for i := 0; i < 300; i++ {
		value, err := d.Get(scenarioKey(i))
		if i == 7 {
			require.ErrorIs(t, err, db.ErrNotFound)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, scenarioValue(i), value)
	}

	// new sequences continue after the recovered ones
	require.NoError(t, d.Set(scenarioKey(7), []byte("back"), false))
	require.Greater(t, d.seq.Load(), seq)
}

func TestRebuildAfterCrash(t *testing.T) {
	opts := smallOptions(t.TempDir())
	d := openDB(t, opts)

	for round := 0; round < 3; round++ {
		for i := 0; i < 200; i++ {
			require.NoError(t, d.Set(scenarioKey(i), []byte(fmt.Sprintf("%d-%d", round, i)), true))
		}
	}
	for i := 0; i < 50; i++ {
		require.NoError(t, d.Delete(scenarioKey(i), true))
	}
	require.NoError(t, d.Close())
	simulateCrash(t, opts)

	d = openDB(t, opts)
	defer d.Close()

	for i := 0; i < 200; i++ {
		value, err := d.Get(scenarioKey(i))
		if i < 50 {
			require.ErrorIs(t, err, db.ErrNotFound, "key %d", i)
			continue
		}
		require.NoError(t, err, "key %d", i)
		require.Equal(t, fmt.Sprintf("2-%d", i), string(value))
	}
}

func TestRebuildWithoutIndexFile(t *testing.T) {
	opts := smallOptions(t.TempDir())
	d := openDB(t, opts)
	for i := 0; i < 100; i++ {
		require.NoError(t, d.Set(scenarioKey(i), scenarioValue(i), true))
	}
	require.NoError(t, d.Close())

	require.NoError(t, os.Remove(filepath.Join(opts.indexDir(), indexFileName)))

	d = openDB(t, opts)
	defer d.Close()
	for i := 0; i < 100; i++ {
		value, err := d.Get(scenarioKey(i))
		require.NoError(t, err)
		require.Equal(t, scenarioValue(i), value)
	}
}

func TestRebuildTruncatesTornTail(t *testing.T) {
	opts := smallOptions(t.TempDir())
	d := openDB(t, opts)
	for i := 0; i < 100; i++ {
		require.NoError(t, d.Set(scenarioKey(i), scenarioValue(i), true))
	}
	files := d.blobs.Files()
	last := files[len(files)-1]
	require.NoError(t, d.Close())

	// a partially written record at the end of the newest file
	path := filepath.Join(opts.dataDir(), fmt.Sprintf("%010d.blob", last.ID))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xde, 0xad, 0xbe, 0xef, 0, 1, 2})
	require.NoError(t, err)
	require.NoError(t, f.Close())
	simulateCrash(t, opts)

	d = openDB(t, opts)
	defer d.Close()

	stat, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, last.SizeBytes, stat.Size())
	for i := 0; i < 100; i++ {
		value, err := d.Get(scenarioKey(i))
		require.NoError(t, err)
		require.Equal(t, scenarioValue(i), value)
	}
	require.NoError(t, d.Set("after", []byte("repair"), false))
}

func TestNoResurrectionAfterCompaction(t *testing.T) {
	opts := smallOptions(t.TempDir())
	d := openDB(t, opts)

	for i := 0; i < 500; i++ {
		require.NoError(t, d.Set(scenarioKey(i), scenarioValue(i), true))
	}
	for i := 0; i < 250; i++ {
		require.NoError(t, d.Delete(scenarioKey(i), true))
	}
	require.NoError(t, d.Flush())
	for round := 0; round < 3; round++ {
		_, err := d.GarbageCollect(true)
		require.NoError(t, err)
	}
	require.NoError(t, d.Close())
	simulateCrash(t, opts)

	d = openDB(t, opts)
	defer d.Close()
	for i := 0; i < 500; i++ {
		_, err := d.Get(scenarioKey(i))
		if i < 250 {
			require.ErrorIs(t, err, db.ErrNotFound, "key %d came back", i)
		} else {
			require.NoError(t, err, "key %d", i)
		}
	}
}

func TestBackgroundGarbageCollection(t *testing.T) {
	opts := smallOptions(t.TempDir())
	opts.GCCheckEverySomeWrites = 100
	opts.MaintenanceInterval = 10 * time.Millisecond
	d := openDB(t, opts)
	defer d.Close()

	for round := 0; round < 5; round++ {
		for i := 0; i < 200; i++ {
			require.NoError(t, d.Set(scenarioKey(i), scenarioValue(round), true))
		}
	}

	require.Eventually(t, func() bool {
		return d.gc.Stats().ReclaimedFiles > 0
	}, 5*time.Second, 10*time.Millisecond)

	for i := 0; i < 200; i++ {
		value, err := d.Get(scenarioKey(i))
		require.NoError(t, err)
		require.Equal(t, scenarioValue(4), value)
	}
}

func TestColdDownIndex(t *testing.T) {
	opts := smallOptions(t.TempDir())
	opts.GCEnableIndexColddown = true
	d := openDB(t, opts)

	for i := 0; i < 300; i++ {
		require.NoError(t, d.Set(scenarioKey(i), scenarioValue(i), true))
	}
	moved, err := d.ColdDownIndex()
	require.NoError(t, err)
	require.Positive(t, moved)
	require.Equal(t, moved, d.index.Stats().ColdGroups)

	// reads warm groups up again
	for i := 0; i < 300; i += 3 {
		value, err := d.Get(scenarioKey(i))
		require.NoError(t, err)
		require.Equal(t, scenarioValue(i), value)
	}
	require.Positive(t, d.index.Stats().WarmUps)

	// cold groups survive a restart. The first call after the reads keeps the
	// groups they touched, the second one moves them.
	_, err = d.ColdDownIndex()
	require.NoError(t, err)
	_, err = d.ColdDownIndex()
	require.NoError(t, err)
	require.Equal(t, moved, d.index.Stats().ColdGroups)
	require.NoError(t, d.Close())

	d = openDB(t, opts)
	defer d.Close()
	require.Positive(t, d.index.Stats().ColdGroups)
	for i := 0; i < 300; i++ {
		value, err := d.Get(scenarioKey(i))
		require.NoError(t, err)
		require.Equal(t, scenarioValue(i), value)
	}
}

func TestColdDownIndexKeepsTouchedGroups(t *testing.T) {
	opts := smallOptions(t.TempDir())
	opts.GCEnableIndexColddown = true
	d := openDB(t, opts)
	defer d.Close()

	for i := 0; i < 300; i++ {
		require.NoError(t, d.Set(scenarioKey(i), scenarioValue(i), true))
	}
	all, err := d.ColdDownIndex()
	require.NoError(t, err)
	require.Positive(t, all)

	_, err = d.Get(scenarioKey(0))
	require.NoError(t, err)

	moved, err := d.ColdDownIndex()
	require.NoError(t, err)
	require.Zero(t, moved, "the group read since the last call stays resident")
	require.Equal(t, all-1, d.index.Stats().ColdGroups)

	moved, err = d.ColdDownIndex()
	require.NoError(t, err)
	require.Equal(t, 1, moved)
}

func TestMaintenanceColdDownIdleRounds(t *testing.T) {
	opts := smallOptions(t.TempDir())
	opts.GCEnableIndexColddown = true
	opts.ColddownIdleRounds = 1
	opts.GCMaxColddownIndexSlotNumPerRound = 1024
	d := openDB(t, opts)
	defer d.Close()

	for i := 0; i < 300; i++ {
		require.NoError(t, d.Set(scenarioKey(i), scenarioValue(i), true))
	}
	d.tick()
	require.Zero(t, d.index.Stats().ColdGroups, "written in the previous round")
	d.tick()
	all := d.index.Stats().ColdGroups
	require.Positive(t, all)

	_, err := d.Get(scenarioKey(0))
	require.NoError(t, err)
	d.tick()
	require.Equal(t, all-1, d.index.Stats().ColdGroups, "read in the previous round")
	d.tick()
	require.Equal(t, all, d.index.Stats().ColdGroups)
}

func TestDeleteOfCollidingKey(t *testing.T) {
	orig := hashKey
	hashKey = func(string) uint64 { return 42 }
	t.Cleanup(func() { hashKey = orig })

	d := openDB(t, smallOptions(t.TempDir()))
	defer d.Close()

	require.NoError(t, d.Set("a", []byte("value a"), false))
	value, err := d.Get("a")
	require.NoError(t, err)
	require.Equal(t, []byte("value a"), value)

	// "b" shares the slot of "a" but was never written
	_, err = d.Get("b")
	require.True(t, db.IsNotFound(err), "%v", err)
	require.NoError(t, d.Delete("b", false))

	value, err = d.Get("a")
	require.NoError(t, err)
	require.Equal(t, []byte("value a"), value)

	require.NoError(t, d.Delete("a", false))
	_, err = d.Get("a")
	require.True(t, db.IsNotFound(err), "%v", err)
}

func TestBloomGenerationsAfterReopen(t *testing.T) {
	opts := smallOptions(t.TempDir())
	opts.BloomFiltersNum = 8
	opts.BloomFiltersElementsNum = 64
	opts.BloomFiltersFalsePositiveRate = 0.01

	d := openDB(t, opts)
	for i := 0; i < 100; i++ {
		require.NoError(t, d.Set(scenarioKey(i), scenarioValue(i), true))
	}
	require.NoError(t, d.Close())

	d = openDB(t, opts)
	defer d.Close()
	for i := 100; i < 400; i++ {
		require.NoError(t, d.Set(scenarioKey(i), scenarioValue(i), true))
	}

	stats := d.bloom.Stats()
	var total uint
	for gen, n := range stats.Elements {
		require.LessOrEqual(t, n, stats.Capacity, "generation %d", gen)
		total += n
	}
	require.EqualValues(t, 400, total)

	falsePositives := 0
	for i := 0; i < 10000; i++ {
		if d.bloom.MayContain(hashKey(fmt.Sprintf("absent-%d", i))) {
			falsePositives++
		}
	}
	require.Less(t, float64(falsePositives)/10000, 0.15)
	for i := 0; i < 400; i++ {
		value, err := d.Get(scenarioKey(i))
		require.NoError(t, err)
		require.Equal(t, scenarioValue(i), value)
	}
}

func TestRecordSizeLimit(t *testing.T) {
	d := openDB(t, smallOptions(t.TempDir()))
	defer d.Close()

	huge := make([]byte, 1<<31)
	err := d.Set("huge", huge, true)
	require.True(t, db.IsConfig(err), "%v", err)
	_, err = d.Get("huge")
	require.True(t, db.IsNotFound(err), "%v", err)
}

func TestCacheEviction(t *testing.T) {
	opts := smallOptions(t.TempDir())
	opts.GCCacheMaxThreshold = 1024
	d := openDB(t, opts)
	defer d.Close()

	for i := 0; i < 100; i++ {
		require.NoError(t, d.Set(scenarioKey(i), scenarioValue(i), true))
	}
	// fills the cache up to its hard limit of twice the threshold
	for i := 0; i < 30; i++ {
		_, err := d.Get(scenarioKey(i))
		require.NoError(t, err)
	}
	value, err := d.Get(scenarioKey(5))
	require.NoError(t, err)
	require.Equal(t, scenarioValue(5), value)

	stats := d.cache.Stats()
	require.Positive(t, stats.Hits)
	require.LessOrEqual(t, stats.Bytes, 2*opts.GCCacheMaxThreshold)

	require.Positive(t, d.EvictCache())
	require.LessOrEqual(t, d.cache.Stats().Bytes, opts.GCCacheMaxThreshold)

	// an overwrite is never served from the cache
	require.NoError(t, d.Set(scenarioKey(5), []byte("fresh"), true))
	value, err = d.Get(scenarioKey(5))
	require.NoError(t, err)
	require.Equal(t, []byte("fresh"), value)
}

func TestBloomFilterNegatives(t *testing.T) {
	opts := smallOptions(t.TempDir())
	d := openDB(t, opts)
	defer d.Close()

	for i := 0; i < 100; i++ {
		require.NoError(t, d.Set(scenarioKey(i), scenarioValue(i), true))
	}
	for i := 0; i < 1000; i++ {
		_, err := d.Get(fmt.Sprintf("missing-%d", i))
		require.ErrorIs(t, err, db.ErrNotFound)
	}
	require.Greater(t, d.metrics.bloomNegatives.Get(), uint64(900))
}

func TestSlotsExhausted(t *testing.T) {
	opts := smallOptions(t.TempDir())
	opts.SlotsMapSize = 4
	opts.SlotGroupSize = 1
	d := openDB(t, opts)
	defer d.Close()

	var err error
	for i := 0; i < 4*slotChainLength && err == nil; i++ {
		err = d.Set(scenarioKey(i), []byte("v"), true)
	}
	require.NoError(t, err)

	err = d.Set("one-too-many", []byte("v"), true)
	require.True(t, db.IsConfig(err), "got %v", err)

	// existing keys can still be overwritten
	require.NoError(t, d.Set(scenarioKey(0), []byte("w"), true))
}

func TestOptionsValidation(t *testing.T) {
	_, err := Open(nil)
	require.True(t, db.IsConfig(err))

	for name, mutate := range map[string]func(o *Options){
		"no directory":        func(o *Options) { o.FilesDirectory = "" },
		"no slots":            func(o *Options) { o.SlotsMapSize = 0 },
		"buffer above blob":   func(o *Options) { o.BlobWriteBufferSize = int(o.BlobApproximateSize) + 1 },
		"threshold above one": func(o *Options) { o.BlobGCMinUtilityThreshold = 1.5 },
		"no foreground":       func(o *Options) { o.ForegroundThreads = 0 },
		"key range":           func(o *Options) { o.KeyRange = o.SlotsMapSize + 1 },
		"bloom fp rate":       func(o *Options) { o.BloomFiltersFalsePositiveRate = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			opts := smallOptions(t.TempDir())
			mutate(opts)
			_, err := Open(opts)
			require.True(t, db.IsConfig(err), "got %v", err)
		})
	}

	// zero bloom filters is valid and disables them
	opts := smallOptions(t.TempDir())
	opts.BloomFiltersNum = 0
	opts.BloomFiltersFalsePositiveRate = 0
	d := openDB(t, opts)
	defer d.Close()
	require.False(t, d.SupportsFeature(db.FeatureBloomFilter))
	require.NoError(t, d.Set("k", []byte("v"), false))
	_, err = d.Get("missing")
	require.ErrorIs(t, err, db.ErrNotFound)
}

func TestOptionsMismatchOnReopen(t *testing.T) {
	opts := smallOptions(t.TempDir())
	d := openDB(t, opts)
	require.NoError(t, d.Close())

	changed := *opts
	changed.SlotsMapSize = 2048
	_, err := Open(&changed)
	require.True(t, db.IsConfig(err), "got %v", err)

	// settings that are not fixed can change
	changed = *opts
	changed.BlobApproximateSize = 8192
	d = openDB(t, &changed)
	require.NoError(t, d.Close())
}

func TestDestroy(t *testing.T) {
	opts := smallOptions(filepath.Join(t.TempDir(), "db"))
	d := openDB(t, opts)
	require.NoError(t, d.Set("k", []byte("v"), false))
	require.NoError(t, d.Close())

	require.NoError(t, Destroy(opts))
	_, err := os.Stat(opts.FilesDirectory)
	require.True(t, os.IsNotExist(err))

	d = openDB(t, opts)
	defer d.Close()
	_, err = d.Get("k")
	require.ErrorIs(t, err, db.ErrNotFound)
}

func TestInfoAndMetrics(t *testing.T) {
	opts := smallOptions(t.TempDir())
	d := openDB(t, opts)
	defer d.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, d.Set(scenarioKey(i), scenarioValue(i), false))
	}
	_, err := d.Get(scenarioKey(1))
	require.NoError(t, err)

	info := d.GetInfo()
	require.Equal(t, db.ImplHashDB, info.DbType)
	require.Positive(t, info.SizeBytes)
	require.Contains(t, info.SupportedFeatures, db.FeatureGarbageCollect)

	meta, ok := info.Metadata.(Info)
	require.True(t, ok)
	require.EqualValues(t, 3, meta.Counters.Sets)
	require.EqualValues(t, 3, meta.Index.Used)
	require.EqualValues(t, 3, meta.Sequence)
	require.NotEmpty(t, meta.Files)
	require.Equal(t, int64(3*(internal.RecordHeaderSize+4+100)), meta.LiveBytes)

	var buf bytes.Buffer
	d.WritePrometheus(&buf)
	out := buf.String()
	require.True(t, strings.Contains(out, "hashdb_sets_total 3"), out)
	require.True(t, strings.Contains(out, "hashdb_index_used_slots 3"), out)

	require.Contains(t, opts.String(), "GARBAGE COLLECTION")
}

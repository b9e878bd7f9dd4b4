package hashdb

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/hashDB/lib/db"
	"github.com/ValentinKolb/hashDB/lib/db/engines/hashdb/internal"
	"github.com/ValentinKolb/hashDB/lib/db/util"
	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sync/semaphore"
)

var log = logger.GetLogger("hashdb")

// hashKey maps keys to slots and bloom filter entries.
var hashKey = util.HashKey

const (
	indexFileName = "index.db"

	// keys per slot of the slot map before new keys are refused
	slotChainLength = 4

	// lookups that race a reclaim go through the index again
	maxReadRetries = 3
)

// DB is a persistent key-value store built from a fixed hash index over append-only blob files.
type DB struct {
	opts     *Options
	features db.Feature

	index *internal.SlotIndex
	blobs *internal.BlobStore
	bloom *internal.BloomFilterBank
	cache *internal.CacheManager // nil if cache eviction is disabled
	cold  *internal.ColdStore
	gc    *internal.GarbageCollector

	seq        atomic.Uint64 // last assigned record sequence
	round      atomic.Uint64 // maintenance round, used as the access clock of the index
	coldMark   atomic.Uint64 // round set by the last ColdDownIndex call, 0 before the first
	writes     atomic.Uint64
	asyncDirty atomic.Bool

	// admission of foreground operations, Close takes all weights
	admission *semaphore.Weighted
	closed    atomic.Bool

	// maintenance
	ctx       context.Context
	cancel    context.CancelFunc
	events    *util.LockFreeMPSC[event]
	wg        sync.WaitGroup
	gcRunning atomic.Bool

	valueSizes *util.SizeHistogram
	metrics    *engineMetrics
}

// Open opens or creates the database described by opts.
func Open(opts *Options) (*DB, error) {
	if opts == nil {
		return nil, db.NewConfigError("options are required")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	for _, dir := range []string{opts.dataDir(), opts.indexDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, db.MarkIO(err, "create directory %s", dir)
		}
	}
	if err := persistOptions(opts); err != nil {
		return nil, err
	}

	d := &DB{
		opts:       opts,
		admission:  semaphore.NewWeighted(int64(opts.ForegroundThreads)),
		valueSizes: util.NewSizeHistogram(),
	}
	d.features = featuresOf(opts)

	cold, err := internal.OpenColdStore(filepath.Join(opts.indexDir(), indexFileName))
	if err != nil {
		return nil, err
	}
	d.cold = cold

	d.bloom = internal.NewBloomFilterBank(opts.BloomFiltersNum, opts.BloomFiltersElementsNum,
		opts.BloomFiltersFalsePositiveRate, func() map[uint32]int { return d.blobs.FilesPerGeneration() })

	blobs, err := internal.OpenBlobStore(opts.dataDir(), internal.BlobStoreOptions{
		ApproximateSize: opts.BlobApproximateSize,
		WriteBufferSize: opts.BlobWriteBufferSize,
		Mmap:            opts.MmapSealedFiles,
		Generation:      d.bloom.Current,
	})
	if err != nil {
		_ = cold.Close()
		return nil, err
	}
	d.blobs = blobs

	if err := d.recover(); err != nil {
		_ = blobs.Close()
		_ = cold.Close()
		return nil, errors.Wrapf(err, "open database in %s", opts.FilesDirectory)
	}

	if d.SupportsFeature(db.FeatureCacheEvict) {
		d.cache = internal.NewCacheManager(opts.SlotsMapSize, opts.cacheThreshold(), opts.GCMaxEvictSlotNumPerRound)
	}
	d.gc = internal.NewGarbageCollector(d.index, d.blobs, d.bloom, internal.GCOptions{
		Threshold:       opts.BlobGCMinUtilityThreshold,
		TriggerMinFiles: opts.GCTriggerMinBlobNum,
		MaxFailures:     opts.MaxGCFailures,
		Parallelism:     opts.BackgroundThreads,
		BytesPerSecond:  opts.GCBytesPerSecond,
	})
	d.metrics = newEngineMetrics(d)

	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.events = util.NewLockFreeMPSC[event]()
	d.startMaintenance()

	log.Infof("opened database in %s (%d keys, %d blob files, %s on disk)",
		opts.FilesDirectory, d.index.Used(), len(d.blobs.Files()), util.FormatBytes(d.blobs.DiskUsage()))
	return d, nil
}

// Destroy removes all files of the database described by opts. The database must not be open.
func Destroy(opts *Options) error {
	if opts == nil {
		return db.NewConfigError("options are required")
	}
	var result *multierror.Error
	for _, dir := range []string{opts.dataDir(), opts.indexDir()} {
		if err := os.RemoveAll(dir); err != nil {
			result = multierror.Append(result, db.MarkIO(err, "remove %s", dir))
		}
	}
	if opts.FilesDirectory != "" {
		// only removed if nothing else lives there
		if err := os.Remove(opts.FilesDirectory); err != nil && !os.IsNotExist(err) {
			log.Debugf("keeping %s: %v", opts.FilesDirectory, err)
		}
	}
	return result.ErrorOrNil()
}

func featuresOf(opts *Options) db.Feature {
	f := db.FeatureSet | db.FeatureGet | db.FeatureDelete | db.FeatureAsyncWrite | db.FeatureFlush
	if opts.GCEnable && opts.GCEnableDataFilesGC {
		f |= db.FeatureGarbageCollect
	}
	if opts.GCEnable && opts.GCEnableCacheEvict {
		f |= db.FeatureCacheEvict
	}
	if opts.GCEnable && opts.GCEnableIndexColddown {
		f |= db.FeatureIndexColdDown
	}
	if opts.BloomFiltersNum > 0 {
		f |= db.FeatureBloomFilter
	}
	return f
}

// --------------------------------------------------------------------------
// Admission
// --------------------------------------------------------------------------

// enter admits a foreground operation. Every successful enter must be paired with leave.
func (d *DB) enter() error {
	if d.closed.Load() {
		return db.ErrClosed
	}
	if err := d.admission.Acquire(context.Background(), 1); err != nil {
		return err
	}
	if d.closed.Load() {
		d.admission.Release(1)
		return db.ErrClosed
	}
	return nil
}

func (d *DB) leave() {
	d.admission.Release(1)
}

// --------------------------------------------------------------------------
// KVDB Interface Methods - Write Operations
// --------------------------------------------------------------------------

// Set inserts or updates an entry.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (d *DB) Set(key string, value []byte, async bool) error {
	if err := d.enter(); err != nil {
		return err
	}
	defer d.leave()

	if err := d.write(key, value, false, async); err != nil {
		return errors.Wrapf(err, "set %q", key)
	}
	d.metrics.sets.Inc()
	d.valueSizes.AddSample(len(value))
	return nil
}

// Delete writes a tombstone for the key. Deleting a missing key is a no-op.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (d *DB) Delete(key string, async bool) error {
	if err := d.enter(); err != nil {
		return err
	}
	defer d.leave()

	if err := d.write(key, nil, true, async); err != nil {
		return errors.Wrapf(err, "delete %q", key)
	}
	d.metrics.deletes.Inc()
	return nil
}

// write appends a record for key and points the index to it. The append and the slot
// update happen under the lock of the key's index group.
func (d *DB) write(key string, value []byte, tombstone, async bool) error {
	if err := internal.CheckRecordSize(len(key), len(value)); err != nil {
		return err
	}
	h := hashKey(key)
	written := false

	_, _, err := d.index.Compute(h, !tombstone, func(cur internal.Slot, exists bool) (internal.Slot, internal.ComputeOp, error) {
		if tombstone && (!exists || cur.Tombstone) {
			return cur, internal.ComputeKeep, nil
		}
		if tombstone {
			// the slot may belong to another key with the same hash
			owned, err := d.holdsKey(cur.Ptr, key)
			if err != nil || !owned {
				return cur, internal.ComputeKeep, err
			}
		}

		rec := internal.Record{Seq: d.seq.Add(1), KeyHash: h, Key: []byte(key), Value: value, Tombstone: tombstone}
		ptr, gen, err := d.blobs.Append(internal.EncodeRecord(make([]byte, 0, rec.EncodedSize()), rec), rec.Seq)
		if err != nil {
			return cur, internal.ComputeKeep, err
		}

		if exists && !cur.Tombstone {
			d.blobs.MarkGarbage(cur.Ptr)
		}
		if tombstone {
			d.blobs.MarkGarbage(ptr)
		} else {
			d.bloom.Add(h, gen)
		}
		written = true
		return internal.Slot{Ptr: ptr, Tombstone: tombstone, LastAccess: d.round.Load()}, internal.ComputeStore, nil
	})
	if err != nil || !written {
		return err
	}

	if d.cache != nil {
		d.cache.Invalidate(h)
	}
	return d.afterWrite(async)
}

// holdsKey reports whether the record at ptr was written for key.
func (d *DB) holdsKey(ptr internal.BlobPointer, key string) (bool, error) {
	raw, err := d.blobs.Read(ptr)
	if err != nil {
		return false, err
	}
	rec, err := internal.DecodeRecord(raw)
	if err != nil {
		return false, err
	}
	return string(rec.Key) == key, nil
}

// afterWrite counts the write for the GC trigger and makes it durable unless async is set.
func (d *DB) afterWrite(async bool) error {
	n := d.writes.Add(1)
	if d.SupportsFeature(db.FeatureGarbageCollect) && n%uint64(d.opts.GCCheckEverySomeWrites) == 0 {
		ev := eventGCCheck
		d.events.Push(&ev)
	}

	if async {
		d.asyncDirty.Store(true)
		return nil
	}
	return d.blobs.Flush(true)
}

// --------------------------------------------------------------------------
// KVDB Interface Methods - Query Operations
// --------------------------------------------------------------------------

// Get returns the value of key or an error matching db.ErrNotFound.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (d *DB) Get(key string) ([]byte, error) {
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer d.leave()

	d.metrics.gets.Inc()
	h := hashKey(key)
	if !d.bloom.MayContain(h) {
		d.metrics.bloomNegatives.Inc()
		d.metrics.notFound.Inc()
		return nil, db.ErrNotFound
	}

	for attempt := 0; ; attempt++ {
		slot, ok, err := d.index.Lookup(h)
		if err != nil {
			return nil, errors.Wrapf(err, "get %q", key)
		}
		if !ok {
			d.metrics.notFound.Inc()
			return nil, db.ErrNotFound
		}

		if d.cache != nil {
			if value, hit := d.cache.Get(h, key, slot.Ptr); hit {
				return value, nil
			}
		}

		raw, err := d.blobs.Read(slot.Ptr)
		if errors.Is(err, internal.ErrFileReclaimed) && attempt < maxReadRetries {
			d.metrics.readRetries.Inc()
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "get %q from %s", key, slot.Ptr)
		}

		rec, err := internal.DecodeRecord(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "get %q from %s", key, slot.Ptr)
		}
		if rec.KeyHash != h || rec.Tombstone {
			return nil, db.NewCorruption("index entry for %q points to a foreign record at %s", key, slot.Ptr)
		}
		if string(rec.Key) != key {
			// another key with the same hash replaced this one
			d.metrics.notFound.Inc()
			return nil, db.ErrNotFound
		}

		if d.cache != nil {
			d.cache.Put(h, key, slot.Ptr, rec.Value)
		}
		return rec.Value, nil
	}
}

// --------------------------------------------------------------------------
// Maintenance Operations
// --------------------------------------------------------------------------

// Flush writes and syncs all buffered records.
func (d *DB) Flush() error {
	if err := d.enter(); err != nil {
		return err
	}
	defer d.leave()

	d.asyncDirty.Store(false)
	if err := d.blobs.Flush(true); err != nil {
		d.asyncDirty.Store(true)
		return err
	}
	return nil
}

// GarbageCollect runs one compaction round and waits for it.
// With force the round runs even with fewer than GCTriggerMinBlobNum candidates.
func (d *DB) GarbageCollect(force bool) (db.GCResult, error) {
	if err := d.enter(); err != nil {
		return db.GCResult{}, err
	}
	defer d.leave()
	return d.runGC(force)
}

// EvictCache runs one cache eviction pass and returns the number of evicted values.
func (d *DB) EvictCache() int {
	if d.cache == nil || d.enter() != nil {
		return 0
	}
	defer d.leave()
	return d.cache.Evict()
}

// ColdDownIndex moves every index group that was not accessed since the previous
// call to the index file. The first call moves all resident groups. It returns the
// number of moved groups.
func (d *DB) ColdDownIndex() (int, error) {
	if err := d.enter(); err != nil {
		return 0, err
	}
	defer d.leave()

	round := d.round.Add(1)
	idleBefore := uint64(math.MaxUint64)
	if prev := d.coldMark.Swap(round); prev > 0 {
		// groups touched since the previous call carry a round >= prev
		idleBefore = prev - 1
	}
	return d.coldDown(idleBefore, d.index.NumGroups())
}

// --------------------------------------------------------------------------
// Feature Support
// --------------------------------------------------------------------------

func (d *DB) SupportsFeature(feature db.Feature) bool {
	return d.features&feature == feature
}

// --------------------------------------------------------------------------
// Close
// --------------------------------------------------------------------------

// Close waits for running operations, stops the maintenance goroutines, flushes the
// write buffer and writes the index checkpoint.
func (d *DB) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return db.ErrClosed
	}

	// stop a running compaction at the next record
	d.cancel()

	// wait for all foreground operations, then let blocked callers see the closed flag
	weights := int64(d.opts.ForegroundThreads)
	_ = d.admission.Acquire(context.Background(), weights)
	defer d.admission.Release(weights)

	d.events.Close()
	d.wg.Wait()

	var result *multierror.Error
	if err := d.blobs.Flush(true); err != nil {
		result = multierror.Append(result, err)
	} else if err := d.checkpoint(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := d.blobs.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := d.cold.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	if err := result.ErrorOrNil(); err != nil {
		log.Errorf("closing database in %s: %v", d.opts.FilesDirectory, err)
		return err
	}
	log.Infof("closed database in %s", d.opts.FilesDirectory)
	return nil
}

// Options returns the options the database was opened with.
func (d *DB) Options() Options {
	return *d.opts
}

var _ db.KVDB = (*DB)(nil)

package internal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/hashDB/lib/db"
	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var gcLog = logger.GetLogger("gc")

type GCOptions struct {
	Threshold       float64 // files below this utility are compacted
	TriggerMinFiles int     // automatic rounds need this many candidates
	MaxFailures     int     // files that failed this often are skipped
	Parallelism     int     // files compacted at the same time
	BytesPerSecond  int64   // relocation budget, 0 = unlimited
}

// GarbageCollector compacts blob files with low utility.
//
// Thread-safety: Run is safe for concurrent use, rounds are serialized.
type GarbageCollector struct {
	index   *SlotIndex
	blobs   *BlobStore
	bloom   *BloomFilterBank
	opts    GCOptions
	limiter *rate.Limiter

	round sync.Mutex

	// beforeSwap runs after the relocated records of a file are synced and before
	// the index is pointed to them
	beforeSwap func(id uint32)

	rounds         atomic.Uint64
	reclaimedFiles atomic.Uint64
	relocatedBytes atomic.Int64
	freedBytes     atomic.Int64
}

type GCStats struct {
	Rounds         uint64 `json:"rounds"`
	ReclaimedFiles uint64 `json:"reclaimed_files"`
	RelocatedBytes int64  `json:"relocated_bytes"`
	FreedBytes     int64  `json:"freed_bytes"`
}

func NewGarbageCollector(index *SlotIndex, blobs *BlobStore, bloom *BloomFilterBank, opts GCOptions) *GarbageCollector {
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	gc := &GarbageCollector{index: index, blobs: blobs, bloom: bloom, opts: opts}
	if opts.BytesPerSecond > 0 {
		gc.limiter = rate.NewLimiter(rate.Limit(opts.BytesPerSecond), int(opts.BytesPerSecond))
	}
	return gc
}

// LiveKeys iterates the key hashes of all live slots together with the bloom generation
// of the file holding their record. It is the source for BloomFilterBank.Rebuild.
func LiveKeys(index *SlotIndex, blobs *BlobStore) func(fn func(keyHash uint64, gen uint32)) error {
	return func(fn func(keyHash uint64, gen uint32)) error {
		return index.Range(func(s Slot) bool {
			if s.Tombstone {
				return true
			}
			if gen, ok := blobs.Generation(s.Ptr.FileID); ok {
				fn(s.KeyHash, gen)
			}
			return true
		})
	}
}

// Run performs one round. Without force the round is skipped if there are fewer
// candidates than TriggerMinFiles. Files that fail are returned to SEALED and the
// errors are combined into the returned error.
func (gc *GarbageCollector) Run(ctx context.Context, force bool) (db.GCResult, error) {
	gc.round.Lock()
	defer gc.round.Unlock()

	var result db.GCResult
	candidates := gc.blobs.Candidates(gc.opts.Threshold, gc.opts.MaxFailures)
	result.Candidates = len(candidates)
	if len(candidates) == 0 || (!force && len(candidates) < gc.opts.TriggerMinFiles) {
		return result, nil
	}

	start := time.Now()
	var (
		mu       sync.Mutex
		errs     *multierror.Error
		freedGen = make(map[uint32]struct{})
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(gc.opts.Parallelism)
	for _, id := range candidates {
		id := id
		g.Go(func() error {
			gen, _ := gc.blobs.Generation(id)
			relocated, freed, err := gc.compact(gctx, id)
			if errors.Is(err, errNotSealed) {
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			result.RelocatedBytes += relocated
			if err != nil {
				result.FailedFiles++
				errs = multierror.Append(errs, err)
				gcLog.Warningf("compaction of blob file %d failed: %v", id, err)
				return nil
			}
			result.ReclaimedFiles++
			result.FreedBytes += freed
			freedGen[gen] = struct{}{}
			return nil
		})
	}
	_ = g.Wait()

	gc.rounds.Add(1)
	gc.reclaimedFiles.Add(uint64(result.ReclaimedFiles))
	gc.relocatedBytes.Add(result.RelocatedBytes)
	gc.freedBytes.Add(result.FreedBytes)

	if len(freedGen) > 0 {
		gens := make([]uint32, 0, len(freedGen))
		for gen := range freedGen {
			gens = append(gens, gen)
		}
		if err := gc.bloom.Rebuild(gens, LiveKeys(gc.index, gc.blobs)); err != nil {
			errs = multierror.Append(errs, errors.Wrap(err, "rebuild bloom filters"))
		}
	}

	gcLog.Infof("round done in %v: %d candidates, %d reclaimed, %d failed, relocated %d bytes, freed %d bytes",
		time.Since(start).Round(time.Millisecond), result.Candidates, result.ReclaimedFiles,
		result.FailedFiles, result.RelocatedBytes, result.FreedBytes)
	return result, errs.ErrorOrNil()
}

type relocation struct {
	keyHash   uint64
	from      BlobPointer
	to        BlobPointer
	tombstone bool
}

// errNotSealed is returned by compact for files another round already took.
var errNotSealed = errors.New("blob file is not sealed")

// compact rewrites the live records of one file and reclaims it. It returns the
// relocated and freed bytes.
func (gc *GarbageCollector) compact(ctx context.Context, id uint32) (int64, int64, error) {
	if !gc.blobs.BeginCompaction(id) {
		return 0, 0, errNotSealed
	}

	// records older than every record of the other files cannot shadow anything
	minSeq := gc.blobs.MinSeqExcluding(id)

	var (
		moved     []relocation
		relocated int64
	)
	abort := func(err error) (int64, int64, error) {
		for _, m := range moved {
			if !m.tombstone {
				gc.blobs.MarkGarbage(m.to)
			}
		}
		cancelled := errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		gc.blobs.AbortCompaction(id, !cancelled)
		return relocated, 0, errors.Wrapf(err, "blob file %d", id)
	}

	err := gc.blobs.Scan(id, func(ptr BlobPointer, rec Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		slot, ok, err := gc.index.Peek(rec.KeyHash)
		if err != nil {
			return err
		}
		if !ok || slot.Ptr != ptr {
			return nil
		}

		if rec.Tombstone && rec.Seq < minSeq {
			if _, err := gc.index.ReleaseIf(rec.KeyHash, ptr); err != nil {
				return err
			}
			return nil
		}

		if gc.limiter != nil {
			n := int(ptr.Length)
			if n > gc.limiter.Burst() {
				n = gc.limiter.Burst()
			}
			if err := gc.limiter.WaitN(ctx, n); err != nil {
				return err
			}
		}

		raw := EncodeRecord(make([]byte, 0, ptr.Length), rec)
		to, gen, err := gc.blobs.Append(raw, rec.Seq)
		if err != nil {
			return err
		}
		if rec.Tombstone {
			gc.blobs.MarkGarbage(to)
		} else {
			gc.bloom.Add(rec.KeyHash, gen)
		}
		moved = append(moved, relocation{keyHash: rec.KeyHash, from: ptr, to: to, tombstone: rec.Tombstone})
		relocated += int64(ptr.Length)
		return nil
	})
	if err != nil {
		return abort(err)
	}

	if len(moved) > 0 {
		if err := gc.blobs.Flush(true); err != nil {
			return abort(err)
		}
	}

	if gc.beforeSwap != nil {
		gc.beforeSwap(id)
	}

	// a write since the scan wins over the relocated copy
	for i, m := range moved {
		swapped, err := gc.index.CompareAndSwap(m.keyHash, m.from, m.to)
		if err != nil {
			moved = moved[i:]
			return abort(err)
		}
		switch {
		case m.tombstone:
		case swapped:
			gc.blobs.MarkGarbage(m.from)
		default:
			gc.blobs.MarkGarbage(m.to)
		}
	}
	count := len(moved)

	freed, err := gc.blobs.Reclaim(id)
	if err != nil {
		return relocated, 0, errors.Wrapf(err, "reclaim blob file %d", id)
	}
	gcLog.Debugf("reclaimed blob file %d, relocated %d records", id, count)
	return relocated, freed, nil
}

func (gc *GarbageCollector) Stats() GCStats {
	return GCStats{
		Rounds:         gc.rounds.Load(),
		ReclaimedFiles: gc.reclaimedFiles.Load(),
		RelocatedBytes: gc.relocatedBytes.Load(),
		FreedBytes:     gc.freedBytes.Load(),
	}
}

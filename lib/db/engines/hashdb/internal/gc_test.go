package internal

import (
	"context"
	"fmt"
	"testing"

	"github.com/ValentinKolb/hashDB/lib/db/util"
	"github.com/stretchr/testify/require"
)

// gcEnv wires the parts the way the engine does, without the engine.
type gcEnv struct {
	t     *testing.T
	dir   string
	seq   uint64
	index *SlotIndex
	blobs *BlobStore
	bloom *BloomFilterBank
	gc    *GarbageCollector
}

func newGCEnv(t *testing.T, dir string) *gcEnv {
	e := &gcEnv{t: t, dir: dir}
	e.index = NewSlotIndex(4096, 16, newMemCold(), func() uint64 { return 0 })
	e.bloom = NewBloomFilterBank(4, 10000, 0.01, func() map[uint32]int { return e.blobs.FilesPerGeneration() })
	blobs, err := OpenBlobStore(dir, BlobStoreOptions{
		ApproximateSize: 1024,
		WriteBufferSize: 256,
		Mmap:            true,
		Generation:      e.bloom.Current,
	})
	require.NoError(t, err)
	e.blobs = blobs
	e.gc = NewGarbageCollector(e.index, e.blobs, e.bloom, GCOptions{
		Threshold:       0.5,
		TriggerMinFiles: 2,
		MaxFailures:     3,
		Parallelism:     2,
	})
	return e
}

func (e *gcEnv) write(key, value string, tombstone bool) {
	require.NoError(e.t, e.put(key, value, tombstone))
}

// put is write for goroutines other than the test's
func (e *gcEnv) put(key, value string, tombstone bool) error {
	h := util.HashKey(key)
	_, _, err := e.index.Compute(h, !tombstone, func(cur Slot, exists bool) (Slot, ComputeOp, error) {
		e.seq++
		raw := EncodeRecord(nil, Record{Seq: e.seq, KeyHash: h, Key: []byte(key), Value: []byte(value), Tombstone: tombstone})
		ptr, gen, err := e.blobs.Append(raw, e.seq)
		if err != nil {
			return cur, ComputeKeep, err
		}
		if exists && !cur.Tombstone {
			e.blobs.MarkGarbage(cur.Ptr)
		}
		if tombstone {
			e.blobs.MarkGarbage(ptr)
		} else {
			e.bloom.Add(h, gen)
		}
		return Slot{Ptr: ptr, Tombstone: tombstone}, ComputeStore, nil
	})
	return err
}

// liveBytes sums the record lengths of all live slots.
func (e *gcEnv) liveBytes() int64 {
	var total int64
	require.NoError(e.t, e.index.Range(func(s Slot) bool {
		if !s.Tombstone {
			total += int64(s.Ptr.Length)
		}
		return true
	}))
	return total
}

func (e *gcEnv) get(key string) (string, bool) {
	h := util.HashKey(key)
	if !e.bloom.MayContain(h) {
		return "", false
	}
	slot, ok, err := e.index.Lookup(h)
	require.NoError(e.t, err)
	if !ok {
		return "", false
	}
	raw, err := e.blobs.Read(slot.Ptr)
	require.NoError(e.t, err)
	rec, err := DecodeRecord(raw)
	require.NoError(e.t, err)
	require.Equal(e.t, key, string(rec.Key))
	return string(rec.Value), true
}

func TestGCReclaimsOverwrittenData(t *testing.T) {
	e := newGCEnv(t, t.TempDir())
	defer e.blobs.Close()

	for round := 0; round < 5; round++ {
		for i := 0; i < 50; i++ {
			e.write(fmt.Sprintf("key-%d", i), fmt.Sprintf("value-%d-%d", i, round), false)
		}
	}
	before := e.blobs.DiskUsage()

	result, err := e.gc.Run(context.Background(), false)
	require.NoError(t, err)
	require.Greater(t, result.ReclaimedFiles, 0)
	require.Zero(t, result.FailedFiles)
	require.Less(t, e.blobs.DiskUsage(), before)

	for i := 0; i < 50; i++ {
		v, ok := e.get(fmt.Sprintf("key-%d", i))
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("value-%d-4", i), v)
	}
	require.EqualValues(t, 1, e.gc.Stats().Rounds)
}

func TestGCTriggerMinFiles(t *testing.T) {
	e := newGCEnv(t, t.TempDir())
	defer e.blobs.Close()

	e.gc.opts.TriggerMinFiles = 1000
	for i := 0; i < 100; i++ {
		e.write("same", fmt.Sprintf("value-%d", i), false)
	}

	result, err := e.gc.Run(context.Background(), false)
	require.NoError(t, err)
	require.Greater(t, result.Candidates, 0)
	require.Zero(t, result.ReclaimedFiles)

	result, err = e.gc.Run(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, result.Candidates, result.ReclaimedFiles)
}

func TestGCDropsTombstones(t *testing.T) {
	e := newGCEnv(t, t.TempDir())
	defer e.blobs.Close()

	for i := 0; i < 40; i++ {
		e.write(fmt.Sprintf("key-%d", i), "some value that takes up space", false)
	}
	for i := 0; i < 40; i++ {
		e.write(fmt.Sprintf("key-%d", i), "", true)
	}
	// push the tombstones out of the active file
	for i := 0; i < 40; i++ {
		e.write(fmt.Sprintf("other-%d", i), "some value that takes up space", false)
	}

	// compact every sealed file, one at a time and oldest first
	e.gc.opts.Threshold = 1.01
	e.gc.opts.Parallelism = 1
	_, err := e.gc.Run(context.Background(), true)
	require.NoError(t, err)

	for i := 0; i < 40; i++ {
		_, ok := e.get(fmt.Sprintf("key-%d", i))
		require.False(t, ok)
		v, ok := e.get(fmt.Sprintf("other-%d", i))
		require.True(t, ok)
		require.Equal(t, "some value that takes up space", v)
	}
	require.EqualValues(t, 40, e.index.Used(), "tombstone slots are released once their records are dropped")
}

func TestGCNoResurrectionAfterRecovery(t *testing.T) {
	dir := t.TempDir()
	e := newGCEnv(t, dir)

	for i := 0; i < 30; i++ {
		e.write(fmt.Sprintf("key-%d", i), "old", false)
	}
	for i := 0; i < 30; i++ {
		e.write(fmt.Sprintf("key-%d", i), "new", false)
	}
	for i := 0; i < 10; i++ {
		e.write(fmt.Sprintf("key-%d", i), "", true)
	}
	_, err := e.gc.Run(context.Background(), true)
	require.NoError(t, err)
	require.NoError(t, e.blobs.Close())

	// rebuild the index from the data files only, newest sequence wins
	r := newGCEnv(t, dir)
	defer r.blobs.Close()
	newest := map[uint64]Record{}
	ptrs := map[uint64]BlobPointer{}
	require.NoError(t, r.blobs.Recover(func(ptr BlobPointer, rec Record) error {
		if cur, ok := newest[rec.KeyHash]; !ok || rec.Seq > cur.Seq {
			newest[rec.KeyHash] = rec
			ptrs[rec.KeyHash] = ptr
		}
		return nil
	}))
	for h, rec := range newest {
		require.NoError(t, r.index.Load([]Slot{{KeyHash: h, Ptr: ptrs[h], Tombstone: rec.Tombstone}}))
		if !rec.Tombstone {
			gen, _ := r.blobs.Generation(ptrs[h].FileID)
			r.bloom.Add(h, gen)
		}
	}

	for i := 0; i < 30; i++ {
		v, ok := r.get(fmt.Sprintf("key-%d", i))
		if i < 10 {
			require.False(t, ok, "key-%d was deleted", i)
			continue
		}
		require.True(t, ok)
		require.Equal(t, "new", v, "key-%d", i)
	}
}

func TestGCKeepsWritesThatRaceRelocation(t *testing.T) {
	e := newGCEnv(t, t.TempDir())
	defer e.blobs.Close()

	for i := 0; i < 40; i++ {
		e.write(fmt.Sprintf("key-%d", i), "first value that takes up space", false)
	}
	for i := 0; i < 40; i++ {
		e.write(fmt.Sprintf("other-%d", i), "some value that takes up space", false)
	}

	// overwrite every key whose slot still points into the file being compacted,
	// after its records were copied and before the index is switched
	overwritten := map[string]string{}
	var hookErr error
	e.gc.beforeSwap = func(id uint32) {
		for i := 0; i < 40; i++ {
			key := fmt.Sprintf("key-%d", i)
			slot, ok, err := e.index.Peek(util.HashKey(key))
			if err != nil || !ok || slot.Ptr.FileID != id {
				continue
			}
			value := fmt.Sprintf("second value %d", i)
			if err := e.put(key, value, false); err != nil {
				hookErr = err
				return
			}
			overwritten[key] = value
		}
	}

	e.gc.opts.Threshold = 1.01
	e.gc.opts.Parallelism = 1
	result, err := e.gc.Run(context.Background(), true)
	require.NoError(t, err)
	require.NoError(t, hookErr)
	require.Positive(t, result.ReclaimedFiles)
	require.NotEmpty(t, overwritten)

	for key, want := range overwritten {
		v, ok := e.get(key)
		require.True(t, ok)
		require.Equal(t, want, v, key)
	}
	// the relocated copies of overwritten keys count as garbage
	require.Equal(t, e.liveBytes(), e.blobs.LiveBytes())
}

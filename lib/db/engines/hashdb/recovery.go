package hashdb

import (
	"time"

	"github.com/ValentinKolb/hashDB/lib/db"
	"github.com/ValentinKolb/hashDB/lib/db/engines/hashdb/internal"
	"github.com/cockroachdb/errors"
)

// recover builds the in-memory state from the index checkpoint, or from the data files
// if the last close was not clean. It leaves the index file marked dirty.
func (d *DB) recover() error {
	start := time.Now()
	source := "checkpoint"

	loaded, err := d.loadCheckpoint()
	if err != nil {
		return err
	}
	if !loaded {
		source = "data files"
		if err := d.rebuildIndex(); err != nil {
			return err
		}
	}

	// live bytes are not part of the checkpoint
	err = d.index.Range(func(s internal.Slot) bool {
		if !s.Tombstone {
			d.blobs.AddLive(s.Ptr)
		}
		return true
	})
	if err != nil {
		return errors.Wrap(err, "account live bytes")
	}

	if err := d.bloom.Rebuild(d.bloom.Generations(), internal.LiveKeys(d.index, d.blobs)); err != nil {
		return errors.Wrap(err, "build bloom filters")
	}
	d.bloom.Restart()
	if err := d.cold.MarkDirty(); err != nil {
		return err
	}

	log.Infof("recovered %d keys from %s in %v", d.index.Used(), source, time.Since(start).Round(time.Millisecond))
	return nil
}

// loadCheckpoint loads the index from a clean checkpoint. It returns false if there is
// no usable checkpoint, d.index is then a fresh empty index.
func (d *DB) loadCheckpoint() (bool, error) {
	d.index = d.newIndex()

	cp, clean, err := d.cold.LoadCheckpoint()
	switch {
	case err != nil && db.IsCorruption(err):
		log.Warningf("index checkpoint is unreadable, rebuilding from data files: %v", err)
		return false, nil
	case err != nil:
		return false, err
	case !clean:
		log.Warningf("database was not closed cleanly, rebuilding index from data files")
		return false, nil
	}

	ok, err := d.blobs.Restore(cp.FileMinSeqs)
	if err != nil {
		return false, err
	}
	if !ok {
		log.Warningf("index checkpoint does not match the data files, rebuilding")
		return false, nil
	}

	err = d.loadGroups()
	if db.IsCorruption(err) {
		log.Warningf("index checkpoint is corrupt, rebuilding from data files: %v", err)
		d.index = d.newIndex()
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if cp.NextSeq > 0 {
		d.seq.Store(cp.NextSeq - 1)
	}
	return true, nil
}

func (d *DB) loadGroups() error {
	cold, err := d.cold.ColdGroups()
	if err != nil {
		return err
	}
	for gid, size := range cold {
		if err := d.index.MarkCold(gid, size); err != nil {
			return err
		}
	}
	return d.cold.ResidentGroups(func(_ uint32, slots []internal.Slot) error {
		return d.index.Load(slots)
	})
}

// newIndex creates an empty index. Every slot of the map chains up to slotChainLength
// keys, so SlotsMapSize/SlotGroupSize groups hold SlotsMapSize*slotChainLength keys.
func (d *DB) newIndex() *internal.SlotIndex {
	return internal.NewSlotIndex(d.opts.SlotsMapSize*slotChainLength, d.opts.SlotGroupSize*slotChainLength,
		d.cold, d.round.Load)
}

// rebuildIndex scans all data files. For every key hash the record with the highest
// sequence wins, regardless of the file it was found in.
func (d *DB) rebuildIndex() error {
	if err := d.cold.Reset(); err != nil {
		return err
	}

	type newest struct {
		ptr       internal.BlobPointer
		seq       uint64
		tombstone bool
	}
	latest := make(map[uint64]newest)
	var maxSeq uint64

	err := d.blobs.Recover(func(ptr internal.BlobPointer, rec internal.Record) error {
		if rec.Seq > maxSeq {
			maxSeq = rec.Seq
		}
		if cur, ok := latest[rec.KeyHash]; !ok || rec.Seq > cur.seq {
			latest[rec.KeyHash] = newest{ptr: ptr, seq: rec.Seq, tombstone: rec.Tombstone}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "scan data files")
	}

	slots := make([]internal.Slot, 0, len(latest))
	for h, n := range latest {
		slots = append(slots, internal.Slot{KeyHash: h, Ptr: n.ptr, Tombstone: n.tombstone})
	}
	if err := d.index.Load(slots); err != nil {
		return err
	}
	d.seq.Store(maxSeq)
	return nil
}

// checkpoint persists the resident index groups and marks the index file clean.
func (d *DB) checkpoint() error {
	cp := internal.Checkpoint{
		NextSeq:     d.seq.Load() + 1,
		FileMinSeqs: d.blobs.MinSeqs(),
	}
	return d.cold.SaveCheckpoint(cp, d.index.ResidentGroups)
}

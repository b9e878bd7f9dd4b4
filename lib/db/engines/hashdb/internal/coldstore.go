package internal

import (
	"encoding/binary"
	"hash/crc32"
	"time"

	"github.com/ValentinKolb/hashDB/lib/db"
	"github.com/cockroachdb/errors"
	bolt "go.etcd.io/bbolt"
)

// --------------------------------------------------------------------------
// Layout
// --------------------------------------------------------------------------

// The index file is a bbolt database with four buckets:
//
//	cold   group id -> encoded slots of a group that was moved out of memory
//	slots  group id -> encoded slots of a resident group (written on clean close)
//	files  file id  -> minimum record sequence of a blob file (written on clean close)
//	meta   "clean" -> 1 after a clean close, "next_seq" -> next write sequence
var (
	bucketCold  = []byte("cold")
	bucketSlots = []byte("slots")
	bucketFiles = []byte("files")
	bucketMeta  = []byte("meta")

	keyClean   = []byte("clean")
	keyNextSeq = []byte("next_seq")
)

// slot encoding: hash(8) fileID(4) offset(8) length(4) flags(1) lastAccess(8)
const encodedSlotSize = 33

func encodeGroup(slots []Slot) []byte {
	buf := make([]byte, 4, 4+len(slots)*encodedSlotSize+4)
	binary.LittleEndian.PutUint32(buf, uint32(len(slots)))
	var s [encodedSlotSize]byte
	for _, slot := range slots {
		binary.LittleEndian.PutUint64(s[0:8], slot.KeyHash)
		binary.LittleEndian.PutUint32(s[8:12], slot.Ptr.FileID)
		binary.LittleEndian.PutUint64(s[12:20], slot.Ptr.Offset)
		binary.LittleEndian.PutUint32(s[20:24], slot.Ptr.Length)
		s[24] = 0
		if slot.Tombstone {
			s[24] = flagTombstone
		}
		binary.LittleEndian.PutUint64(s[25:33], slot.LastAccess)
		buf = append(buf, s[:]...)
	}
	return binary.LittleEndian.AppendUint32(buf, crc32.Checksum(buf, castagnoli))
}

func decodeGroup(buf []byte) ([]Slot, error) {
	if len(buf) < 8 {
		return nil, db.NewCorruption("index group too short (%d bytes)", len(buf))
	}
	body, sum := buf[:len(buf)-4], binary.LittleEndian.Uint32(buf[len(buf)-4:])
	if crc32.Checksum(body, castagnoli) != sum {
		return nil, db.NewCorruption("index group checksum mismatch")
	}
	n := int(binary.LittleEndian.Uint32(body[0:4]))
	if len(body) != 4+n*encodedSlotSize {
		return nil, db.NewCorruption("index group announces %d slots in %d bytes", n, len(body))
	}

	slots := make([]Slot, n)
	for i := range slots {
		s := body[4+i*encodedSlotSize : 4+(i+1)*encodedSlotSize]
		slots[i] = Slot{
			KeyHash: binary.LittleEndian.Uint64(s[0:8]),
			Ptr: BlobPointer{
				FileID: binary.LittleEndian.Uint32(s[8:12]),
				Offset: binary.LittleEndian.Uint64(s[12:20]),
				Length: binary.LittleEndian.Uint32(s[20:24]),
			},
			Tombstone:  s[24]&flagTombstone != 0,
			LastAccess: binary.LittleEndian.Uint64(s[25:33]),
		}
	}
	return slots, nil
}

func groupKey(gid uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, gid)
}

// --------------------------------------------------------------------------
// ColdStore
// --------------------------------------------------------------------------

// ColdStore persists index groups that were cooled down and the index checkpoint.
//
// Thread-safety: all methods are safe for concurrent use (bbolt serializes writers).
type ColdStore struct {
	db   *bolt.DB
	path string
}

// Checkpoint is the metadata written on a clean close.
type Checkpoint struct {
	NextSeq     uint64
	FileMinSeqs map[uint32]uint64
}

// OpenColdStore opens (or creates) the index file at path.
func OpenColdStore(path string) (*ColdStore, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		if errors.Is(err, bolt.ErrInvalid) || errors.Is(err, bolt.ErrChecksum) || errors.Is(err, bolt.ErrVersionMismatch) {
			return nil, db.MarkCorruption(err, "open index file %s", path)
		}
		return nil, db.MarkIO(err, "open index file %s", path)
	}

	err = bdb.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketCold, bucketSlots, bucketFiles, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = bdb.Close()
		return nil, db.MarkIO(err, "initialize index file %s", path)
	}
	return &ColdStore{db: bdb, path: path}, nil
}

// Put stores a cold group.
func (c *ColdStore) Put(gid uint32, slots []Slot) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCold).Put(groupKey(gid), encodeGroup(slots))
	})
	return db.MarkIO(err, "write cold group %d", gid)
}

// Take reads and removes a cold group in one transaction.
func (c *ColdStore) Take(gid uint32) ([]Slot, error) {
	var slots []Slot
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCold)
		raw := b.Get(groupKey(gid))
		if raw == nil {
			return db.NewCorruption("cold group %d is missing", gid)
		}
		var err error
		if slots, err = decodeGroup(raw); err != nil {
			return errors.Wrapf(err, "cold group %d", gid)
		}
		return b.Delete(groupKey(gid))
	})
	if err != nil && !db.IsCorruption(err) {
		err = db.MarkIO(err, "take cold group %d", gid)
	}
	return slots, err
}

// Peek reads a cold group without removing it.
func (c *ColdStore) Peek(gid uint32) ([]Slot, bool, error) {
	var slots []Slot
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketCold).Get(groupKey(gid))
		if raw == nil {
			return nil
		}
		found = true
		var err error
		slots, err = decodeGroup(raw)
		return err
	})
	return slots, found, err
}

// ColdGroups returns the slot count of every cold group.
func (c *ColdStore) ColdGroups() (map[uint32]int, error) {
	groups := make(map[uint32]int)
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCold).ForEach(func(k, v []byte) error {
			if len(k) != 4 || len(v) < 4 {
				return db.NewCorruption("malformed cold group entry")
			}
			groups[binary.BigEndian.Uint32(k)] = int(binary.LittleEndian.Uint32(v[0:4]))
			return nil
		})
	})
	return groups, err
}

// --------------------------------------------------------------------------
// Checkpoint
// --------------------------------------------------------------------------

// LoadCheckpoint returns the checkpoint metadata and whether the last close was clean.
func (c *ColdStore) LoadCheckpoint() (Checkpoint, bool, error) {
	cp := Checkpoint{FileMinSeqs: make(map[uint32]uint64)}
	clean := false
	err := c.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if v := meta.Get(keyClean); len(v) == 1 && v[0] == 1 {
			clean = true
		}
		if v := meta.Get(keyNextSeq); len(v) == 8 {
			cp.NextSeq = binary.LittleEndian.Uint64(v)
		}
		return tx.Bucket(bucketFiles).ForEach(func(k, v []byte) error {
			if len(k) != 4 || len(v) != 8 {
				return db.NewCorruption("malformed file entry in index")
			}
			cp.FileMinSeqs[binary.BigEndian.Uint32(k)] = binary.LittleEndian.Uint64(v)
			return nil
		})
	})
	return cp, clean, err
}

// ResidentGroups calls fn for every group saved by the last checkpoint.
func (c *ColdStore) ResidentGroups(fn func(gid uint32, slots []Slot) error) error {
	return c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSlots).ForEach(func(k, v []byte) error {
			if len(k) != 4 {
				return db.NewCorruption("malformed index group key")
			}
			slots, err := decodeGroup(v)
			if err != nil {
				return err
			}
			return fn(binary.BigEndian.Uint32(k), slots)
		})
	})
}

// MarkDirty clears the clean flag. Called right after opening, so a crash forces a rebuild.
func (c *ColdStore) MarkDirty() error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyClean, []byte{0})
	})
	return db.MarkIO(err, "mark index dirty")
}

// Reset drops all persisted index state. Used before rebuilding the index from the data files.
func (c *ColdStore) Reset() error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketCold, bucketSlots, bucketFiles, bucketMeta} {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
	return db.MarkIO(err, "reset index file")
}

// SaveCheckpoint replaces the resident groups and file table and marks the index clean,
// all in one transaction. groups is called with a put function for every resident group.
func (c *ColdStore) SaveCheckpoint(cp Checkpoint, groups func(put func(gid uint32, slots []Slot) error) error) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSlots, bucketFiles} {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}

		slotsBucket := tx.Bucket(bucketSlots)
		if err := groups(func(gid uint32, slots []Slot) error {
			return slotsBucket.Put(groupKey(gid), encodeGroup(slots))
		}); err != nil {
			return err
		}

		files := tx.Bucket(bucketFiles)
		for id, minSeq := range cp.FileMinSeqs {
			if err := files.Put(groupKey(id), binary.LittleEndian.AppendUint64(nil, minSeq)); err != nil {
				return err
			}
		}

		meta := tx.Bucket(bucketMeta)
		if err := meta.Put(keyNextSeq, binary.LittleEndian.AppendUint64(nil, cp.NextSeq)); err != nil {
			return err
		}
		return meta.Put(keyClean, []byte{1})
	})
	return db.MarkIO(err, "save index checkpoint")
}

// SizeBytes returns the size of the index file.
func (c *ColdStore) SizeBytes() int64 {
	var size int64
	_ = c.db.View(func(tx *bolt.Tx) error {
		size = tx.Size()
		return nil
	})
	return size
}

func (c *ColdStore) Close() error {
	return db.MarkIO(c.db.Close(), "close index file")
}

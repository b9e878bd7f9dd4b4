package internal

import (
	"path/filepath"
	"testing"

	"github.com/ValentinKolb/hashDB/lib/db"
	"github.com/stretchr/testify/require"
)

func openTestColdStore(t *testing.T) *ColdStore {
	t.Helper()
	c, err := OpenColdStore(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestGroupCodec(t *testing.T) {
	slots := []Slot{
		{KeyHash: 1, Ptr: ptrAt(1, 16), LastAccess: 3},
		{KeyHash: 2, Ptr: ptrAt(9, 1<<40), Tombstone: true},
	}
	buf := encodeGroup(slots)
	require.Len(t, buf, 4+2*encodedSlotSize+4)

	out, err := decodeGroup(buf)
	require.NoError(t, err)
	require.Equal(t, slots, out)

	buf[5] ^= 1
	_, err = decodeGroup(buf)
	require.True(t, db.IsCorruption(err))

	_, err = decodeGroup(buf[:3])
	require.True(t, db.IsCorruption(err))
}

func TestColdStorePutTake(t *testing.T) {
	c := openTestColdStore(t)
	slots := []Slot{{KeyHash: 5, Ptr: ptrAt(1, 16)}}

	require.NoError(t, c.Put(3, slots))

	got, found, err := c.Peek(3)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, slots, got)

	groups, err := c.ColdGroups()
	require.NoError(t, err)
	require.Equal(t, map[uint32]int{3: 1}, groups)

	got, err = c.Take(3)
	require.NoError(t, err)
	require.Equal(t, slots, got)

	_, found, err = c.Peek(3)
	require.NoError(t, err)
	require.False(t, found)

	_, err = c.Take(3)
	require.True(t, db.IsCorruption(err))
}

func TestColdStoreBackedIndex(t *testing.T) {
	c := openTestColdStore(t)
	x := NewSlotIndex(64, 8, c, func() uint64 { return 0 })
	for h := uint64(0); h < 16; h++ {
		_, _, err := x.Upsert(h, ptrAt(1, 16+h))
		require.NoError(t, err)
	}

	for gid := 0; gid < x.NumGroups(); gid++ {
		_, err := x.ColdDown(uint32(gid))
		require.NoError(t, err)
	}
	require.Equal(t, x.NumGroups(), x.Stats().ColdGroups)

	for h := uint64(0); h < 16; h++ {
		slot, ok, err := x.Lookup(h)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, ptrAt(1, 16+h), slot.Ptr)
	}
	groups, err := c.ColdGroups()
	require.NoError(t, err)
	require.Empty(t, groups)
}

func TestColdStoreCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	c, err := OpenColdStore(path)
	require.NoError(t, err)

	_, clean, err := c.LoadCheckpoint()
	require.NoError(t, err)
	require.False(t, clean)

	require.NoError(t, c.Put(7, []Slot{{KeyHash: 7, Ptr: ptrAt(2, 16)}}))
	resident := map[uint32][]Slot{
		0: {{KeyHash: 8, Ptr: ptrAt(1, 16)}},
		1: {{KeyHash: 9, Ptr: ptrAt(1, 40), Tombstone: true}},
	}
	err = c.SaveCheckpoint(Checkpoint{NextSeq: 99, FileMinSeqs: map[uint32]uint64{1: 1, 2: 50}},
		func(put func(uint32, []Slot) error) error {
			for gid, slots := range resident {
				if err := put(gid, slots); err != nil {
					return err
				}
			}
			return nil
		})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c, err = OpenColdStore(path)
	require.NoError(t, err)
	defer c.Close()

	cp, clean, err := c.LoadCheckpoint()
	require.NoError(t, err)
	require.True(t, clean)
	require.EqualValues(t, 99, cp.NextSeq)
	require.Equal(t, map[uint32]uint64{1: 1, 2: 50}, cp.FileMinSeqs)

	loaded := map[uint32][]Slot{}
	require.NoError(t, c.ResidentGroups(func(gid uint32, slots []Slot) error {
		loaded[gid] = slots
		return nil
	}))
	require.Equal(t, resident, loaded)

	groups, err := c.ColdGroups()
	require.NoError(t, err)
	require.Equal(t, map[uint32]int{7: 1}, groups)

	require.NoError(t, c.MarkDirty())
	_, clean, err = c.LoadCheckpoint()
	require.NoError(t, err)
	require.False(t, clean)

	require.NoError(t, c.Reset())
	groups, err = c.ColdGroups()
	require.NoError(t, err)
	require.Empty(t, groups)
}

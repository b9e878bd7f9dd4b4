package internal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// liveSet is a fake index for rebuilds: key hash -> generation.
type liveSet map[uint64]uint32

func (l liveSet) source(fn func(keyHash uint64, gen uint32)) error {
	for h, gen := range l {
		fn(h, gen)
	}
	return nil
}

func TestBloomDisabled(t *testing.T) {
	b := NewBloomFilterBank(0, 100, 0.01, nil)
	require.False(t, b.Enabled())
	require.True(t, b.MayContain(1))
	b.Add(1, 3)
	require.NoError(t, b.Rebuild([]uint32{0}, liveSet{}.source))
}

func TestBloomNoFalseNegatives(t *testing.T) {
	files := map[uint32]int{}
	b := NewBloomFilterBank(4, 100, 0.01, func() map[uint32]int { return files })
	live := liveSet{}

	for h := uint64(1); h <= 1000; h++ {
		gen := b.Current()
		files[gen] = 1 // every generation that was handed out holds a file
		b.Add(h, gen)
		live[h] = gen
	}
	for h := range live {
		require.True(t, b.MayContain(h), "key %d", h)
	}

	// all generations are in use, so the bank asks for a rebuild
	require.True(t, b.NeedsRebuild())
	require.NoError(t, b.Rebuild(b.Generations(), live.source))
	require.False(t, b.NeedsRebuild())
	for h := range live {
		require.True(t, b.MayContain(h), "key %d after rebuild", h)
	}
}

func TestBloomRebuildDropsDeletedKeys(t *testing.T) {
	b := NewBloomFilterBank(2, 1000, 0.001, func() map[uint32]int { return map[uint32]int{0: 1} })
	live := liveSet{}
	for h := uint64(1); h <= 100; h++ {
		b.Add(h, 0)
		if h%2 == 0 {
			live[h] = 0
		}
	}
	require.NoError(t, b.Rebuild([]uint32{0}, live.source))

	falsePositives := 0
	for h := uint64(1); h <= 100; h++ {
		if h%2 == 0 {
			require.True(t, b.MayContain(h))
		} else if b.MayContain(h) {
			falsePositives++
		}
	}
	require.Less(t, falsePositives, 5)
	require.EqualValues(t, 1, b.Stats().Rebuilds)
}

func TestBloomAddDuringRebuild(t *testing.T) {
	b := NewBloomFilterBank(2, 1000, 0.01, func() map[uint32]int { return map[uint32]int{0: 1} })
	b.Add(1, 0)

	err := b.Rebuild([]uint32{0}, func(fn func(uint64, uint32)) error {
		fn(1, 0)
		// a write racing the rebuild
		b.Add(2, 0)
		return nil
	})
	require.NoError(t, err)
	require.True(t, b.MayContain(1))
	require.True(t, b.MayContain(2))
}

func TestBloomAdvanceSkipsUsedGenerations(t *testing.T) {
	files := map[uint32]int{0: 1, 1: 1}
	b := NewBloomFilterBank(3, 10, 0.01, func() map[uint32]int { return files })
	for h := uint64(0); h < 10; h++ {
		b.Add(h, 0)
	}
	require.EqualValues(t, 2, b.Current())
	require.False(t, b.NeedsRebuild())
}

func TestBloomAdvancePastOverfilledGeneration(t *testing.T) {
	files := map[uint32]int{0: 1}
	b := NewBloomFilterBank(3, 10, 0.01, func() map[uint32]int { return files })

	// a rebuild on open can leave the current generation above capacity
	live := liveSet{}
	for h := uint64(1); h <= 15; h++ {
		live[h] = 0
	}
	require.NoError(t, b.Rebuild(b.Generations(), live.source))
	require.EqualValues(t, 0, b.Current())

	b.Add(100, 0)
	require.EqualValues(t, 1, b.Current())
	require.LessOrEqual(t, b.Stats().Elements[1], b.Stats().Capacity)
}

func TestBloomRestart(t *testing.T) {
	files := map[uint32]int{0: 1}
	b := NewBloomFilterBank(3, 10, 0.01, func() map[uint32]int { return files })
	live := liveSet{}
	for h := uint64(1); h <= 15; h++ {
		live[h] = 0
	}
	require.NoError(t, b.Rebuild(b.Generations(), live.source))

	b.Restart()
	require.EqualValues(t, 1, b.Current())
	require.Zero(t, b.Stats().Elements[1])

	// every generation holds files: the least filled one is used
	files = map[uint32]int{0: 1, 1: 1, 2: 1}
	for h := uint64(100); h < 103; h++ {
		live[h] = 1
	}
	for h := uint64(200); h < 207; h++ {
		live[h] = 2
	}
	require.NoError(t, b.Rebuild(b.Generations(), live.source))
	b.Restart()
	require.EqualValues(t, 1, b.Current())
	require.False(t, b.NeedsRebuild())
}

func TestBloomExhaustion(t *testing.T) {
	files := map[uint32]int{0: 1, 1: 1, 2: 1}
	b := NewBloomFilterBank(3, 10, 0.01, func() map[uint32]int { return files })

	// no generation is free once the current one fills up
	for h := uint64(0); h < 10; h++ {
		b.Add(h, 0)
	}
	require.True(t, b.NeedsRebuild())
	require.EqualValues(t, 0, b.Current())

	// further adds do not retry the advance
	for h := uint64(10); h < 20; h++ {
		b.Add(h, 0)
	}
	require.EqualValues(t, 0, b.Current())
	require.EqualValues(t, 20, b.Stats().Elements[0])

	// a generation whose files were reclaimed becomes available after its rebuild
	files = map[uint32]int{0: 1, 1: 1}
	require.NoError(t, b.Rebuild([]uint32{2}, liveSet{}.source))
	require.True(t, b.NeedsRebuild(), "only a full rebuild clears the request")

	b.Add(100, 0)
	require.EqualValues(t, 2, b.Current())
	require.True(t, b.MayContain(5))
}

package internal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCacheGetPut(t *testing.T) {
	c := NewCacheManager(100, 1<<20, 10)
	p1, p2 := ptrAt(1, 16), ptrAt(1, 32)

	_, ok := c.Get(1, "key", p1)
	require.False(t, ok)

	value := []byte("value")
	c.Put(1, "key", p1, value)
	value[0] = 'X' // the cache keeps its own copy

	got, ok := c.Get(1, "key", p1)
	require.True(t, ok)
	require.Equal(t, []byte("value"), got)

	// an entry read from another pointer is stale
	_, ok = c.Get(1, "key", p2)
	require.False(t, ok)

	// another key with the same hash misses
	_, ok = c.Get(1, "other", p1)
	require.False(t, ok)

	c.Put(1, "key", p2, []byte("longer value"))
	require.EqualValues(t, len("longer value"), c.Stats().Bytes)

	c.Invalidate(1)
	_, ok = c.Get(1, "key", p2)
	require.False(t, ok)
	require.EqualValues(t, 0, c.Stats().Bytes)
}

func TestCacheEvict(t *testing.T) {
	c := NewCacheManager(1000, 100, 3)
	for h := uint64(0); h < 10; h++ {
		c.Put(h, "key", ptrAt(1, h), make([]byte, 20))
	}
	require.EqualValues(t, 200, c.Stats().Bytes)

	// limited per round
	require.Equal(t, 3, c.Evict())
	require.Equal(t, 2, c.Evict())
	require.Equal(t, 0, c.Evict())
	require.EqualValues(t, 100, c.Stats().Bytes)

	// oldest entries go first
	_, ok := c.Get(0, "key", ptrAt(1, 0))
	require.False(t, ok)
	_, ok = c.Get(9, "key", ptrAt(1, 9))
	require.True(t, ok)
}

func TestCacheRefusesAboveHardLimit(t *testing.T) {
	c := NewCacheManager(1000, 10, 10)
	c.Put(1, "key", ptrAt(1, 1), make([]byte, 15))
	c.Put(2, "key", ptrAt(1, 2), make([]byte, 15))
	require.Equal(t, 1, c.Stats().Entries)
}

package internal

import (
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

type cacheEntry struct {
	key   string
	ptr   BlobPointer
	value []byte
}

// CacheManager caches values of recently read keys. Entries remember the key and the pointer
// they were read from, so an entry for an overwritten key or for another key with the same
// hash is never served.
//
// The cache may grow beyond its threshold between two Evict calls. Puts are refused once
// it holds twice the threshold.
//
// Thread-safety: all methods are safe for concurrent use.
type CacheManager struct {
	mu        sync.Mutex
	lru       *simplelru.LRU[uint64, cacheEntry]
	bytes     int64
	threshold int64
	perRound  int

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

type CacheStats struct {
	Entries   int    `json:"entries"`
	Bytes     int64  `json:"bytes"`
	Threshold int64  `json:"threshold"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// NewCacheManager creates a cache holding at most maxEntries values and about threshold bytes.
// Evict removes at most perRound entries per call.
func NewCacheManager(maxEntries int, threshold int64, perRound int) *CacheManager {
	if maxEntries < 1 {
		maxEntries = 1
	}
	c := &CacheManager{threshold: threshold, perRound: perRound}
	// NewLRU only fails for a non-positive size
	c.lru, _ = simplelru.NewLRU[uint64, cacheEntry](maxEntries, func(_ uint64, e cacheEntry) {
		c.bytes -= int64(len(e.value))
	})
	return c
}

// Get returns a copy of the cached value if it was read for key from ptr.
func (c *CacheManager) Get(keyHash uint64, key string, ptr BlobPointer) ([]byte, bool) {
	c.mu.Lock()
	e, ok := c.lru.Get(keyHash)
	c.mu.Unlock()

	if !ok || e.ptr != ptr || e.key != key {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return append([]byte(nil), e.value...), true
}

// Put caches a copy of the value of key as read from ptr.
func (c *CacheManager) Put(keyHash uint64, key string, ptr BlobPointer, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bytes+int64(len(value)) > 2*c.threshold {
		return
	}
	// replacing an entry does not call the evict callback
	if old, ok := c.lru.Peek(keyHash); ok {
		c.bytes -= int64(len(old.value))
	}
	c.lru.Add(keyHash, cacheEntry{key: key, ptr: ptr, value: append([]byte(nil), value...)})
	c.bytes += int64(len(value))
}

// Invalidate drops the entry of a key.
func (c *CacheManager) Invalidate(keyHash uint64) {
	c.mu.Lock()
	c.lru.Remove(keyHash)
	c.mu.Unlock()
}

// Evict removes least recently used entries while the cache is above its threshold.
// It returns the number of removed entries.
func (c *CacheManager) Evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for c.bytes > c.threshold && n < c.perRound {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
		n++
	}
	c.evictions.Add(uint64(n))
	return n
}

// Purge drops all entries.
func (c *CacheManager) Purge() {
	c.mu.Lock()
	c.lru.Purge()
	c.bytes = 0
	c.mu.Unlock()
}

func (c *CacheManager) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Entries:   c.lru.Len(),
		Bytes:     c.bytes,
		Threshold: c.threshold,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

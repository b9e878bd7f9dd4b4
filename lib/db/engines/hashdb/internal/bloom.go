package internal

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/willf/bloom"
)

// BloomFilterBank answers "definitely absent" for key hashes.
//
// Every blob file belongs to one generation and every key is added to the filter of the
// generation of the file its record lives in. A generation can therefore be rebuilt from
// the index once its files are compacted, which is how deleted keys leave the filters.
//
// Thread-safety: all methods are safe for concurrent use.
type BloomFilterBank struct {
	mu       sync.RWMutex
	filters  []*bloom.BloomFilter
	counts   []uint
	current  uint32
	capacity uint
	fpRate   float64

	// generations being rebuilt collect the adds that race the rebuild
	pending map[uint32][]uint64

	// filesPerGen reports how many blob files use each generation
	filesPerGen func() map[uint32]int

	// no generation was free at the last advance, cleared once one is
	exhausted bool

	saturated atomic.Bool
	rebuilds  atomic.Uint64
}

// BloomStats is a snapshot of the bank.
type BloomStats struct {
	Enabled     bool   `json:"enabled"`
	Generations int    `json:"generations"`
	Current     uint32 `json:"current"`
	Elements    []uint `json:"elements"`
	Capacity    uint   `json:"capacity"`
	Saturated   bool   `json:"saturated"`
	Rebuilds    uint64 `json:"rebuilds"`
}

// NewBloomFilterBank creates num generations sized for elements keys each.
// With num == 0 the bank is disabled and MayContain always returns true.
func NewBloomFilterBank(num int, elements uint, fpRate float64, filesPerGen func() map[uint32]int) *BloomFilterBank {
	b := &BloomFilterBank{
		filters:     make([]*bloom.BloomFilter, num),
		counts:      make([]uint, num),
		capacity:    elements,
		fpRate:      fpRate,
		pending:     make(map[uint32][]uint64),
		filesPerGen: filesPerGen,
	}
	for i := range b.filters {
		b.filters[i] = bloom.NewWithEstimates(elements, fpRate)
	}
	return b
}

func (b *BloomFilterBank) Enabled() bool { return len(b.filters) > 0 }

func hashKeyBytes(keyHash uint64) []byte {
	return binary.LittleEndian.AppendUint64(make([]byte, 0, 8), keyHash)
}

func (b *BloomFilterBank) slot(gen uint32) uint32 {
	return gen % uint32(len(b.filters))
}

// Current returns the generation new blob files are assigned to.
func (b *BloomFilterBank) Current() uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current
}

// MayContain returns false only if keyHash was never added to any generation.
func (b *BloomFilterBank) MayContain(keyHash uint64) bool {
	if !b.Enabled() {
		return true
	}
	data := hashKeyBytes(keyHash)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for i, f := range b.filters {
		if b.counts[i] > 0 && f.Test(data) {
			return true
		}
	}
	return false
}

// Add records keyHash in generation gen, the generation of the file its record was written to.
func (b *BloomFilterBank) Add(keyHash uint64, gen uint32) {
	if !b.Enabled() {
		return
	}
	g := b.slot(gen)
	data := hashKeyBytes(keyHash)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.filters[g].Add(data)
	b.counts[g]++
	if p, ok := b.pending[g]; ok {
		b.pending[g] = append(p, keyHash)
	}
	if g == b.current && b.counts[g] >= b.capacity && !b.exhausted {
		b.advanceLocked()
	}
}

// freeLocked returns the first generation after the current one that holds no files
// and is not being rebuilt. The current generation itself is checked last.
func (b *BloomFilterBank) freeLocked() (uint32, bool) {
	used := make(map[uint32]bool)
	for gen, n := range b.filesPerGen() {
		if n > 0 {
			used[b.slot(gen)] = true
		}
	}
	n := uint32(len(b.filters))
	for i := uint32(1); i <= n; i++ {
		g := (b.current + i) % n
		if used[g] {
			continue
		}
		if _, rebuilding := b.pending[g]; rebuilding {
			continue
		}
		return g, true
	}
	return 0, false
}

func (b *BloomFilterBank) switchLocked(g uint32) {
	b.filters[g].ClearAll()
	b.counts[g] = 0
	b.current = g
	b.exhausted = false
}

// advanceLocked moves the current generation to the next one without files.
// If every generation is in use the bank is flagged for a full rebuild, once.
func (b *BloomFilterBank) advanceLocked() {
	if g, ok := b.freeLocked(); ok {
		b.switchLocked(g)
		indexLog.Debugf("bloom filter bank advanced to generation %d", g)
		return
	}
	b.exhausted = true
	b.saturated.Store(true)
}

// Restart selects the generation for new files after the filters were built on open:
// a generation without files, or the least filled one if every generation holds files.
func (b *BloomFilterBank) Restart() {
	if !b.Enabled() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if g, ok := b.freeLocked(); ok {
		b.switchLocked(g)
		return
	}
	lowest := 0
	for i, c := range b.counts {
		if c < b.counts[lowest] {
			lowest = i
		}
	}
	b.current = uint32(lowest)
	b.exhausted = b.counts[lowest] >= b.capacity
}

// NeedsRebuild reports whether all generations are full and in use.
func (b *BloomFilterBank) NeedsRebuild() bool {
	return b.saturated.Load()
}

// Generations returns all generation numbers.
func (b *BloomFilterBank) Generations() []uint32 {
	gens := make([]uint32, len(b.filters))
	for i := range gens {
		gens[i] = uint32(i)
	}
	return gens
}

// Rebuild replaces the filters of gens with filters built from source. source must call
// its callback for every live key hash together with the generation of its file.
// Adds that happen while source runs are replayed into the new filters before the swap.
func (b *BloomFilterBank) Rebuild(gens []uint32, source func(fn func(keyHash uint64, gen uint32)) error) error {
	if !b.Enabled() || len(gens) == 0 {
		return nil
	}

	fresh := make(map[uint32]*bloom.BloomFilter, len(gens))
	counts := make(map[uint32]uint, len(gens))

	b.mu.Lock()
	for _, gen := range gens {
		g := b.slot(gen)
		if _, busy := b.pending[g]; busy {
			continue
		}
		b.pending[g] = nil
		fresh[g] = bloom.NewWithEstimates(b.capacity, b.fpRate)
	}
	b.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}

	err := source(func(keyHash uint64, gen uint32) {
		g := b.slot(gen)
		if f, ok := fresh[g]; ok {
			f.Add(hashKeyBytes(keyHash))
			counts[g]++
		}
	})

	b.mu.Lock()
	defer b.mu.Unlock()
	for g, f := range fresh {
		if err == nil {
			for _, h := range b.pending[g] {
				f.Add(hashKeyBytes(h))
				counts[g]++
			}
			b.filters[g] = f
			b.counts[g] = counts[g]
		}
		delete(b.pending, g)
	}
	if err != nil {
		return err
	}
	if len(fresh) == len(b.filters) {
		b.saturated.Store(false)
	}
	if _, ok := b.freeLocked(); ok {
		b.exhausted = false
	}
	b.rebuilds.Add(1)
	return nil
}

func (b *BloomFilterBank) Stats() BloomStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BloomStats{
		Enabled:     b.Enabled(),
		Generations: len(b.filters),
		Current:     b.current,
		Elements:    append([]uint(nil), b.counts...),
		Capacity:    b.capacity,
		Saturated:   b.saturated.Load(),
		Rebuilds:    b.rebuilds.Load(),
	}
}

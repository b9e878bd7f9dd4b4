package internal

import (
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/hashDB/lib/db"
	"github.com/ValentinKolb/hashDB/lib/db/util"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
)

var indexLog = logger.GetLogger("index")

// ErrSlotsExhausted is returned when a new key does not fit into the fixed slot map.
var ErrSlotsExhausted = errors.Mark(errors.New("slot map exhausted"), db.ErrConfig)

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// Slot maps a key hash to the location of its newest record.
// For deleted keys Ptr addresses the tombstone record.
type Slot struct {
	KeyHash    uint64
	Ptr        BlobPointer
	Tombstone  bool
	LastAccess uint64 // maintenance round of the last write
}

// ColdBackend stores slot groups that were moved out of memory.
type ColdBackend interface {
	Put(group uint32, slots []Slot) error
	Take(group uint32) ([]Slot, error)
	Peek(group uint32) ([]Slot, bool, error)
}

// ComputeOp tells Compute what to do with the slot returned by the callback.
type ComputeOp int

const (
	ComputeKeep   ComputeOp = iota // leave the slot untouched
	ComputeStore                   // store the returned slot
	ComputeDelete                  // remove the slot
)

// slotGroup is one bucket of the index. A non-resident group lives in the cold backend only.
type slotGroup struct {
	mu         sync.RWMutex
	slots      map[uint64]Slot
	resident   bool
	size       int // number of slots, also while cold
	lastAccess atomic.Uint64
}

// SlotIndex is a fixed-capacity hash index split into independently locked groups.
//
// Thread-safety: all methods are safe for concurrent use except Load and MarkCold,
// which are only used while opening the database.
type SlotIndex struct {
	groups   []*slotGroup
	capacity int64
	used     atomic.Int64
	cold     ColdBackend
	clock    func() uint64

	warmUps   atomic.Uint64
	coldDowns atomic.Uint64
}

// NewSlotIndex creates an index for capacity slots in groups of groupSize slots.
// cold may be nil if cold-down is never used. clock returns the current maintenance round.
func NewSlotIndex(capacity, groupSize int, cold ColdBackend, clock func() uint64) *SlotIndex {
	n := (capacity + groupSize - 1) / groupSize
	if n < 1 {
		n = 1
	}
	x := &SlotIndex{
		groups:   make([]*slotGroup, n),
		capacity: int64(capacity),
		cold:     cold,
		clock:    clock,
	}
	for i := range x.groups {
		x.groups[i] = &slotGroup{slots: make(map[uint64]Slot), resident: true}
	}
	return x
}

// GroupOf returns the group a key hash belongs to.
func (x *SlotIndex) GroupOf(keyHash uint64) uint32 {
	return uint32(keyHash % uint64(len(x.groups)))
}

func (x *SlotIndex) NumGroups() int  { return len(x.groups) }
func (x *SlotIndex) Capacity() int64 { return x.capacity }
func (x *SlotIndex) Used() int64     { return x.used.Load() }

// --------------------------------------------------------------------------
// Lookup
// --------------------------------------------------------------------------

// Lookup returns the slot of a live key. Tombstoned and unknown keys report false.
// A cold group is warmed up before the lookup.
func (x *SlotIndex) Lookup(keyHash uint64) (Slot, bool, error) {
	slot, ok, err := x.lookup(keyHash)
	if err != nil || !ok || slot.Tombstone {
		return Slot{}, false, err
	}
	return slot, true, nil
}

// Peek returns the raw slot including tombstones. Cold groups are read without promoting them.
func (x *SlotIndex) Peek(keyHash uint64) (Slot, bool, error) {
	gid := x.GroupOf(keyHash)
	g := x.groups[gid]

	g.mu.RLock()
	if g.resident {
		slot, ok := g.slots[keyHash]
		g.mu.RUnlock()
		return slot, ok, nil
	}
	g.mu.RUnlock()

	slots, found, err := x.cold.Peek(gid)
	if err != nil || !found {
		return Slot{}, false, err
	}
	for _, s := range slots {
		if s.KeyHash == keyHash {
			return s, true, nil
		}
	}
	return Slot{}, false, nil
}

func (x *SlotIndex) lookup(keyHash uint64) (Slot, bool, error) {
	gid := x.GroupOf(keyHash)
	g := x.groups[gid]
	g.lastAccess.Store(x.clock())

	g.mu.RLock()
	if g.resident {
		slot, ok := g.slots[keyHash]
		g.mu.RUnlock()
		return slot, ok, nil
	}
	g.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := x.warmLocked(gid, g); err != nil {
		return Slot{}, false, err
	}
	slot, ok := g.slots[keyHash]
	return slot, ok, nil
}

// --------------------------------------------------------------------------
// Updates
// --------------------------------------------------------------------------

// Compute runs fn under the group lock of keyHash and applies its result.
// It returns the slot that was present before and whether there was one.
// For an unknown key fn only runs if create is set; capacity for the new slot is
// reserved before fn runs, so fn may perform side effects (like appending a record)
// knowing the store cannot fail afterwards.
func (x *SlotIndex) Compute(keyHash uint64, create bool, fn func(cur Slot, exists bool) (Slot, ComputeOp, error)) (Slot, bool, error) {
	gid := x.GroupOf(keyHash)
	g := x.groups[gid]
	g.lastAccess.Store(x.clock())

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := x.warmLocked(gid, g); err != nil {
		return Slot{}, false, err
	}

	cur, exists := g.slots[keyHash]
	if !exists {
		if !create {
			return Slot{}, false, nil
		}
		if x.used.Add(1) > x.capacity {
			x.used.Add(-1)
			return Slot{}, false, errors.Wrapf(ErrSlotsExhausted, "capacity %d", x.capacity)
		}
	}

	next, op, err := fn(cur, exists)
	if err != nil {
		op = ComputeKeep
	}

	switch {
	case op == ComputeStore:
		next.KeyHash = keyHash
		g.slots[keyHash] = next
		if !exists {
			g.size++
		}
	case !exists:
		x.used.Add(-1)
	case op == ComputeDelete:
		delete(g.slots, keyHash)
		g.size--
		x.used.Add(-1)
	}
	return cur, exists, err
}

// Upsert points keyHash to ptr and returns the previous slot.
func (x *SlotIndex) Upsert(keyHash uint64, ptr BlobPointer) (Slot, bool, error) {
	return x.Compute(keyHash, true, func(Slot, bool) (Slot, ComputeOp, error) {
		return Slot{Ptr: ptr, LastAccess: x.clock()}, ComputeStore, nil
	})
}

// Tombstone marks an existing key as deleted and points it to the tombstone record at ptr.
// Unknown keys are left alone. The slot stays allocated until ReleaseIf drops it.
func (x *SlotIndex) Tombstone(keyHash uint64, ptr BlobPointer) (Slot, bool, error) {
	return x.Compute(keyHash, false, func(Slot, bool) (Slot, ComputeOp, error) {
		return Slot{Ptr: ptr, Tombstone: true, LastAccess: x.clock()}, ComputeStore, nil
	})
}

// CompareAndSwap moves a slot from old to next if it still points to old.
func (x *SlotIndex) CompareAndSwap(keyHash uint64, old, next BlobPointer) (bool, error) {
	swapped := false
	_, _, err := x.Compute(keyHash, false, func(cur Slot, _ bool) (Slot, ComputeOp, error) {
		if cur.Ptr != old {
			return cur, ComputeKeep, nil
		}
		swapped = true
		cur.Ptr = next
		return cur, ComputeStore, nil
	})
	return swapped && err == nil, err
}

// ReleaseIf removes a tombstone slot if it still points to ptr.
func (x *SlotIndex) ReleaseIf(keyHash uint64, ptr BlobPointer) (bool, error) {
	released := false
	_, _, err := x.Compute(keyHash, false, func(cur Slot, _ bool) (Slot, ComputeOp, error) {
		if !cur.Tombstone || cur.Ptr != ptr {
			return cur, ComputeKeep, nil
		}
		released = true
		return cur, ComputeDelete, nil
	})
	return released && err == nil, err
}

// --------------------------------------------------------------------------
// Cold-down
// --------------------------------------------------------------------------

func (x *SlotIndex) warmLocked(gid uint32, g *slotGroup) error {
	if g.resident {
		return nil
	}
	slots, err := x.cold.Take(gid)
	if err != nil {
		return errors.Wrapf(err, "warm up index group %d", gid)
	}
	g.slots = make(map[uint64]Slot, len(slots))
	for _, s := range slots {
		g.slots[s.KeyHash] = s
	}
	g.size = len(g.slots)
	g.resident = true
	x.warmUps.Add(1)
	indexLog.Debugf("warmed up group %d (%d slots)", gid, g.size)
	return nil
}

// WarmUp promotes a group back to memory. Resident groups are left alone.
func (x *SlotIndex) WarmUp(gid uint32) error {
	g := x.groups[gid]
	g.mu.Lock()
	defer g.mu.Unlock()
	return x.warmLocked(gid, g)
}

// ColdDown writes a resident, non-empty group to the cold backend and frees its memory.
// It returns false if nothing was moved.
func (x *SlotIndex) ColdDown(gid uint32) (bool, error) {
	g := x.groups[gid]
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.resident || len(g.slots) == 0 {
		return false, nil
	}

	slots := make([]Slot, 0, len(g.slots))
	for _, s := range g.slots {
		slots = append(slots, s)
	}
	if err := x.cold.Put(gid, slots); err != nil {
		return false, errors.Wrapf(err, "cold down index group %d", gid)
	}

	g.slots = nil
	g.resident = false
	x.coldDowns.Add(1)
	return true, nil
}

// IdleGroups returns up to limit resident, non-empty groups whose last access is at or
// before idleBefore, least recently used first.
func (x *SlotIndex) IdleGroups(idleBefore uint64, limit int) []uint32 {
	candidates := util.NewMapHeap[uint32]()
	for i, g := range x.groups {
		last := g.lastAccess.Load()
		if last > idleBefore {
			continue
		}
		g.mu.RLock()
		eligible := g.resident && len(g.slots) > 0
		g.mu.RUnlock()
		if eligible {
			candidates.AddItem(uint32(i), last)
		}
	}
	return candidates.TakeMin(limit)
}

// --------------------------------------------------------------------------
// Iteration & Loading
// --------------------------------------------------------------------------

// Range calls fn for every slot, including tombstones and slots of cold groups
// (read without promotion). Each group is visited under its read lock; fn must not
// call back into the index. Returning false stops the iteration.
func (x *SlotIndex) Range(fn func(Slot) bool) error {
	for gid, g := range x.groups {
		g.mu.RLock()
		if g.resident {
			for _, s := range g.slots {
				if !fn(s) {
					g.mu.RUnlock()
					return nil
				}
			}
			g.mu.RUnlock()
			continue
		}
		slots, _, err := x.cold.Peek(uint32(gid))
		g.mu.RUnlock()
		if err != nil {
			return err
		}
		for _, s := range slots {
			if !fn(s) {
				return nil
			}
		}
	}
	return nil
}

// ResidentGroups calls fn with a copy of every resident, non-empty group.
func (x *SlotIndex) ResidentGroups(fn func(gid uint32, slots []Slot) error) error {
	for gid, g := range x.groups {
		g.mu.RLock()
		if !g.resident || len(g.slots) == 0 {
			g.mu.RUnlock()
			continue
		}
		slots := make([]Slot, 0, len(g.slots))
		for _, s := range g.slots {
			slots = append(slots, s)
		}
		g.mu.RUnlock()

		if err := fn(uint32(gid), slots); err != nil {
			return err
		}
	}
	return nil
}

// Load installs slots into resident groups while opening the database.
func (x *SlotIndex) Load(slots []Slot) error {
	for _, s := range slots {
		g := x.groups[x.GroupOf(s.KeyHash)]
		if _, exists := g.slots[s.KeyHash]; !exists {
			g.size++
			x.used.Add(1)
		}
		g.slots[s.KeyHash] = s
	}
	if x.used.Load() > x.capacity {
		return errors.Wrapf(ErrSlotsExhausted, "%d keys on disk exceed capacity %d", x.used.Load(), x.capacity)
	}
	return nil
}

// MarkCold records that a group with size slots lives in the cold backend while opening the database.
func (x *SlotIndex) MarkCold(gid uint32, size int) error {
	if int(gid) >= len(x.groups) {
		return db.NewCorruption("cold group %d out of range (%d groups)", gid, len(x.groups))
	}
	g := x.groups[gid]
	g.slots = nil
	g.resident = false
	g.size = size
	x.used.Add(int64(size))
	return nil
}

// --------------------------------------------------------------------------
// Statistics
// --------------------------------------------------------------------------

type IndexStats struct {
	Capacity     int64                  `json:"capacity"`
	Used         int64                  `json:"used"`
	Groups       int                    `json:"groups"`
	ColdGroups   int                    `json:"cold_groups"`
	WarmUps      uint64                 `json:"warm_ups"`
	ColdDowns    uint64                 `json:"cold_downs"`
	Distribution util.DistributionStats `json:"distribution"`
}

// Stats reports occupancy and how evenly keys spread over groups.
func (x *SlotIndex) Stats() IndexStats {
	sizes := make([]float64, len(x.groups))
	cold := 0
	for i, g := range x.groups {
		g.mu.RLock()
		sizes[i] = float64(g.size)
		if !g.resident {
			cold++
		}
		g.mu.RUnlock()
	}
	return IndexStats{
		Capacity:     x.capacity,
		Used:         x.used.Load(),
		Groups:       len(x.groups),
		ColdGroups:   cold,
		WarmUps:      x.warmUps.Load(),
		ColdDowns:    x.coldDowns.Load(),
		Distribution: util.NewDistributionStats(sizes),
	}
}

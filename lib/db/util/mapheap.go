// Package util
//
// This file provides a keyed min-heap used to pick maintenance candidates.
//
// The heap is combined with a map so that an item can be found, updated or
// removed by key in addition to the usual priority operations:
//
//   - O(log n) for AddItem (insert or update), RemoveByKey and PopMin
//   - O(1) for Peek, Contains and GetByKey
//
// The storage engine uses it to order blob files by utility (least useful
// file first) and index groups by last access (coldest group first).
//
// The heap is not thread-safe. Callers build it inside a single maintenance
// task or guard it externally.
//
// Example usage:
//
//	candidates := NewMapHeap[uint32]()
//	candidates.AddItem(7, 120)  // file 7, utility 0.120
//	candidates.AddItem(9, 40)   // file 9, utility 0.040
//
//	for _, id := range candidates.TakeMin(8) {
//	    // compact file id (9 first, then 7)
//	}
package util

import (
	"container/heap"
	"fmt"
)

// HeapItem is an entry of a MapHeap.
type HeapItem[K comparable] struct {
	Key      K      // Unique identifier for the item
	Priority uint64 // Lower priorities are popped first
	index    int    // Index in the heap, maintained by heap package
}

func (i *HeapItem[K]) String() string {
	return fmt.Sprintf("{Key: %v, Priority: %d}", i.Key, i.Priority)
}

// MapHeap is a min-heap keyed by K.
type MapHeap[K comparable] struct {
	items    []*HeapItem[K]
	itemsMap map[K]*HeapItem[K]
}

// NewMapHeap creates an empty heap, ready to use.
func NewMapHeap[K comparable]() *MapHeap[K] {
	return &MapHeap[K]{
		items:    make([]*HeapItem[K], 0),
		itemsMap: make(map[K]*HeapItem[K]),
	}
}

// --------------------------------------------------------------------------
// heap.Interface
// --------------------------------------------------------------------------

func (h *MapHeap[K]) Len() int { return len(h.items) }

func (h *MapHeap[K]) Less(i, j int) bool {
	return h.items[i].Priority < h.items[j].Priority
}

func (h *MapHeap[K]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

// Push is part of heap.Interface, use AddItem instead.
func (h *MapHeap[K]) Push(x interface{}) {
	it := x.(*HeapItem[K])
	it.index = len(h.items)
	h.items = append(h.items, it)
	h.itemsMap[it.Key] = it
}

// Pop is part of heap.Interface, use PopMin instead.
func (h *MapHeap[K]) Pop() interface{} {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	h.items = old[:n-1]
	delete(h.itemsMap, it.Key)
	return it
}

// --------------------------------------------------------------------------
// Keyed operations
// --------------------------------------------------------------------------

// AddItem inserts a new item or updates the priority of an existing one.
func (h *MapHeap[K]) AddItem(key K, priority uint64) {
	if it, exists := h.itemsMap[key]; exists {
		it.Priority = priority
		heap.Fix(h, it.index)
		return
	}
	heap.Push(h, &HeapItem[K]{Key: key, Priority: priority})
}

// RemoveByKey removes an item and returns its priority.
func (h *MapHeap[K]) RemoveByKey(key K) (uint64, bool) {
	it, exists := h.itemsMap[key]
	if !exists {
		return 0, false
	}
	heap.Remove(h, it.index)
	return it.Priority, true
}

// Peek returns the item with the lowest priority without removing it.
func (h *MapHeap[K]) Peek() (*HeapItem[K], bool) {
	if len(h.items) == 0 {
		return nil, false
	}
	return h.items[0], true
}

// PopMin removes and returns the item with the lowest priority.
func (h *MapHeap[K]) PopMin() (*HeapItem[K], bool) {
	if len(h.items) == 0 {
		return nil, false
	}
	return heap.Pop(h).(*HeapItem[K]), true
}

// TakeMin pops up to n keys in ascending priority order. n <= 0 takes all.
func (h *MapHeap[K]) TakeMin(n int) []K {
	if n <= 0 || n > len(h.items) {
		n = len(h.items)
	}
	keys := make([]K, 0, n)
	for len(keys) < n {
		it, _ := h.PopMin()
		keys = append(keys, it.Key)
	}
	return keys
}

// Contains checks if a key is in the heap.
func (h *MapHeap[K]) Contains(key K) bool {
	_, exists := h.itemsMap[key]
	return exists
}

// GetByKey returns the item for a key without removing it.
func (h *MapHeap[K]) GetByKey(key K) (*HeapItem[K], bool) {
	it, exists := h.itemsMap[key]
	return it, exists
}

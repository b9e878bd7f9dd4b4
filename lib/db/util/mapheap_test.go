package util

import (
	"sort"
	"testing"
)

// TestNewMapHeap tests the creation of a new MapHeap
func TestNewMapHeap(t *testing.T) {
	mh := NewMapHeap[uint64]()

	if mh == nil {
		t.Fatal("NewMapHeap() returned nil")
	}
	if mh.Len() != 0 {
		t.Errorf("New heap should be empty, but has length %d", mh.Len())
	}
	if len(mh.itemsMap) != 0 {
		t.Errorf("New heap's map should be empty, but has %d items", len(mh.itemsMap))
	}
}

// TestAddItem tests adding items and the min-heap order of Peek
func TestAddItem(t *testing.T) {
	mh := NewMapHeap[uint32]()

	mh.AddItem(1, 100)
	mh.AddItem(2, 200)
	mh.AddItem(3, 50)

	if mh.Len() != 3 {
		t.Errorf("Heap should have 3 items, but has %d", mh.Len())
	}
	for _, k := range []uint32{1, 2, 3} {
		if !mh.Contains(k) {
			t.Errorf("Heap should contain key %d", k)
		}
	}

	it, exists := mh.Peek()
	if !exists {
		t.Fatal("Peek() should return an item")
	}
	if it.Key != 3 || it.Priority != 50 {
		t.Errorf("Expected min item to be (3,50), got %s", it)
	}
}

// TestUpdateItem tests that AddItem on an existing key changes its priority
func TestUpdateItem(t *testing.T) {
	mh := NewMapHeap[string]()

	mh.AddItem("a", 100)
	mh.AddItem("b", 200)
	mh.AddItem("a", 300)

	it, exists := mh.GetByKey("a")
	if !exists {
		t.Fatal("Item with key a should exist")
	}
	if it.Priority != 300 {
		t.Errorf("Item with key a should have priority 300, got %d", it.Priority)
	}

	min, _ := mh.Peek()
	if min.Key != "b" {
		t.Errorf("Min item should now be key b, got %s", min.Key)
	}

	mh.AddItem("b", 50)
	min, _ = mh.Peek()
	if min.Key != "b" || min.Priority != 50 {
		t.Errorf("Min item should now be (b,50), got %s", min)
	}
	if mh.Len() != 2 {
		t.Errorf("Updates must not add items, heap has %d", mh.Len())
	}
}

// TestRemoveByKey tests removing items by key
func TestRemoveByKey(t *testing.T) {
	mh := NewMapHeap[uint64]()

	mh.AddItem(1, 100)
	mh.AddItem(2, 200)
	mh.AddItem(3, 300)

	priority, exists := mh.RemoveByKey(2)
	if !exists {
		t.Fatal("RemoveByKey should return true for existing key")
	}
	if priority != 200 {
		t.Errorf("RemoveByKey should return priority 200, got %d", priority)
	}
	if mh.Len() != 2 {
		t.Errorf("Heap should have 2 items after removal, has %d", mh.Len())
	}
	if mh.Contains(2) {
		t.Error("Heap should not contain key 2 after removal")
	}

	if _, exists = mh.RemoveByKey(99); exists {
		t.Error("RemoveByKey should return false for non-existent key")
	}
}

// TestPopOrder tests that PopMin returns items in ascending priority
func TestPopOrder(t *testing.T) {
	mh := NewMapHeap[uint64]()

	items := []struct {
		key      uint64
		priority uint64
	}{
		{5, 50}, {3, 30}, {1, 10}, {4, 40}, {2, 20},
	}
	for _, it := range items {
		mh.AddItem(it.key, it.priority)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].priority < items[j].priority })

	for i, expected := range items {
		it, ok := mh.PopMin()
		if !ok {
			t.Fatalf("Heap empty after %d items, expected %d items", i, len(items))
		}
		if it.Key != expected.key || it.Priority != expected.priority {
			t.Errorf("Pop %d: expected (%d,%d), got %s", i, expected.key, expected.priority, it)
		}
		if mh.Contains(it.Key) {
			t.Errorf("Popped key %d must not be found by key anymore", it.Key)
		}
	}

	if _, ok := mh.PopMin(); ok {
		t.Error("PopMin on an empty heap should return false")
	}
}

// TestTakeMin tests the bounded candidate selection used by the maintenance passes
func TestTakeMin(t *testing.T) {
	mh := NewMapHeap[uint32]()
	for i := uint32(0); i < 10; i++ {
		mh.AddItem(i, uint64(100-i))
	}

	keys := mh.TakeMin(3)
	if len(keys) != 3 {
		t.Fatalf("Expected 3 keys, got %d", len(keys))
	}
	for i, want := range []uint32{9, 8, 7} {
		if keys[i] != want {
			t.Errorf("TakeMin[%d] = %d, want %d", i, keys[i], want)
		}
	}

	rest := mh.TakeMin(0)
	if len(rest) != 7 {
		t.Errorf("TakeMin(0) should return the remaining 7 keys, got %d", len(rest))
	}
	if mh.Len() != 0 {
		t.Errorf("Heap should be empty, has %d items", mh.Len())
	}
}

// TestPeekEmptyHeap tests behavior when peeking an empty heap
func TestPeekEmptyHeap(t *testing.T) {
	mh := NewMapHeap[uint64]()

	if _, exists := mh.Peek(); exists {
		t.Error("Peek on empty heap should return exists=false")
	}
}

// TestLargeNumberOfItems tests heap order with many items and updates
func TestLargeNumberOfItems(t *testing.T) {
	mh := NewMapHeap[int]()
	const n = 1000

	for i := 0; i < n; i++ {
		mh.AddItem(i, uint64((i*7919)%n))
	}
	for i := 0; i < n; i += 10 {
		mh.AddItem(i, uint64(n+i))
	}

	var last uint64
	for i := 0; i < n; i++ {
		it, ok := mh.PopMin()
		if !ok {
			t.Fatalf("Heap ran empty after %d pops", i)
		}
		if it.Priority < last {
			t.Fatalf("Heap order violated: %d after %d", it.Priority, last)
		}
		last = it.Priority
	}
}

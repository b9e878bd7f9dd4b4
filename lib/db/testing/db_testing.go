package testing

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/ValentinKolb/hashDB/lib/db"
)

// DBFactory opens the database stored in dir. Calling it again with the same dir
// must reopen the same data.
type DBFactory func(dir string) (db.KVDB, error)

// RunKVDBTests runs a comprehensive test suite for a KVDB implementation.
func RunKVDBTests(t *testing.T, name string, factory DBFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Set&Get", func(t *testing.T) {
			testSetGet(t, open(t, factory, t.TempDir()))
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, open(t, factory, t.TempDir()))
		})

		t.Run("AsyncWrites", func(t *testing.T) {
			testAsyncWrites(t, open(t, factory, t.TempDir()))
		})

		t.Run("Persistence", func(t *testing.T) {
			testPersistence(t, factory)
		})

		t.Run("EdgeCases", func(t *testing.T) {
			testEdgeCases(t, open(t, factory, t.TempDir()))
		})

		t.Run("ManyKeys", func(t *testing.T) {
			testManyKeys(t, open(t, factory, t.TempDir()))
		})

		t.Run("GarbageCollect", func(t *testing.T) {
			testGarbageCollect(t, open(t, factory, t.TempDir()))
		})

		t.Run("Closed", func(t *testing.T) {
			testClosed(t, open(t, factory, t.TempDir()))
		})

		t.Run("RealisticUsage", func(t *testing.T) {
			testRealisticUsage(t, open(t, factory, t.TempDir()))
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func open(t testing.TB, factory DBFactory, dir string) db.KVDB {
	t.Helper()
	database, err := factory(dir)
	if err != nil {
		t.Fatalf("Failed to open database in %s: %v", dir, err)
	}
	return database
}

// Checks if the database supports the specified feature
// Skip the test if it is not supported
func requireFeature(t testing.TB, database db.KVDB, feature db.Feature) {
	if !database.SupportsFeature(feature) {
		t.Skip()
	}
}

// expectValue fails the test if key does not hold want
func expectValue(t testing.TB, database db.KVDB, key string, want []byte) {
	t.Helper()
	got, err := database.Get(key)
	if err != nil {
		t.Errorf("Get(%q) failed: %v", key, err)
		return
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Get(%q) = %q, want %q", key, got, want)
	}
}

// expectNotFound fails the test if key exists
func expectNotFound(t testing.TB, database db.KVDB, key string) {
	t.Helper()
	if value, err := database.Get(key); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Get(%q) = %q, %v; want ErrNotFound", key, value, err)
	}
}

func mustSet(t testing.TB, database db.KVDB, key string, value []byte, async bool) {
	t.Helper()
	if err := database.Set(key, value, async); err != nil {
		t.Fatalf("Set(%q) failed: %v", key, err)
	}
}

func mustDelete(t testing.TB, database db.KVDB, key string, async bool) {
	t.Helper()
	if err := database.Delete(key, async); err != nil {
		t.Fatalf("Delete(%q) failed: %v", key, err)
	}
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testSetGet(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet)
	requireFeature(t, database, db.FeatureGet)

	testKey := "test-key"
	testValue1 := []byte("test-value1")
	testValue2 := []byte("test-value2")

	mustSet(t, database, testKey, testValue1, false)
	expectValue(t, database, testKey, testValue1)

	mustSet(t, database, testKey, testValue2, false)
	expectValue(t, database, testKey, testValue2)

	expectNotFound(t, database, "nonexistent-key")

	retrievedValue, _ := database.Get(testKey)
	retrievedValue[0] = 'X'

	originalValue, _ := database.Get(testKey)
	if bytes.Equal(retrievedValue, originalValue) {
		t.Errorf("Get should return a copy, not a reference to the stored value")
	}

	// the caller may reuse its buffer after Set returns
	buf := []byte("buffer-value")
	mustSet(t, database, "buffer-key", buf, false)
	buf[0] = 'X'
	expectValue(t, database, "buffer-key", []byte("buffer-value"))
}

func testDelete(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet)
	requireFeature(t, database, db.FeatureGet)
	requireFeature(t, database, db.FeatureDelete)

	mustSet(t, database, "delete-key", []byte("value"), false)
	mustDelete(t, database, "delete-key", false)
	expectNotFound(t, database, "delete-key")

	// deleting twice and deleting missing keys is fine
	mustDelete(t, database, "delete-key", false)
	mustDelete(t, database, "never-existed", false)
	expectNotFound(t, database, "never-existed")

	// a deleted key can be set again
	mustSet(t, database, "delete-key", []byte("again"), false)
	expectValue(t, database, "delete-key", []byte("again"))
}

func testAsyncWrites(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureAsyncWrite)
	requireFeature(t, database, db.FeatureFlush)

	for i := 0; i < 1000; i++ {
		mustSet(t, database, fmt.Sprintf("async-%d", i), []byte(fmt.Sprintf("value-%d", i)), true)
	}
	// read-after-write holds before the flush
	for i := 0; i < 1000; i += 97 {
		expectValue(t, database, fmt.Sprintf("async-%d", i), []byte(fmt.Sprintf("value-%d", i)))
	}

	mustDelete(t, database, "async-0", true)
	expectNotFound(t, database, "async-0")

	if err := database.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	expectValue(t, database, "async-999", []byte("value-999"))
}

func testPersistence(t *testing.T, factory DBFactory) {
	dir := t.TempDir()
	database := open(t, factory, dir)

	requireFeature(t, database, db.FeatureDelete)

	numKeys := 500
	for i := 0; i < numKeys; i++ {
		mustSet(t, database, fmt.Sprintf("key-%d", i), []byte(fmt.Sprintf("value-%d", i)), true)
	}
	for i := 0; i < numKeys; i += 2 {
		mustDelete(t, database, fmt.Sprintf("key-%d", i), true)
	}
	mustSet(t, database, "key-1", []byte("overwritten"), true)

	if err := database.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	database = open(t, factory, dir)
	defer database.Close()

	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("key-%d", i)
		switch {
		case i%2 == 0:
			expectNotFound(t, database, key)
		case i == 1:
			expectValue(t, database, key, []byte("overwritten"))
		default:
			expectValue(t, database, key, []byte(fmt.Sprintf("value-%d", i)))
		}
	}

	// the reopened database accepts writes
	mustSet(t, database, "after-reopen", []byte("value"), false)
	expectValue(t, database, "after-reopen", []byte("value"))
}

func testEdgeCases(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet)
	requireFeature(t, database, db.FeatureGet)

	emptyKeyValue := []byte("value for empty key")
	mustSet(t, database, "", emptyKeyValue, false)
	expectValue(t, database, "", emptyKeyValue)

	mustSet(t, database, "empty-value-key", []byte{}, false)
	expectValue(t, database, "empty-value-key", []byte{})

	mustSet(t, database, "nil-value-key", nil, false)
	if result, err := database.Get("nil-value-key"); err != nil {
		t.Errorf("Key for nil value not found after Set: %v", err)
	} else if len(result) != 0 {
		t.Errorf("Nil value resulted in non-empty value: %v", result)
	}

	binaryKey := string([]byte{0, 1, 2, 0xff, 0xfe})
	mustSet(t, database, binaryKey, []byte("binary"), false)
	expectValue(t, database, binaryKey, []byte("binary"))

	if t.Failed() {
		return
	}

	largeKey := string(bytes.Repeat([]byte{'k'}, 1000))
	mustSet(t, database, largeKey, []byte("value for large key"), false)
	expectValue(t, database, largeKey, []byte("value for large key"))

	largeValue := make([]byte, 8*1024*1024)
	for i := range largeValue {
		largeValue[i] = byte(i % 256)
	}
	mustSet(t, database, "large-value-key", largeValue, false)

	result, err := database.Get("large-value-key")
	if err != nil {
		t.Errorf("Key for large value not found after Set: %v", err)
	} else if !bytes.Equal(result, largeValue) {
		t.Errorf("Large value mismatch: got %d bytes, want %d", len(result), len(largeValue))
	}
}

func testManyKeys(t *testing.T, database db.KVDB) {
	defer database.Close()

	numWorkers := 8
	keysPerWorker := 500

	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < keysPerWorker; i++ {
				key := fmt.Sprintf("worker-%d-key-%d", w, i)
				if err := database.Set(key, []byte(key), true); err != nil {
					t.Errorf("Set(%q) failed: %v", key, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	for w := 0; w < numWorkers; w++ {
		for i := 0; i < keysPerWorker; i++ {
			key := fmt.Sprintf("worker-%d-key-%d", w, i)
			expectValue(t, database, key, []byte(key))
		}
	}
}

func testGarbageCollect(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureGarbageCollect)

	value := bytes.Repeat([]byte{'v'}, 256)
	for round := 0; round < 10; round++ {
		for i := 0; i < 200; i++ {
			mustSet(t, database, fmt.Sprintf("gc-key-%d", i), append(value, byte(round)), true)
		}
	}
	for i := 0; i < 100; i++ {
		mustDelete(t, database, fmt.Sprintf("gc-key-%d", i), true)
	}
	if err := database.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	before := database.GetInfo().SizeBytes
	result, err := database.GarbageCollect(true)
	if err != nil {
		t.Fatalf("GarbageCollect failed: %v", err)
	}
	if result.ReclaimedFiles == 0 {
		t.Errorf("Expected garbage collection to reclaim files, got %+v", result)
	}
	if after := database.GetInfo().SizeBytes; after >= before {
		t.Errorf("Expected size to shrink after garbage collection: before=%d after=%d", before, after)
	}

	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("gc-key-%d", i)
		if i < 100 {
			expectNotFound(t, database, key)
		} else {
			expectValue(t, database, key, append(value, byte(9)))
		}
	}
}

func testClosed(t *testing.T, database db.KVDB) {
	mustSet(t, database, "key", []byte("value"), false)
	if err := database.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := database.Set("key", []byte("value"), false); !errors.Is(err, db.ErrClosed) {
		t.Errorf("Set on closed database: got %v, want ErrClosed", err)
	}
	if _, err := database.Get("key"); !errors.Is(err, db.ErrClosed) {
		t.Errorf("Get on closed database: got %v, want ErrClosed", err)
	}
	if err := database.Delete("key", false); !errors.Is(err, db.ErrClosed) {
		t.Errorf("Delete on closed database: got %v, want ErrClosed", err)
	}
	if err := database.Close(); !errors.Is(err, db.ErrClosed) {
		t.Errorf("Second Close: got %v, want ErrClosed", err)
	}
}

func testRealisticUsage(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet)
	requireFeature(t, database, db.FeatureGet)
	requireFeature(t, database, db.FeatureDelete)

	// the model is only touched by one goroutine per key
	numWorkers := 8
	numOperations := 10_000
	models := make([]map[string][]byte, numWorkers)

	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		models[w] = make(map[string][]byte)
		go func(workerId int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(workerId)))
			model := models[workerId]

			for i := 0; i < numOperations/numWorkers; i++ {
				key := fmt.Sprintf("worker-%d-key-%d", workerId, rng.Intn(200))
				switch op := rng.Intn(10); {
				case op < 6:
					valueSize := 64
					if op == 0 {
						valueSize = 1024
					}
					value := make([]byte, valueSize)
					rng.Read(value)
					if err := database.Set(key, value, true); err != nil {
						t.Errorf("Set(%q) failed: %v", key, err)
						return
					}
					model[key] = value
				case op < 9:
					got, err := database.Get(key)
					want, exists := model[key]
					switch {
					case !exists && !errors.Is(err, db.ErrNotFound):
						t.Errorf("Get(%q) = %v, want ErrNotFound", key, err)
					case exists && (err != nil || !bytes.Equal(got, want)):
						t.Errorf("Get(%q) returned a wrong value (err=%v)", key, err)
					}
				default:
					if err := database.Delete(key, true); err != nil {
						t.Errorf("Delete(%q) failed: %v", key, err)
						return
					}
					delete(model, key)
				}
			}
		}(w)
	}
	wg.Wait()

	for _, model := range models {
		for key, value := range model {
			expectValue(t, database, key, value)
		}
	}
}

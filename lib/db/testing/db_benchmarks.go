package testing

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/hashDB/lib/db"
)

// RunKVDBBenchmarks runs all benchmarks for a key-value database implementations
func RunKVDBBenchmarks(b *testing.B, name string, factory DBFactory) {

	b.Run("Set", func(b *testing.B) {
		benchmarkSet(b, open(b, factory, b.TempDir()), false)
	})

	b.Run("SetAsync", func(b *testing.B) {
		benchmarkSet(b, open(b, factory, b.TempDir()), true)
	})

	b.Run("SetExisting", func(b *testing.B) {
		benchmarkSetExisting(b, open(b, factory, b.TempDir()))
	})

	b.Run("SetLargeValue", func(b *testing.B) {
		benchmarkSetLargeValue(b, open(b, factory, b.TempDir()))
	})

	b.Run("Get", func(b *testing.B) {
		benchmarkGet(b, open(b, factory, b.TempDir()))
	})

	b.Run("Get(missing)", func(b *testing.B) {
		benchmarkGetMissing(b, open(b, factory, b.TempDir()))
	})

	b.Run("Delete", func(b *testing.B) {
		benchmarkDelete(b, open(b, factory, b.TempDir()))
	})

	b.Run("Reopen", func(b *testing.B) {
		benchmarkReopen(b, factory)
	})

	b.Run("MixedUsage", func(b *testing.B) {
		benchmarkMixedUsage(b, open(b, factory, b.TempDir()))
	})
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

// Benchmark for Set operation
func benchmarkSet(b *testing.B, database db.KVDB, async bool) {

	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureSet)
	if async {
		requireFeature(b, database, db.FeatureAsyncWrite)
	}

	var counter int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			i := atomic.AddInt64(&counter, 1)
			key := fmt.Sprintf("test-key-%d", i)
			value := []byte(fmt.Sprintf("test-value-%d", i))
			database.Set(key, value, async)
		}
	})
}

// Benchmark for Set operation with existing keys
func benchmarkSetExisting(b *testing.B, database db.KVDB) {

	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureSet)

	// Prepare data
	numKeys := 10000
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("test-key-%d", i)
		value := []byte(fmt.Sprintf("test-value-%d", i))
		database.Set(key, value, true)
	}
	database.Flush()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			key := fmt.Sprintf("test-key-%d", counter%numKeys)
			value := []byte(fmt.Sprintf("test-value-%d", counter))
			database.Set(key, value, true)
			counter++
		}
	})
}

// Benchmark for Set operation with large values
func benchmarkSetLargeValue(b *testing.B, database db.KVDB) {

	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureSet)

	largeValue := make([]byte, 1*1024*1024) // 1MB
	var counter int64

	b.SetBytes(int64(len(largeValue)))
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			// a bounded key set keeps the garbage collector busy instead of the disk full
			key := fmt.Sprintf("test-key-%d", atomic.AddInt64(&counter, 1)%64)
			database.Set(key, largeValue, true)
		}
	})
}

// Parallel benchmarking for Get operation
func benchmarkGet(b *testing.B, database db.KVDB) {

	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureSet)
	requireFeature(b, database, db.FeatureGet)

	// Prepare data
	numKeys := 10000
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("test-key-%d", i)
		value := []byte(fmt.Sprintf("test-value-%d", i))
		database.Set(key, value, true)
	}
	database.Flush()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			key := fmt.Sprintf("test-key-%d", counter%numKeys)
			database.Get(key)
			counter++
		}
	})
}

// Parallel benchmarking for Get operation (with key miss)
func benchmarkGetMissing(b *testing.B, database db.KVDB) {

	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureGet)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			database.Get(fmt.Sprintf("missing-key-%d", counter))
			counter++
		}
	})
}

// Parallel benchmarking for Delete operation
func benchmarkDelete(b *testing.B, database db.KVDB) {

	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureSet)
	requireFeature(b, database, db.FeatureDelete)

	numKeys := 100000
	if b.N < numKeys {
		numKeys = b.N
	}

	// Prepare data
	keys := make([]string, numKeys)
	for i := 0; i < numKeys; i++ {
		keys[i] = fmt.Sprintf("test-key-%d", i)
		value := []byte(fmt.Sprintf("test-value-%d", i))
		database.Set(keys[i], value, true)
	}
	database.Flush()

	// Counter for atomic access
	var counter int64

	// Reset timer since we were doing setup
	b.ResetTimer()

	// Run parallel delete operations
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			idx := int(atomic.AddInt64(&counter, 1)-1) % numKeys
			database.Delete(keys[idx], true)
		}
	})
}

// Benchmark for Close and reopen of a populated database
// Parallelization is not meaningful here
func benchmarkReopen(b *testing.B, factory DBFactory) {
	dir := b.TempDir()
	database := open(b, factory, dir)

	requireFeature(b, database, db.FeatureSet)

	numEntries := 10000
	for i := 0; i < numEntries; i++ {
		key := fmt.Sprintf("test-key-%d", i)
		value := []byte(fmt.Sprintf("test-value-%d", i))
		database.Set(key, value, true)
	}
	database.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		open(b, factory, dir).Close()
	}
}

// Benchmark for mixed usage patterns
func benchmarkMixedUsage(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureSet)
	requireFeature(b, database, db.FeatureGet)
	requireFeature(b, database, db.FeatureDelete)

	// Number of pre-populated keys
	numKeys := 100000
	if b.N < numKeys {
		numKeys = b.N
	}

	// Prepare initial data
	keys := make([]string, numKeys)
	for i := 0; i < numKeys; i++ {
		keys[i] = fmt.Sprintf("test-key-%d", i)
		value := []byte(fmt.Sprintf("test-value-%d", i))
		database.Set(keys[i], value, true)
	}
	database.Flush()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		rnd := rand.New(rand.NewSource(time.Now().UnixNano()))

		for pb.Next() {
			key := keys[rnd.Intn(numKeys)]

			// 70% Get, 25% Set, 5% Delete
			switch p := rnd.Float32(); {
			case p < .7:
				database.Get(key)
			case p < .95:
				value := []byte(fmt.Sprintf("mixed-value-%d", rnd.Int()))
				database.Set(key, value, true)
			default:
				database.Delete(key, true)
			}
		}
	})
}

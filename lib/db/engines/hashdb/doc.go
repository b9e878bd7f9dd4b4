// Package hashdb implements a persistent key-value database (KVDB) built from a
// fixed-size hash index over append-only blob files. It provides a complete
// implementation of the db.KVDB interface.
//
// The package focuses on:
//   - Point operations with one index lookup and at most one disk read per Get
//   - Durable writes (async=false) or buffered writes that are flushed by the
//     maintenance goroutine (async=true)
//   - Background compaction of blob files whose share of live data dropped below
//     a threshold
//   - Bounded memory through cache eviction and moving idle index groups to disk
//
// Key Components:
//
//   - DB: The central structure implementing db.KVDB. It admits at most
//     ForegroundThreads operations at once, assigns sequence numbers to records and
//     owns the maintenance goroutine. Writes append a record and update the index
//     under the lock of the key's index group, so the newest record of a key always
//     wins.
//
//   - SlotIndex: Maps 64-bit key hashes to the position of the newest record. The
//     index is split into groups that are locked independently and can be written to
//     the index file (bbolt) when they are not used for a while.
//
//   - BlobStore: Numbered append-only files. The active file receives all writes
//     through a write buffer, full files are sealed, memory mapped and become
//     candidates for garbage collection.
//
//   - GarbageCollector: Relocates the live records of sealed files with low utility
//     and deletes the files. Tombstones are dropped once no older record of any key
//     is left on disk.
//
//   - BloomFilterBank: One bloom filter per file generation answers lookups of
//     missing keys without touching the index. Filters of generations whose files
//     were compacted are rebuilt from the live keys.
//
//   - CacheManager: LRU cache of recently read values, trimmed to a byte threshold by
//     the maintenance goroutine.
//
// On Close the resident index groups are written to the index file together with a
// clean marker. If the marker is missing on Open the index is rebuilt by scanning all
// blob files, where the record with the highest sequence number of each key wins.
//
// Example:
//
//	opts := hashdb.DefaultOptions("/var/lib/hashdb")
//	database, err := hashdb.Open(opts)
//	if err != nil {
//		return err
//	}
//	defer database.Close()
//
//	err = database.Set("key", []byte("value"), false)
//	value, err := database.Get("key")
package hashdb

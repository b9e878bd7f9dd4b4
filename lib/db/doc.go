// Package db provides a standardized interface for persistent key-value database
// implementations. It defines the KVDB interface, the feature flags an implementation
// advertises and the error taxonomy shared by all implementations.
//
// The package focuses on:
//   - A unified interface for point operations on opaque byte-string keys
//   - Feature discovery through capability flags
//   - Classified errors that callers can test with errors.Is
//   - Comprehensive metadata reporting
//
// Key Components:
//
//   - KVDB Interface: The core interface that all database implementations must satisfy.
//     It provides the point operations (Set, Get, Delete), durability control through
//     the async flag and Flush, an explicit garbage collection round (GarbageCollect),
//     metadata retrieval (GetInfo) and Close.
//
//   - Feature Flags: The Feature type defines capability flags that implementations
//     can advertise through the SupportsFeature method. This allows clients to
//     discover supported operations at runtime.
//
//   - Errors: ErrNotFound, ErrCorruption, ErrIO, ErrConfig and ErrClosed. Implementations
//     wrap their errors with context and mark them with one of these, so
//     errors.Is(err, db.ErrIO) holds for any I/O failure no matter how deep it was raised.
//
//   - Database Information: The DatabaseInfo structure reports the size on disk, the
//     implementation type and implementation-specific metadata.
//
// Note on Durability:
//   - A write with async=false returns after the record was written and synced.
//   - A write with async=true is visible to readers immediately but only durable after
//     the next Flush, Close or background flush.
//   - Deleting a missing key succeeds and writes nothing.
//
// Related Packages:
//
// The engines/hashdb package (github.com/ValentinKolb/hashDB/lib/db/engines/hashdb)
// implements KVDB with a fixed hash index over append-only blob files, background
// compaction, bloom filters and a bounded value cache.
//
// The util package (github.com/ValentinKolb/hashDB/lib/db/util) provides the building
// blocks used by the engines:
//   - HashKey: The 64-bit key hash
//   - SizeHistogram: Utilities for analyzing data size distributions
//   - MapHeap: A priority queue used to pick compaction and cold-down candidates
//   - LockFreeMPSC: A lock-free multi-producer single-consumer queue for maintenance events
//
// The testing package (github.com/ValentinKolb/hashDB/lib/db/testing) provides
// standardized tests and benchmarks for database implementations that satisfy the db.KVDB interface.
//   - RunKVDBTests: Runs a standardized test suite to validate implementations
//   - RunKVDBBenchmarks: Provides performance benchmarks for comparing implementations
package db

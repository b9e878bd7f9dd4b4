package db

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplHashDB Implementation = "hashdb"
)

// Feature represents database features as bit flags
type Feature uint64

const (
	FeatureSet            Feature = 1 << iota // Support for Set operations
	FeatureGet                                // Support for Get operations
	FeatureDelete                             // Support for Delete operations
	FeatureAsyncWrite                         // Set and Delete may return before the write is durable
	FeatureFlush                              // Support for Flush operations
	FeatureGarbageCollect                     // Data files are compacted by a garbage collector
	FeatureCacheEvict                         // Cached values are evicted above a memory threshold
	FeatureIndexColdDown                      // Idle index groups are moved to disk
	FeatureBloomFilter                        // Negative lookups are answered by bloom filters
)

func (f Feature) String() string {
	switch f {
	case FeatureSet:
		return "Set"
	case FeatureGet:
		return "Get"
	case FeatureDelete:
		return "Delete"
	case FeatureAsyncWrite:
		return "AsyncWrite"
	case FeatureFlush:
		return "Flush"
	case FeatureGarbageCollect:
		return "GarbageCollect"
	case FeatureCacheEvict:
		return "CacheEvict"
	case FeatureIndexColdDown:
		return "IndexColdDown"
	case FeatureBloomFilter:
		return "BloomFilter"
	default:
		return "Unknown"
	}
}

// AllFeatures lists every known feature in declaration order.
var AllFeatures = []Feature{
	FeatureSet,
	FeatureGet,
	FeatureDelete,
	FeatureAsyncWrite,
	FeatureFlush,
	FeatureGarbageCollect,
	FeatureCacheEvict,
	FeatureIndexColdDown,
	FeatureBloomFilter,
}

type DatabaseInfo struct {
	SizeBytes         int64          `json:"size_bytes"`
	DbType            Implementation `json:"db_type"`
	SupportedFeatures []Feature      `json:"supported_features"`
	Metadata          interface{}    `json:"metadata"`
}

// GCResult summarizes one garbage collection round.
type GCResult struct {
	Candidates     int   `json:"candidates"`
	ReclaimedFiles int   `json:"reclaimed_files"`
	FailedFiles    int   `json:"failed_files"`
	RelocatedBytes int64 `json:"relocated_bytes"`
	FreedBytes     int64 `json:"freed_bytes"`
}

// --------------------------------------------------------------------------
// Database Interface
// --------------------------------------------------------------------------

// KVDB defines an interface for persistent key-value database implementations.
// It provides point operations (Set, Get, Delete) and maintenance hooks.
// Keys are opaque byte strings. Implementations can vary in their feature support,
// which can be queried with SupportsFeature.
type KVDB interface {

	// --------------------------------------------------------------------------
	// Write Operations
	// --------------------------------------------------------------------------

	// Set inserts or updates an entry with the given key and value.
	// If the key already exists, the old value is overwritten.
	// With async=false the call returns only after the write is durable on disk,
	// with async=true it returns once the write is buffered.
	Set(key string, value []byte, async bool) (err error)

	// Delete removes the entry with the specified key. Deleting a missing key is not an error.
	// The async flag has the same meaning as for Set.
	Delete(key string, async bool) (err error)

	// --------------------------------------------------------------------------
	// Query Operations
	// --------------------------------------------------------------------------

	// Get retrieves the value for an exact key.
	// A missing or deleted key is reported with an error matching ErrNotFound.
	Get(key string) (value []byte, err error)

	// --------------------------------------------------------------------------
	// Maintenance Operations
	// --------------------------------------------------------------------------

	// Flush forces all buffered writes to disk.
	Flush() (err error)

	// GarbageCollect runs one compaction round synchronously.
	// With force=true the minimum candidate count is ignored.
	GarbageCollect(force bool) (result GCResult, err error)

	// --------------------------------------------------------------------------
	// Feature Support
	// --------------------------------------------------------------------------

	// SupportsFeature checks if the database implementation supports the specified feature.
	// Multiple features can be checked at once using bitwise OR (|) operator.
	SupportsFeature(feature Feature) (ok bool)

	// GetInfo returns information about the database.
	GetInfo() (info DatabaseInfo)

	// Close waits for in-flight operations, persists the index and closes all files.
	Close() (err error)
}

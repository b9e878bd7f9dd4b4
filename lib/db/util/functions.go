package util

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// --------------------------------------------------------------------------
// Hash Functions
// --------------------------------------------------------------------------

// HashKey hashes a key into the fixed-width key hash used for slot addressing
// and bloom filter membership. The hash is persisted in data files, so it must
// be stable across processes (no random seed).
func HashKey(key string) uint64 {
	return xxhash.Sum64String(key)
}

// HashBytes is HashKey for byte slices.
func HashBytes(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// --------------------------------------------------------------------------
// Formatting
// --------------------------------------------------------------------------

// FormatBytes renders a byte count using binary units (e.g. 1.5 MiB).
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit && n > -unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit || m <= -unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

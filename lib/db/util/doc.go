// Package util provides utility components shared by the storage engine and
// its tooling.
//
// The package contains:
//   - functions: the stable key hash (xxhash) and byte formatting
//   - mapheap: a keyed min-heap used to select GC and cold-down candidates
//   - lockfreempsc: a lock-free Multi-Producer Single-Consumer queue carrying
//     events from foreground writers to the maintenance goroutine
//   - statistics: a SizeHistogram and distribution statistics used by GetInfo
package util

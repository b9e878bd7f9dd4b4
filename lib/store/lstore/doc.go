// Package lstore implements a local, single-node key-value store based on the
// store.IStore interface. It provides a thin wrapper around a db.KVDB implementation
// that translates engine errors into store result codes.
//
// Key Features:
//   - Direct integration with db.KVDB implementations
//   - Feature detection to handle unsupported operations gracefully
//   - A Registry that shares one open hashdb database per directory
//
// Implementation Details:
//
//   - Feature Detection: Before executing operations, the store checks if the underlying
//     db.KVDB implementation supports the requested feature through the SupportsFeature
//     method. Unsupported operations return RetCUnsupportedOperation rather than failing
//     silently or producing undefined behavior.
//
//   - Reference Counting: Registry.Acquire opens the database on first use and hands out
//     a Handle for every caller. Handle.Release decrements the count and the last release
//     closes the database, which writes the index checkpoint. Opening and closing happen
//     under the lock of the registry entry, so an Acquire racing the last Release either
//     keeps the database open or opens it again after it was closed.
//
//   - Destroy Before Load: Acquire(opts, true) removes the files of the database before
//     opening it. This is refused while other handles to the same directory are held.
//
// Thread Safety:
//
//	All operations in the local store are thread-safe. The underlying db.KVDB
//	implementation provides its own thread safety guarantees for the storage operations.
//
// Usage Example:
//
//	registry := lstore.NewRegistry()
//	handle, err := registry.Acquire(hashdb.DefaultOptions("/var/lib/hashdb"), false)
//	if err != nil {
//		return err
//	}
//	defer handle.Release()
//
//	err = handle.Set("user:123", data, true)
//	value, exists, err := handle.Get("user:123")
package lstore

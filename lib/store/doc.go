// Package store provides a high-level interface for key-value storage operations
// with unified error handling. It serves as an abstraction layer over the lower-level
// db.KVDB implementations.
//
// The package focuses on:
//   - A unified interface (IStore) for key-value operations
//   - Result codes instead of engine specific errors
//
// Key Components:
//
//   - IStore Interface: The core abstraction defining operations for interacting with
//     a key-value store. Get reports a missing key through its loaded flag instead of an
//     error, all other failures are returned as *Error.
//
//   - Error System: A structured error reporting mechanism using typed error codes
//     (RetCode) and descriptive messages. FromDBError maps the error classes of the db
//     package to codes, the original error stays reachable through errors.Unwrap.
//
// Implementations:
//
//	- Local Store (lstore): Wraps one db.KVDB in the same process. Its Registry shares
//	  one open database per directory between all holders of a Handle and closes it when
//	  the last handle is released.
//	  Available in the "github.com/ValentinKolb/hashDB/lib/store/lstore" package.
package store

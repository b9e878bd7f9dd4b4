// Package testing provides standardised tests and benchmarks for
// database implementations that satisfy the db.KVDB interface.
//
// The package contains:
//   - testing: A test suite for validating conformance to the KVDB interface contract,
//     including persistence across Close and reopen
//   - benchmark: Performance tests for measuring throughput of common database operations
//
// The factory receives a directory. Calling it twice with the same directory must
// reopen the same data, which is how the persistence tests work.
//
// Example usage:
//
//	// Creating a factory function for your implementation
//	factory := func(dir string) (db.KVDB, error) {
//		return mydb.Open(dir)
//	}
//
//	// Running the standard test suite
//	dbtesting.RunKVDBTests(t, "MyDatabase", factory)
//
//	// Running performance benchmarks
//	dbtesting.RunKVDBBenchmarks(b, "MyDatabase", factory)
package testing

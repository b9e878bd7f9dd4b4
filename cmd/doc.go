// Package cmd implements the command-line interface for the hashDB embedded
// key-value store. All commands open the database in-process, there is no server.
//
// The package is organized into several subpackages:
//
//   - kv: Commands for key-value operations (get, set, del, flush, perf)
//   - bench: The workload driver that writes and reads back a key range and
//     optionally samples disk and memory usage while it runs
//   - admin: Maintenance commands (compact, stats, info, destroy)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See hashdb -help for a list of all commands.
package cmd

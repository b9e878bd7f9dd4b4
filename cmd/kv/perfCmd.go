package kv

import (
	"encoding/csv"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/hashDB/cmd/util"
	"github.com/ValentinKolb/hashDB/lib/db/engines/hashdb"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for a local database",
		Long:    "Runs Go benchmarks of the basic operations against the configured database. Keys are written under the prefix __test and deleted afterwards.",
		RunE:    run,
		PreRunE: processPerfConfig,
	}
	perfKeyPrefix        = "__test"
	perfLargeValueSizeKB = 100
	perfNumThreads       = 10
	perfKeySpread        = 100
	perfSkip             = make([]string, 0)
)

// perfTest is one benchmark of the perf command
type perfTest struct {
	name    string
	prepare bool // write all keys before the timer starts
	op      func(key string, counter int) error
}

func init() {
	// add flags
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. set,get)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "large-value-size"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How large the value for the set-large test should be (in KB)"))
	key = "keys"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfKeySpread = viper.GetInt("keys")
	perfNumThreads = viper.GetInt("threads")
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	if perfKeySpread < 1 || perfNumThreads < 1 {
		return fmt.Errorf("keys and threads must be at least 1")
	}
	return nil
}

func run(_ *cobra.Command, _ []string) error {

	fmt.Println("Performance testing tool for hashDB")

	opts := handle.DB().Options()

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(opts.String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Println()

	fmt.Println("staring tests...")

	value := []byte("test")
	largeValue := make([]byte, perfLargeValueSizeKB*1024)

	tests := []perfTest{
		{name: "set", op: func(key string, _ int) error {
			return handle.Set(key, value, false)
		}},
		{name: "set-async", op: func(key string, _ int) error {
			return handle.Set(key, value, true)
		}},
		{name: "set-large", op: func(key string, _ int) error {
			return handle.Set(key, largeValue, true)
		}},
		{name: "get", prepare: true, op: func(key string, _ int) error {
			_, _, err := handle.Get(key)
			return err
		}},
		{name: "get-missing", op: func(key string, _ int) error {
			_, _, err := handle.Get(key + "-missing")
			return err
		}},
		{name: "delete", prepare: true, op: func(key string, _ int) error {
			return handle.Delete(key, true)
		}},
		{name: "mixed", prepare: true, op: func(key string, counter int) error {
			var err error
			switch counter % 3 {
			case 0: // set
				err = handle.Set(key, value, true)
			case 1: // get
				_, _, err = handle.Get(key)
			case 2: // delete
				err = handle.Delete(key, true)
			}
			return err
		}},
	}

	// Create results map
	results := make(map[string]testing.BenchmarkResult)

	for _, test := range tests {
		result := testing.Benchmark(func(b *testing.B) {
			if shouldSkip(test.name) {
				return
			}

			// prepare keys
			getKey, iter := getKeys(test.name)

			if test.prepare {
				iter(func(k string) {
					if err := handle.Set(k, value, true); err != nil {
						log.Printf("(%s) - error setting key: %v\n", test.name, err)
					}
				})
			}

			// cleanup
			b.Cleanup(func() {
				iter(func(k string) {
					if err := handle.Delete(k, true); err != nil {
						log.Printf("(%s) - error deleting key: %v\n", test.name, err)
					}
				})
				if err := handle.Flush(); err != nil {
					log.Printf("(%s) - error flushing: %v\n", test.name, err)
				}
			})

			b.SetParallelism(perfNumThreads)

			b.ResetTimer()

			b.RunParallel(func(pb *testing.PB) {
				counter := 0
				for pb.Next() {
					if err := test.op(getKey(counter), counter); err != nil {
						log.Printf("(%s) - error: %v\n", test.name, err)
					}
					counter++
				}
			})
		})

		results[test.name] = result
		printResult(test.name, result)
	}

	// Write results to csv is specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, opts); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	// Check if the test is in the skip list
	for _, skip := range perfSkip {
		if test == skip {
			return true
		}
	}
	return false
}

// creates an array of test keys and functions to work with them
func getKeys(prefix string) (func(int) string, func(func(string))) {
	keys := make([]string, perfKeySpread)
	for i := 0; i < perfKeySpread; i++ {
		keys[i] = fmt.Sprintf("%s-%s-%d", perfKeyPrefix, prefix, i)
	}

	// Function to get a key by index (with wraparound)
	getKey := func(i int) string {
		return keys[i%perfKeySpread]
	}

	// Function to iterate over all keys and apply a function to each
	iterateKeys := func(fn func(string)) {
		for _, key := range keys {
			fn(key)
		}
	}

	return getKey, iterateKeys
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	// Print the formatted result
	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult, opts hashdb.Options) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"SlotsMapSize", "BlobApproximateSize", "BlobWriteBufferSize", "BloomFilters",
		"Threads", "LargeValueSizeKB", "Keys Count",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	// Write test results
	for test, result := range results {
		var nsPerOp float64
		var opsPerSec float64
		var skipped string

		if result.NsPerOp() == 0 {
			skipped = "true"
		} else {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			strconv.Itoa(opts.SlotsMapSize),
			strconv.FormatInt(opts.BlobApproximateSize, 10),
			strconv.Itoa(opts.BlobWriteBufferSize),
			strconv.Itoa(opts.BloomFiltersNum),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeValueSizeKB),
			strconv.Itoa(perfKeySpread),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}

package bench

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/hashDB/cmd/util"
	dbutil "github.com/ValentinKolb/hashDB/lib/db/util"
	"github.com/ValentinKolb/hashDB/lib/store"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// config of one benchmark run
type config struct {
	keyRange     int
	writeTimes   int
	recordSize   int
	keySize      int
	threads      int
	async        bool
	destroy      bool
	opsPerSecond int
	csvPath      string
}

var (
	// BenchCmd writes a key range several times and reads it back
	BenchCmd = &cobra.Command{
		Use:   "bench",
		Short: "Run a write/read workload against a local database",
		Long: `Writes key-range x write-times records of record-size bytes from several goroutines,
then reads every key back and checks it holds the value of the last write round.
Reports throughput and latency percentiles of both phases.`,
		Args: cobra.NoArgs,
		RunE: run,
	}
)

func init() {
	f := BenchCmd.Flags()
	f.Int("bench-key-range", 100_000, util.WrapString("Number of distinct keys"))
	f.Int("bench-write-times", 1, util.WrapString("How often every key is written"))
	f.Int("bench-record-size", 100, util.WrapString("Value size in bytes"))
	f.Int("bench-key-size", 16, util.WrapString("Key size in bytes (keys are zero padded numbers)"))
	f.Int("bench-threads", 4, util.WrapString("Number of concurrent workers"))
	f.Bool("bench-async", true, util.WrapString("Use async writes and flush once after the write phase"))
	f.Bool("bench-destroy", true, util.WrapString("Remove the database before the run"))
	f.Int("bench-ops-per-second", 0, util.WrapString("Limit for operations per second over all workers (0 = unlimited)"))
	f.String("bench-csv", "", util.WrapString("Optional path to save the results as CSV"))
	f.Duration("monitor-interval", 0, util.WrapString("Sample disk and memory usage at this interval (0 = off)"))
	f.String("monitor-csv", "hashdb-monitor.csv", util.WrapString("Path of the CSV file for the samples"))
}

func readConfig() config {
	return config{
		keyRange:     viper.GetInt("bench-key-range"),
		writeTimes:   viper.GetInt("bench-write-times"),
		recordSize:   viper.GetInt("bench-record-size"),
		keySize:      viper.GetInt("bench-key-size"),
		threads:      viper.GetInt("bench-threads"),
		async:        viper.GetBool("bench-async"),
		destroy:      viper.GetBool("bench-destroy"),
		opsPerSecond: viper.GetInt("bench-ops-per-second"),
		csvPath:      viper.GetString("bench-csv"),
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg := readConfig()
	if cfg.keyRange < 1 || cfg.writeTimes < 1 || cfg.threads < 1 || cfg.keySize < 1 || cfg.recordSize < 0 {
		return fmt.Errorf("key range, write times, threads and key size must be at least 1")
	}

	opts, err := util.GetEngineOptions()
	if err != nil {
		return err
	}
	opts.KeyRange = cfg.keyRange
	if err := opts.Validate(); err != nil {
		return err
	}

	handle, err := util.Registry.Acquire(opts, cfg.destroy)
	if err != nil {
		return err
	}
	defer handle.Release()

	fmt.Println("Configuration:")
	fmt.Println(opts.String())
	fmt.Printf("Workload: %d keys x %d writes, %d byte values, %d threads\n\n",
		cfg.keyRange, cfg.writeTimes, cfg.recordSize, cfg.threads)

	var phase atomic.Value
	phase.Store("write")

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	monitorDone := make(chan error, 1)
	if interval := viper.GetDuration("monitor-interval"); interval > 0 {
		go func() {
			monitorDone <- monitor(ctx, viper.GetString("monitor-csv"), interval, handle, &phase)
		}()
	} else {
		close(monitorDone)
	}

	registry := metrics.NewRegistry()
	writeTimer := metrics.GetOrRegisterTimer("write", registry)
	readTimer := metrics.GetOrRegisterTimer("read", registry)
	writtenBytes := metrics.GetOrRegisterMeter("written_bytes", registry)

	start := time.Now()
	if err := writePhase(ctx, cfg, handle, writeTimer, writtenBytes); err != nil {
		return err
	}
	if err := handle.Flush(); err != nil {
		return err
	}
	writeDuration := time.Since(start)

	phase.Store("read")
	start = time.Now()
	missing, mismatched, err := readPhase(ctx, cfg, handle, readTimer)
	if err != nil {
		return err
	}
	readDuration := time.Since(start)

	cancel()
	if err := <-monitorDone; err != nil {
		fmt.Printf("monitor: %v\n", err)
	}

	fmt.Println("Results:")
	printTimer("write", writeTimer, writeDuration)
	fmt.Printf("  %-8s %s/s\n", "", dbutil.FormatBytes(int64(float64(writtenBytes.Count())/writeDuration.Seconds())))
	printTimer("read", readTimer, readDuration)
	fmt.Printf("  missing=%d mismatched=%d\n", missing, mismatched)

	if info, err := handle.GetDBInfo(); err == nil {
		fmt.Printf("  size on disk: %s\n", dbutil.FormatBytes(info.SizeBytes))
	}

	if cfg.csvPath != "" {
		if err := writeResultsToCSV(cfg, map[string]metrics.Timer{"write": writeTimer, "read": readTimer},
			map[string]time.Duration{"write": writeDuration, "read": readDuration}); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
	}

	if missing > 0 || mismatched > 0 {
		return fmt.Errorf("read back failed: %d keys missing, %d values wrong", missing, mismatched)
	}
	return nil
}

// --------------------------------------------------------------------------
// Workload
// --------------------------------------------------------------------------

func benchKey(cfg config, i int) string {
	return fmt.Sprintf("%0*d", cfg.keySize, i)
}

// benchValue is the value of key i in write round r
func benchValue(cfg config, i, r int) []byte {
	return bytes.Repeat([]byte{byte(i + r)}, cfg.recordSize)
}

// forEachKey runs fn for every key, split over cfg.threads workers
func forEachKey(ctx context.Context, cfg config, fn func(i int) error) error {
	var limiter *rate.Limiter
	if cfg.opsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.opsPerSecond), cfg.threads)
	}

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.threads; w++ {
		w := w
		g.Go(func() error {
			for i := w; i < cfg.keyRange; i += cfg.threads {
				if limiter != nil {
					if err := limiter.Wait(ctx); err != nil {
						return err
					}
				} else if ctx.Err() != nil {
					return ctx.Err()
				}
				if err := fn(i); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func writePhase(ctx context.Context, cfg config, s store.IStore, timer metrics.Timer, written metrics.Meter) error {
	for r := 0; r < cfg.writeTimes; r++ {
		err := forEachKey(ctx, cfg, func(i int) error {
			key, value := benchKey(cfg, i), benchValue(cfg, i, r)
			start := time.Now()
			if err := s.Set(key, value, cfg.async); err != nil {
				return fmt.Errorf("set %s: %w", key, err)
			}
			timer.UpdateSince(start)
			written.Mark(int64(len(key) + len(value)))
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func readPhase(ctx context.Context, cfg config, s store.IStore, timer metrics.Timer) (missing, mismatched int64, err error) {
	var missingCount, mismatchedCount atomic.Int64
	last := cfg.writeTimes - 1

	err = forEachKey(ctx, cfg, func(i int) error {
		key := benchKey(cfg, i)
		start := time.Now()
		value, ok, err := s.Get(key)
		if err != nil {
			return fmt.Errorf("get %s: %w", key, err)
		}
		timer.UpdateSince(start)
		switch {
		case !ok:
			missingCount.Add(1)
		case !bytes.Equal(value, benchValue(cfg, i, last)):
			mismatchedCount.Add(1)
		}
		return nil
	})
	return missingCount.Load(), mismatchedCount.Load(), err
}

// --------------------------------------------------------------------------
// Output
// --------------------------------------------------------------------------

var percentiles = []float64{0.5, 0.95, 0.99}

func printTimer(name string, t metrics.Timer, total time.Duration) {
	s := t.Snapshot()
	ps := s.Percentiles(percentiles)
	fmt.Printf("  %-8s %d ops in %v, %.0f ops/sec, mean %v, p50 %v, p95 %v, p99 %v, max %v\n",
		name, s.Count(), total.Round(time.Millisecond), float64(s.Count())/total.Seconds(),
		time.Duration(s.Mean()), time.Duration(ps[0]), time.Duration(ps[1]), time.Duration(ps[2]), time.Duration(s.Max()))
}

func writeResultsToCSV(cfg config, timers map[string]metrics.Timer, durations map[string]time.Duration) error {
	file, err := os.Create(cfg.csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Phase", "Ops", "DurationMs", "OpsPerSec", "MeanNs", "P50Ns", "P95Ns", "P99Ns", "MaxNs",
		"KeyRange", "WriteTimes", "RecordSize", "KeySize", "Threads", "Async",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for _, phase := range []string{"write", "read"} {
		s := timers[phase].Snapshot()
		ps := s.Percentiles(percentiles)
		d := durations[phase]
		row := []string{
			phase,
			strconv.FormatInt(s.Count(), 10),
			strconv.FormatInt(d.Milliseconds(), 10),
			fmt.Sprintf("%.0f", float64(s.Count())/d.Seconds()),
			fmt.Sprintf("%.0f", s.Mean()),
			fmt.Sprintf("%.0f", ps[0]),
			fmt.Sprintf("%.0f", ps[1]),
			fmt.Sprintf("%.0f", ps[2]),
			strconv.FormatInt(s.Max(), 10),
			strconv.Itoa(cfg.keyRange),
			strconv.Itoa(cfg.writeTimes),
			strconv.Itoa(cfg.recordSize),
			strconv.Itoa(cfg.keySize),
			strconv.Itoa(cfg.threads),
			strconv.FormatBool(cfg.async),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for phase %s: %v", phase, err)
		}
	}
	return nil
}

package bench

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/hashDB/lib/store"
	"github.com/pbnjay/memory"
)

// monitor writes one CSV row per interval with the size of the database and the memory
// usage of the process until ctx is done.
func monitor(ctx context.Context, path string, interval time.Duration, s store.IStore, phase *atomic.Value) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create monitor file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"ElapsedMs", "Phase", "DiskBytes", "HeapAllocBytes", "SysBytes", "SysMemoryPercent", "NumGC"}
	if err := writer.Write(header); err != nil {
		return err
	}

	total := memory.TotalMemory()
	start := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var ms runtime.MemStats
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		info, err := s.GetDBInfo()
		if err != nil {
			return err
		}
		runtime.ReadMemStats(&ms)

		memPercent := 0.0
		if total > 0 {
			memPercent = float64(ms.Sys) / float64(total) * 100
		}
		row := []string{
			strconv.FormatInt(time.Since(start).Milliseconds(), 10),
			phase.Load().(string),
			strconv.FormatInt(info.SizeBytes, 10),
			strconv.FormatUint(ms.HeapAlloc, 10),
			strconv.FormatUint(ms.Sys, 10),
			fmt.Sprintf("%.2f", memPercent),
			strconv.FormatUint(uint64(ms.NumGC), 10),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
		writer.Flush()
	}
}

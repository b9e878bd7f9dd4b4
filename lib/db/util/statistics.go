// Package util provides a size histogram and distribution statistics used by
// the storage engine to report on value sizes, blob file utility and the
// load of index slot groups without a full scan.
package util

import (
	"math"
	"sort"
	"sync"
)

// ----------------------------------------------------------------------------
// Stats
// ----------------------------------------------------------------------------

type Stats struct {
	StdDeviation float64 `json:"std_deviation"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Mean         float64 `json:"mean"`
	MinMaxRatio  float64 `json:"min_max_ratio"`
}

// NewStats computes mean, population standard deviation, minimum and maximum.
func NewStats(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}

	s := Stats{Min: values[0], Max: values[0]}
	var sum float64
	for _, v := range values {
		sum += v
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
	}
	s.Mean = sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - s.Mean
		sq += d * d
	}
	s.StdDeviation = math.Sqrt(sq / float64(len(values)))

	s.MinMaxRatio = 1.0
	if s.Max > 0 {
		s.MinMaxRatio = s.Min / s.Max
	}
	return s
}

type DistributionStats struct {
	Stats
	DistributionQuality float64 `json:"distribution_quality"`
}

// NewDistributionStats rates how evenly values are spread over buckets.
// A quality of 1 means all buckets hold the same amount.
func NewDistributionStats(bucketSizes []float64) DistributionStats {
	stats := NewStats(bucketSizes)

	var cv float64
	if stats.Mean > 0 {
		cv = stats.StdDeviation / stats.Mean
	}

	return DistributionStats{
		Stats:               stats,
		DistributionQuality: (1.0-math.Min(1.0, cv))*0.5 + stats.MinMaxRatio*0.5,
	}
}

// ----------------------------------------------------------------------------
// SizeHistogram
// ----------------------------------------------------------------------------

// sizeBoundaries are the upper bounds (inclusive) of the histogram buckets, 16 B to 4 GiB.
var sizeBoundaries = []int{
	16, 64, 256, 1 << 10, 4 << 10,
	16 << 10, 64 << 10, 256 << 10, 1 << 20,
	4 << 20, 16 << 20, 64 << 20,
	256 << 20, 1 << 30, 4 << 30,
}

// SizeHistogram counts samples in exponentially growing size buckets.
// The last bucket holds everything above 4 GiB.
type SizeHistogram struct {
	mutex   sync.RWMutex
	buckets []int64
	count   int64
	sum     int64
}

// SizeSummary is a JSON friendly snapshot of a SizeHistogram.
type SizeSummary struct {
	Count   int64 `json:"count"`
	Average int   `json:"average"`
	Median  int   `json:"median"`
	P95     int   `json:"p95"`
	P99     int   `json:"p99"`
}

func NewSizeHistogram() *SizeHistogram {
	return &SizeHistogram{buckets: make([]int64, len(sizeBoundaries)+1)}
}

// AddSample adds a size sample.
//
// Thread-safety: This method is safe for concurrent use
func (h *SizeHistogram) AddSample(size int) {
	idx := sort.SearchInts(sizeBoundaries, size)

	h.mutex.Lock()
	h.buckets[idx]++
	h.count++
	h.sum += int64(size)
	h.mutex.Unlock()
}

// GetCount returns the total number of samples
func (h *SizeHistogram) GetCount() int64 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.count
}

// AverageSize returns the exact average of all samples
func (h *SizeHistogram) AverageSize() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	if h.count == 0 {
		return 0
	}
	return int(h.sum / h.count)
}

// MedianEstimate estimates the median size
func (h *SizeHistogram) MedianEstimate() int {
	return h.GetPercentileEstimate(50)
}

// GetPercentileEstimate returns an estimate for the given percentile (0-100).
// The estimate is the midpoint of the bucket containing the percentile.
func (h *SizeHistogram) GetPercentileEstimate(percentile int) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if h.count == 0 || percentile < 0 || percentile > 100 {
		return 0
	}

	target := int64(math.Ceil(float64(h.count) * float64(percentile) / 100.0))
	var cumulative int64
	for i, c := range h.buckets {
		cumulative += c
		if cumulative >= target && c > 0 {
			return bucketMidpoint(i)
		}
	}
	return int(h.sum / h.count)
}

func bucketMidpoint(i int) int {
	switch {
	case i == 0:
		return sizeBoundaries[0] / 2
	case i < len(sizeBoundaries):
		return (sizeBoundaries[i-1] + sizeBoundaries[i]) / 2
	default:
		return sizeBoundaries[len(sizeBoundaries)-1] * 2
	}
}

// Summary returns count, average and percentile estimates in one call
func (h *SizeHistogram) Summary() SizeSummary {
	return SizeSummary{
		Count:   h.GetCount(),
		Average: h.AverageSize(),
		Median:  h.MedianEstimate(),
		P95:     h.GetPercentileEstimate(95),
		P99:     h.GetPercentileEstimate(99),
	}
}

// Reset clears all samples
func (h *SizeHistogram) Reset() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.count, h.sum = 0, 0
	for i := range h.buckets {
		h.buckets[i] = 0
	}
}

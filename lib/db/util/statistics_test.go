package util

import (
	"math"
	"testing"
)

// TestNewStats tests mean, deviation and min/max of a small sample
func TestNewStats(t *testing.T) {
	s := NewStats([]float64{2, 4, 4, 4, 5, 5, 7, 9})

	if s.Mean != 5 {
		t.Errorf("Mean = %f, want 5", s.Mean)
	}
	if s.StdDeviation != 2 {
		t.Errorf("StdDeviation = %f, want 2", s.StdDeviation)
	}
	if s.Min != 2 || s.Max != 9 {
		t.Errorf("Min/Max = %f/%f, want 2/9", s.Min, s.Max)
	}

	if empty := NewStats(nil); empty != (Stats{}) {
		t.Errorf("Stats of no values should be zero, got %+v", empty)
	}
}

// TestDistributionQuality tests that an even distribution scores 1
func TestDistributionQuality(t *testing.T) {
	even := NewDistributionStats([]float64{10, 10, 10, 10})
	if math.Abs(even.DistributionQuality-1) > 1e-9 {
		t.Errorf("Even distribution quality = %f, want 1", even.DistributionQuality)
	}

	skewed := NewDistributionStats([]float64{0, 0, 0, 40})
	if skewed.DistributionQuality >= even.DistributionQuality {
		t.Errorf("Skewed distribution should score lower (%f >= %f)", skewed.DistributionQuality, even.DistributionQuality)
	}
}

// TestSizeHistogram tests bucket assignment and the estimators
func TestSizeHistogram(t *testing.T) {
	h := NewSizeHistogram()

	for i := 0; i < 90; i++ {
		h.AddSample(100) // bucket (64, 256]
	}
	for i := 0; i < 10; i++ {
		h.AddSample(5000) // bucket (4K, 16K]
	}

	if h.GetCount() != 100 {
		t.Errorf("GetCount = %d, want 100", h.GetCount())
	}
	if avg := h.AverageSize(); avg != (90*100+10*5000)/100 {
		t.Errorf("AverageSize = %d", avg)
	}
	if m := h.MedianEstimate(); m != (64+256)/2 {
		t.Errorf("MedianEstimate = %d, want %d", m, (64+256)/2)
	}
	if p := h.GetPercentileEstimate(99); p != (4096+16384)/2 {
		t.Errorf("P99 = %d, want %d", p, (4096+16384)/2)
	}

	sum := h.Summary()
	if sum.Count != 100 || sum.Median != h.MedianEstimate() {
		t.Errorf("Summary does not match the estimators: %+v", sum)
	}

	h.Reset()
	if h.GetCount() != 0 || h.AverageSize() != 0 {
		t.Error("Reset should clear all samples")
	}
}

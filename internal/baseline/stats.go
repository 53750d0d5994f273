package baseline

import (
	"math"
	"sort"
)

// Median of xs; 0 for an empty slice. xs is not modified.
func Median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

// MAD is the median absolute deviation around center.
func MAD(xs []float64, center float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	dev := make([]float64, len(xs))
	for i, x := range xs {
		dev[i] = math.Abs(x - center)
	}
	return Median(dev)
}

// Normalize returns (observed-center)/max(spread, floor).
func Normalize(observed, center, spread, floor float64) float64 {
	d := math.Max(spread, floor)
	if d <= 0 {
		d = 1
	}
	return (observed - center) / d
}

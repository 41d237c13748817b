package calibration

import (
	"math"
	"sort"
)

// Percentile returns the p-quantile (0 <= p <= 1) of values using linear
// interpolation between closest ranks: h = (n-1)p, result
// x[floor(h)] + (h-floor(h)) * (x[floor(h)+1] - x[floor(h)]).
// This matches the default quantile of NumPy and pandas.
// values is not modified. An empty slice returns NaN.
func Percentile(values []float64, p float64) float64 {
	n := len(values)
	if n == 0 {
		return math.NaN()
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)
	return percentileSorted(sorted, p)
}

func percentileSorted(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 1 || p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[n-1]
	}
	h := float64(n-1) * p
	lo := int(math.Floor(h))
	frac := h - float64(lo)
	if lo+1 >= n {
		return sorted[n-1]
	}
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

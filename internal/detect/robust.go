package detect

import (
	"math"
	"sort"
)

// madScale converts a median absolute deviation into a consistent estimator
// of the standard deviation for normally distributed data.
const madScale = 1.4826

// saturatedZ stands in for an infinite robust z-score when the MAD collapses
// to zero but the observation still deviates from the median.
const saturatedZ = 100.0

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func medianAbsDeviation(values []float64, med float64) float64 {
	if len(values) == 0 {
		return 0
	}
	devs := make([]float64, len(values))
	for i, v := range values {
		devs[i] = math.Abs(v - med)
	}
	return median(devs)
}

// robustZ scores x against the series using median/MAD. A zero MAD yields 0
// when x sits on the median and a saturated score otherwise.
func robustZ(x float64, values []float64) float64 {
	med := median(values)
	mad := medianAbsDeviation(values, med)
	if mad == 0 {
		if x == med {
			return 0
		}
		return saturatedZ
	}
	return (x - med) / (madScale * mad)
}

// percentile interpolates linearly between closest ranks. p is 0-100.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	frac := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*frac
}

// iqrBounds returns the Tukey outlier fences for the series.
func iqrBounds(values []float64) (lower, upper float64) {
	q1 := percentile(values, 25)
	q3 := percentile(values, 75)
	iqr := q3 - q1
	return q1 - 1.5*iqr, q3 + 1.5*iqr
}

// successiveDeltas returns pairwise differences between consecutive values.
func successiveDeltas(values []float64) []float64 {
	if len(values) < 2 {
		return nil
	}
	out := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		out = append(out, values[i]-values[i-1])
	}
	return out
}

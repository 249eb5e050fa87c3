package features

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// FloorOne is the denominator policy for behavior ratios: a zero count is
// treated as a single hypothetical event so the ratio stays bounded.
func FloorOne(denominator float64) float64 {
	return math.Max(1, denominator)
}

// Quantile returns the q-th quantile of xs using linear interpolation between
// the closest order statistics. xs need not be sorted. Returns 0 for empty input.
func Quantile(xs []float64, q float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)
	return QuantileSorted(sorted, q)
}

// QuantileSorted is Quantile for input already in ascending order.
func QuantileSorted(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo < 0 {
		lo = 0
	}
	if hi > n-1 {
		hi = n - 1
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func sum(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return floats.Sum(xs)
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return stat.Mean(xs, nil)
}

// rescaleAbove is the magnitude past which squared deviations could overflow.
const rescaleAbove = 1e150

// sampleStd is the n-1 standard deviation. ok is false when fewer than two
// observations make it undefined. Very large inputs are divided by their
// largest magnitude first so the variance stays finite.
func sampleStd(xs []float64) (std float64, ok bool) {
	if len(xs) < 2 {
		return 0, false
	}
	m := math.Max(math.Abs(floats.Max(xs)), math.Abs(floats.Min(xs)))
	if m <= rescaleAbove || math.IsInf(m, 0) {
		return stat.StdDev(xs, nil), true
	}
	scaled := make([]float64, len(xs))
	copy(scaled, xs)
	floats.Scale(1/m, scaled)
	return stat.StdDev(scaled, nil) * m, true
}

// finite maps NaN and ±Inf to 0.
func finite(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	return x
}

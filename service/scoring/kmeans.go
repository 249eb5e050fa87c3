package scoring

import (
	"math"
	"math/rand"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ClusterModel holds fitted centroids in scaled feature space.
type ClusterModel struct {
	Centroids [][]float64 `json:"centroids"`
	Inertia   float64     `json:"inertia"`
	// Requested is the configured cluster count; len(Centroids) can be lower
	// when the population has fewer distinct rows.
	Requested int `json:"requested"`
}

// K returns the number of fitted clusters.
func (m *ClusterModel) K() int {
	return len(m.Centroids)
}

// Predict returns the nearest centroid. Ties go to the lowest id.
func (m *ClusterModel) Predict(row []float64) int {
	best, _ := nearest(row, m.Centroids)
	return best
}

// Sizes counts members per cluster for the given labels.
func (m *ClusterModel) Sizes(labels []int) []int {
	sizes := make([]int, m.K())
	for _, l := range labels {
		sizes[l]++
	}
	return sizes
}

// fitKMeans runs seeded k-means++ initialisation followed by Lloyd iterations,
// keeping the lowest-inertia run. k is reduced to the number of distinct rows
// so no cluster can end up empty. rows must be non-empty.
func fitKMeans(rows [][]float64, cfg KMeans) (*ClusterModel, []int) {
	k := cfg.Clusters
	if distinct := countDistinct(rows); distinct < k {
		k = distinct
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	tol := cfg.Tolerance * meanVariance(rows)

	var (
		bestCentroids [][]float64
		bestLabels    []int
		bestInertia   = math.Inf(1)
	)
	for run := 0; run < cfg.Inits; run++ {
		centroids := initPlusPlus(rows, k, rng)
		centroids, labels, inertia := lloyd(rows, centroids, cfg.MaxIter, tol)
		if bestLabels == nil || inertia < bestInertia {
			bestCentroids, bestLabels, bestInertia = centroids, labels, inertia
		}
	}

	return &ClusterModel{
		Centroids: bestCentroids,
		Inertia:   bestInertia,
		Requested: cfg.Clusters,
	}, bestLabels
}

// initPlusPlus picks k distinct seeds, each with probability proportional to
// its squared distance from the nearest seed chosen so far.
func initPlusPlus(rows [][]float64, k int, rng *rand.Rand) [][]float64 {
	n := len(rows)
	centroids := make([][]float64, 0, k)
	centroids = append(centroids, clone(rows[rng.Intn(n)]))

	d2 := make([]float64, n)
	for i, row := range rows {
		d2[i] = sqDist(row, centroids[0])
	}

	for len(centroids) < k {
		total := floats.Sum(d2)
		if total == 0 {
			break
		}
		target := rng.Float64() * total
		pick := -1
		cum := 0.0
		for i, d := range d2 {
			if d == 0 {
				continue
			}
			cum += d
			pick = i
			if cum >= target {
				break
			}
		}
		c := clone(rows[pick])
		centroids = append(centroids, c)
		for i, row := range rows {
			if d := sqDist(row, c); d < d2[i] {
				d2[i] = d
			}
		}
	}
	return centroids
}

// lloyd iterates assignment and mean updates until the total squared centroid
// shift is within tol or maxIter is reached.
func lloyd(rows [][]float64, centroids [][]float64, maxIter int, tol float64) ([][]float64, []int, float64) {
	labels := make([]int, len(rows))
	for iter := 0; iter < maxIter; iter++ {
		assign(rows, centroids, labels)
		fillEmpty(rows, centroids, labels)
		next := means(rows, labels, len(centroids))

		shift := 0.0
		for c := range centroids {
			shift += sqDist(centroids[c], next[c])
		}
		centroids = next
		if shift <= tol {
			break
		}
	}

	assign(rows, centroids, labels)
	fillEmpty(rows, centroids, labels)
	centroids = means(rows, labels, len(centroids))

	inertia := 0.0
	for i, row := range rows {
		inertia += sqDist(row, centroids[labels[i]])
	}
	return centroids, labels, inertia
}

func assign(rows [][]float64, centroids [][]float64, labels []int) {
	for i, row := range rows {
		labels[i], _ = nearest(row, centroids)
	}
}

// fillEmpty moves, for each empty cluster, the point farthest from its own
// centroid out of a cluster that has members to spare.
func fillEmpty(rows [][]float64, centroids [][]float64, labels []int) {
	sizes := make([]int, len(centroids))
	for _, l := range labels {
		sizes[l]++
	}
	for c := range centroids {
		if sizes[c] > 0 {
			continue
		}
		far, farDist := -1, -1.0
		for i, row := range rows {
			if sizes[labels[i]] < 2 {
				continue
			}
			if d := sqDist(row, centroids[labels[i]]); d > farDist {
				far, farDist = i, d
			}
		}
		if far < 0 {
			return
		}
		sizes[labels[far]]--
		labels[far] = c
		sizes[c]++
		centroids[c] = clone(rows[far])
	}
}

func means(rows [][]float64, labels []int, k int) [][]float64 {
	width := len(rows[0])
	out := make([][]float64, k)
	counts := make([]float64, k)
	for c := range out {
		out[c] = make([]float64, width)
	}
	for i, row := range rows {
		floats.Add(out[labels[i]], row)
		counts[labels[i]]++
	}
	for c := range out {
		if counts[c] > 0 {
			floats.Scale(1/counts[c], out[c])
		}
	}
	return out
}

func nearest(row []float64, centroids [][]float64) (int, float64) {
	best, bestDist := 0, math.Inf(1)
	for c, centroid := range centroids {
		if d := sqDist(row, centroid); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best, bestDist
}

func sqDist(a, b []float64) float64 {
	d := floats.Distance(a, b, 2)
	return d * d
}

func clone(row []float64) []float64 {
	out := make([]float64, len(row))
	copy(out, row)
	return out
}

// meanVariance is the average per-column population variance, used to make
// the convergence tolerance scale-free.
func meanVariance(rows [][]float64) float64 {
	if len(rows) == 0 {
		return 0
	}
	width := len(rows[0])
	col := make([]float64, len(rows))
	total := 0.0
	for j := 0; j < width; j++ {
		for i, row := range rows {
			col[i] = row[j]
		}
		_, v := stat.PopMeanVariance(col, nil)
		total += v
	}
	return total / float64(width)
}

func countDistinct(rows [][]float64) int {
	seen := make(map[string]struct{}, len(rows))
	var b strings.Builder
	for _, row := range rows {
		b.Reset()
		for _, x := range row {
			b.WriteString(strconv.FormatUint(math.Float64bits(x+0), 16))
			b.WriteByte(',')
		}
		seen[b.String()] = struct{}{}
	}
	return len(seen)
}

// canonicalOrder returns perm where perm[old] is the new id, ranking clusters
// by descending value of centroid column col. Ties keep the original order.
func canonicalOrder(centroids [][]float64, col int) []int {
	ids := make([]int, len(centroids))
	for i := range ids {
		ids[i] = i
	}
	sort.SliceStable(ids, func(a, b int) bool {
		return centroids[ids[a]][col] > centroids[ids[b]][col]
	})
	perm := make([]int, len(centroids))
	for rank, old := range ids {
		perm[old] = rank
	}
	return perm
}

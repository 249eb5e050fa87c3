package scoring

import (
	"math"

	"github.com/brojonat/defiscore/service/features"
)

// ScaledLimit bounds every scaled value. Squared distances between clipped
// rows stay finite, so whale outliers on a zero-IQR column cannot overflow
// the clustering step.
const ScaledLimit = 1e100

// ScalerParams centers each column on its median and divides by its
// interquartile range. Columns with zero IQR keep a scale of 1.
type ScalerParams struct {
	Center []float64 `json:"center"`
	Scale  []float64 `json:"scale"`
}

// FitRobust computes per-column median and IQR over rows.
func FitRobust(rows [][]float64) ScalerParams {
	if len(rows) == 0 {
		return ScalerParams{}
	}
	width := len(rows[0])
	params := ScalerParams{
		Center: make([]float64, width),
		Scale:  make([]float64, width),
	}

	col := make([]float64, len(rows))
	for j := 0; j < width; j++ {
		for i, row := range rows {
			col[i] = row[j]
		}
		q1 := features.Quantile(col, 0.25)
		q3 := features.Quantile(col, 0.75)
		params.Center[j] = features.Quantile(col, 0.5)
		params.Scale[j] = q3 - q1
		if params.Scale[j] == 0 {
			params.Scale[j] = 1
		}
	}
	return params
}

// Transform scales a single row, clipping each value to ±ScaledLimit.
func (s ScalerParams) Transform(row []float64) []float64 {
	out := make([]float64, len(row))
	for j, x := range row {
		out[j] = clip((x - s.Center[j]) / s.Scale[j])
	}
	return out
}

func clip(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	return math.Max(-ScaledLimit, math.Min(ScaledLimit, x))
}

// TransformAll scales every row.
func (s ScalerParams) TransformAll(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		out[i] = s.Transform(row)
	}
	return out
}

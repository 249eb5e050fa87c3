package report

import (
	"fmt"

	"github.com/brojonat/defiscore/service/scoring"
	"gonum.org/v1/gonum/stat"
)

const (
	// RangeWidth is the width of each score range.
	RangeWidth = 100
	// RangeCount is the number of ranges covering [0,1000).
	RangeCount = 10
)

// Range is the aggregate of all wallets whose score falls in [Lo, Hi).
type Range struct {
	Label              string  `json:"label"`
	Lo                 int     `json:"lo"`
	Hi                 int     `json:"hi"`
	Count              int     `json:"count"`
	AvgTransactions    float64 `json:"avg_transactions"`
	AvgRepayRatio      float64 `json:"avg_repay_ratio"`
	AvgLiquidationRate float64 `json:"avg_liquidation_rate"`
	AvgEngagement      float64 `json:"avg_engagement"`
}

// Analysis holds every range in ascending order, including empty ones.
type Analysis struct {
	Ranges []Range `json:"ranges"`
	// Unbucketed counts wallets outside every half-open range, which for a
	// clamped score means exactly 1000.
	Unbucketed int `json:"unbucketed"`
}

// RangeLabel formats the label for the range starting at lo.
func RangeLabel(lo int) string {
	return fmt.Sprintf("%d-%d", lo, lo+RangeWidth)
}

// RangeIndex returns the range a score belongs to, or -1 if it is outside [0,1000).
func RangeIndex(score float64) int {
	if score < 0 || score >= RangeWidth*RangeCount || score != score {
		return -1
	}
	return int(score / RangeWidth)
}

// Bucket groups scored wallets into the fixed score ranges.
func Bucket(wallets []scoring.ScoredWallet) Analysis {
	members := make([][]*scoring.ScoredWallet, RangeCount)
	var out Analysis
	for i := range wallets {
		idx := RangeIndex(wallets[i].CreditScore)
		if idx < 0 {
			out.Unbucketed++
			continue
		}
		members[idx] = append(members[idx], &wallets[i])
	}

	out.Ranges = make([]Range, RangeCount)
	for idx, ws := range members {
		lo := idx * RangeWidth
		r := Range{
			Label: RangeLabel(lo),
			Lo:    lo,
			Hi:    lo + RangeWidth,
			Count: len(ws),
		}
		if len(ws) > 0 {
			txns := make([]float64, len(ws))
			repay := make([]float64, len(ws))
			liq := make([]float64, len(ws))
			eng := make([]float64, len(ws))
			for i, w := range ws {
				txns[i] = float64(w.TotalTransactions)
				repay[i] = w.RepayToBorrowRatio
				liq[i] = w.LiquidationRate
				eng[i] = w.ProtocolEngagementScore
			}
			r.AvgTransactions = stat.Mean(txns, nil)
			r.AvgRepayRatio = stat.Mean(repay, nil)
			r.AvgLiquidationRate = stat.Mean(liq, nil)
			r.AvgEngagement = stat.Mean(eng, nil)
		}
		out.Ranges[idx] = r
	}
	return out
}

// Populated returns only the ranges that contain at least one wallet.
func (a Analysis) Populated() []Range {
	var out []Range
	for _, r := range a.Ranges {
		if r.Count > 0 {
			out = append(out, r)
		}
	}
	return out
}

// Total returns the number of wallets that were bucketed.
func (a Analysis) Total() int {
	n := 0
	for _, r := range a.Ranges {
		n += r.Count
	}
	return n
}

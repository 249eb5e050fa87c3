package report

import (
	"sort"

	"github.com/brojonat/defiscore/service/scoring"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// WalletScore is a wallet and its credit score.
type WalletScore struct {
	Wallet      string  `json:"wallet"`
	CreditScore float64 `json:"credit_score"`
}

// Summary describes the score distribution of a run.
type Summary struct {
	Wallets int           `json:"wallets"`
	Mean    float64       `json:"mean"`
	StdDev  float64       `json:"std_dev"`
	Min     float64       `json:"min"`
	Max     float64       `json:"max"`
	Top     []WalletScore `json:"top"`
	Bottom  []WalletScore `json:"bottom"`
}

// Summarize computes distribution statistics and the n highest and lowest
// scoring wallets. Ties are broken by input order.
func Summarize(wallets []scoring.ScoredWallet, n int) Summary {
	s := Summary{Wallets: len(wallets)}
	if len(wallets) == 0 {
		return s
	}

	scores := make([]float64, len(wallets))
	ranked := make([]WalletScore, len(wallets))
	for i, w := range wallets {
		scores[i] = w.CreditScore
		ranked[i] = WalletScore{Wallet: w.Wallet, CreditScore: w.CreditScore}
	}
	s.Mean = stat.Mean(scores, nil)
	if len(scores) > 1 {
		s.StdDev = stat.StdDev(scores, nil)
	}
	s.Min = floats.Min(scores)
	s.Max = floats.Max(scores)

	if n > len(ranked) {
		n = len(ranked)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].CreditScore > ranked[j].CreditScore
	})
	s.Top = append([]WalletScore(nil), ranked[:n]...)

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].CreditScore < ranked[j].CreditScore
	})
	s.Bottom = append([]WalletScore(nil), ranked[:n]...)
	return s
}

package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/brojonat/defiscore/service/scoring"
)

// WriteScoresCSV writes a wallet,credit_score table with a header row.
func WriteScoresCSV(w io.Writer, wallets []scoring.ScoredWallet) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"wallet", "credit_score"}); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, s := range wallets {
		row := []string{s.Wallet, strconv.FormatFloat(s.CreditScore, 'f', -1, 64)}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write csv row for %s: %w", s.Wallet, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// RangeStats is the per-range record of the analysis document.
type RangeStats struct {
	Count              int     `json:"count"`
	AvgTransactions    float64 `json:"avg_transactions"`
	AvgRepayRatio      float64 `json:"avg_repay_ratio"`
	AvgLiquidationRate float64 `json:"avg_liquidation_rate"`
	AvgEngagement      float64 `json:"avg_engagement"`
}

// AnalysisDocument maps range labels to their stats. Empty ranges are omitted.
func AnalysisDocument(a Analysis) map[string]RangeStats {
	doc := make(map[string]RangeStats)
	for _, r := range a.Populated() {
		doc[r.Label] = RangeStats{
			Count:              r.Count,
			AvgTransactions:    r.AvgTransactions,
			AvgRepayRatio:      r.AvgRepayRatio,
			AvgLiquidationRate: r.AvgLiquidationRate,
			AvgEngagement:      r.AvgEngagement,
		}
	}
	return doc
}

// WriteAnalysisJSON writes the analysis document as indented JSON.
func WriteAnalysisJSON(w io.Writer, a Analysis) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(AnalysisDocument(a)); err != nil {
		return fmt.Errorf("failed to encode analysis: %w", err)
	}
	return nil
}

// SaveResults writes the score table and analysis document to the given paths.
func SaveResults(scoresPath, analysisPath string, wallets []scoring.ScoredWallet, a Analysis) error {
	if scoresPath != "" {
		if err := writeFile(scoresPath, func(w io.Writer) error { return WriteScoresCSV(w, wallets) }); err != nil {
			return err
		}
	}
	if analysisPath != "" {
		if err := writeFile(analysisPath, func(w io.Writer) error { return WriteAnalysisJSON(w, a) }); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return nil
}

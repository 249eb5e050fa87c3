package report

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/brojonat/defiscore/service/features"
	"github.com/brojonat/defiscore/service/scoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scored(wallet string, score float64) scoring.ScoredWallet {
	return scoring.ScoredWallet{
		Vector: features.Vector{
			Wallet:                  wallet,
			TotalTransactions:       10,
			RepayToBorrowRatio:      1,
			ProtocolEngagementScore: 2,
		},
		CreditScore: score,
	}
}

func TestRangeIndex(t *testing.T) {
	tests := []struct {
		score float64
		want  int
	}{
		{0, 0},
		{99.999, 0},
		{100, 1},
		{550, 5},
		{899.5, 8},
		{900, 9},
		{999.999, 9},
		{1000, -1},
		{-0.1, -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RangeIndex(tt.score), "score %v", tt.score)
	}
}

func TestBucket_PartitionsEveryWallet(t *testing.T) {
	var wallets []scoring.ScoredWallet
	for i := 0; i <= 1000; i += 7 {
		wallets = append(wallets, scored("w", float64(i)))
	}

	a := Bucket(wallets)
	require.Len(t, a.Ranges, RangeCount)
	assert.Equal(t, len(wallets), a.Total()+a.Unbucketed)
	assert.Equal(t, 0, a.Unbucketed)

	for i, r := range a.Ranges {
		assert.Equal(t, i*100, r.Lo)
		assert.Equal(t, r.Lo+100, r.Hi)
		if i > 0 {
			assert.Equal(t, a.Ranges[i-1].Hi, r.Lo)
		}
	}
	assert.Equal(t, "0-100", a.Ranges[0].Label)
	assert.Equal(t, "900-1000", a.Ranges[9].Label)
}

func TestBucket_PerfectScoreIsUnbucketed(t *testing.T) {
	a := Bucket([]scoring.ScoredWallet{scored("a", 1000), scored("b", 999.9)})
	assert.Equal(t, 1, a.Unbucketed)
	assert.Equal(t, 1, a.Ranges[9].Count)
	assert.Equal(t, 1, a.Total())
}

func TestBucket_Averages(t *testing.T) {
	low := scored("a", 120)
	low.TotalTransactions = 4
	low.LiquidationRate = 0.5
	other := scored("b", 180)
	other.TotalTransactions = 8
	other.RepayToBorrowRatio = 3

	a := Bucket([]scoring.ScoredWallet{low, other, scored("c", 950)})
	r := a.Ranges[1]
	assert.Equal(t, 2, r.Count)
	assert.InDelta(t, 6.0, r.AvgTransactions, 1e-12)
	assert.InDelta(t, 2.0, r.AvgRepayRatio, 1e-12)
	assert.InDelta(t, 0.25, r.AvgLiquidationRate, 1e-12)
	assert.InDelta(t, 2.0, r.AvgEngagement, 1e-12)

	populated := a.Populated()
	require.Len(t, populated, 2)
	assert.Equal(t, "100-200", populated[0].Label)
	assert.Equal(t, "900-1000", populated[1].Label)
}

func TestSummarize(t *testing.T) {
	wallets := []scoring.ScoredWallet{
		scored("a", 100),
		scored("b", 400),
		scored("c", 700),
		scored("d", 400),
	}

	s := Summarize(wallets, 2)
	assert.Equal(t, 4, s.Wallets)
	assert.InDelta(t, 400.0, s.Mean, 1e-9)
	assert.InDelta(t, 244.94897427831782, s.StdDev, 1e-9)
	assert.Equal(t, 100.0, s.Min)
	assert.Equal(t, 700.0, s.Max)
	assert.Equal(t, []WalletScore{{"c", 700}, {"b", 400}}, s.Top)
	assert.Equal(t, []WalletScore{{"a", 100}, {"b", 400}}, s.Bottom)
}

func TestSummarize_Small(t *testing.T) {
	assert.Equal(t, Summary{}, Summarize(nil, 10))

	s := Summarize([]scoring.ScoredWallet{scored("a", 500)}, 10)
	assert.Equal(t, 0.0, s.StdDev)
	assert.Len(t, s.Top, 1)
	assert.Len(t, s.Bottom, 1)
}

func TestWriteScoresCSV(t *testing.T) {
	var buf bytes.Buffer
	err := WriteScoresCSV(&buf, []scoring.ScoredWallet{scored("0xabc", 512.25), scored("0xdef", 0)})
	require.NoError(t, err)
	assert.Equal(t, "wallet,credit_score\n0xabc,512.25\n0xdef,0\n", buf.String())
}

func TestWriteAnalysisJSON_OmitsEmptyRanges(t *testing.T) {
	a := Bucket([]scoring.ScoredWallet{scored("a", 150), scored("b", 820)})

	var buf bytes.Buffer
	require.NoError(t, WriteAnalysisJSON(&buf, a))

	var doc map[string]RangeStats
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Len(t, doc, 2)
	assert.Equal(t, 1, doc["100-200"].Count)
	assert.Equal(t, 1, doc["800-900"].Count)
	assert.Equal(t, 10.0, doc["800-900"].AvgTransactions)
}

func TestSaveResults(t *testing.T) {
	dir := t.TempDir()
	scoresPath := filepath.Join(dir, "scores.csv")
	analysisPath := filepath.Join(dir, "analysis.json")
	wallets := []scoring.ScoredWallet{scored("a", 150)}

	require.NoError(t, SaveResults(scoresPath, analysisPath, wallets, Bucket(wallets)))

	csvData, err := os.ReadFile(scoresPath)
	require.NoError(t, err)
	assert.Contains(t, string(csvData), "a,150")

	jsonData, err := os.ReadFile(analysisPath)
	require.NoError(t, err)
	assert.Contains(t, string(jsonData), `"100-200"`)
}

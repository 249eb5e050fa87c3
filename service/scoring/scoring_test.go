package scoring

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/brojonat/defiscore/service/features"
	"github.com/brojonat/defiscore/service/ingest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2021, 8, 1, 0, 0, 0, 0, time.UTC)

func record(wallet, fn string, at time.Duration) ingest.Record {
	return ingest.Record{
		Wallet:       wallet,
		FunctionName: fn,
		Timestamp:    epoch.Add(at),
		Value:        1e18,
		GasUsed:      250000,
		GasPrice:     40e9,
		BlockNumber:  12000000 + int64(at/time.Minute),
	}
}

// randomPopulation builds n varied vectors from a fixed source.
func randomPopulation(n int) []features.Vector {
	rng := rand.New(rand.NewSource(7))
	out := make([]features.Vector, n)
	for i := range out {
		borrows := rng.Intn(10)
		repays := rng.Intn(12)
		deposits := rng.Intn(40)
		liqs := 0
		if rng.Float64() < 0.2 {
			liqs = 1 + rng.Intn(3)
		}
		total := borrows + repays + deposits + liqs + 1
		out[i] = features.Vector{
			Wallet:                  fmt.Sprintf("0x%040x", i),
			TotalTransactions:       total,
			UniqueFunctions:         1 + rng.Intn(5),
			TotalValueTransacted:    rng.ExpFloat64() * 1e21,
			AvgTransactionValue:     rng.ExpFloat64() * 1e19,
			ConsistencyScore:        rng.Float64(),
			ActivitySpanDays:        1 + rng.Intn(400),
			DepositCount:            deposits,
			BorrowCount:             borrows,
			RepayCount:              repays,
			LiquidationCount:        liqs,
			RepayToBorrowRatio:      float64(repays) / features.FloorOne(float64(borrows)),
			DepositToBorrowRatio:    float64(deposits) / features.FloorOne(float64(borrows)),
			LiquidationRate:         float64(liqs) / float64(total),
			IsLiquidated:            liqs > 0,
			ProtocolEngagementScore: rng.Float64() * 6,
			AvgGasPrice:             rng.ExpFloat64() * 1e10,
		}
	}
	return out
}

func TestRun_ScoresAreClamped(t *testing.T) {
	_, scored, err := Run(randomPopulation(200), DefaultPolicy())
	require.NoError(t, err)
	require.Len(t, scored, 200)

	for _, s := range scored {
		assert.False(t, math.IsNaN(s.CreditScore) || math.IsInf(s.CreditScore, 0), "wallet %s", s.Wallet)
		assert.GreaterOrEqual(t, s.CreditScore, 0.0, "wallet %s", s.Wallet)
		assert.LessOrEqual(t, s.CreditScore, 1000.0, "wallet %s", s.Wallet)
	}
}

func TestRun_MaximalWalletClampsTo1000(t *testing.T) {
	m := &Model{Policy: DefaultPolicy()}
	v := features.Vector{
		RepayToBorrowRatio:      10,
		ConsistencyScore:        1,
		ProtocolEngagementScore: 10,
		DepositToBorrowRatio:    10,
		DepositCount:            50,
		UniqueFunctions:         5,
	}
	got := m.scoreWithCluster(v, 0)
	assert.Equal(t, 1000.0, got.CreditScore)
	assert.Equal(t, 1.2, got.Multiplier)
}

func TestRun_Deterministic(t *testing.T) {
	pop := randomPopulation(150)

	_, first, err := Run(pop, DefaultPolicy())
	require.NoError(t, err)
	_, second, err := Run(pop, DefaultPolicy())
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_EmptyPopulation(t *testing.T) {
	_, _, err := Run(nil, DefaultPolicy())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmptyPopulation))
}

func TestRun_InvalidPolicy(t *testing.T) {
	p := DefaultPolicy()
	p.Weights.Consistency = 0.5
	_, _, err := Run(randomPopulation(3), p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidPolicy))
}

func TestLiquidationBonus(t *testing.T) {
	m := &Model{Policy: DefaultPolicy()}
	base := features.Vector{
		TotalTransactions:       12,
		UniqueFunctions:         3,
		ConsistencyScore:        0.4,
		DepositCount:            6,
		BorrowCount:             3,
		RepayCount:              2,
		RepayToBorrowRatio:      2.0 / 3.0,
		DepositToBorrowRatio:    2,
		ProtocolEngagementScore: 1.5,
	}
	liquidated := base
	liquidated.LiquidationCount = 1

	for cluster := 0; cluster < 5; cluster++ {
		clean := m.scoreWithCluster(base, cluster)
		dirty := m.scoreWithCluster(liquidated, cluster)
		assert.Equal(t, 1.0, clean.Components.NoLiquidations)
		assert.Equal(t, 0.0, dirty.Components.NoLiquidations)
		assert.GreaterOrEqual(t, clean.CreditScore, dirty.CreditScore)
	}
}

func TestComputeComponents(t *testing.T) {
	v := features.Vector{
		RepayToBorrowRatio:      1,
		ConsistencyScore:        0.5,
		ProtocolEngagementScore: 2.5,
		DepositToBorrowRatio:    6,
		DepositCount:            4,
		UniqueFunctions:         2,
		LiquidationCount:        0,
	}
	c := ComputeComponents(v, DefaultPolicy().Divisors)
	assert.InDelta(t, 0.5, c.RepaymentBehavior, 1e-12)
	assert.InDelta(t, 0.5, c.Consistency, 1e-12)
	assert.InDelta(t, 0.5, c.Engagement, 1e-12)
	assert.InDelta(t, 1.0, c.RiskManagement, 1e-12)
	assert.InDelta(t, 0.4, c.LiquidityProvision, 1e-12)
	assert.InDelta(t, 0.4, c.ProtocolUsage, 1e-12)
	assert.Equal(t, 1.0, c.NoLiquidations)

	w := DefaultPolicy().Weights
	want := 0.5*0.25 + 0.5*0.20 + 0.5*0.15 + 1.0*0.15 + 0.4*0.10 + 0.4*0.10 + 1.0*0.05
	assert.InDelta(t, want, c.Weighted(w), 1e-12)
}

func TestEndToEndThreeWallets(t *testing.T) {
	const (
		w1 = "0x1111111111111111111111111111111111111111"
		w2 = "0x2222222222222222222222222222222222222222"
		w3 = "0x3333333333333333333333333333333333333333"
	)

	// W1: 20 deposits, 5 borrows, 5 repays every 50 hours, spanning 60 days.
	var records []ingest.Record
	fns := make([]string, 0, 30)
	for i := 0; i < 20; i++ {
		fns = append(fns, ingest.FuncDeposit)
	}
	for i := 0; i < 5; i++ {
		fns = append(fns, ingest.FuncBorrow, ingest.FuncRepay)
	}
	step := 50 * time.Hour
	for i, fn := range fns {
		records = append(records, record(w1, fn, time.Duration(i)*step))
	}
	// W2: one liquidation and nothing repaid.
	records = append(records, record(w2, ingest.FuncLiquidationCall, 3*time.Hour))
	// W3: a single deposit.
	records = append(records, record(w3, ingest.FuncDeposit, 5*time.Hour))

	vectors, err := features.NewAggregator(2, nil).Aggregate(t.Context(), records)
	require.NoError(t, err)
	require.Len(t, vectors, 3)

	model, scored, err := Run(vectors, DefaultPolicy())
	require.NoError(t, err)
	require.Len(t, scored, 3)
	assert.Equal(t, 3, model.Clusters.K())
	assert.Equal(t, 5, model.Clusters.Requested)

	byWallet := map[string]ScoredWallet{}
	for _, s := range scored {
		byWallet[s.Wallet] = s
	}
	s1, s2, s3 := byWallet[w1], byWallet[w2], byWallet[w3]

	assert.Equal(t, 60, s1.ActivitySpanDays)
	assert.Equal(t, 1.0, s1.RepayToBorrowRatio)
	assert.Equal(t, 0.0, s2.Components.NoLiquidations)
	assert.Equal(t, 0.0, s2.Components.RepaymentBehavior)
	assert.Greater(t, s1.CreditScore-s2.CreditScore, 400.0)
	assert.Equal(t, 0.0, s3.ConsistencyScore)
}

func TestFit_ReducesClustersToDistinctRows(t *testing.T) {
	pop := randomPopulation(2)
	pop = append(pop, pop[0], pop[1], pop[0])

	model, labels, err := Fit(pop, DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, 2, model.Clusters.K())
	assert.Equal(t, labels[0], labels[2])
	assert.Equal(t, labels[0], labels[4])
	assert.Equal(t, labels[1], labels[3])
	assert.NotEqual(t, labels[0], labels[1])

	for _, size := range model.Clusters.Sizes(labels) {
		assert.Positive(t, size)
	}
}

func TestFit_NoEmptyClusters(t *testing.T) {
	model, labels, err := Fit(randomPopulation(40), DefaultPolicy())
	require.NoError(t, err)
	require.Equal(t, 5, model.Clusters.K())
	for c, size := range model.Clusters.Sizes(labels) {
		assert.Positive(t, size, "cluster %d", c)
	}
}

func TestFit_ConstantPopulation(t *testing.T) {
	v := randomPopulation(1)[0]
	pop := []features.Vector{v, v, v, v}

	model, scored, err := Run(pop, DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, 1, model.Clusters.K())
	for _, s := range model.Scaler.Scale {
		assert.Equal(t, 1.0, s)
	}
	for _, s := range scored {
		assert.Equal(t, 0, s.Cluster)
		assert.Equal(t, scored[0].CreditScore, s.CreditScore)
	}
}

func TestFit_SingleWallet(t *testing.T) {
	model, scored, err := Run(randomPopulation(1), DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, 1, model.Clusters.K())
	require.Len(t, scored, 1)
	assert.Equal(t, 1.2, scored[0].Multiplier)
}

func TestFit_RepaymentOrdering(t *testing.T) {
	p := DefaultPolicy()
	p.Order = OrderRepayment

	model, labels, err := Fit(randomPopulation(120), p)
	require.NoError(t, err)

	col := features.ColumnIndex(features.ColRepayToBorrowRatio)
	for c := 1; c < model.Clusters.K(); c++ {
		assert.GreaterOrEqual(t, model.Clusters.Centroids[c-1][col], model.Clusters.Centroids[c][col])
	}
	for _, size := range model.Clusters.Sizes(labels) {
		assert.Positive(t, size)
	}
}

func TestModel_ScoreUnseenWallet(t *testing.T) {
	pop := randomPopulation(60)
	model, _, err := Fit(pop[:50], DefaultPolicy())
	require.NoError(t, err)

	for _, v := range pop[50:] {
		s := model.Score(v)
		assert.GreaterOrEqual(t, s.Cluster, 0)
		assert.Less(t, s.Cluster, model.Clusters.K())
		assert.Equal(t, DefaultPolicy().Multiplier(s.Cluster), s.Multiplier)
		assert.GreaterOrEqual(t, s.CreditScore, 0.0)
		assert.LessOrEqual(t, s.CreditScore, 1000.0)
	}
}

func TestFitRobust(t *testing.T) {
	rows := [][]float64{
		{1, 7},
		{2, 7},
		{3, 7},
		{4, 7},
		{100, 7},
	}
	s := FitRobust(rows)
	assert.Equal(t, []float64{3, 7}, s.Center)
	assert.Equal(t, []float64{2, 1}, s.Scale)
	assert.Equal(t, []float64{48.5, 0}, s.Transform([]float64{100, 7}))
}

func TestFitRobust_ClipsExtremeValues(t *testing.T) {
	rows := [][]float64{{1}, {1}, {1}, {1}, {1e300}}
	s := FitRobust(rows)
	assert.Equal(t, []float64{1}, s.Scale)
	assert.Equal(t, []float64{ScaledLimit}, s.Transform([]float64{1e300}))
	assert.Equal(t, []float64{-ScaledLimit}, s.Transform([]float64{-1e300}))
	assert.Equal(t, []float64{0}, s.Transform([]float64{math.NaN()}))
}

func TestFitKMeans_KeepsRunWithInfiniteInertia(t *testing.T) {
	rows := [][]float64{{0}, {1e200}}
	cfg := DefaultPolicy().KMeans
	cfg.Clusters = 1

	model, labels := fitKMeans(rows, cfg)
	require.Equal(t, 1, model.K())
	assert.Equal(t, []int{0, 0}, labels)
	assert.True(t, math.IsInf(model.Inertia, 1))
}

// whalePopulation has a zero-IQR value column: most wallets moved exactly one
// unit while a few moved amounts whose squares overflow float64.
func whalePopulation() []features.Vector {
	var out []features.Vector
	for i := 0; i < 40; i++ {
		out = append(out, features.Vector{
			Wallet:                 fmt.Sprintf("0x%040x", i),
			TotalTransactions:      1,
			UniqueFunctions:        1,
			TotalValueTransacted:   1,
			AvgTransactionValue:    1,
			MedianTransactionValue: 1,
			ActivitySpanDays:       1,
			DepositCount:           1,
			DepositToBorrowRatio:   1,
			AvgGasUsed:             float64(21000 + 1000*i),
			AvgGasPrice:            30e9,
		})
	}
	for i := 1; i <= 7; i++ {
		whale := float64(i) * 1e160
		out = append(out, features.Vector{
			Wallet:                 fmt.Sprintf("0x%040x", 1000+i),
			TotalTransactions:      1,
			UniqueFunctions:        1,
			TotalValueTransacted:   whale,
			AvgTransactionValue:    whale,
			MedianTransactionValue: whale,
			ActivitySpanDays:       1,
			DepositCount:           1,
			DepositToBorrowRatio:   1,
			AvgGasUsed:             21000,
			AvgGasPrice:            30e9,
		})
	}
	return out
}

func TestRun_HeavyTailedPopulation(t *testing.T) {
	pop := whalePopulation()

	model, scored, err := Run(pop, DefaultPolicy())
	require.NoError(t, err)
	require.Len(t, scored, len(pop))
	require.NotEmpty(t, model.Clusters.Centroids)

	for _, row := range model.Clusters.Centroids {
		for _, x := range row {
			assert.False(t, math.IsNaN(x) || math.IsInf(x, 0))
		}
	}
	for i, s := range scored {
		assert.Equal(t, pop[i].Wallet, s.Wallet)
		assert.False(t, math.IsNaN(s.CreditScore) || math.IsInf(s.CreditScore, 0), s.Wallet)
		assert.GreaterOrEqual(t, s.CreditScore, 0.0)
		assert.LessOrEqual(t, s.CreditScore, 1000.0)
		assert.GreaterOrEqual(t, s.Cluster, 0)
		assert.Less(t, s.Cluster, model.Clusters.K())
	}

	// Whales sit far from the bulk on the value columns.
	assert.NotEqual(t, scored[0].Cluster, scored[len(scored)-1].Cluster)
}

func TestFitKMeans_SeparatesBlobs(t *testing.T) {
	var rows [][]float64
	for i := 0; i < 10; i++ {
		rows = append(rows, []float64{float64(i) * 0.01, 0})
		rows = append(rows, []float64{50 + float64(i)*0.01, 50})
	}
	cfg := DefaultPolicy().KMeans
	cfg.Clusters = 2

	model, labels := fitKMeans(rows, cfg)
	require.Equal(t, 2, model.K())
	for i := 0; i < len(rows); i += 2 {
		assert.Equal(t, labels[0], labels[i])
		assert.Equal(t, labels[1], labels[i+1])
	}
	assert.NotEqual(t, labels[0], labels[1])
	assert.Less(t, model.Inertia, 1.0)
}

func TestPolicy_Multiplier(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 1.2, p.Multiplier(0))
	assert.Equal(t, 1.0, p.Multiplier(1))
	assert.Equal(t, 0.8, p.Multiplier(2))
	assert.Equal(t, 0.9, p.Multiplier(3))
	assert.Equal(t, 1.1, p.Multiplier(4))
	assert.Equal(t, 1.0, p.Multiplier(9))
	assert.Equal(t, 1.0, p.Multiplier(-1))
}

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Policy)
		errMsg string
	}{
		{"default", func(p *Policy) {}, ""},
		{"weights not summing to one", func(p *Policy) { p.Weights.Engagement = 0.3 }, "weights must sum to 1"},
		{"negative weight", func(p *Policy) {
			p.Weights.Engagement = -0.05
			p.Weights.Consistency = 0.40
		}, "weight engagement is negative"},
		{"zero divisor", func(p *Policy) { p.Divisors.DepositCount = 0 }, "divisor deposit_count must be positive"},
		{"no clusters", func(p *Policy) { p.KMeans.Clusters = 0 }, "cluster count must be at least 1"},
		{"missing multipliers", func(p *Policy) { p.KMeans.Clusters = 6 }, "need a multiplier for each of 6 clusters"},
		{"unknown order", func(p *Policy) { p.Order = "alphabetical" }, "unknown cluster order"},
		{"no version", func(p *Policy) { p.Version = "" }, "version is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			err := p.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidPolicy))
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

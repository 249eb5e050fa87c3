package features

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sort"
	"time"

	"github.com/brojonat/defiscore/service/ingest"
	"golang.org/x/sync/errgroup"
)

const (
	frequentBorrowerThreshold = 5
	highValueQuantile         = 0.8
	hoursPerDay               = 24.0
	daysPerYear               = 365.0

	engagementDiversityWeight = 0.3
	engagementVolumeWeight    = 0.4
	engagementSpanWeight      = 0.3
	engagementVolumeDivisor   = 10.0
	engagementVolumeCap       = 5.0
)

// Aggregator reduces normalized records to one Vector per wallet. Wallets are
// independent, so vectors are computed concurrently with a bounded fan-out.
type Aggregator struct {
	workers int
	logger  *slog.Logger
}

// NewAggregator creates an Aggregator. workers <= 0 uses GOMAXPROCS.
func NewAggregator(workers int, logger *slog.Logger) *Aggregator {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		workers: workers,
		logger:  logger.With("component", "aggregator"),
	}
}

// Aggregate groups records by wallet and computes every wallet's vector.
// Output order is the order in which wallets first appear in records.
func (a *Aggregator) Aggregate(ctx context.Context, records []ingest.Record) ([]Vector, error) {
	wallets, groups := GroupByWallet(records)
	vectors := make([]Vector, len(wallets))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, wallet := range wallets {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			vectors[i] = Compute(wallet, groups[wallet])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("aggregation cancelled: %w", err)
	}

	a.logger.Debug("aggregated wallet features",
		"records", len(records),
		"wallets", len(vectors),
		"workers", a.workers,
	)
	return vectors, nil
}

// GroupByWallet buckets records per wallet and returns the wallets in
// first-appearance order.
func GroupByWallet(records []ingest.Record) ([]string, map[string][]ingest.Record) {
	order := make([]string, 0)
	groups := make(map[string][]ingest.Record)
	for _, rec := range records {
		if _, seen := groups[rec.Wallet]; !seen {
			order = append(order, rec.Wallet)
		}
		groups[rec.Wallet] = append(groups[rec.Wallet], rec)
	}
	return order, groups
}

// Compute derives the feature vector for one wallet from its full history.
// records may be in any order and must be non-empty.
func Compute(wallet string, records []ingest.Record) Vector {
	v := Vector{Wallet: wallet}
	n := len(records)
	if n == 0 {
		return v
	}

	txns := make([]ingest.Record, n)
	copy(txns, records)
	sort.SliceStable(txns, func(i, j int) bool {
		return txns[i].Timestamp.Before(txns[j].Timestamp)
	})

	values := make([]float64, n)
	gasUsed := make([]float64, n)
	gasPrice := make([]float64, n)
	functions := make(map[string]int)
	for i, tx := range txns {
		values[i] = tx.Value
		gasUsed[i] = tx.GasUsed
		gasPrice[i] = tx.GasPrice
		functions[tx.FunctionName]++
	}

	// Volume
	v.TotalTransactions = n
	v.UniqueFunctions = len(functions)
	v.TotalValueTransacted = sum(values)
	v.AvgTransactionValue = mean(values)
	v.MedianTransactionValue = Quantile(values, 0.5)
	valueStd, valueStdOK := sampleStd(values)
	v.StdTransactionValue = valueStd

	// Timing
	span := txns[n-1].Timestamp.Sub(txns[0].Timestamp)
	v.ActivitySpanDays = int(math.Max(1, float64(span/(24*time.Hour))))
	v.AvgTransactionsPerDay = float64(n) / float64(v.ActivitySpanDays)

	gapStdOK := false
	if n > 1 {
		gaps := make([]float64, n-1)
		for i := 1; i < n; i++ {
			gaps[i-1] = txns[i].Timestamp.Sub(txns[i-1].Timestamp).Hours()
		}
		v.AvgTimeBetweenTxns = mean(gaps)
		v.StdTimeBetweenTxns, gapStdOK = sampleStd(gaps)
		if gapStdOK {
			v.ConsistencyScore = 1 / (1 + v.StdTimeBetweenTxns/FloorOne(v.AvgTimeBetweenTxns))
		}
	}

	// Behavior
	v.DepositCount = functions[ingest.FuncDeposit]
	v.BorrowCount = functions[ingest.FuncBorrow]
	v.RepayCount = functions[ingest.FuncRepay]
	v.RedeemCount = functions[ingest.FuncRedeemUnderlying]
	v.LiquidationCount = functions[ingest.FuncLiquidationCall]

	v.RepayToBorrowRatio = float64(v.RepayCount) / FloorOne(float64(v.BorrowCount))
	v.DepositToBorrowRatio = float64(v.DepositCount) / FloorOne(float64(v.BorrowCount))
	v.LiquidationRate = float64(v.LiquidationCount) / float64(n)

	v.IsFrequentBorrower = v.BorrowCount > frequentBorrowerThreshold
	v.IsLiquidated = v.LiquidationCount > 0
	v.HighValueUser = v.TotalValueTransacted > Quantile(values, highValueQuantile)

	v.ProtocolEngagementScore = engagementDiversityWeight*float64(v.UniqueFunctions) +
		engagementVolumeWeight*math.Min(float64(n)/engagementVolumeDivisor, engagementVolumeCap) +
		engagementSpanWeight*float64(v.ActivitySpanDays)/daysPerYear

	v.AvgGasUsed = mean(gasUsed)
	v.AvgGasPrice = mean(gasPrice)
	v.GasEfficiency = v.AvgGasUsed / FloorOne(v.AvgGasPrice)

	// A single gap has no spread, so regularity is undefined for two-record
	// wallets and reported as 0 like every other undefined feature.
	if n == 1 || gapStdOK {
		v.TransactionRegularity = 1 / (1 + v.StdTimeBetweenTxns/hoursPerDay)
	}
	if valueStdOK {
		v.ValueConsistency = 1 / (1 + v.StdTransactionValue/FloorOne(v.AvgTransactionValue))
	}

	return v.sanitized()
}

// sanitized replaces any non-finite float with 0.
func (v Vector) sanitized() Vector {
	for _, f := range []*float64{
		&v.TotalValueTransacted,
		&v.AvgTransactionValue,
		&v.MedianTransactionValue,
		&v.StdTransactionValue,
		&v.AvgTransactionsPerDay,
		&v.AvgTimeBetweenTxns,
		&v.StdTimeBetweenTxns,
		&v.ConsistencyScore,
		&v.RepayToBorrowRatio,
		&v.DepositToBorrowRatio,
		&v.LiquidationRate,
		&v.ProtocolEngagementScore,
		&v.AvgGasUsed,
		&v.AvgGasPrice,
		&v.GasEfficiency,
		&v.TransactionRegularity,
		&v.ValueConsistency,
	} {
		*f = finite(*f)
	}
	return v
}

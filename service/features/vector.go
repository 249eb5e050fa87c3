package features

// Vector is the fixed-width behavioral summary of one wallet's history.
// Every numeric field is finite; undefined statistics are reported as 0.
type Vector struct {
	Wallet string `json:"wallet"`

	// Volume
	TotalTransactions      int     `json:"total_transactions"`
	UniqueFunctions        int     `json:"unique_functions"`
	TotalValueTransacted   float64 `json:"total_value_transacted"`
	AvgTransactionValue    float64 `json:"avg_transaction_value"`
	MedianTransactionValue float64 `json:"median_transaction_value"`
	StdTransactionValue    float64 `json:"std_transaction_value"`

	// Timing
	ActivitySpanDays      int     `json:"activity_span_days"`
	AvgTransactionsPerDay float64 `json:"avg_transactions_per_day"`
	AvgTimeBetweenTxns    float64 `json:"avg_time_between_txns"`
	StdTimeBetweenTxns    float64 `json:"std_time_between_txns"`
	ConsistencyScore      float64 `json:"consistency_score"`

	// Behavior counts
	DepositCount     int `json:"deposit_count"`
	BorrowCount      int `json:"borrow_count"`
	RepayCount       int `json:"repay_count"`
	RedeemCount      int `json:"redeem_count"`
	LiquidationCount int `json:"liquidation_count"`

	// Behavior ratios
	RepayToBorrowRatio   float64 `json:"repay_to_borrow_ratio"`
	DepositToBorrowRatio float64 `json:"deposit_to_borrow_ratio"`
	LiquidationRate      float64 `json:"liquidation_rate"`

	// Risk flags
	IsFrequentBorrower bool `json:"is_frequent_borrower"`
	IsLiquidated       bool `json:"is_liquidated"`
	HighValueUser      bool `json:"high_value_user"`

	// Composite sub-scores
	ProtocolEngagementScore float64 `json:"protocol_engagement_score"`
	AvgGasUsed              float64 `json:"avg_gas_used"`
	AvgGasPrice             float64 `json:"avg_gas_price"`
	GasEfficiency           float64 `json:"gas_efficiency"`
	TransactionRegularity   float64 `json:"transaction_regularity"`
	ValueConsistency        float64 `json:"value_consistency"`
}

// Names of the numeric feature columns, in the order Values returns them.
const (
	ColTotalTransactions       = "total_transactions"
	ColUniqueFunctions         = "unique_functions"
	ColTotalValueTransacted    = "total_value_transacted"
	ColAvgTransactionValue     = "avg_transaction_value"
	ColMedianTransactionValue  = "median_transaction_value"
	ColStdTransactionValue     = "std_transaction_value"
	ColActivitySpanDays        = "activity_span_days"
	ColAvgTransactionsPerDay   = "avg_transactions_per_day"
	ColAvgTimeBetweenTxns      = "avg_time_between_txns"
	ColStdTimeBetweenTxns      = "std_time_between_txns"
	ColConsistencyScore        = "consistency_score"
	ColDepositCount            = "deposit_count"
	ColBorrowCount             = "borrow_count"
	ColRepayCount              = "repay_count"
	ColRedeemCount             = "redeem_count"
	ColLiquidationCount        = "liquidation_count"
	ColRepayToBorrowRatio      = "repay_to_borrow_ratio"
	ColDepositToBorrowRatio    = "deposit_to_borrow_ratio"
	ColLiquidationRate         = "liquidation_rate"
	ColIsFrequentBorrower      = "is_frequent_borrower"
	ColIsLiquidated            = "is_liquidated"
	ColHighValueUser           = "high_value_user"
	ColProtocolEngagementScore = "protocol_engagement_score"
	ColAvgGasUsed              = "avg_gas_used"
	ColAvgGasPrice             = "avg_gas_price"
	ColGasEfficiency           = "gas_efficiency"
	ColTransactionRegularity   = "transaction_regularity"
	ColValueConsistency        = "value_consistency"
)

// Columns lists the feature matrix columns. The wallet id is not a column.
var Columns = []string{
	ColTotalTransactions,
	ColUniqueFunctions,
	ColTotalValueTransacted,
	ColAvgTransactionValue,
	ColMedianTransactionValue,
	ColStdTransactionValue,
	ColActivitySpanDays,
	ColAvgTransactionsPerDay,
	ColAvgTimeBetweenTxns,
	ColStdTimeBetweenTxns,
	ColConsistencyScore,
	ColDepositCount,
	ColBorrowCount,
	ColRepayCount,
	ColRedeemCount,
	ColLiquidationCount,
	ColRepayToBorrowRatio,
	ColDepositToBorrowRatio,
	ColLiquidationRate,
	ColIsFrequentBorrower,
	ColIsLiquidated,
	ColHighValueUser,
	ColProtocolEngagementScore,
	ColAvgGasUsed,
	ColAvgGasPrice,
	ColGasEfficiency,
	ColTransactionRegularity,
	ColValueConsistency,
}

// ColumnIndex returns the position of name in Columns, or -1.
func ColumnIndex(name string) int {
	for i, c := range Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Values returns the numeric features in Columns order. Flags are 0 or 1.
func (v *Vector) Values() []float64 {
	return []float64{
		float64(v.TotalTransactions),
		float64(v.UniqueFunctions),
		v.TotalValueTransacted,
		v.AvgTransactionValue,
		v.MedianTransactionValue,
		v.StdTransactionValue,
		float64(v.ActivitySpanDays),
		v.AvgTransactionsPerDay,
		v.AvgTimeBetweenTxns,
		v.StdTimeBetweenTxns,
		v.ConsistencyScore,
		float64(v.DepositCount),
		float64(v.BorrowCount),
		float64(v.RepayCount),
		float64(v.RedeemCount),
		float64(v.LiquidationCount),
		v.RepayToBorrowRatio,
		v.DepositToBorrowRatio,
		v.LiquidationRate,
		boolToFloat(v.IsFrequentBorrower),
		boolToFloat(v.IsLiquidated),
		boolToFloat(v.HighValueUser),
		v.ProtocolEngagementScore,
		v.AvgGasUsed,
		v.AvgGasPrice,
		v.GasEfficiency,
		v.TransactionRegularity,
		v.ValueConsistency,
	}
}

// Matrix stacks the Values of each vector into rows.
func Matrix(vectors []Vector) [][]float64 {
	rows := make([][]float64, len(vectors))
	for i := range vectors {
		rows[i] = vectors[i].Values()
	}
	return rows
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

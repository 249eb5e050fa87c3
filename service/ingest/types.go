package ingest

import (
	"errors"
	"time"
)

// Function names the aggregator counts individually. Any other value is kept
// on the record but only contributes to totals and diversity.
const (
	FuncDeposit          = "deposit"
	FuncBorrow           = "borrow"
	FuncRepay            = "repay"
	FuncRedeemUnderlying = "redeemUnderlying"
	FuncLiquidationCall  = "liquidationCall"
)

// Raw JSON keys of a protocol log entry.
const (
	FieldFrom         = "from"
	FieldFunctionName = "functionName"
	FieldTimeStamp    = "timeStamp"
	FieldValue        = "value"
	FieldGasUsed      = "gasUsed"
	FieldGasPrice     = "gasPrice"
	FieldBlockNumber  = "blockNumber"
)

// RequiredFields must be present on every raw record.
// Gas fields are optional and default to zero.
var RequiredFields = []string{
	FieldFrom,
	FieldFunctionName,
	FieldTimeStamp,
	FieldValue,
	FieldBlockNumber,
}

var (
	// ErrMalformedRecord is wrapped by every per-record rejection.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrNotArray is returned when the input document is not a JSON array.
	ErrNotArray = errors.New("input is not a JSON array")
)

// Record is a normalized protocol interaction. It is never mutated after
// Normalize returns it.
type Record struct {
	Wallet       string    `json:"wallet"`
	FunctionName string    `json:"function_name"`
	Timestamp    time.Time `json:"timestamp"`
	Value        float64   `json:"value"`
	GasUsed      float64   `json:"gas_used"`
	GasPrice     float64   `json:"gas_price"`
	BlockNumber  int64     `json:"block_number"`
}

// RejectReason classifies why a raw record was dropped.
type RejectReason string

const (
	ReasonInvalidJSON      RejectReason = "invalid_json"
	ReasonMissingField     RejectReason = "missing_field"
	ReasonInvalidWallet    RejectReason = "invalid_wallet"
	ReasonInvalidNumber    RejectReason = "invalid_number"
	ReasonInvalidTimestamp RejectReason = "invalid_timestamp"
	ReasonNegativeValue    RejectReason = "negative_value"
)

// Rejection describes a raw record that was dropped during normalization.
type Rejection struct {
	Index  int          `json:"index"`
	Wallet string       `json:"wallet,omitempty"`
	Field  string       `json:"field,omitempty"`
	Reason RejectReason `json:"reason"`
	Err    error        `json:"-"`
}

// Error implements error so a rejection can be logged or wrapped directly.
func (r Rejection) Error() string {
	if r.Err != nil {
		return r.Err.Error()
	}
	return ErrMalformedRecord.Error()
}

// Unwrap exposes ErrMalformedRecord to errors.Is.
func (r Rejection) Unwrap() error {
	return r.Err
}

// Result is the output of Normalize.
type Result struct {
	Records    []Record    `json:"records"`
	Rejections []Rejection `json:"rejections"`
}

// RejectionsByReason tallies the rejections of a result.
func (r *Result) RejectionsByReason() map[RejectReason]int {
	counts := make(map[RejectReason]int)
	for _, rej := range r.Rejections {
		counts[rej.Reason]++
	}
	return counts
}

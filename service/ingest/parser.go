package ingest

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// maxEpochSeconds bounds accepted timestamps (year 5138) so conversion to
// time.Time cannot overflow.
var maxEpochSeconds = decimal.NewFromInt(100_000_000_000)

// Normalize converts raw log entries into typed records. A malformed entry is
// rejected and reported instead of being coerced, and never aborts the batch.
func Normalize(raws []json.RawMessage) *Result {
	result := &Result{
		Records:    make([]Record, 0, len(raws)),
		Rejections: make([]Rejection, 0),
	}

	for i, raw := range raws {
		rec, rej := parseRecord(i, raw)
		if rej != nil {
			result.Rejections = append(result.Rejections, *rej)
			continue
		}
		result.Records = append(result.Records, rec)
	}

	return result
}

// parseRecord parses a single raw entry. Exactly one of the return values is meaningful.
func parseRecord(index int, raw json.RawMessage) (Record, *Rejection) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return Record{}, reject(index, "", "", ReasonInvalidJSON, fmt.Errorf("entry is not an object"))
	}

	for _, key := range RequiredFields {
		if isAbsent(fields[key]) {
			return Record{}, reject(index, "", key, ReasonMissingField, fmt.Errorf("missing required field %q", key))
		}
	}

	var wallet string
	if err := json.Unmarshal(fields[FieldFrom], &wallet); err != nil || strings.TrimSpace(wallet) == "" {
		return Record{}, reject(index, "", FieldFrom, ReasonInvalidWallet, fmt.Errorf("wallet must be a non-empty string"))
	}

	var functionName string
	if err := json.Unmarshal(fields[FieldFunctionName], &functionName); err != nil {
		return Record{}, reject(index, wallet, FieldFunctionName, ReasonInvalidJSON, fmt.Errorf("functionName must be a string"))
	}

	ts, err := parseDecimal(fields[FieldTimeStamp])
	if err != nil {
		return Record{}, reject(index, wallet, FieldTimeStamp, ReasonInvalidTimestamp, err)
	}
	timestamp, err := epochToTime(ts)
	if err != nil {
		return Record{}, reject(index, wallet, FieldTimeStamp, ReasonInvalidTimestamp, err)
	}

	rec := Record{
		Wallet:       wallet,
		FunctionName: functionName,
		Timestamp:    timestamp,
	}

	numeric := []struct {
		key      string
		dst      *float64
		required bool
	}{
		{FieldValue, &rec.Value, true},
		{FieldGasUsed, &rec.GasUsed, false},
		{FieldGasPrice, &rec.GasPrice, false},
	}
	for _, n := range numeric {
		raw := fields[n.key]
		if !n.required && isAbsent(raw) {
			continue
		}
		d, err := parseDecimal(raw)
		if err != nil {
			return Record{}, reject(index, wallet, n.key, ReasonInvalidNumber, err)
		}
		if d.IsNegative() {
			return Record{}, reject(index, wallet, n.key, ReasonNegativeValue, fmt.Errorf("%s is negative: %s", n.key, d))
		}
		f := d.InexactFloat64()
		if math.IsInf(f, 0) || math.IsNaN(f) {
			return Record{}, reject(index, wallet, n.key, ReasonInvalidNumber, fmt.Errorf("%s overflows float64: %s", n.key, string(raw)))
		}
		*n.dst = f
	}

	block, err := parseDecimal(fields[FieldBlockNumber])
	if err != nil {
		return Record{}, reject(index, wallet, FieldBlockNumber, ReasonInvalidNumber, err)
	}
	if !block.IsInteger() || block.IsNegative() || !block.BigInt().IsInt64() {
		return Record{}, reject(index, wallet, FieldBlockNumber, ReasonInvalidNumber, fmt.Errorf("blockNumber is not a non-negative integer: %s", block))
	}
	rec.BlockNumber = block.IntPart()

	return rec, nil
}

// parseDecimal accepts a JSON number or a JSON string holding a number.
func parseDecimal(raw json.RawMessage) (decimal.Decimal, error) {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(raw); err != nil {
		return decimal.Zero, fmt.Errorf("invalid number %s: %w", string(raw), err)
	}
	return d, nil
}

// epochToTime converts epoch seconds, possibly fractional, to a UTC time.
func epochToTime(d decimal.Decimal) (time.Time, error) {
	if d.IsNegative() || d.GreaterThan(maxEpochSeconds) {
		return time.Time{}, fmt.Errorf("timestamp out of range: %s", d)
	}
	secs := d.IntPart()
	nanos := d.Sub(decimal.NewFromInt(secs)).Shift(9).IntPart()
	return time.Unix(secs, nanos).UTC(), nil
}

func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func reject(index int, wallet, field string, reason RejectReason, err error) *Rejection {
	return &Rejection{
		Index:  index,
		Wallet: wallet,
		Field:  field,
		Reason: reason,
		Err:    fmt.Errorf("%w: record %d: %v", ErrMalformedRecord, index, err),
	}
}

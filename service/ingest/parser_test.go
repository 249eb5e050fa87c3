package ingest

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raws(t *testing.T, entries ...string) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, len(entries))
	for i, e := range entries {
		out[i] = json.RawMessage(e)
	}
	return out
}

func TestNormalize_StringAndNumericFields(t *testing.T) {
	input := raws(t,
		`{"from":"0xabc","functionName":"deposit","timeStamp":"1629178166","value":"2000000000000000000000","gasUsed":"201000","gasPrice":"40000000000","blockNumber":"12345678"}`,
		`{"from":"0xabc","functionName":"borrow","timeStamp":1629178200,"value":1.5,"gasUsed":21000,"gasPrice":1,"blockNumber":12345679}`,
	)

	result := Normalize(input)
	require.Len(t, result.Records, 2)
	assert.Empty(t, result.Rejections)

	first := result.Records[0]
	assert.Equal(t, "0xabc", first.Wallet)
	assert.Equal(t, FuncDeposit, first.FunctionName)
	assert.Equal(t, time.Unix(1629178166, 0).UTC(), first.Timestamp)
	assert.Equal(t, 2e21, first.Value)
	assert.Equal(t, 201000.0, first.GasUsed)
	assert.Equal(t, 4e10, first.GasPrice)
	assert.Equal(t, int64(12345678), first.BlockNumber)

	second := result.Records[1]
	assert.Equal(t, 1.5, second.Value)
	assert.Equal(t, int64(12345679), second.BlockNumber)
}

func TestNormalize_FractionalTimestamp(t *testing.T) {
	result := Normalize(raws(t,
		`{"from":"0xabc","functionName":"repay","timeStamp":"100.5","value":"1","blockNumber":"1"}`,
	))
	require.Len(t, result.Records, 1)
	assert.Equal(t, time.Unix(100, 500_000_000).UTC(), result.Records[0].Timestamp)
}

func TestNormalize_MissingGasDefaultsToZero(t *testing.T) {
	result := Normalize(raws(t,
		`{"from":"0xabc","functionName":"deposit","timeStamp":"1","value":"10","blockNumber":"1"}`,
		`{"from":"0xabc","functionName":"deposit","timeStamp":"2","value":"10","gasUsed":null,"blockNumber":"2"}`,
	))
	require.Len(t, result.Records, 2)
	for _, rec := range result.Records {
		assert.Zero(t, rec.GasUsed)
		assert.Zero(t, rec.GasPrice)
	}
}

func TestNormalize_UnrecognizedFunctionIsKept(t *testing.T) {
	result := Normalize(raws(t,
		`{"from":"0xabc","functionName":"swapBorrowRateMode","timeStamp":"1","value":"0","blockNumber":"1"}`,
	))
	require.Len(t, result.Records, 1)
	assert.Equal(t, "swapBorrowRateMode", result.Records[0].FunctionName)
}

func TestNormalize_RejectsMalformedRecords(t *testing.T) {
	tests := []struct {
		name   string
		entry  string
		reason RejectReason
		field  string
	}{
		{
			name:   "not an object",
			entry:  `42`,
			reason: ReasonInvalidJSON,
		},
		{
			name:   "missing wallet",
			entry:  `{"functionName":"deposit","timeStamp":"1","value":"1","blockNumber":"1"}`,
			reason: ReasonMissingField,
			field:  FieldFrom,
		},
		{
			name:   "null value",
			entry:  `{"from":"0xabc","functionName":"deposit","timeStamp":"1","value":null,"blockNumber":"1"}`,
			reason: ReasonMissingField,
			field:  FieldValue,
		},
		{
			name:   "blank wallet",
			entry:  `{"from":"  ","functionName":"deposit","timeStamp":"1","value":"1","blockNumber":"1"}`,
			reason: ReasonInvalidWallet,
			field:  FieldFrom,
		},
		{
			name:   "numeric function name",
			entry:  `{"from":"0xabc","functionName":7,"timeStamp":"1","value":"1","blockNumber":"1"}`,
			reason: ReasonInvalidJSON,
			field:  FieldFunctionName,
		},
		{
			name:   "unparseable timestamp",
			entry:  `{"from":"0xabc","functionName":"deposit","timeStamp":"yesterday","value":"1","blockNumber":"1"}`,
			reason: ReasonInvalidTimestamp,
			field:  FieldTimeStamp,
		},
		{
			name:   "negative timestamp",
			entry:  `{"from":"0xabc","functionName":"deposit","timeStamp":"-5","value":"1","blockNumber":"1"}`,
			reason: ReasonInvalidTimestamp,
			field:  FieldTimeStamp,
		},
		{
			name:   "unparseable value",
			entry:  `{"from":"0xabc","functionName":"deposit","timeStamp":"1","value":"lots","blockNumber":"1"}`,
			reason: ReasonInvalidNumber,
			field:  FieldValue,
		},
		{
			name:   "value beyond float64 range",
			entry:  `{"from":"0xabc","functionName":"deposit","timeStamp":"1","value":"1e400","blockNumber":"1"}`,
			reason: ReasonInvalidNumber,
			field:  FieldValue,
		},
		{
			name:   "bare number value beyond float64 range",
			entry:  `{"from":"0xabc","functionName":"deposit","timeStamp":"1","value":2e308,"blockNumber":"1"}`,
			reason: ReasonInvalidNumber,
			field:  FieldValue,
		},
		{
			name:   "gas price beyond float64 range",
			entry:  `{"from":"0xabc","functionName":"deposit","timeStamp":"1","value":"1","gasPrice":"9e999","blockNumber":"1"}`,
			reason: ReasonInvalidNumber,
			field:  FieldGasPrice,
		},
		{
			name:   "empty value string",
			entry:  `{"from":"0xabc","functionName":"deposit","timeStamp":"1","value":"","blockNumber":"1"}`,
			reason: ReasonInvalidNumber,
			field:  FieldValue,
		},
		{
			name:   "negative value",
			entry:  `{"from":"0xabc","functionName":"deposit","timeStamp":"1","value":"-1","blockNumber":"1"}`,
			reason: ReasonNegativeValue,
			field:  FieldValue,
		},
		{
			name:   "unparseable gas price",
			entry:  `{"from":"0xabc","functionName":"deposit","timeStamp":"1","value":"1","gasPrice":"fast","blockNumber":"1"}`,
			reason: ReasonInvalidNumber,
			field:  FieldGasPrice,
		},
		{
			name:   "timestamp beyond supported range",
			entry:  `{"from":"0xabc","functionName":"deposit","timeStamp":"1e300","value":"1","blockNumber":"1"}`,
			reason: ReasonInvalidTimestamp,
			field:  FieldTimeStamp,
		},
		{
			name:   "block number beyond int64",
			entry:  `{"from":"0xabc","functionName":"deposit","timeStamp":"1","value":"1","blockNumber":"99999999999999999999"}`,
			reason: ReasonInvalidNumber,
			field:  FieldBlockNumber,
		},
		{
			name:   "fractional block number",
			entry:  `{"from":"0xabc","functionName":"deposit","timeStamp":"1","value":"1","blockNumber":"1.5"}`,
			reason: ReasonInvalidNumber,
			field:  FieldBlockNumber,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Normalize(raws(t, tt.entry))
			assert.Empty(t, result.Records)
			require.Len(t, result.Rejections, 1)

			rej := result.Rejections[0]
			assert.Equal(t, 0, rej.Index)
			assert.Equal(t, tt.reason, rej.Reason)
			assert.Equal(t, tt.field, rej.Field)
			assert.True(t, errors.Is(rej, ErrMalformedRecord))
		})
	}
}

func TestNormalize_BadRecordDoesNotAbortBatch(t *testing.T) {
	result := Normalize(raws(t,
		`{"from":"0xa","functionName":"deposit","timeStamp":"1","value":"1","blockNumber":"1"}`,
		`{"from":"0xb","functionName":"deposit","timeStamp":"bad","value":"1","blockNumber":"1"}`,
		`{"from":"0xc","functionName":"deposit","timeStamp":"3","value":"1","blockNumber":"3"}`,
	))

	require.Len(t, result.Records, 2)
	assert.Equal(t, "0xa", result.Records[0].Wallet)
	assert.Equal(t, "0xc", result.Records[1].Wallet)
	require.Len(t, result.Rejections, 1)
	assert.Equal(t, 1, result.Rejections[0].Index)
	assert.Equal(t, "0xb", result.Rejections[0].Wallet)
	assert.Equal(t, map[RejectReason]int{ReasonInvalidTimestamp: 1}, result.RejectionsByReason())
}

func TestDecodeArray(t *testing.T) {
	got, err := DecodeArray(strings.NewReader(`[{"a":1}, 2, "x"]`))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.JSONEq(t, `{"a":1}`, string(got[0]))

	_, err = DecodeArray(strings.NewReader(`{"a":1}`))
	assert.ErrorIs(t, err, ErrNotArray)

	_, err = DecodeArray(strings.NewReader(`[{"a":1}`))
	assert.Error(t, err)

	empty, err := DecodeArray(strings.NewReader(`[]`))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestValidate(t *testing.T) {
	report, err := Validate(raws(t,
		`{"from":"0xa","functionName":"deposit","timeStamp":"1","value":"1","blockNumber":"1"}`,
		`{"from":"0xb","functionName":"borrow","timeStamp":"1","value":"1","blockNumber":"1"}`,
		`{"from":"0xa","functionName":"repay","timeStamp":"1","value":"1","blockNumber":"1"}`,
	))
	require.NoError(t, err)
	assert.Equal(t, 3, report.Transactions)
	assert.Equal(t, 2, report.UniqueWallets)
	assert.Equal(t, 3, report.UniqueFunctions)
	assert.Equal(t, []string{"borrow", "deposit", "repay"}, report.Functions)

	_, err = Validate(nil)
	assert.ErrorContains(t, err, "no transactions")

	report, err = Validate(raws(t, `{"from":"0xa","functionName":"deposit"}`))
	require.Error(t, err)
	assert.Equal(t, []string{FieldTimeStamp, FieldValue, FieldBlockNumber}, report.MissingFields)
}

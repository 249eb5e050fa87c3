package ingest

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ValidationReport summarizes the shape of a raw transaction dump.
type ValidationReport struct {
	Transactions    int      `json:"transactions"`
	UniqueWallets   int      `json:"unique_wallets"`
	UniqueFunctions int      `json:"unique_functions"`
	Functions       []string `json:"functions"`
	MissingFields   []string `json:"missing_fields,omitempty"`
}

// Validate checks that the dump is non-empty and that its first entry carries
// every required field, then counts wallets and function names across all
// entries that decode as objects. The report is returned even on failure.
func Validate(raws []json.RawMessage) (*ValidationReport, error) {
	report := &ValidationReport{Transactions: len(raws)}
	if len(raws) == 0 {
		return report, fmt.Errorf("input contains no transactions")
	}

	var first map[string]json.RawMessage
	if err := json.Unmarshal(raws[0], &first); err != nil {
		return report, fmt.Errorf("first entry is not an object: %w", err)
	}
	for _, key := range RequiredFields {
		if _, ok := first[key]; !ok {
			report.MissingFields = append(report.MissingFields, key)
		}
	}

	wallets := make(map[string]struct{})
	functions := make(map[string]struct{})
	for _, raw := range raws {
		var entry struct {
			From         string `json:"from"`
			FunctionName string `json:"functionName"`
		}
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		wallets[entry.From] = struct{}{}
		functions[entry.FunctionName] = struct{}{}
	}

	report.UniqueWallets = len(wallets)
	report.UniqueFunctions = len(functions)
	report.Functions = make([]string, 0, len(functions))
	for fn := range functions {
		report.Functions = append(report.Functions, fn)
	}
	sort.Strings(report.Functions)

	if len(report.MissingFields) > 0 {
		return report, fmt.Errorf("missing required fields: %v", report.MissingFields)
	}
	return report, nil
}

package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixturePath = "../../service/pipeline/testdata/transactions.json"

func TestScoreCommand_WritesExports(t *testing.T) {
	dir := t.TempDir()
	scoresPath := filepath.Join(dir, "wallet_scores.csv")
	analysisPath := filepath.Join(dir, "score_analysis.json")

	err := newApp().Run([]string{"defiscore", "score",
		"--scores-csv", scoresPath,
		"--analysis-json", analysisPath,
		"--workers", "2",
		fixturePath,
	})
	require.NoError(t, err)

	f, err := os.Open(scoresPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"wallet", "credit_score"}, rows[0])
	assert.Equal(t, "0x1111111111111111111111111111111111111111", rows[1][0])

	data, err := os.ReadFile(analysisPath)
	require.NoError(t, err)
	var analysis map[string]map[string]float64
	require.NoError(t, json.Unmarshal(data, &analysis))
	total := 0.0
	for label, stats := range analysis {
		assert.Contains(t, label, "-")
		assert.Positive(t, stats["count"])
		total += stats["count"]
	}
	assert.LessOrEqual(t, total, 3.0)
}

func TestScoreCommand_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"missing path", []string{"defiscore", "score"}, "requires exactly one argument"},
		{"missing file", []string{"defiscore", "score", "/nonexistent/transactions.json"}, "scoring failed"},
		{"bad jq", []string{"defiscore", "score", "--jq", ".[", fixturePath}, "failed to parse jq filter"},
		{"bad order", []string{"defiscore", "score", "--order", "size", fixturePath}, "invalid scoring configuration"},
		{"too many clusters", []string{"defiscore", "score", "--clusters", "12", fixturePath}, "invalid scoring configuration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newApp().Run(tt.args)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateCommand(t *testing.T) {
	require.NoError(t, newApp().Run([]string{"defiscore", "validate", fixturePath}))

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"from":"0x1","functionName":"deposit"}]`), 0o644))

	err := newApp().Run([]string{"defiscore", "validate", path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required fields")

	require.NoError(t, os.WriteFile(path, []byte(`{"from":"0x1"}`), 0o644))
	err = newApp().Run([]string{"defiscore", "validate", path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid transaction file")
}

func TestRunJQ(t *testing.T) {
	doc := map[string]interface{}{
		"summary": map[string]interface{}{"mean": 512.5},
		"wallets": []map[string]interface{}{
			{"wallet": "0xa", "credit_score": 900},
			{"wallet": "0xb", "credit_score": 120},
			{"wallet": "0xc", "credit_score": 850},
		},
	}

	tests := []struct {
		name    string
		filters []string
		want    string
	}{
		{
			name:    "scalar",
			filters: []string{".summary.mean"},
			want:    "512.5\n",
		},
		{
			name:    "stream of values",
			filters: []string{`.wallets[] | select(.credit_score > 800) | .wallet`},
			want:    "\"0xa\"\n\"0xc\"\n",
		},
		{
			name:    "filters chain",
			filters: []string{".wallets", "length"},
			want:    "3\n",
		},
		{
			name:    "no output",
			filters: []string{".wallets[] | select(.credit_score > 1000)"},
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codes, err := compileJQ(tt.filters)
			require.NoError(t, err)

			var buf bytes.Buffer
			require.NoError(t, runJQ(&buf, codes, doc))
			assert.Equal(t, tt.want, buf.String())
		})
	}

	codes, err := compileJQ([]string{".summary.mean | ascii_downcase"})
	require.NoError(t, err)
	var buf bytes.Buffer
	err = runJQ(&buf, codes, doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jq filter failed")
}

func TestMatchesJQ(t *testing.T) {
	event := map[string]interface{}{"wallet": "0xa", "credit_score": 250.0, "is_liquidated": true}

	tests := []struct {
		name    string
		filters []string
		want    bool
	}{
		{"no filters", nil, true},
		{"true predicate", []string{".credit_score < 300"}, true},
		{"false predicate", []string{".credit_score > 300"}, false},
		{"all must pass", []string{".is_liquidated", ".credit_score > 300"}, false},
		{"null is falsy", []string{".missing"}, false},
		{"string is truthy", []string{".wallet"}, true},
		{"empty output", []string{"empty"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codes, err := compileJQ(tt.filters)
			require.NoError(t, err)
			ok, err := matchesJQ(codes, event)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestPrintSummary(t *testing.T) {
	doc := scoreDocument{
		RunID:              "run-1",
		PolicyVersion:      "v1",
		RecordsTotal:       8,
		RecordsAccepted:    7,
		RecordsRejected:    1,
		RejectionsByReason: map[string]int{"missing_field": 1},
		Clusters:           3,
	}
	doc.Summary.Wallets = 3
	doc.Unbucketed = 1

	var buf bytes.Buffer
	printSummary(&buf, doc)
	out := buf.String()

	assert.Contains(t, out, "run-1 (policy v1)")
	assert.Contains(t, out, "8 total, 7 accepted, 1 rejected")
	assert.Contains(t, out, "missing_field")
	assert.Contains(t, out, "3 in 3 clusters")
	assert.Contains(t, out, "Unbucketed: 1")
	assert.True(t, strings.Contains(out, "Top wallets:"))
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/brojonat/defiscore/service/db"
	"github.com/brojonat/defiscore/service/ingest"
	"github.com/brojonat/defiscore/service/pipeline"
	"github.com/brojonat/defiscore/service/report"
	"github.com/brojonat/defiscore/service/scoring"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

// scoreDocument is the JSON view of a local scoring run.
type scoreDocument struct {
	RunID              string                       `json:"run_id"`
	PolicyVersion      string                       `json:"policy_version"`
	Source             string                       `json:"source"`
	RecordsTotal       int                          `json:"records_total"`
	RecordsAccepted    int                          `json:"records_accepted"`
	RecordsRejected    int                          `json:"records_rejected"`
	RejectionsByReason map[string]int               `json:"rejections_by_reason"`
	Clusters           int                          `json:"clusters"`
	Summary            report.Summary               `json:"summary"`
	Analysis           map[string]report.RangeStats `json:"analysis"`
	Unbucketed         int                          `json:"unbucketed"`
	Wallets            []scoring.ScoredWallet       `json:"wallets"`
}

func newScoreDocument(result *pipeline.Result, source string, top int) scoreDocument {
	byReason := make(map[string]int)
	for _, rej := range result.Rejections {
		byReason[string(rej.Reason)]++
	}
	return scoreDocument{
		RunID:              result.RunID.String(),
		PolicyVersion:      result.PolicyVersion,
		Source:             source,
		RecordsTotal:       result.RecordsTotal,
		RecordsAccepted:    result.RecordsAccepted,
		RecordsRejected:    result.RecordsRejected(),
		RejectionsByReason: byReason,
		Clusters:           result.Model.Clusters.K(),
		Summary:            report.Summarize(result.Wallets, top),
		Analysis:           report.AnalysisDocument(result.Analysis),
		Unbucketed:         result.Analysis.Unbucketed,
		Wallets:            result.Wallets,
	}
}

func scoreCommand() *cli.Command {
	return &cli.Command{
		Name:      "score",
		Usage:     "Score wallets from a JSON transaction dump",
		ArgsUsage: "<transactions.json | ->",
		Description: `Normalize the transaction records, aggregate per-wallet features, fit the
scoring model and print a summary of the run. Use "-" to read from stdin.

Examples:
  defiscore score transactions.json --scores-csv wallet_scores.csv --analysis-json score_analysis.json
  defiscore score transactions.json --jq '.summary.mean'
  defiscore score transactions.json --jq '.wallets[] | select(.credit_score > 800) | .wallet'`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "scores-csv",
				Usage: "Write wallet,credit_score rows to this file",
			},
			&cli.StringFlag{
				Name:  "analysis-json",
				Usage: "Write the score range analysis to this file",
			},
			&cli.IntFlag{
				Name:    "clusters",
				Usage:   "Number of behavioral clusters",
				EnvVars: []string{"SCORING_CLUSTERS"},
				Value:   scoring.DefaultPolicy().KMeans.Clusters,
			},
			&cli.Int64Flag{
				Name:    "seed",
				Usage:   "Clustering seed",
				EnvVars: []string{"SCORING_SEED"},
				Value:   scoring.DefaultPolicy().KMeans.Seed,
			},
			&cli.StringFlag{
				Name:    "order",
				Usage:   "Cluster to multiplier mapping (index, repayment)",
				EnvVars: []string{"SCORING_CLUSTER_ORDER"},
				Value:   string(scoring.OrderIndex),
			},
			&cli.IntFlag{
				Name:    "workers",
				Usage:   "Feature aggregation workers",
				EnvVars: []string{"AGGREGATION_WORKERS"},
				Value:   8,
			},
			&cli.IntFlag{
				Name:  "top",
				Usage: "Number of top and bottom wallets in the summary",
				Value: 10,
			},
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "jq filter applied to the JSON run document (repeatable, applied in order)",
			},
			&cli.BoolFlag{
				Name:  "persist",
				Usage: "Save the run to the database (requires --database-url)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: path to transactions JSON (or - for stdin)")
			}
			source := c.Args().First()

			codes, err := compileJQ(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			policy := scoring.DefaultPolicy()
			policy.KMeans.Clusters = c.Int("clusters")
			policy.KMeans.Seed = c.Int64("seed")
			policy.Order = scoring.ClusterOrder(c.String("order"))

			runner, err := pipeline.NewRunner(policy, c.Int("workers"), nil, newLogger(c))
			if err != nil {
				return fmt.Errorf("invalid scoring configuration: %w", err)
			}

			ctx := context.Background()
			var result *pipeline.Result
			if source == "-" {
				result, err = runner.RunReader(ctx, os.Stdin)
			} else {
				result, err = runner.RunFile(ctx, source)
			}
			if err != nil {
				return fmt.Errorf("scoring failed: %w", err)
			}

			if err := report.SaveResults(c.String("scores-csv"), c.String("analysis-json"), result.Wallets, result.Analysis); err != nil {
				return fmt.Errorf("failed to save results: %w", err)
			}

			doc := newScoreDocument(result, source, c.Int("top"))

			if c.Bool("persist") {
				store, closer, err := getStore(c)
				if err != nil {
					return err
				}
				defer closer()
				if _, err := store.SaveRun(ctx, db.CreateRunParams{
					ID:              result.RunID,
					PolicyVersion:   result.PolicyVersion,
					Source:          source,
					RecordsTotal:    result.RecordsTotal,
					RecordsAccepted: result.RecordsAccepted,
					RecordsRejected: result.RecordsRejected(),
					WalletCount:     len(result.Wallets),
					ClusterCount:    doc.Clusters,
					Unbucketed:      doc.Unbucketed,
					MeanScore:       doc.Summary.Mean,
					StartedAt:       result.StartedAt,
					FinishedAt:      result.FinishedAt,
				}, result.Wallets, result.Analysis.Ranges); err != nil {
					return fmt.Errorf("failed to persist run: %w", err)
				}
				fmt.Fprintf(os.Stderr, "Run %s saved\n", doc.RunID)
			}

			if len(codes) > 0 {
				return runJQ(os.Stdout, codes, doc)
			}
			if c.Bool("json") {
				return outputJSON(doc)
			}
			printSummary(os.Stdout, doc)
			return nil
		},
	}
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Check the structure of a JSON transaction dump",
		ArgsUsage: "<transactions.json>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: path to transactions JSON")
			}

			raws, err := ingest.DecodeFile(c.Args().First())
			if err != nil {
				return fmt.Errorf("invalid transaction file: %w", err)
			}

			validation, verr := ingest.Validate(raws)
			if c.Bool("json") {
				if err := outputJSON(validation); err != nil {
					return err
				}
			} else {
				fmt.Printf("Transactions:     %d\n", validation.Transactions)
				fmt.Printf("Unique wallets:   %d\n", validation.UniqueWallets)
				fmt.Printf("Unique functions: %d\n", validation.UniqueFunctions)
				for _, fn := range validation.Functions {
					fmt.Printf("  - %s\n", fn)
				}
			}
			if verr != nil {
				return fmt.Errorf("validation failed: %w", verr)
			}
			return nil
		},
	}
}

// printSummary writes the human readable run summary.
func printSummary(w io.Writer, doc scoreDocument) {
	fmt.Fprintf(w, "Run:        %s (policy %s)\n", doc.RunID, doc.PolicyVersion)
	fmt.Fprintf(w, "Records:    %d total, %d accepted, %d rejected\n", doc.RecordsTotal, doc.RecordsAccepted, doc.RecordsRejected)
	if len(doc.RejectionsByReason) > 0 {
		reasons := make([]string, 0, len(doc.RejectionsByReason))
		for reason := range doc.RejectionsByReason {
			reasons = append(reasons, reason)
		}
		sort.Strings(reasons)
		for _, reason := range reasons {
			fmt.Fprintf(w, "  %-20s %d\n", reason, doc.RejectionsByReason[reason])
		}
	}
	fmt.Fprintf(w, "Wallets:    %d in %d clusters\n", doc.Summary.Wallets, doc.Clusters)
	fmt.Fprintf(w, "Scores:     mean %.2f, std %.2f, min %.2f, max %.2f\n",
		doc.Summary.Mean, doc.Summary.StdDev, doc.Summary.Min, doc.Summary.Max)

	fmt.Fprintf(w, "\nScore ranges:\n")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RANGE\tWALLETS\tAVG TXNS\tAVG REPAY RATIO\tAVG LIQ RATE\tAVG ENGAGEMENT")
	for i := 0; i < report.RangeCount; i++ {
		label := report.RangeLabel(i * report.RangeWidth)
		stats, ok := doc.Analysis[label]
		if !ok {
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%.1f\t%.3f\t%.3f\t%.3f\n",
			label, stats.Count, stats.AvgTransactions, stats.AvgRepayRatio, stats.AvgLiquidationRate, stats.AvgEngagement)
	}
	tw.Flush()
	if doc.Unbucketed > 0 {
		fmt.Fprintf(w, "Unbucketed: %d\n", doc.Unbucketed)
	}

	printRanked(w, "Top wallets", doc.Summary.Top)
	printRanked(w, "Bottom wallets", doc.Summary.Bottom)
}

func printRanked(w io.Writer, title string, wallets []report.WalletScore) {
	fmt.Fprintf(w, "\n%s:\n", title)
	for i, ws := range wallets {
		fmt.Fprintf(w, "%3d. %s  %.2f\n", i+1, ws.Wallet, ws.CreditScore)
	}
}

// compileJQ parses and compiles each filter.
func compileJQ(filters []string) ([]*gojq.Code, error) {
	codes := make([]*gojq.Code, 0, len(filters))
	for _, filter := range filters {
		query, err := gojq.Parse(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
		}
		code, err := gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
		}
		codes = append(codes, code)
	}
	return codes, nil
}

// runJQ pipes v through each filter in turn and writes every final output as
// one JSON line.
func runJQ(w io.Writer, codes []*gojq.Code, v interface{}) error {
	generic, err := toGeneric(v)
	if err != nil {
		return err
	}

	values := []interface{}{generic}
	for _, code := range codes {
		var next []interface{}
		for _, in := range values {
			iter := code.Run(in)
			for {
				out, ok := iter.Next()
				if !ok {
					break
				}
				if err, isErr := out.(error); isErr {
					return fmt.Errorf("jq filter failed: %w", err)
				}
				next = append(next, out)
			}
		}
		values = next
	}

	enc := json.NewEncoder(w)
	for _, out := range values {
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("failed to encode jq output: %w", err)
		}
	}
	return nil
}

// toGeneric converts v into the map/slice form gojq operates on.
func toGeneric(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return generic, nil
}

// outputJSON writes v as indented JSON to stdout.
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

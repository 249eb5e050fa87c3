package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/defiscore/client"
	"github.com/urfave/cli/v2"
)

func clientCommands() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "HTTP client commands for interacting with the defiscore server",
		Subcommands: []*cli.Command{
			clientScoreCommand(),
			clientGetCommand(),
			clientRunsCommand(),
			clientRangesCommand(),
		},
	}
}

func newAPIClient(c *cli.Context) *client.Client {
	return client.NewClient(c.String("server-url"), nil, newLogger(c))
}

func clientScoreCommand() *cli.Command {
	return &cli.Command{
		Name:      "score",
		Usage:     "Submit a JSON transaction dump to the server for scoring",
		ArgsUsage: "<transactions.json | ->",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "jq filter applied to the JSON response (repeatable)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: path to transactions JSON (or - for stdin)")
			}
			codes, err := compileJQ(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			var body io.Reader = os.Stdin
			if path := c.Args().First(); path != "-" {
				f, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("failed to open %s: %w", path, err)
				}
				defer f.Close()
				body = f
			}

			run, err := newAPIClient(c).Score(context.Background(), body)
			if err != nil {
				return err
			}

			if len(codes) > 0 {
				return runJQ(os.Stdout, codes, run)
			}
			if c.Bool("json") {
				return outputJSON(run)
			}

			fmt.Printf("Run:       %s (policy %s)\n", run.RunID, run.PolicyVersion)
			fmt.Printf("Records:   %d total, %d rejected\n", run.RecordsTotal, run.RecordsRejected)
			fmt.Printf("Wallets:   %d in %d clusters\n", len(run.Wallets), run.Clusters)
			fmt.Printf("Mean:      %.2f (std %.2f)\n", run.Summary.Mean, run.Summary.StdDev)
			fmt.Printf("Persisted: %v, published: %d\n", run.Persisted, run.Published)
			return nil
		},
	}
}

func clientGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Get the latest score of a wallet from the server",
		ArgsUsage: "<wallet>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "history",
				Usage: "Also fetch up to this many past scores",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: wallet address")
			}

			lookup, err := newAPIClient(c).GetScore(context.Background(), c.Args().First(), c.Int("history"))
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(lookup)
			}

			fmt.Printf("Wallet:       %s\n", lookup.Score.Wallet)
			fmt.Printf("Credit score: %.2f\n", lookup.Score.CreditScore)
			fmt.Printf("Cluster:      %d (multiplier %.2f)\n", lookup.Score.Cluster, lookup.Score.Multiplier)
			fmt.Printf("Run:          %s\n", lookup.Score.RunID)
			for _, h := range lookup.History {
				fmt.Printf("  %s  %.2f  %s\n", h.RunID, h.CreditScore, h.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func clientRunsCommand() *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "List scoring runs stored by the server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Value:   20,
			},
			&cli.IntFlag{
				Name: "offset",
			},
		},
		Action: func(c *cli.Context) error {
			runs, err := newAPIClient(c).ListRuns(context.Background(), c.Int("limit"), c.Int("offset"))
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(runs)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RUN ID\tSOURCE\tWALLETS\tMEAN SCORE\tFINISHED")
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%.2f\t%s\n",
					run.ID, run.Source, run.WalletCount, run.MeanScore, run.FinishedAt.Format(time.RFC3339))
			}
			w.Flush()
			return nil
		},
	}
}

func clientRangesCommand() *cli.Command {
	return &cli.Command{
		Name:      "ranges",
		Usage:     "Show the score range analysis of a stored run",
		ArgsUsage: "<run-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: run id")
			}

			rr, err := newAPIClient(c).GetRanges(context.Background(), c.Args().First())
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(rr)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RANGE\tWALLETS\tAVG TXNS\tAVG REPAY RATIO\tAVG LIQ RATE\tAVG ENGAGEMENT")
			for _, r := range rr.Ranges {
				fmt.Fprintf(w, "%s\t%d\t%.1f\t%.3f\t%.3f\t%.3f\n",
					r.Label, r.Count, r.AvgTransactions, r.AvgRepayRatio, r.AvgLiquidationRate, r.AvgEngagement)
			}
			w.Flush()
			if rr.Unbucketed > 0 {
				fmt.Printf("Unbucketed: %d\n", rr.Unbucketed)
			}
			return nil
		},
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/defiscore/service/db"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create the scoring tables if they do not exist",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.Migrate(context.Background()); err != nil {
				return err
			}
			fmt.Println("✓ Schema is up to date")
			return nil
		},
	}
}

func listRunsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-runs",
		Usage:   "List scoring runs, newest first",
		Aliases: []string{"runs"},
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Maximum number of runs to show",
				Value:   20,
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Number of runs to skip",
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			runs, err := store.ListRuns(context.Background(), int32(c.Int("limit")), int32(c.Int("offset")))
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(runs)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RUN ID\tPOLICY\tSOURCE\tWALLETS\tREJECTED\tMEAN SCORE\tFINISHED")
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%.2f\t%s\n",
					run.ID,
					run.PolicyVersion,
					run.Source,
					run.WalletCount,
					run.RecordsRejected,
					run.MeanScore,
					run.FinishedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d runs\n", len(runs))
			return nil
		},
	}
}

func getScoreCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-score",
		Usage:     "Show the latest score of a wallet",
		Aliases:   []string{"score"},
		ArgsUsage: "<wallet>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "history",
				Usage: "Also show up to this many past scores",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: wallet address")
			}
			wallet := c.Args().First()

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			ctx := context.Background()
			score, err := store.GetLatestScore(ctx, wallet)
			if errors.Is(err, db.ErrNotFound) {
				return fmt.Errorf("no score found for wallet %s", wallet)
			}
			if err != nil {
				return fmt.Errorf("failed to get score: %w", err)
			}

			var history []*db.WalletScore
			if n := c.Int("history"); n > 0 {
				history, err = store.ListScoreHistory(ctx, wallet, int32(n))
				if err != nil {
					return fmt.Errorf("failed to list score history: %w", err)
				}
			}

			if c.Bool("json") {
				return outputJSON(map[string]interface{}{
					"score":   score,
					"history": history,
				})
			}

			fmt.Printf("Wallet:       %s\n", score.Wallet)
			fmt.Printf("Credit score: %.2f\n", score.CreditScore)
			fmt.Printf("Cluster:      %d (multiplier %.2f)\n", score.Cluster, score.Multiplier)
			fmt.Printf("Run:          %s\n", score.RunID)
			fmt.Printf("Scored:       %s\n", score.CreatedAt.Format(time.RFC3339))
			fmt.Printf("Transactions: %d (repay/borrow %.2f, liquidations %d)\n",
				score.Features.TotalTransactions, score.Features.RepayToBorrowRatio, score.Features.LiquidationCount)

			if len(history) > 0 {
				fmt.Printf("\nHistory:\n")
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "RUN ID\tSCORE\tCLUSTER\tSCORED")
				for _, h := range history {
					fmt.Fprintf(w, "%s\t%.2f\t%d\t%s\n", h.RunID, h.CreditScore, h.Cluster, h.CreatedAt.Format(time.RFC3339))
				}
				w.Flush()
			}
			return nil
		},
	}
}

func pruneRunsCommand() *cli.Command {
	return &cli.Command{
		Name:  "prune-runs",
		Usage: "Delete runs older than a retention window",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:     "older-than",
				Usage:    "Delete runs created more than this long ago (e.g. 2160h)",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			age := c.Duration("older-than")
			if age <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			before := time.Now().Add(-age)
			deleted, err := store.DeleteRunsOlderThan(context.Background(), before)
			if err != nil {
				return fmt.Errorf("failed to prune runs: %w", err)
			}
			fmt.Printf("Deleted %d runs created before %s\n", deleted, before.Format(time.RFC3339))
			return nil
		},
	}
}

// getStore connects to the database named by --database-url.
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := db.NewStore(pool, nil)
	closer := func() { pool.Close() }

	return store, closer, nil
}

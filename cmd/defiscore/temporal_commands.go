package main

import (
	"context"
	"fmt"
	"time"

	"github.com/brojonat/defiscore/service/temporal"
	"github.com/urfave/cli/v2"
)

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:  "persist",
			Usage: "Save the run to the database",
			Value: true,
		},
		&cli.BoolFlag{
			Name:  "publish",
			Usage: "Publish score events to NATS after the run is saved",
		},
	}
}

// runInput builds the workflow input from the positional path and run flags.
func runInput(c *cli.Context, path string) (temporal.ScoreRunInput, error) {
	input := temporal.ScoreRunInput{
		Path:    path,
		Persist: c.Bool("persist"),
		Publish: c.Bool("publish"),
	}
	if input.Path == "" {
		return input, fmt.Errorf("path is required")
	}
	if input.Publish && !input.Persist {
		return input, fmt.Errorf("--publish requires --persist")
	}
	return input, nil
}

func startRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Start a scoring workflow for a file visible to the worker",
		ArgsUsage: "<path>",
		Flags: append(runFlags(),
			&cli.BoolFlag{
				Name:  "wait",
				Usage: "Wait for the workflow to finish and print its result",
			},
		),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: path to transactions JSON")
			}
			input, err := runInput(c, c.Args().First())
			if err != nil {
				return err
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx := context.Background()
			workflowID, err := tc.StartScoreRun(ctx, input)
			if err != nil {
				return err
			}

			if !c.Bool("wait") {
				if c.Bool("json") {
					return outputJSON(map[string]string{"workflow_id": workflowID})
				}
				fmt.Printf("✓ Started workflow %s\n", workflowID)
				return nil
			}

			result, err := tc.WaitScoreRun(ctx, workflowID)
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(result)
			}

			fmt.Printf("✓ Workflow %s completed\n", workflowID)
			fmt.Printf("  Run:       %s (policy %s)\n", result.RunID, result.PolicyVersion)
			fmt.Printf("  Records:   %d total, %d rejected\n", result.RecordsTotal, result.RecordsRejected)
			fmt.Printf("  Wallets:   %d (mean score %.2f)\n", result.Wallets, result.MeanScore)
			fmt.Printf("  Persisted: %v, published: %d\n", result.Persisted, result.Published)
			for _, w := range result.Warnings {
				fmt.Printf("  ⚠️  %s\n", w)
			}
			return nil
		},
	}
}

func scheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "schedule",
		Usage:     "Create or update a recurring scoring run",
		ArgsUsage: "<name> <path>",
		Flags: append(runFlags(),
			&cli.DurationFlag{
				Name:  "every",
				Usage: "Interval between runs",
				Value: 24 * time.Hour,
			},
		),
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("requires two arguments: schedule name and path")
			}
			name := c.Args().Get(0)
			input, err := runInput(c, c.Args().Get(1))
			if err != nil {
				return err
			}
			every := c.Duration("every")
			if every < time.Minute {
				return fmt.Errorf("--every must be at least 1m")
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.UpsertScoreSchedule(context.Background(), name, input, every); err != nil {
				return err
			}
			fmt.Printf("✓ Schedule %q runs %s every %s\n", name, input.Path, every)
			return nil
		},
	}
}

func unscheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "unschedule",
		Usage:     "Delete a recurring scoring run",
		ArgsUsage: "<name>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: schedule name")
			}
			name := c.Args().First()

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.DeleteScoreSchedule(context.Background(), name); err != nil {
				return err
			}
			fmt.Printf("✓ Schedule %q deleted\n", name)
			return nil
		},
	}
}

// getTemporalClient dials Temporal using the global flags.
func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	return temporal.NewClient(
		c.String("temporal-host"),
		c.String("temporal-namespace"),
		c.String("temporal-task-queue"),
		newLogger(c),
	)
}

package temporal

import (
	"fmt"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// ScoreRunWorkflowName is the registered name of ScoreRunWorkflow.
const ScoreRunWorkflowName = "ScoreRunWorkflow"

// ScoreRunInput contains the input parameters for a scoring run.
type ScoreRunInput struct {
	Path    string `json:"path"`
	Persist bool   `json:"persist"`
	Publish bool   `json:"publish"`
}

// ScoreRunResult summarizes a completed scoring run.
type ScoreRunResult struct {
	RunID           string   `json:"run_id"`
	PolicyVersion   string   `json:"policy_version"`
	Path            string   `json:"path"`
	RecordsTotal    int      `json:"records_total"`
	RecordsRejected int      `json:"records_rejected"`
	Wallets         int      `json:"wallets"`
	MeanScore       float64  `json:"mean_score"`
	Persisted       bool     `json:"persisted"`
	Published       int      `json:"published"`
	Warnings        []string `json:"warnings,omitempty"`
}

// ScoreRunWorkflow scores a transaction log, then optionally stores the run
// and announces each wallet's score. Scoring and persistence failures fail the
// workflow; a publish failure is reported as a warning since the scores are
// already durable.
func ScoreRunWorkflow(ctx workflow.Context, input ScoreRunInput) (*ScoreRunResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("ScoreRunWorkflow started", "path", input.Path)

	if input.Path == "" {
		return nil, temporalsdk.NewNonRetryableApplicationError("path is required", "InvalidInput", nil)
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    3,
		},
	})

	var run *ScoreTransactionsResult
	err := workflow.ExecuteActivity(ctx, a.ScoreTransactions, ScoreTransactionsInput{Path: input.Path}).Get(ctx, &run)
	if err != nil {
		return nil, fmt.Errorf("failed to score transactions: %w", err)
	}

	result := &ScoreRunResult{
		RunID:           run.RunID,
		PolicyVersion:   run.PolicyVersion,
		Path:            input.Path,
		RecordsTotal:    run.RecordsTotal,
		RecordsRejected: run.RecordsRejected,
		Wallets:         len(run.Wallets),
		MeanScore:       run.Summary.Mean,
	}
	logger.Info("scored transactions",
		"run_id", run.RunID,
		"wallets", result.Wallets,
		"rejected", result.RecordsRejected,
	)

	if input.Persist {
		var persisted *PersistRunResult
		err := workflow.ExecuteActivity(ctx, a.PersistRun, PersistRunInput{Run: run}).Get(ctx, &persisted)
		if err != nil {
			return result, fmt.Errorf("failed to persist run: %w", err)
		}
		result.Persisted = true
	}

	if input.Publish {
		publishInput := PublishScoresInput{
			RunID:         run.RunID,
			PolicyVersion: run.PolicyVersion,
			ScoredAt:      run.FinishedAt,
			Wallets:       run.Wallets,
		}
		var published *PublishScoresResult
		err := workflow.ExecuteActivity(ctx, a.PublishScores, publishInput).Get(ctx, &published)
		if err != nil {
			logger.Warn("failed to publish scores", "run_id", run.RunID, "error", err)
			result.Warnings = append(result.Warnings, fmt.Sprintf("publish failed: %v", err))
		} else {
			result.Published = published.Published
		}
	}

	logger.Info("ScoreRunWorkflow completed",
		"run_id", result.RunID,
		"persisted", result.Persisted,
		"published", result.Published,
	)
	return result, nil
}

package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/defiscore/service/db"
	"github.com/brojonat/defiscore/service/metrics"
	natspkg "github.com/brojonat/defiscore/service/nats"
	"github.com/brojonat/defiscore/service/pipeline"
	"github.com/brojonat/defiscore/service/report"
	"github.com/brojonat/defiscore/service/scoring"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// ScoreTransactionsInput names the transaction log to score.
type ScoreTransactionsInput struct {
	Path string `json:"path"`
}

// ScoreTransactionsResult carries a completed run between activities.
type ScoreTransactionsResult struct {
	RunID         string    `json:"run_id"`
	PolicyVersion string    `json:"policy_version"`
	Source        string    `json:"source"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`

	RecordsTotal       int            `json:"records_total"`
	RecordsAccepted    int            `json:"records_accepted"`
	RecordsRejected    int            `json:"records_rejected"`
	RejectionsByReason map[string]int `json:"rejections_by_reason,omitempty"`

	ClusterCount int                    `json:"cluster_count"`
	Wallets      []scoring.ScoredWallet `json:"wallets"`
	Ranges       []report.Range         `json:"ranges"`
	Unbucketed   int                    `json:"unbucketed"`
	Summary      report.Summary         `json:"summary"`
}

// PersistRunInput contains parameters for the PersistRun activity.
type PersistRunInput struct {
	Run *ScoreTransactionsResult `json:"run"`
}

// PersistRunResult contains the result of persisting a run.
type PersistRunResult struct {
	RunID string `json:"run_id"`
	Saved int    `json:"saved"`
}

// PublishScoresInput contains parameters for the PublishScores activity.
type PublishScoresInput struct {
	RunID         string                 `json:"run_id"`
	PolicyVersion string                 `json:"policy_version"`
	ScoredAt      time.Time              `json:"scored_at"`
	Wallets       []scoring.ScoredWallet `json:"wallets"`
}

// PublishScoresResult contains the result of publishing score events.
type PublishScoresResult struct {
	Published int `json:"published"`
}

// RunnerInterface runs the scoring pipeline over a file.
type RunnerInterface interface {
	RunFile(ctx context.Context, path string) (*pipeline.Result, error)
}

// StoreInterface defines the database operations needed by activities.
type StoreInterface interface {
	SaveRun(ctx context.Context, params db.CreateRunParams, wallets []scoring.ScoredWallet, ranges []report.Range) (*db.Run, error)
}

// PublisherInterface defines the NATS publishing operations needed by activities.
type PublisherInterface interface {
	PublishScoreBatch(ctx context.Context, events []*natspkg.ScoreEvent) (int, error)
}

// Activities holds the dependencies needed by Temporal activities.
// store and publisher are optional; the workflow only calls the matching
// activity when the run asks for it.
type Activities struct {
	runner    RunnerInterface
	store     StoreInterface
	publisher PublisherInterface
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(
	runner RunnerInterface,
	store StoreInterface,
	publisher PublisherInterface,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		runner:    runner,
		store:     store,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// ScoreTransactions runs the full scoring pipeline over the file at input.Path.
func (a *Activities) ScoreTransactions(ctx context.Context, input ScoreTransactionsInput) (result *ScoreTransactionsResult, err error) {
	defer a.observe("ScoreTransactions", time.Now(), &err)

	a.logger.InfoContext(ctx, "scoring transactions", "path", input.Path)

	run, err := a.runner.RunFile(ctx, input.Path)
	if err != nil {
		a.logger.ErrorContext(ctx, "scoring run failed", "path", input.Path, "error", err)
		return nil, fmt.Errorf("failed to score %s: %w", input.Path, err)
	}

	return ResultFromPipeline(run, input.Path), nil
}

// PersistRun stores a run with its scores and ranges.
func (a *Activities) PersistRun(ctx context.Context, input PersistRunInput) (result *PersistRunResult, err error) {
	defer a.observe("PersistRun", time.Now(), &err)

	if a.store == nil {
		return nil, temporalsdk.NewNonRetryableApplicationError("no store configured", "NoStore", nil)
	}
	run := input.Run
	params, err := runParams(run)
	if err != nil {
		return nil, temporalsdk.NewNonRetryableApplicationError(err.Error(), "InvalidRun", err)
	}

	if _, err := a.store.SaveRun(ctx, params, run.Wallets, run.Ranges); err != nil {
		a.logger.ErrorContext(ctx, "failed to persist run", "run_id", run.RunID, "error", err)
		return nil, fmt.Errorf("failed to persist run %s: %w", run.RunID, err)
	}

	a.logger.InfoContext(ctx, "persisted run",
		"run_id", run.RunID,
		"wallets", len(run.Wallets),
	)
	return &PersistRunResult{RunID: run.RunID, Saved: len(run.Wallets)}, nil
}

// PublishScores publishes one score event per wallet.
func (a *Activities) PublishScores(ctx context.Context, input PublishScoresInput) (result *PublishScoresResult, err error) {
	defer a.observe("PublishScores", time.Now(), &err)

	if a.publisher == nil {
		return nil, temporalsdk.NewNonRetryableApplicationError("no publisher configured", "NoPublisher", nil)
	}

	events := make([]*natspkg.ScoreEvent, len(input.Wallets))
	for i := range input.Wallets {
		events[i] = natspkg.FromScoredWallet(input.RunID, input.PolicyVersion, input.ScoredAt, &input.Wallets[i])
	}

	published, err := a.publisher.PublishScoreBatch(ctx, events)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to publish scores", "run_id", input.RunID, "error", err)
		return nil, fmt.Errorf("failed to publish scores for run %s: %w", input.RunID, err)
	}

	a.logger.InfoContext(ctx, "published scores",
		"run_id", input.RunID,
		"published", published,
		"failed", len(events)-published,
	)
	return &PublishScoresResult{Published: published}, nil
}

func (a *Activities) observe(activity string, start time.Time, err *error) {
	if a.metrics != nil {
		a.metrics.RecordActivityDuration(activity, *err, time.Since(start).Seconds())
	}
}

// ResultFromPipeline flattens a pipeline result into an activity payload.
func ResultFromPipeline(run *pipeline.Result, source string) *ScoreTransactionsResult {
	byReason := make(map[string]int)
	for _, rej := range run.Rejections {
		byReason[string(rej.Reason)]++
	}
	return &ScoreTransactionsResult{
		RunID:              run.RunID.String(),
		PolicyVersion:      run.PolicyVersion,
		Source:             source,
		StartedAt:          run.StartedAt,
		FinishedAt:         run.FinishedAt,
		RecordsTotal:       run.RecordsTotal,
		RecordsAccepted:    run.RecordsAccepted,
		RecordsRejected:    run.RecordsRejected(),
		RejectionsByReason: byReason,
		ClusterCount:       run.Model.Clusters.K(),
		Wallets:            run.Wallets,
		Ranges:             run.Analysis.Ranges,
		Unbucketed:         run.Analysis.Unbucketed,
		Summary:            report.Summarize(run.Wallets, 10),
	}
}

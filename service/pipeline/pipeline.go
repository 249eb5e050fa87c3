package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/brojonat/defiscore/service/features"
	"github.com/brojonat/defiscore/service/ingest"
	"github.com/brojonat/defiscore/service/metrics"
	"github.com/brojonat/defiscore/service/report"
	"github.com/brojonat/defiscore/service/scoring"
	"github.com/google/uuid"
)

// Stage names used for timing and logging.
const (
	StageNormalize = "normalize"
	StageAggregate = "aggregate"
	StageScore     = "score"
	StageBucket    = "bucket"
)

// Result is the complete output of one scoring run.
type Result struct {
	RunID         uuid.UUID `json:"run_id"`
	PolicyVersion string    `json:"policy_version"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`

	RecordsTotal    int                `json:"records_total"`
	RecordsAccepted int                `json:"records_accepted"`
	Rejections      []ingest.Rejection `json:"rejections"`

	Wallets  []scoring.ScoredWallet `json:"wallets"`
	Model    *scoring.Model         `json:"model"`
	Analysis report.Analysis        `json:"analysis"`
}

// RecordsRejected returns the number of records dropped during normalization.
func (r *Result) RecordsRejected() int {
	return len(r.Rejections)
}

// Scores returns the credit score of every wallet, in wallet order.
func (r *Result) Scores() []float64 {
	out := make([]float64, len(r.Wallets))
	for i, w := range r.Wallets {
		out[i] = w.CreditScore
	}
	return out
}

// Runner executes normalize, aggregate, score and bucket as one batch.
type Runner struct {
	policy     scoring.Policy
	aggregator *features.Aggregator
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewRunner creates a Runner. metrics may be nil.
func NewRunner(policy scoring.Policy, workers int, m *metrics.Metrics, logger *slog.Logger) (*Runner, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		policy:     policy,
		aggregator: features.NewAggregator(workers, logger),
		metrics:    m,
		logger:     logger.With("component", "pipeline"),
	}, nil
}

// Policy returns the scoring policy the runner was built with.
func (p *Runner) Policy() scoring.Policy {
	return p.policy
}

// Run scores a population of raw records. Malformed records are dropped and
// reported on the result; an empty population fails the run.
func (p *Runner) Run(ctx context.Context, raws []json.RawMessage) (result *Result, err error) {
	result = &Result{
		RunID:         uuid.New(),
		PolicyVersion: p.policy.Version,
		StartedAt:     time.Now().UTC(),
		RecordsTotal:  len(raws),
	}
	logger := p.logger.With("run_id", result.RunID)

	defer func() {
		if p.metrics != nil {
			p.metrics.RecordRun(err)
		}
	}()

	done := p.stage(StageNormalize)
	normalized := ingest.Normalize(raws)
	done()

	result.RecordsAccepted = len(normalized.Records)
	result.Rejections = normalized.Rejections
	for _, rej := range normalized.Rejections {
		logger.Debug("dropped malformed record",
			"index", rej.Index,
			"reason", rej.Reason,
			"field", rej.Field,
			"error", rej.Err,
		)
	}
	if p.metrics != nil {
		p.metrics.RecordRecordsIngested(result.RecordsAccepted, result.RecordsRejected())
		byReason := make(map[string]int)
		for reason, n := range normalized.RejectionsByReason() {
			byReason[string(reason)] = n
		}
		p.metrics.RecordRejections(byReason)
	}

	done = p.stage(StageAggregate)
	vectors, err := p.aggregator.Aggregate(ctx, normalized.Records)
	done()
	if err != nil {
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.RecordWalletsAggregated(len(vectors))
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("run cancelled before scoring: %w", err)
	}

	done = p.stage(StageScore)
	model, scored, err := scoring.Run(vectors, p.policy)
	done()
	if err != nil {
		return nil, err
	}
	result.Wallets = scored
	result.Model = model

	done = p.stage(StageBucket)
	result.Analysis = report.Bucket(scored)
	done()

	result.FinishedAt = time.Now().UTC()

	if p.metrics != nil {
		p.metrics.RecordScores(result.Scores())
		labels := make([]int, len(scored))
		for i, s := range scored {
			labels[i] = s.Cluster
		}
		p.metrics.RecordClusterSizes(model.Clusters.Sizes(labels))
	}

	logger.Info("scoring run complete",
		"records", result.RecordsTotal,
		"accepted", result.RecordsAccepted,
		"rejected", result.RecordsRejected(),
		"wallets", len(scored),
		"clusters", model.Clusters.K(),
		"unbucketed", result.Analysis.Unbucketed,
		"duration", result.FinishedAt.Sub(result.StartedAt),
	)
	return result, nil
}

// RunReader decodes a JSON array from r and runs it.
func (p *Runner) RunReader(ctx context.Context, r io.Reader) (*Result, error) {
	raws, err := ingest.DecodeArray(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode records: %w", err)
	}
	return p.Run(ctx, raws)
}

// RunFile decodes the JSON array stored at path and runs it.
func (p *Runner) RunFile(ctx context.Context, path string) (*Result, error) {
	raws, err := ingest.DecodeFile(path)
	if err != nil {
		return nil, err
	}
	return p.Run(ctx, raws)
}

func (p *Runner) stage(name string) func() {
	return metrics.Timer(time.Now(), func(d float64) {
		if p.metrics != nil {
			p.metrics.RecordStageDuration(name, d)
		}
		p.logger.Debug("stage complete", "stage", name, "duration_seconds", d)
	})
}

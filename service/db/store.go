package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/defiscore/service/features"
	"github.com/brojonat/defiscore/service/metrics"
	"github.com/brojonat/defiscore/service/report"
	"github.com/brojonat/defiscore/service/scoring"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Store provides database operations for scoring runs.
type Store struct {
	pool    *pgxpool.Pool
	db      DBTX
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// m may be nil.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		db:      pool,
		metrics: m,
	}
}

// Run is a persisted scoring run.
type Run struct {
	ID              uuid.UUID `json:"id"`
	PolicyVersion   string    `json:"policy_version"`
	Source          string    `json:"source"`
	RecordsTotal    int       `json:"records_total"`
	RecordsAccepted int       `json:"records_accepted"`
	RecordsRejected int       `json:"records_rejected"`
	WalletCount     int       `json:"wallet_count"`
	ClusterCount    int       `json:"cluster_count"`
	Unbucketed      int       `json:"unbucketed"`
	MeanScore       float64   `json:"mean_score"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// CreateRunParams contains the parameters for creating a run.
type CreateRunParams struct {
	ID              uuid.UUID
	PolicyVersion   string
	Source          string
	RecordsTotal    int
	RecordsAccepted int
	RecordsRejected int
	WalletCount     int
	ClusterCount    int
	Unbucketed      int
	MeanScore       float64
	StartedAt       time.Time
	FinishedAt      time.Time
}

// WalletScore is a persisted wallet score.
type WalletScore struct {
	RunID       uuid.UUID          `json:"run_id"`
	Wallet      string             `json:"wallet"`
	CreditScore float64            `json:"credit_score"`
	Cluster     int                `json:"cluster"`
	Multiplier  float64            `json:"multiplier"`
	Components  scoring.Components `json:"components"`
	Features    features.Vector    `json:"features"`
	CreatedAt   time.Time          `json:"created_at"`
}

// ListScoresParams contains pagination parameters.
type ListScoresParams struct {
	RunID  uuid.UUID
	Limit  int32
	Offset int32
}

// Migrate creates the schema if it does not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// WithTx runs fn against a Store bound to a single transaction.
func (s *Store) WithTx(ctx context.Context, fn func(*Store) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&Store{pool: s.pool, db: tx, metrics: s.metrics})
	})
}

// SaveRun persists a run with its scores and ranges in one transaction.
func (s *Store) SaveRun(ctx context.Context, params CreateRunParams, wallets []scoring.ScoredWallet, ranges []report.Range) (*Run, error) {
	var run *Run
	err := s.WithTx(ctx, func(tx *Store) error {
		var err error
		if run, err = tx.CreateRun(ctx, params); err != nil {
			return err
		}
		if err := tx.SaveScores(ctx, params.ID, wallets); err != nil {
			return err
		}
		return tx.SaveRanges(ctx, params.ID, ranges)
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

const runColumns = `id, policy_version, source, records_total, records_accepted, records_rejected,
	wallet_count, cluster_count, unbucketed, mean_score, started_at, finished_at, created_at`

// CreateRun inserts a new run.
func (s *Store) CreateRun(ctx context.Context, params CreateRunParams) (run *Run, err error) {
	defer s.observe("create_run", "score_runs", time.Now(), &err)

	row := s.db.QueryRow(ctx, `
		INSERT INTO score_runs (id, policy_version, source, records_total, records_accepted,
			records_rejected, wallet_count, cluster_count, unbucketed, mean_score, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+runColumns,
		params.ID, params.PolicyVersion, params.Source, params.RecordsTotal, params.RecordsAccepted,
		params.RecordsRejected, params.WalletCount, params.ClusterCount, params.Unbucketed,
		params.MeanScore, params.StartedAt, params.FinishedAt,
	)
	run, err = scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by id.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (run *Run, err error) {
	defer s.observe("get_run", "score_runs", time.Now(), &err)

	run, err = scanRun(s.db.QueryRow(ctx, `SELECT `+runColumns+` FROM score_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// ListRuns returns runs, most recent first.
func (s *Store) ListRuns(ctx context.Context, limit, offset int32) (runs []*Run, err error) {
	defer s.observe("list_runs", "score_runs", time.Now(), &err)

	rows, err := s.db.Query(ctx, `
		SELECT `+runColumns+` FROM score_runs
		ORDER BY finished_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs = make([]*Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SaveScores inserts every wallet score of a run in a single batch.
func (s *Store) SaveScores(ctx context.Context, runID uuid.UUID, wallets []scoring.ScoredWallet) (err error) {
	defer s.observe("save_scores", "wallet_scores", time.Now(), &err)

	if len(wallets) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i := range wallets {
		w := &wallets[i]
		components, err := json.Marshal(w.Components)
		if err != nil {
			return fmt.Errorf("failed to marshal components for %s: %w", w.Wallet, err)
		}
		vector, err := json.Marshal(w.Vector)
		if err != nil {
			return fmt.Errorf("failed to marshal features for %s: %w", w.Wallet, err)
		}
		batch.Queue(`
			INSERT INTO wallet_scores (run_id, wallet, credit_score, cluster, multiplier, components, features)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			runID, w.Wallet, w.CreditScore, w.Cluster, w.Multiplier, components, vector,
		)
	}

	results := s.db.SendBatch(ctx, batch)
	for i := range wallets {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("failed to save score for %s: %w", wallets[i].Wallet, err)
		}
	}
	return results.Close()
}

const scoreColumns = `run_id, wallet, credit_score, cluster, multiplier, components, features, created_at`

// GetLatestScore returns the wallet's score from the most recent run that scored it.
// Wallets are matched case-insensitively.
func (s *Store) GetLatestScore(ctx context.Context, wallet string) (score *WalletScore, err error) {
	defer s.observe("get_latest_score", "wallet_scores", time.Now(), &err)

	score, err = scanScore(s.db.QueryRow(ctx, `
		SELECT `+scoreColumns+` FROM wallet_scores
		WHERE lower(wallet) = lower($1)
		ORDER BY created_at DESC
		LIMIT 1`, wallet))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return score, err
}

// ListScoreHistory returns a wallet's scores across runs, newest first.
func (s *Store) ListScoreHistory(ctx context.Context, wallet string, limit int32) (scores []*WalletScore, err error) {
	defer s.observe("list_score_history", "wallet_scores", time.Now(), &err)

	rows, err := s.db.Query(ctx, `
		SELECT `+scoreColumns+` FROM wallet_scores
		WHERE lower(wallet) = lower($1)
		ORDER BY created_at DESC
		LIMIT $2`, wallet, limit)
	if err != nil {
		return nil, err
	}
	return collectScores(rows)
}

// ListScores returns the scores of a run, highest first.
func (s *Store) ListScores(ctx context.Context, params ListScoresParams) (scores []*WalletScore, err error) {
	defer s.observe("list_scores", "wallet_scores", time.Now(), &err)

	rows, err := s.db.Query(ctx, `
		SELECT `+scoreColumns+` FROM wallet_scores
		WHERE run_id = $1
		ORDER BY credit_score DESC, wallet
		LIMIT $2 OFFSET $3`, params.RunID, params.Limit, params.Offset)
	if err != nil {
		return nil, err
	}
	return collectScores(rows)
}

// SaveRanges stores the score range analysis of a run.
func (s *Store) SaveRanges(ctx context.Context, runID uuid.UUID, ranges []report.Range) (err error) {
	defer s.observe("save_ranges", "score_ranges", time.Now(), &err)

	if len(ranges) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range ranges {
		batch.Queue(`
			INSERT INTO score_ranges (run_id, lo, hi, label, wallet_count, avg_transactions,
				avg_repay_ratio, avg_liquidation_rate, avg_engagement)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			runID, r.Lo, r.Hi, r.Label, r.Count, r.AvgTransactions,
			r.AvgRepayRatio, r.AvgLiquidationRate, r.AvgEngagement,
		)
	}
	if err := s.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save ranges: %w", err)
	}
	return nil
}

// GetRanges returns the stored ranges of a run in ascending order.
func (s *Store) GetRanges(ctx context.Context, runID uuid.UUID) (ranges []report.Range, err error) {
	defer s.observe("get_ranges", "score_ranges", time.Now(), &err)

	rows, err := s.db.Query(ctx, `
		SELECT lo, hi, label, wallet_count, avg_transactions, avg_repay_ratio,
			avg_liquidation_rate, avg_engagement
		FROM score_ranges
		WHERE run_id = $1
		ORDER BY lo`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ranges = make([]report.Range, 0)
	for rows.Next() {
		var r report.Range
		if err := rows.Scan(&r.Lo, &r.Hi, &r.Label, &r.Count, &r.AvgTransactions,
			&r.AvgRepayRatio, &r.AvgLiquidationRate, &r.AvgEngagement); err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}
	return ranges, rows.Err()
}

// DeleteRunsOlderThan removes runs that finished before the cutoff, along
// with their scores and ranges.
func (s *Store) DeleteRunsOlderThan(ctx context.Context, before time.Time) (deleted int64, err error) {
	defer s.observe("delete_runs", "score_runs", time.Now(), &err)

	tag, err := s.db.Exec(ctx, `DELETE FROM score_runs WHERE finished_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) observe(operation, table string, start time.Time, err *error) {
	if s.metrics != nil {
		s.metrics.RecordDBQuery(operation, table, time.Since(start).Seconds(), *err)
	}
}

func scanRun(row pgx.Row) (*Run, error) {
	var r Run
	err := row.Scan(&r.ID, &r.PolicyVersion, &r.Source, &r.RecordsTotal, &r.RecordsAccepted,
		&r.RecordsRejected, &r.WalletCount, &r.ClusterCount, &r.Unbucketed, &r.MeanScore,
		&r.StartedAt, &r.FinishedAt, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func scanScore(row pgx.Row) (*WalletScore, error) {
	var (
		w          WalletScore
		components []byte
		vector     []byte
	)
	if err := row.Scan(&w.RunID, &w.Wallet, &w.CreditScore, &w.Cluster, &w.Multiplier,
		&components, &vector, &w.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(components, &w.Components); err != nil {
		return nil, fmt.Errorf("failed to decode components for %s: %w", w.Wallet, err)
	}
	if err := json.Unmarshal(vector, &w.Features); err != nil {
		return nil, fmt.Errorf("failed to decode features for %s: %w", w.Wallet, err)
	}
	return &w, nil
}

func collectScores(rows pgx.Rows) ([]*WalletScore, error) {
	defer rows.Close()

	scores := make([]*WalletScore, 0)
	for rows.Next() {
		score, err := scanScore(rows)
		if err != nil {
			return nil, err
		}
		scores = append(scores, score)
	}
	return scores, rows.Err()
}

package db

import (
	"context"
	"testing"
	"time"

	"github.com/brojonat/defiscore/service/features"
	"github.com/brojonat/defiscore/service/report"
	"github.com/brojonat/defiscore/service/scoring"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scored(wallet string, score float64, cluster int) scoring.ScoredWallet {
	return scoring.ScoredWallet{
		Vector: features.Vector{
			Wallet:             wallet,
			TotalTransactions:  7,
			RepayToBorrowRatio: 1.5,
		},
		CreditScore: score,
		Cluster:     cluster,
		Multiplier:  scoring.DefaultPolicy().Multiplier(cluster),
		Components:  scoring.Components{RepaymentBehavior: 0.75, NoLiquidations: 1},
	}
}

func runParams(finished time.Time, wallets int) CreateRunParams {
	return CreateRunParams{
		ID:              uuid.New(),
		PolicyVersion:   scoring.PolicyVersion,
		Source:          "test.json",
		RecordsTotal:    10,
		RecordsAccepted: 9,
		RecordsRejected: 1,
		WalletCount:     wallets,
		ClusterCount:    2,
		MeanScore:       500,
		StartedAt:       finished.Add(-time.Second),
		FinishedAt:      finished,
	}
}

func TestSaveRunAndQuery(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	wallets := []scoring.ScoredWallet{
		scored("0xAAAA000000000000000000000000000000000001", 720.5, 0),
		scored("0xaaaa000000000000000000000000000000000002", 310, 1),
	}
	analysis := report.Bucket(wallets)
	params := runParams(now, len(wallets))

	run, err := store.SaveRun(ctx, params, wallets, analysis.Ranges)
	require.NoError(t, err)
	assert.Equal(t, params.ID, run.ID)
	assert.WithinDuration(t, now, run.FinishedAt, time.Microsecond)

	t.Run("get run", func(t *testing.T) {
		got, err := store.GetRun(ctx, params.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.RecordsRejected)
		assert.Equal(t, "test.json", got.Source)

		_, err = store.GetRun(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list scores highest first", func(t *testing.T) {
		scores, err := store.ListScores(ctx, ListScoresParams{RunID: params.ID, Limit: 10})
		require.NoError(t, err)
		require.Len(t, scores, 2)
		assert.Equal(t, 720.5, scores[0].CreditScore)
		assert.Equal(t, 0.75, scores[0].Components.RepaymentBehavior)
		assert.Equal(t, 7, scores[0].Features.TotalTransactions)
	})

	t.Run("latest score is case insensitive", func(t *testing.T) {
		got, err := store.GetLatestScore(ctx, "0xaaaa000000000000000000000000000000000001")
		require.NoError(t, err)
		assert.Equal(t, 720.5, got.CreditScore)
		assert.Equal(t, 1.2, got.Multiplier)

		_, err = store.GetLatestScore(ctx, "0xffff000000000000000000000000000000000000")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ranges", func(t *testing.T) {
		ranges, err := store.GetRanges(ctx, params.ID)
		require.NoError(t, err)
		require.Len(t, ranges, report.RangeCount)
		assert.Equal(t, 1, ranges[3].Count)
		assert.Equal(t, 1, ranges[7].Count)
		assert.Equal(t, "700-800", ranges[7].Label)
	})
}

func TestListRunsAndHistory(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)
	wallet := "0xbbbb000000000000000000000000000000000001"

	older := runParams(base.Add(-time.Hour), 1)
	_, err := store.SaveRun(ctx, older, []scoring.ScoredWallet{scored(wallet, 100, 2)}, nil)
	require.NoError(t, err)

	newer := runParams(base, 1)
	_, err = store.SaveRun(ctx, newer, []scoring.ScoredWallet{scored(wallet, 200, 1)}, nil)
	require.NoError(t, err)

	runs, err := store.ListRuns(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, newer.ID, runs[0].ID)

	history, err := store.ListScoreHistory(ctx, wallet, 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	deleted, err := store.DeleteRunsOlderThan(ctx, base.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	history, err = store.ListScoreHistory(ctx, wallet, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, newer.ID, history[0].RunID)
}

func TestSaveRunRollsBackOnFailure(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	params := runParams(time.Now().UTC(), 2)
	dup := scored("0xcccc000000000000000000000000000000000001", 400, 0)

	_, err := store.SaveRun(ctx, params, []scoring.ScoredWallet{dup, dup}, nil)
	require.Error(t, err)

	_, err = store.GetRun(ctx, params.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

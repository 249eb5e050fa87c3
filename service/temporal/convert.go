package temporal

import (
	"fmt"

	"github.com/brojonat/defiscore/service/db"
	"github.com/google/uuid"
)

func runParams(run *ScoreTransactionsResult) (db.CreateRunParams, error) {
	if run == nil {
		return db.CreateRunParams{}, fmt.Errorf("run is required")
	}
	id, err := uuid.Parse(run.RunID)
	if err != nil {
		return db.CreateRunParams{}, fmt.Errorf("invalid run id %q: %w", run.RunID, err)
	}
	return db.CreateRunParams{
		ID:              id,
		PolicyVersion:   run.PolicyVersion,
		Source:          run.Source,
		RecordsTotal:    run.RecordsTotal,
		RecordsAccepted: run.RecordsAccepted,
		RecordsRejected: run.RecordsRejected,
		WalletCount:     len(run.Wallets),
		ClusterCount:    run.ClusterCount,
		Unbucketed:      run.Unbucketed,
		MeanScore:       run.Summary.Mean,
		StartedAt:       run.StartedAt,
		FinishedAt:      run.FinishedAt,
	}, nil
}

package nats

import (
	"time"

	"github.com/brojonat/defiscore/service/scoring"
)

// ScoreEvent announces a wallet's credit score from a completed run.
// It is published to the subject "scores.{wallet}" in JetStream.
type ScoreEvent struct {
	RunID         string `json:"run_id"`
	PolicyVersion string `json:"policy_version"`

	Wallet      string  `json:"wallet"`
	CreditScore float64 `json:"credit_score"`
	Cluster     int     `json:"cluster"`
	Multiplier  float64 `json:"multiplier"`

	Components scoring.Components `json:"components"`

	TotalTransactions int  `json:"total_transactions"`
	IsLiquidated      bool `json:"is_liquidated"`

	ScoredAt    time.Time `json:"scored_at"`
	PublishedAt time.Time `json:"published_at"`
}

// FromScoredWallet converts a scored wallet to a ScoreEvent for publishing.
func FromScoredWallet(runID, policyVersion string, scoredAt time.Time, w *scoring.ScoredWallet) *ScoreEvent {
	return &ScoreEvent{
		RunID:             runID,
		PolicyVersion:     policyVersion,
		Wallet:            w.Wallet,
		CreditScore:       w.CreditScore,
		Cluster:           w.Cluster,
		Multiplier:        w.Multiplier,
		Components:        w.Components,
		TotalTransactions: w.TotalTransactions,
		IsLiquidated:      w.IsLiquidated,
		ScoredAt:          scoredAt,
		PublishedAt:       time.Now().UTC(),
	}
}

// Subject returns the JetStream subject for a wallet's score events.
func Subject(wallet string) string {
	return SubjectPrefix + wallet
}

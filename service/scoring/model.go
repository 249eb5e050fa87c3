package scoring

import (
	"errors"
	"fmt"
	"math"

	"github.com/brojonat/defiscore/service/features"
)

// ErrEmptyPopulation is returned when there are no wallets to fit or score.
var ErrEmptyPopulation = errors.New("empty wallet population")

// Components are the seven bounded behavioral scores, each in [0,1].
type Components struct {
	RepaymentBehavior  float64 `json:"repayment_behavior"`
	Consistency        float64 `json:"consistency"`
	Engagement         float64 `json:"engagement"`
	RiskManagement     float64 `json:"risk_management"`
	LiquidityProvision float64 `json:"liquidity_provision"`
	ProtocolUsage      float64 `json:"protocol_usage"`
	NoLiquidations     float64 `json:"no_liquidations"`
}

// Weighted returns the weighted sum of the components.
func (c Components) Weighted(w Weights) float64 {
	return c.RepaymentBehavior*w.RepaymentBehavior +
		c.Consistency*w.Consistency +
		c.Engagement*w.Engagement +
		c.RiskManagement*w.RiskManagement +
		c.LiquidityProvision*w.LiquidityProvision +
		c.ProtocolUsage*w.ProtocolUsage +
		c.NoLiquidations*w.NoLiquidations
}

// ComputeComponents derives the component scores from a feature vector.
func ComputeComponents(v features.Vector, d Divisors) Components {
	noLiq := 0.0
	if v.LiquidationCount == 0 {
		noLiq = 1
	}
	return Components{
		RepaymentBehavior:  saturate(v.RepayToBorrowRatio / d.RepayToBorrowRatio),
		Consistency:        saturate(v.ConsistencyScore),
		Engagement:         saturate(v.ProtocolEngagementScore / d.EngagementScore),
		RiskManagement:     saturate(v.DepositToBorrowRatio / d.DepositToBorrowRatio),
		LiquidityProvision: saturate(float64(v.DepositCount) / d.DepositCount),
		ProtocolUsage:      saturate(float64(v.UniqueFunctions) / d.UniqueFunctions),
		NoLiquidations:     noLiq,
	}
}

// ScoredWallet is a feature vector with its credit score and the inputs that produced it.
type ScoredWallet struct {
	features.Vector
	CreditScore float64    `json:"credit_score"`
	Cluster     int        `json:"cluster"`
	Multiplier  float64    `json:"multiplier"`
	Components  Components `json:"components"`
}

// Model is the fitted state of a scoring run: the scaler and cluster model
// learned from a population, plus the policy they were fit under.
type Model struct {
	Policy   Policy        `json:"policy"`
	Scaler   ScalerParams  `json:"scaler"`
	Clusters *ClusterModel `json:"clusters"`
	Features []string      `json:"features"`
}

// Fit learns scaling and cluster parameters over the whole population and
// returns the model together with the cluster label of each input vector.
func Fit(vectors []features.Vector, policy Policy) (*Model, []int, error) {
	if err := policy.Validate(); err != nil {
		return nil, nil, err
	}
	if len(vectors) == 0 {
		return nil, nil, ErrEmptyPopulation
	}

	rows := features.Matrix(vectors)
	scaler := FitRobust(rows)
	scaled := scaler.TransformAll(rows)

	clusters, labels := fitKMeans(scaled, policy.KMeans)

	if policy.Order == OrderRepayment {
		perm := canonicalOrder(clusters.Centroids, features.ColumnIndex(features.ColRepayToBorrowRatio))
		reordered := make([][]float64, len(clusters.Centroids))
		for old, next := range perm {
			reordered[next] = clusters.Centroids[old]
		}
		clusters.Centroids = reordered
		for i, l := range labels {
			labels[i] = perm[l]
		}
	}

	return &Model{
		Policy:   policy,
		Scaler:   scaler,
		Clusters: clusters,
		Features: append([]string(nil), features.Columns...),
	}, labels, nil
}

// Score assigns v to its nearest cluster and computes its credit score.
// Scoring a wallet that was not part of the fitted population is allowed.
func (m *Model) Score(v features.Vector) ScoredWallet {
	cluster := m.Clusters.Predict(m.Scaler.Transform(v.Values()))
	return m.scoreWithCluster(v, cluster)
}

func (m *Model) scoreWithCluster(v features.Vector, cluster int) ScoredWallet {
	comps := ComputeComponents(v, m.Policy.Divisors)
	mult := m.Policy.Multiplier(cluster)
	return ScoredWallet{
		Vector:      v,
		CreditScore: clamp(comps.Weighted(m.Policy.Weights)*mult*m.Policy.MaxScore, m.Policy.MaxScore),
		Cluster:     cluster,
		Multiplier:  mult,
		Components:  comps,
	}
}

// Run fits a model over vectors and scores every wallet with its fitted label.
// Output order matches input order.
func Run(vectors []features.Vector, policy Policy) (*Model, []ScoredWallet, error) {
	model, labels, err := Fit(vectors, policy)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fit scoring model: %w", err)
	}
	scored := make([]ScoredWallet, len(vectors))
	for i, v := range vectors {
		scored[i] = model.scoreWithCluster(v, labels[i])
	}
	return model, scored, nil
}

func saturate(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	return math.Min(1, x)
}

func clamp(score, ceiling float64) float64 {
	if math.IsNaN(score) || score < 0 {
		return 0
	}
	return math.Min(ceiling, score)
}

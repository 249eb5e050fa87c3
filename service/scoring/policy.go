package scoring

import (
	"errors"
	"fmt"
	"math"
)

// PolicyVersion identifies the default weights, divisors and multipliers.
// Bump it whenever any of them change so stored scores remain attributable.
const PolicyVersion = "v1"

// ErrInvalidPolicy is wrapped by Policy.Validate failures.
var ErrInvalidPolicy = errors.New("invalid scoring policy")

// ClusterOrder selects how cluster ids are mapped onto the multiplier table.
type ClusterOrder string

const (
	// OrderIndex uses the raw cluster id produced by k-means.
	OrderIndex ClusterOrder = "index"
	// OrderRepayment renumbers clusters by descending centroid repay/borrow ratio,
	// so cluster 0 is always the cohort with the strongest repayment signal.
	OrderRepayment ClusterOrder = "repayment"
)

// Weights of the seven score components. They must sum to 1.
type Weights struct {
	RepaymentBehavior  float64 `json:"repayment_behavior"`
	Consistency        float64 `json:"consistency"`
	Engagement         float64 `json:"engagement"`
	RiskManagement     float64 `json:"risk_management"`
	LiquidityProvision float64 `json:"liquidity_provision"`
	ProtocolUsage      float64 `json:"protocol_usage"`
	NoLiquidations     float64 `json:"no_liquidations"`
}

// Sum returns the total weight.
func (w Weights) Sum() float64 {
	return w.RepaymentBehavior + w.Consistency + w.Engagement + w.RiskManagement +
		w.LiquidityProvision + w.ProtocolUsage + w.NoLiquidations
}

// Divisors saturate raw features into [0,1] components: component = min(1, feature/divisor).
type Divisors struct {
	RepayToBorrowRatio   float64 `json:"repay_to_borrow_ratio"`
	EngagementScore      float64 `json:"engagement_score"`
	DepositToBorrowRatio float64 `json:"deposit_to_borrow_ratio"`
	DepositCount         float64 `json:"deposit_count"`
	UniqueFunctions      float64 `json:"unique_functions"`
}

// KMeans configures the clustering step.
type KMeans struct {
	Clusters  int     `json:"clusters"`
	Seed      int64   `json:"seed"`
	Inits     int     `json:"inits"`
	MaxIter   int     `json:"max_iter"`
	Tolerance float64 `json:"tolerance"`
}

// Policy is the complete, versioned scoring configuration.
type Policy struct {
	Version  string   `json:"version"`
	Weights  Weights  `json:"weights"`
	Divisors Divisors `json:"divisors"`
	KMeans   KMeans   `json:"kmeans"`

	// Multipliers is indexed by cluster id. Ids beyond the table use DefaultMultiplier.
	Multipliers       []float64    `json:"multipliers"`
	DefaultMultiplier float64      `json:"default_multiplier"`
	Order             ClusterOrder `json:"order"`

	MaxScore float64 `json:"max_score"`
}

// DefaultPolicy returns the v1 policy.
func DefaultPolicy() Policy {
	return Policy{
		Version: PolicyVersion,
		Weights: Weights{
			RepaymentBehavior:  0.25,
			Consistency:        0.20,
			Engagement:         0.15,
			RiskManagement:     0.15,
			LiquidityProvision: 0.10,
			ProtocolUsage:      0.10,
			NoLiquidations:     0.05,
		},
		Divisors: Divisors{
			RepayToBorrowRatio:   2,
			EngagementScore:      5,
			DepositToBorrowRatio: 3,
			DepositCount:         10,
			UniqueFunctions:      5,
		},
		KMeans: KMeans{
			Clusters:  5,
			Seed:      42,
			Inits:     10,
			MaxIter:   300,
			Tolerance: 1e-4,
		},
		Multipliers:       []float64{1.2, 1.0, 0.8, 0.9, 1.1},
		DefaultMultiplier: 1.0,
		Order:             OrderIndex,
		MaxScore:          1000,
	}
}

// Multiplier returns the adjustment for a cluster id.
func (p Policy) Multiplier(cluster int) float64 {
	if cluster >= 0 && cluster < len(p.Multipliers) {
		return p.Multipliers[cluster]
	}
	return p.DefaultMultiplier
}

// Validate checks the policy invariants.
func (p Policy) Validate() error {
	var errs []error

	if p.Version == "" {
		errs = append(errs, fmt.Errorf("version is required"))
	}
	if sum := p.Weights.Sum(); math.Abs(sum-1) > 1e-9 {
		errs = append(errs, fmt.Errorf("weights must sum to 1, got %v", sum))
	}
	for name, w := range map[string]float64{
		"repayment_behavior":  p.Weights.RepaymentBehavior,
		"consistency":         p.Weights.Consistency,
		"engagement":          p.Weights.Engagement,
		"risk_management":     p.Weights.RiskManagement,
		"liquidity_provision": p.Weights.LiquidityProvision,
		"protocol_usage":      p.Weights.ProtocolUsage,
		"no_liquidations":     p.Weights.NoLiquidations,
	} {
		if w < 0 {
			errs = append(errs, fmt.Errorf("weight %s is negative", name))
		}
	}
	for name, d := range map[string]float64{
		"repay_to_borrow_ratio":   p.Divisors.RepayToBorrowRatio,
		"engagement_score":        p.Divisors.EngagementScore,
		"deposit_to_borrow_ratio": p.Divisors.DepositToBorrowRatio,
		"deposit_count":           p.Divisors.DepositCount,
		"unique_functions":        p.Divisors.UniqueFunctions,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("divisor %s must be positive", name))
		}
	}
	if p.KMeans.Clusters < 1 {
		errs = append(errs, fmt.Errorf("cluster count must be at least 1"))
	}
	if p.KMeans.Inits < 1 {
		errs = append(errs, fmt.Errorf("k-means inits must be at least 1"))
	}
	if p.KMeans.MaxIter < 1 {
		errs = append(errs, fmt.Errorf("k-means max_iter must be at least 1"))
	}
	if p.KMeans.Tolerance < 0 {
		errs = append(errs, fmt.Errorf("k-means tolerance must not be negative"))
	}
	if len(p.Multipliers) < p.KMeans.Clusters {
		errs = append(errs, fmt.Errorf("need a multiplier for each of %d clusters, got %d", p.KMeans.Clusters, len(p.Multipliers)))
	}
	for i, m := range p.Multipliers {
		if m < 0 || math.IsNaN(m) || math.IsInf(m, 0) {
			errs = append(errs, fmt.Errorf("multiplier %d is invalid: %v", i, m))
		}
	}
	switch p.Order {
	case OrderIndex, OrderRepayment:
	default:
		errs = append(errs, fmt.Errorf("unknown cluster order %q", p.Order))
	}
	if p.MaxScore <= 0 {
		errs = append(errs, fmt.Errorf("max score must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, errors.Join(errs...))
	}
	return nil
}

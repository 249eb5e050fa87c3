package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Components are the seven weighted parts of a credit score.
type Components struct {
	RepaymentBehavior  float64 `json:"repayment_behavior"`
	Consistency        float64 `json:"consistency"`
	Engagement         float64 `json:"engagement"`
	RiskManagement     float64 `json:"risk_management"`
	LiquidityProvision float64 `json:"liquidity_provision"`
	ProtocolUsage      float64 `json:"protocol_usage"`
	NoLiquidations     float64 `json:"no_liquidations"`
}

// WalletScore is the score of one wallet in one run. Features holds the
// wallet's behavioral feature vector keyed by feature name.
type WalletScore struct {
	RunID       string                 `json:"run_id,omitempty"`
	Wallet      string                 `json:"wallet"`
	CreditScore float64                `json:"credit_score"`
	Cluster     int                    `json:"cluster"`
	Multiplier  float64                `json:"multiplier"`
	Components  Components             `json:"components"`
	Features    map[string]interface{} `json:"features,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Range is one score range of a run's analysis.
type Range struct {
	Label              string  `json:"label"`
	Lo                 int     `json:"lo"`
	Hi                 int     `json:"hi"`
	Count              int     `json:"count"`
	AvgTransactions    float64 `json:"avg_transactions"`
	AvgRepayRatio      float64 `json:"avg_repay_ratio"`
	AvgLiquidationRate float64 `json:"avg_liquidation_rate"`
	AvgEngagement      float64 `json:"avg_engagement"`
}

// Rejection describes a record dropped during normalization.
type Rejection struct {
	Index  int    `json:"index"`
	Wallet string `json:"wallet,omitempty"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
}

// RankedWallet is a wallet in a summary's top or bottom list.
type RankedWallet struct {
	Wallet      string  `json:"wallet"`
	CreditScore float64 `json:"credit_score"`
}

// Summary describes the score distribution of a run.
type Summary struct {
	Wallets int            `json:"wallets"`
	Mean    float64        `json:"mean"`
	StdDev  float64        `json:"std_dev"`
	Min     float64        `json:"min"`
	Max     float64        `json:"max"`
	Top     []RankedWallet `json:"top"`
	Bottom  []RankedWallet `json:"bottom"`
}

// ScoreRun is the result of submitting transaction records for scoring.
type ScoreRun struct {
	RunID           string        `json:"run_id"`
	PolicyVersion   string        `json:"policy_version"`
	RecordsTotal    int           `json:"records_total"`
	RecordsAccepted int           `json:"records_accepted"`
	RecordsRejected int           `json:"records_rejected"`
	Rejections      []Rejection   `json:"rejections"`
	Clusters        int           `json:"clusters"`
	Wallets         []WalletScore `json:"wallets"`
	Ranges          []Range       `json:"ranges"`
	Unbucketed      int           `json:"unbucketed"`
	Summary         Summary       `json:"summary"`
	Persisted       bool          `json:"persisted"`
	Published       int           `json:"published"`
}

// Run is a persisted scoring run.
type Run struct {
	ID              string    `json:"id"`
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

// ScoreLookup is the latest score of a wallet and, when requested, its history.
type ScoreLookup struct {
	Score   WalletScore   `json:"score"`
	History []WalletScore `json:"history,omitempty"`
}

// RangeReport is the range analysis of a persisted run.
type RangeReport struct {
	RunID      string  `json:"run_id"`
	Ranges     []Range `json:"ranges"`
	Unbucketed int     `json:"unbucketed"`
}

// Client is the HTTP client for the defiscore service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new scoring service client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Score submits a JSON array of transaction records and returns the scored run.
func (c *Client) Score(ctx context.Context, records io.Reader) (*ScoreRun, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/v1/score", records)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var run ScoreRun
	if err := c.do(req, http.StatusOK, &run); err != nil {
		return nil, err
	}

	c.logger.Debug("records scored", "run_id", run.RunID, "wallets", len(run.Wallets))
	return &run, nil
}

// GetScore retrieves the latest score of a wallet. When history is positive,
// up to that many past scores are returned as well, newest first.
func (c *Client) GetScore(ctx context.Context, wallet string, history int) (*ScoreLookup, error) {
	u := fmt.Sprintf("%s/api/v1/scores/%s", c.baseURL, url.PathEscape(wallet))
	if history > 0 {
		u += fmt.Sprintf("?history=%d", history)
	}
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var lookup ScoreLookup
	if err := c.do(req, http.StatusOK, &lookup); err != nil {
		return nil, err
	}
	return &lookup, nil
}

// ListRuns retrieves persisted runs, newest first.
func (c *Client) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if offset > 0 {
		params.Set("offset", fmt.Sprintf("%d", offset))
	}
	u := c.baseURL + "/api/v1/runs"
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var response struct {
		Runs []*Run `json:"runs"`
	}
	if err := c.do(req, http.StatusOK, &response); err != nil {
		return nil, err
	}
	return response.Runs, nil
}

// GetRanges retrieves the score range analysis of a persisted run.
func (c *Client) GetRanges(ctx context.Context, runID string) (*RangeReport, error) {
	u := fmt.Sprintf("%s/api/v1/runs/%s/ranges", c.baseURL, url.PathEscape(runID))
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var report RangeReport
	if err := c.do(req, http.StatusOK, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// StartRun asks the server to start a scoring workflow over a file visible to
// the worker, returning the workflow id.
func (c *Client) StartRun(ctx context.Context, path string, persist, publish bool) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"path":    path,
		"persist": persist,
		"publish": publish,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/v1/runs", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var response struct {
		WorkflowID string `json:"workflow_id"`
	}
	if err := c.do(req, http.StatusAccepted, &response); err != nil {
		return "", err
	}

	c.logger.Debug("score run started", "workflow_id", response.WorkflowID, "path", path)
	return response.WorkflowID, nil
}

// do sends req and decodes a response with the expected status into out.
func (c *Client) do(req *http.Request, expected int, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != expected {
		return c.parseErrorResponse(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return fmt.Errorf("request failed: %s", errResp.Error)
}

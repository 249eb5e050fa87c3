package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/brojonat/defiscore/service/db"
	"github.com/brojonat/defiscore/service/ingest"
	natspkg "github.com/brojonat/defiscore/service/nats"
	"github.com/brojonat/defiscore/service/pipeline"
	"github.com/brojonat/defiscore/service/report"
	"github.com/brojonat/defiscore/service/scoring"
	"github.com/brojonat/defiscore/service/temporal"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB for run and schedule requests
	defaultPageLimit   = 100
	maxPageLimit       = 1000
	summaryTopN        = 10
	minScheduleEvery   = time.Minute
)

var (
	validScheduleName = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)
)

// scoreResponse is the JSON response of POST /api/v1/score.
type scoreResponse struct {
	RunID           string                 `json:"run_id"`
	PolicyVersion   string                 `json:"policy_version"`
	RecordsTotal    int                    `json:"records_total"`
	RecordsAccepted int                    `json:"records_accepted"`
	RecordsRejected int                    `json:"records_rejected"`
	Rejections      []ingest.Rejection     `json:"rejections"`
	Clusters        int                    `json:"clusters"`
	Wallets         []scoring.ScoredWallet `json:"wallets"`
	Ranges          []report.Range         `json:"ranges"`
	Unbucketed      int                    `json:"unbucketed"`
	Summary         report.Summary         `json:"summary"`
	Persisted       bool                   `json:"persisted"`
	Published       int                    `json:"published"`
}

// handleScore returns a handler that scores a JSON array of transaction records.
// POST /api/v1/score
// The run is persisted when a store is configured, and its scores are
// published when a publisher is configured as well.
func handleScore(runner ScoreRunner, store ScoreStore, publisher natspkg.Publisher, maxBytes int64, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

		raws, err := ingest.DecodeArray(r.Body)
		if err != nil {
			logger.Debug("failed to decode score request", "error", err)
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, fmt.Sprintf("request body too large: maximum size is %d bytes", tooLarge.Limit), http.StatusRequestEntityTooLarge)
				return
			}
			writeError(w, "invalid request body: must be a JSON array of transaction records", http.StatusBadRequest)
			return
		}

		result, err := runner.Run(r.Context(), raws)
		if err != nil {
			if errors.Is(err, scoring.ErrEmptyPopulation) {
				writeError(w, "no valid transaction records to score", http.StatusUnprocessableEntity)
				return
			}
			logger.Error("scoring run failed", "records", len(raws), "error", err)
			writeError(w, "scoring run failed", http.StatusInternalServerError)
			return
		}

		resp := scoreResponse{
			RunID:           result.RunID.String(),
			PolicyVersion:   result.PolicyVersion,
			RecordsTotal:    result.RecordsTotal,
			RecordsAccepted: result.RecordsAccepted,
			RecordsRejected: result.RecordsRejected(),
			Rejections:      result.Rejections,
			Clusters:        result.Model.Clusters.K(),
			Wallets:         result.Wallets,
			Ranges:          result.Analysis.Populated(),
			Unbucketed:      result.Analysis.Unbucketed,
			Summary:         report.Summarize(result.Wallets, summaryTopN),
		}
		if resp.Rejections == nil {
			resp.Rejections = []ingest.Rejection{}
		}

		if store != nil {
			params := runParams(result, "api", resp.Summary.Mean)
			if _, err := store.SaveRun(r.Context(), params, result.Wallets, result.Analysis.Ranges); err != nil {
				logger.Error("failed to persist run", "run_id", resp.RunID, "error", err)
				writeError(w, "failed to persist run", http.StatusInternalServerError)
				return
			}
			resp.Persisted = true

			if publisher != nil {
				resp.Published = publishScores(r, publisher, result, logger)
			}
		}

		writeJSON(w, resp, http.StatusOK)
	})
}

// publishScores announces every score of a persisted run. Failures are logged
// and reflected only in the returned count.
func publishScores(r *http.Request, publisher natspkg.Publisher, result *pipeline.Result, logger *slog.Logger) int {
	runID := result.RunID.String()
	events := make([]*natspkg.ScoreEvent, len(result.Wallets))
	for i := range result.Wallets {
		events[i] = natspkg.FromScoredWallet(runID, result.PolicyVersion, result.FinishedAt, &result.Wallets[i])
	}
	published, err := publisher.PublishScoreBatch(r.Context(), events)
	if err != nil {
		logger.Warn("failed to publish scores", "run_id", runID, "error", err)
	}
	return published
}

// handleGetScore returns a handler that retrieves the latest score of a wallet.
// GET /api/v1/scores/{wallet}?history={n}
func handleGetScore(store ScoreStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wallet := r.PathValue("wallet")
		if err := validateWallet(wallet); err != nil {
			logger.Debug("invalid wallet", "wallet", wallet, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		history := 0
		if h := r.URL.Query().Get("history"); h != "" {
			n, err := parseLimit(h)
			if err != nil {
				writeError(w, "invalid history parameter: "+err.Error(), http.StatusBadRequest)
				return
			}
			history = int(n)
		}

		score, err := store.GetLatestScore(r.Context(), wallet)
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, "wallet not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("failed to get score", "wallet", wallet, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := map[string]interface{}{
			"score": score,
		}
		if history > 0 {
			scores, err := store.ListScoreHistory(r.Context(), wallet, int32(history))
			if err != nil {
				logger.Error("failed to list score history", "wallet", wallet, "error", err)
				writeError(w, "internal server error", http.StatusInternalServerError)
				return
			}
			resp["history"] = scores
		}

		writeJSON(w, resp, http.StatusOK)
	})
}

// handleListRuns returns a handler that lists scoring runs, newest first.
// GET /api/v1/runs?limit={limit}&offset={offset}
func handleListRuns(store ScoreStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit, offset, err := parsePagination(r)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		runs, err := store.ListRuns(r.Context(), limit, offset)
		if err != nil {
			logger.Error("failed to list runs", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if runs == nil {
			runs = []*db.Run{}
		}

		writeJSON(w, map[string]interface{}{
			"runs":   runs,
			"count":  len(runs),
			"limit":  limit,
			"offset": offset,
		}, http.StatusOK)
	})
}

// handleGetRun returns a handler that retrieves a single run.
// GET /api/v1/runs/{run_id}
func handleGetRun(store ScoreStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		runID, ok := parseRunID(w, r)
		if !ok {
			return
		}

		run, err := store.GetRun(r.Context(), runID)
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, "run not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("failed to get run", "run_id", runID, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, run, http.StatusOK)
	})
}

// handleListRunScores returns a handler that lists the scores of a run,
// highest first.
// GET /api/v1/runs/{run_id}/scores?limit={limit}&offset={offset}
func handleListRunScores(store ScoreStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		runID, ok := parseRunID(w, r)
		if !ok {
			return
		}
		limit, offset, err := parsePagination(r)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if _, err := store.GetRun(r.Context(), runID); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				writeError(w, "run not found", http.StatusNotFound)
				return
			}
			logger.Error("failed to get run", "run_id", runID, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		scores, err := store.ListScores(r.Context(), db.ListScoresParams{
			RunID:  runID,
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			logger.Error("failed to list scores", "run_id", runID, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if scores == nil {
			scores = []*db.WalletScore{}
		}

		writeJSON(w, map[string]interface{}{
			"run_id": runID,
			"scores": scores,
			"count":  len(scores),
			"limit":  limit,
			"offset": offset,
		}, http.StatusOK)
	})
}

// handleGetRanges returns a handler that retrieves the score range analysis of a run.
// GET /api/v1/runs/{run_id}/ranges
func handleGetRanges(store ScoreStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		runID, ok := parseRunID(w, r)
		if !ok {
			return
		}

		run, err := store.GetRun(r.Context(), runID)
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, "run not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("failed to get run", "run_id", runID, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		ranges, err := store.GetRanges(r.Context(), runID)
		if err != nil {
			logger.Error("failed to get ranges", "run_id", runID, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		analysis := report.Analysis{Ranges: ranges, Unbucketed: run.Unbucketed}
		writeJSON(w, map[string]interface{}{
			"run_id":     runID,
			"ranges":     analysis.Populated(),
			"unbucketed": run.Unbucketed,
			"analysis":   report.AnalysisDocument(analysis),
		}, http.StatusOK)
	})
}

// runRequest is the body of POST /api/v1/runs and PUT /api/v1/schedules/{name}.
type runRequest struct {
	Path     string `json:"path"`
	Persist  bool   `json:"persist"`
	Publish  bool   `json:"publish"`
	Interval string `json:"interval,omitempty"`
}

// handleStartRun returns a handler that starts a ScoreRunWorkflow for a file
// visible to the worker.
// POST /api/v1/runs
func handleStartRun(scheduler temporal.Scheduler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeRunRequest(w, r, logger)
		if !ok {
			return
		}

		input := temporal.ScoreRunInput{Path: req.Path, Persist: req.Persist, Publish: req.Publish}
		workflowID, err := scheduler.StartScoreRun(r.Context(), input)
		if err != nil {
			logger.Error("failed to start score run", "path", req.Path, "error", err)
			writeError(w, "failed to start score run", http.StatusInternalServerError)
			return
		}

		logger.Info("score run started", "workflow_id", workflowID, "path", req.Path)
		writeJSON(w, map[string]interface{}{
			"workflow_id": workflowID,
			"path":        req.Path,
		}, http.StatusAccepted)
	})
}

// handleUpsertSchedule returns a handler that creates or updates a recurring run.
// PUT /api/v1/schedules/{name}
func handleUpsertSchedule(scheduler temporal.Scheduler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		if !validScheduleName.MatchString(name) {
			writeError(w, "invalid schedule name: use lowercase letters, digits and dashes", http.StatusBadRequest)
			return
		}

		req, ok := decodeRunRequest(w, r, logger)
		if !ok {
			return
		}

		interval, err := time.ParseDuration(req.Interval)
		if err != nil {
			writeError(w, "invalid interval: must be a duration like 1h or 30m", http.StatusBadRequest)
			return
		}
		if interval < minScheduleEvery {
			writeError(w, fmt.Sprintf("interval must be at least %v", minScheduleEvery), http.StatusBadRequest)
			return
		}

		input := temporal.ScoreRunInput{Path: req.Path, Persist: req.Persist, Publish: req.Publish}
		if err := scheduler.UpsertScoreSchedule(r.Context(), name, input, interval); err != nil {
			logger.Error("failed to upsert schedule", "name", name, "error", err)
			writeError(w, "failed to create schedule", http.StatusInternalServerError)
			return
		}

		logger.Info("schedule upserted", "name", name, "path", req.Path, "interval", interval)
		writeJSON(w, map[string]interface{}{
			"name":     name,
			"path":     req.Path,
			"interval": interval.String(),
			"persist":  req.Persist,
			"publish":  req.Publish,
		}, http.StatusOK)
	})
}

// handleDeleteSchedule returns a handler that removes a recurring run.
// DELETE /api/v1/schedules/{name}
func handleDeleteSchedule(scheduler temporal.Scheduler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		if !validScheduleName.MatchString(name) {
			writeError(w, "invalid schedule name: use lowercase letters, digits and dashes", http.StatusBadRequest)
			return
		}

		if err := scheduler.DeleteScoreSchedule(r.Context(), name); err != nil {
			logger.Error("failed to delete schedule", "name", name, "error", err)
			writeError(w, "failed to delete schedule", http.StatusInternalServerError)
			return
		}

		logger.Info("schedule deleted", "name", name)
		w.WriteHeader(http.StatusNoContent)
	})
}

func decodeRunRequest(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (runRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Debug("failed to decode run request", "error", err)
		if strings.Contains(err.Error(), "http: request body too large") {
			writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
			return req, false
		}
		writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
		return req, false
	}

	req.Path = strings.TrimSpace(req.Path)
	if req.Path == "" {
		writeError(w, "path is required", http.StatusBadRequest)
		return req, false
	}
	if req.Publish && !req.Persist {
		writeError(w, "publish requires persist", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

// runParams builds the persisted run row for a pipeline result.
func runParams(result *pipeline.Result, source string, mean float64) db.CreateRunParams {
	return db.CreateRunParams{
		ID:              result.RunID,
		PolicyVersion:   result.PolicyVersion,
		Source:          source,
		RecordsTotal:    result.RecordsTotal,
		RecordsAccepted: result.RecordsAccepted,
		RecordsRejected: result.RecordsRejected(),
		WalletCount:     len(result.Wallets),
		ClusterCount:    result.Model.Clusters.K(),
		Unbucketed:      result.Analysis.Unbucketed,
		MeanScore:       mean,
		StartedAt:       result.StartedAt,
		FinishedAt:      result.FinishedAt,
	}
}

func parseRunID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, "invalid run_id: must be a UUID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// parsePagination reads limit (default 100, max 1000) and offset (default 0).
func parsePagination(r *http.Request) (int32, int32, error) {
	query := r.URL.Query()

	limit := int32(defaultPageLimit)
	if limitStr := query.Get("limit"); limitStr != "" {
		n, err := parseLimit(limitStr)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid limit parameter: %w", err)
		}
		limit = n
	}

	offset := int32(0)
	if offsetStr := query.Get("offset"); offsetStr != "" {
		var parsedOffset int
		if _, err := fmt.Sscanf(offsetStr, "%d", &parsedOffset); err != nil {
			return 0, 0, fmt.Errorf("invalid offset parameter: must be an integer")
		}
		if parsedOffset < 0 {
			return 0, 0, fmt.Errorf("offset cannot be negative")
		}
		offset = int32(parsedOffset)
	}

	return limit, offset, nil
}

func parseLimit(s string) (int32, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("must be an integer")
	}
	if n < 1 {
		return 0, fmt.Errorf("must be at least 1")
	}
	if n > maxPageLimit {
		return 0, fmt.Errorf("cannot exceed %d", maxPageLimit)
	}
	return int32(n), nil
}

// validateWallet checks that a path parameter is a 0x-prefixed EVM address.
func validateWallet(wallet string) error {
	if wallet == "" {
		return fmt.Errorf("wallet is required")
	}
	if !strings.HasPrefix(wallet, "0x") && !strings.HasPrefix(wallet, "0X") {
		return fmt.Errorf("wallet must be a 0x-prefixed address")
	}
	if !common.IsHexAddress(wallet) {
		return fmt.Errorf("wallet must be a 20-byte hex address")
	}
	return nil
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

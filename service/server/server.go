package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/defiscore/service/config"
	"github.com/brojonat/defiscore/service/db"
	"github.com/brojonat/defiscore/service/metrics"
	natspkg "github.com/brojonat/defiscore/service/nats"
	"github.com/brojonat/defiscore/service/pipeline"
	"github.com/brojonat/defiscore/service/report"
	"github.com/brojonat/defiscore/service/scoring"
	"github.com/brojonat/defiscore/service/temporal"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ScoreRunner scores a population of raw transaction records.
type ScoreRunner interface {
	Run(ctx context.Context, raws []json.RawMessage) (*pipeline.Result, error)
}

// ScoreStore is the subset of db.Store used by the HTTP handlers.
type ScoreStore interface {
	SaveRun(ctx context.Context, params db.CreateRunParams, wallets []scoring.ScoredWallet, ranges []report.Range) (*db.Run, error)
	GetRun(ctx context.Context, id uuid.UUID) (*db.Run, error)
	ListRuns(ctx context.Context, limit, offset int32) ([]*db.Run, error)
	GetLatestScore(ctx context.Context, wallet string) (*db.WalletScore, error)
	ListScoreHistory(ctx context.Context, wallet string, limit int32) ([]*db.WalletScore, error)
	ListScores(ctx context.Context, params db.ListScoresParams) ([]*db.WalletScore, error)
	GetRanges(ctx context.Context, runID uuid.UUID) ([]report.Range, error)
}

// Deps are the collaborators of a Server. Only Runner is required; routes
// whose dependency is nil are not registered.
type Deps struct {
	Runner    ScoreRunner
	Store     ScoreStore
	Publisher natspkg.Publisher
	Scheduler temporal.Scheduler
	Metrics   *metrics.Metrics
}

// Server represents the HTTP server for the scoring service.
type Server struct {
	addr    string
	cfg     *config.Config
	deps    Deps
	handler http.Handler
	logger  *slog.Logger
	server  *http.Server
}

// New creates a new HTTP server and registers its routes.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if deps.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:   cfg.ServerAddr,
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "server"),
	}
	s.handler = corsMiddleware(s.routes())
	return s, nil
}

// Handler returns the root handler, including middleware.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	d := s.deps

	s.handle(mux, "POST /api/v1/score", handleScore(d.Runner, d.Store, d.Publisher, s.cfg.MaxUploadBytes, s.logger))

	if d.Store != nil {
		s.handle(mux, "GET /api/v1/scores/{wallet}", handleGetScore(d.Store, s.logger))
		s.handle(mux, "GET /api/v1/runs", handleListRuns(d.Store, s.logger))
		s.handle(mux, "GET /api/v1/runs/{run_id}", handleGetRun(d.Store, s.logger))
		s.handle(mux, "GET /api/v1/runs/{run_id}/scores", handleListRunScores(d.Store, s.logger))
		s.handle(mux, "GET /api/v1/runs/{run_id}/ranges", handleGetRanges(d.Store, s.logger))
	} else {
		s.logger.Warn("store not configured, score history endpoints disabled")
	}

	if d.Scheduler != nil {
		s.handle(mux, "POST /api/v1/runs", handleStartRun(d.Scheduler, s.logger))
		s.handle(mux, "PUT /api/v1/schedules/{name}", handleUpsertSchedule(d.Scheduler, s.logger))
		s.handle(mux, "DELETE /api/v1/schedules/{name}", handleDeleteSchedule(d.Scheduler, s.logger))
	} else {
		s.logger.Warn("scheduler not configured, workflow endpoints disabled")
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if d.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return mux
}

// handle registers h, wrapped with request metrics when they are configured.
func (s *Server) handle(mux *http.ServeMux, pattern string, h http.Handler) {
	if s.deps.Metrics != nil {
		h = metrics.HTTPMetricsMiddleware(s.deps.Metrics, pattern)(h)
	}
	mux.Handle(pattern, h)
}

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

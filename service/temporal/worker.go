package temporal

import (
	"fmt"
	"log/slog"

	"github.com/brojonat/defiscore/service/metrics"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

// WorkerConfig contains configuration for the Temporal worker.
type WorkerConfig struct {
	TemporalHost      string
	TemporalNamespace string
	TaskQueue         string

	// Store and Publisher may be nil; runs that ask for persistence or
	// publishing then fail or warn respectively.
	Runner    RunnerInterface
	Store     StoreInterface
	Publisher PublisherInterface
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Worker wraps a Temporal worker and provides lifecycle management.
type Worker struct {
	client client.Client
	worker worker.Worker
	logger *slog.Logger
}

// NewWorker creates and configures a new Temporal worker.
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}

	logger := config.Logger.With("component", "temporal_worker")

	logger.Info("creating temporal worker",
		"host", config.TemporalHost,
		"namespace", config.TemporalNamespace,
		"task_queue", config.TaskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  config.TemporalHost,
		Namespace: config.TemporalNamespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to temporal: %w", err)
	}

	// Scoring holds a full population in memory, so keep activity concurrency low.
	w := worker.New(c, config.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     2,
		MaxConcurrentWorkflowTaskExecutionSize: 10,
	})

	w.RegisterWorkflowWithOptions(ScoreRunWorkflow, workflow.RegisterOptions{Name: ScoreRunWorkflowName})
	logger.Info("registered workflow", "name", ScoreRunWorkflowName)

	activities := NewActivities(
		config.Runner,
		config.Store,
		config.Publisher,
		config.Metrics,
		logger,
	)

	w.RegisterActivity(activities.ScoreTransactions)
	w.RegisterActivity(activities.PersistRun)
	w.RegisterActivity(activities.PublishScores)

	logger.Info("registered activities",
		"activities", []string{"ScoreTransactions", "PersistRun", "PublishScores"},
	)

	return &Worker{
		client: c,
		worker: w,
		logger: logger,
	}, nil
}

// Start begins processing workflows and activities.
// This method blocks until Stop is called or an interrupt is received.
func (w *Worker) Start() error {
	w.logger.Info("starting temporal worker")
	err := w.worker.Run(worker.InterruptCh())
	if err != nil {
		w.logger.Error("worker stopped with error", "error", err)
		return fmt.Errorf("worker stopped with error: %w", err)
	}
	w.logger.Info("worker stopped gracefully")
	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() {
	w.logger.Info("stopping temporal worker")
	w.worker.Stop()
	w.client.Close()
	w.logger.Info("temporal worker stopped")
}

package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"
)

// Client is the production Scheduler backed by a Temporal connection.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// StartScoreRun starts a ScoreRunWorkflow and returns its workflow id.
func (c *Client) StartScoreRun(ctx context.Context, input ScoreRunInput) (string, error) {
	id := "score-run-" + uuid.NewString()

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: c.taskQueue,
	}, ScoreRunWorkflowName, input)
	if err != nil {
		c.logger.Error("failed to start score run", "path", input.Path, "error", err)
		return "", fmt.Errorf("failed to start score run: %w", err)
	}

	c.logger.Info("score run started",
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
		"path", input.Path,
	)
	return run.GetID(), nil
}

// WaitScoreRun blocks until the workflow finishes and returns its result.
func (c *Client) WaitScoreRun(ctx context.Context, workflowID string) (*ScoreRunResult, error) {
	var result ScoreRunResult
	if err := c.client.GetWorkflow(ctx, workflowID, "").Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("score run %s failed: %w", workflowID, err)
	}
	return &result, nil
}

// UpsertScoreSchedule creates the named schedule, or updates its interval and
// input if it already exists.
func (c *Client) UpsertScoreSchedule(ctx context.Context, name string, input ScoreRunInput, interval time.Duration) error {
	id := scheduleID(name)

	action := &client.ScheduleWorkflowAction{
		ID:        id,
		Workflow:  ScoreRunWorkflowName,
		TaskQueue: c.taskQueue,
		Args:      []interface{}{input},
	}
	spec := client.ScheduleSpec{
		Intervals: []client.ScheduleIntervalSpec{{Every: interval}},
	}

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if _, err := handle.Describe(ctx); err != nil {
		c.logger.Debug("schedule not found, creating new one", "schedule_id", id, "error", err)

		_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
			ID:     id,
			Spec:   spec,
			Action: action,
			Memo: map[string]interface{}{
				"path":       input.Path,
				"created_by": "defiscore",
			},
		})
		if err != nil {
			c.logger.Error("failed to create schedule", "schedule_id", id, "error", err)
			return fmt.Errorf("failed to create schedule %q: %w", id, err)
		}

		c.logger.Info("score schedule created",
			"schedule_id", id,
			"path", input.Path,
			"interval", interval,
		)
		return nil
	}

	err := handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(in client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			in.Description.Schedule.Spec = &spec
			in.Description.Schedule.Action = action
			return &client.ScheduleUpdate{
				Schedule: &in.Description.Schedule,
			}, nil
		},
	})
	if err != nil {
		c.logger.Error("failed to update schedule", "schedule_id", id, "error", err)
		return fmt.Errorf("failed to update schedule %q: %w", id, err)
	}

	c.logger.Info("score schedule updated",
		"schedule_id", id,
		"path", input.Path,
		"interval", interval,
	)
	return nil
}

// DeleteScoreSchedule deletes the named schedule.
func (c *Client) DeleteScoreSchedule(ctx context.Context, name string) error {
	id := scheduleID(name)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if err := handle.Delete(ctx); err != nil {
		c.logger.Error("failed to delete schedule", "schedule_id", id, "error", err)
		return fmt.Errorf("failed to delete schedule %q: %w", id, err)
	}

	c.logger.Info("score schedule deleted", "schedule_id", id)
	return nil
}

// SDKClient returns the underlying Temporal SDK client for direct workflow operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}

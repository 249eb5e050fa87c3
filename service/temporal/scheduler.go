package temporal

import (
	"context"
	"time"
)

// Scheduler starts scoring runs and manages recurring run schedules.
type Scheduler interface {
	// StartScoreRun starts a single ScoreRunWorkflow and returns its workflow id.
	StartScoreRun(ctx context.Context, input ScoreRunInput) (string, error)

	// UpsertScoreSchedule creates or updates a schedule that runs
	// ScoreRunWorkflow with input every interval.
	UpsertScoreSchedule(ctx context.Context, name string, input ScoreRunInput, interval time.Duration) error

	// DeleteScoreSchedule removes a schedule created by UpsertScoreSchedule.
	DeleteScoreSchedule(ctx context.Context, name string) error
}

// scheduleID returns the Temporal schedule id for a named schedule.
func scheduleID(name string) string {
	return "score-run-" + name
}

package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockScheduler is an in-memory Scheduler for tests.
type MockScheduler struct {
	mu        sync.Mutex
	runs      []ScoreRunInput
	schedules map[string]MockSchedule
	startErr  error
	createErr error
	deleteErr error
}

// MockSchedule is a schedule recorded by MockScheduler.
type MockSchedule struct {
	Input    ScoreRunInput
	Interval time.Duration
}

// NewMockScheduler creates a new MockScheduler.
func NewMockScheduler() *MockScheduler {
	return &MockScheduler{
		schedules: make(map[string]MockSchedule),
	}
}

// StartScoreRun records the run and returns a deterministic workflow id.
func (m *MockScheduler) StartScoreRun(ctx context.Context, input ScoreRunInput) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startErr != nil {
		return "", m.startErr
	}
	m.runs = append(m.runs, input)
	return fmt.Sprintf("score-run-mock-%d", len(m.runs)), nil
}

// UpsertScoreSchedule records the schedule.
func (m *MockScheduler) UpsertScoreSchedule(ctx context.Context, name string, input ScoreRunInput, interval time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.createErr != nil {
		return m.createErr
	}
	m.schedules[scheduleID(name)] = MockSchedule{Input: input, Interval: interval}
	return nil
}

// DeleteScoreSchedule removes the schedule, failing if it does not exist.
func (m *MockScheduler) DeleteScoreSchedule(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deleteErr != nil {
		return m.deleteErr
	}
	id := scheduleID(name)
	if _, ok := m.schedules[id]; !ok {
		return fmt.Errorf("schedule %q not found", id)
	}
	delete(m.schedules, id)
	return nil
}

// Runs returns the inputs of every started run.
func (m *MockScheduler) Runs() []ScoreRunInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ScoreRunInput(nil), m.runs...)
}

// Schedule returns a recorded schedule by name.
func (m *MockScheduler) Schedule(name string) (MockSchedule, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[scheduleID(name)]
	return s, ok
}

// SetStartError configures StartScoreRun to fail.
func (m *MockScheduler) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

// SetCreateError configures UpsertScoreSchedule to fail.
func (m *MockScheduler) SetCreateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErr = err
}

// SetDeleteError configures DeleteScoreSchedule to fail.
func (m *MockScheduler) SetDeleteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteErr = err
}

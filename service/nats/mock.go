package nats

import (
	"context"
	"sync"
)

// MockPublisher is an in-memory Publisher for tests.
type MockPublisher struct {
	mu              sync.RWMutex
	publishedEvents []*ScoreEvent
	publishError    error
	closed          bool
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		publishedEvents: make([]*ScoreEvent, 0),
	}
}

// PublishScore records the event and returns any configured error.
func (m *MockPublisher) PublishScore(ctx context.Context, event *ScoreEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}

	m.publishedEvents = append(m.publishedEvents, event)
	return nil
}

// PublishScoreBatch records the events and returns any configured error.
func (m *MockPublisher) PublishScoreBatch(ctx context.Context, events []*ScoreEvent) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return 0, m.publishError
	}

	m.publishedEvents = append(m.publishedEvents, events...)
	return len(events), nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// GetPublishedEvents returns a copy of all published events.
func (m *MockPublisher) GetPublishedEvents() []*ScoreEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*ScoreEvent, len(m.publishedEvents))
	copy(events, m.publishedEvents)
	return events
}

// GetPublishedEventsForWallet returns events published for a specific wallet.
func (m *MockPublisher) GetPublishedEventsForWallet(wallet string) []*ScoreEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*ScoreEvent, 0)
	for _, event := range m.publishedEvents {
		if event.Wallet == wallet {
			events = append(events, event)
		}
	}
	return events
}

// SetPublishError configures the mock to fail every publish.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

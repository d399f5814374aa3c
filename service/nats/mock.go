package nats

import (
	"context"
	"sync"
)

// MockPublisher records events in memory for tests.
type MockPublisher struct {
	mu              sync.RWMutex
	publishedEvents []*TransactionEvent
	publishError    error
	closed          bool
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		publishedEvents: make([]*TransactionEvent, 0),
	}
}

func (m *MockPublisher) PublishTransaction(ctx context.Context, event *TransactionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}
	m.publishedEvents = append(m.publishedEvents, event)
	return nil
}

func (m *MockPublisher) PublishTransactionBatch(ctx context.Context, events []*TransactionEvent) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return len(events), m.publishError
	}
	m.publishedEvents = append(m.publishedEvents, events...)
	return 0, nil
}

func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// GetPublishedEvents returns a copy of every published event.
func (m *MockPublisher) GetPublishedEvents() []*TransactionEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*TransactionEvent, len(m.publishedEvents))
	copy(events, m.publishedEvents)
	return events
}

func (m *MockPublisher) GetPublishedEventCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.publishedEvents)
}

// GetPublishedEventsForRecipient returns the events whose recipient is address.
func (m *MockPublisher) GetPublishedEventsForRecipient(address string) []*TransactionEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*TransactionEvent, 0)
	for _, event := range m.publishedEvents {
		if event.To == address {
			events = append(events, event)
		}
	}
	return events
}

// SetPublishError makes every subsequent publish fail with err.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishedEvents = make([]*TransactionEvent, 0)
	m.publishError = nil
	m.closed = false
}

func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

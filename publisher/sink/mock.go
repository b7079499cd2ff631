package sink

import (
	"context"
	"sync"

	"github.com/maxpert/fleetrelay/publisher"
)

// MockSink is a mock implementation of Sink for testing
type MockSink struct {
	Records    []publisher.Record
	PublishErr error
	Closed     bool
	mu         sync.Mutex
}

// Publish records a message for later inspection in tests
func (m *MockSink) Publish(_ context.Context, rec publisher.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil {
		return m.PublishErr
	}

	m.Records = append(m.Records, rec)
	return nil
}

// Close marks the sink closed
func (m *MockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// Snapshot returns a copy of the recorded messages
func (m *MockSink) Snapshot() []publisher.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]publisher.Record(nil), m.Records...)
}

// Reset clears all recorded messages
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Records = nil
}

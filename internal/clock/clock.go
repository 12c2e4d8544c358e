// Package clock provides time abstraction so trip timestamps can be
// controlled in tests.
package clock

import (
	"sync"
	"time"
)

// Clock provides an abstraction for time operations.
// Use RealClock in production and MockClock in tests.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using actual system time.
type RealClock struct{}

// Now returns the current system time in UTC.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// MockClock implements Clock and provides a controllable, thread-safe time for tests.
type MockClock struct {
	mu          sync.Mutex
	currentTime time.Time
}

// NewMockClock creates a new MockClock set to the specified time.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{currentTime: t}
}

// Now returns the mock clock's current time.
func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

// Set changes the mock clock's current time.
func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTime = t
}

// Advance moves the mock clock by d. Negative durations move it backward.
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTime = m.currentTime.Add(d)
}

package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockLocker is a test implementation of the Locker interface.
type MockLocker struct {
	mu sync.Mutex

	// Configurable return values
	AcquireError error
	ReleaseError error
	CloseError   error

	// AcquireDelay is slept inside Acquire to simulate network latency.
	AcquireDelay time.Duration

	// Call tracking
	AcquireCalls []AcquireCall
	ReleaseCalls []string

	// Simulate held leases
	heldLocks map[string]string
	nextToken int
}

// AcquireCall records an Acquire call.
type AcquireCall struct {
	Name    string
	Reason  string
	WaitFor time.Duration
}

// NewMockLocker creates a new MockLocker with default success behavior.
func NewMockLocker() *MockLocker {
	return &MockLocker{
		heldLocks: make(map[string]string),
	}
}

// Acquire implements Locker.Acquire.
func (m *MockLocker) Acquire(ctx context.Context, name, reason string, waitFor time.Duration) (string, error) {
	m.mu.Lock()
	m.AcquireCalls = append(m.AcquireCalls, AcquireCall{Name: name, Reason: reason, WaitFor: waitFor})
	delay := m.AcquireDelay
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AcquireError != nil {
		return "", m.AcquireError
	}

	// Simulate actual lease behavior
	if holder, ok := m.heldLocks[name]; ok {
		return "", &LeaseHeldError{Name: name, Reason: holder, WaitFor: waitFor}
	}

	m.nextToken++
	m.heldLocks[name] = reason
	return fmt.Sprintf("mock-%d", m.nextToken), nil
}

// Release implements Locker.Release.
func (m *MockLocker) Release(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ReleaseCalls = append(m.ReleaseCalls, name)

	// The lease is dropped even on error, as a lost lease would be after
	// its TTL.
	delete(m.heldLocks, name)

	return m.ReleaseError
}

// Close implements Locker.Close.
func (m *MockLocker) Close() error {
	return m.CloseError
}

// SetLockHeld simulates another process holding the lease.
func (m *MockLocker) SetLockHeld(name, reason string, held bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held {
		m.heldLocks[name] = reason
	} else {
		delete(m.heldLocks, name)
	}
}

// IsHeld reports whether the lease for name is held.
func (m *MockLocker) IsHeld(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.heldLocks[name]
	return ok
}

// AcquireCount returns the number of recorded Acquire calls.
func (m *MockLocker) AcquireCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.AcquireCalls)
}

// ReleaseCount returns the number of recorded Release calls.
func (m *MockLocker) ReleaseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ReleaseCalls)
}

// Reset clears all call tracking and held leases.
func (m *MockLocker) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AcquireCalls = nil
	m.ReleaseCalls = nil
	m.heldLocks = make(map[string]string)
}

package kiosk

import (
	"context"
	"sync"
)

// MockDisplay implements Display for tests.
type MockDisplay struct {
	RequestFunc func(ctx context.Context) error
	ExitFunc    func(ctx context.Context) error

	mu       sync.Mutex
	requests int
	exits    int
}

func (m *MockDisplay) RequestFullscreen(ctx context.Context) error {
	m.mu.Lock()
	m.requests++
	m.mu.Unlock()
	if m.RequestFunc != nil {
		return m.RequestFunc(ctx)
	}
	return nil
}

func (m *MockDisplay) ExitFullscreen(ctx context.Context) error {
	m.mu.Lock()
	m.exits++
	m.mu.Unlock()
	if m.ExitFunc != nil {
		return m.ExitFunc(ctx)
	}
	return nil
}

// Requests returns how many times fullscreen was requested.
func (m *MockDisplay) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

// Exits returns how many times fullscreen was exited.
func (m *MockDisplay) Exits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exits
}

// MockWakeLock implements WakeLock for tests.
type MockWakeLock struct {
	AcquireFunc func(ctx context.Context) error

	mu       sync.Mutex
	held     bool
	acquires int
	releases int
}

func (m *MockWakeLock) Acquire(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquires++
	if m.AcquireFunc != nil {
		if err := m.AcquireFunc(ctx); err != nil {
			return err
		}
	}
	m.held = true
	return nil
}

func (m *MockWakeLock) Release(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases++
	m.held = false
	return nil
}

// Held reports whether the lock is currently held.
func (m *MockWakeLock) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held
}

// Acquires returns the number of Acquire calls.
func (m *MockWakeLock) Acquires() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquires
}

// Releases returns the number of Release calls.
func (m *MockWakeLock) Releases() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releases
}

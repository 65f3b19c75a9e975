// Package clock provides a testable abstraction over timers.
//
// Components in this repo never call time.AfterFunc directly. They schedule
// work through a Clock so tests can drive fades, hold timers and recovery
// delays deterministically with a Mock.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock provides the current time and one-shot callbacks.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls f in its own goroutine (Real) or synchronously from
	// Advance (Mock) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable handle returned by AfterFunc.
type Timer interface {
	// Stop prevents the timer from firing. It returns false if the timer
	// already fired or was stopped.
	Stop() bool
}

// Real implements Clock using the standard time package.
type Real struct{}

// Now returns time.Now().
func (Real) Now() time.Time { return time.Now() }

// AfterFunc wraps time.AfterFunc.
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Mock is a manually advanced clock for tests.
type Mock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*mockTimer
}

type mockTimer struct {
	clock    *Mock
	deadline time.Time
	seq      int
	f        func()
	done     bool
}

// NewMock creates a Mock set to t.
func NewMock(t time.Time) *Mock {
	return &Mock{now: t}
}

// Now returns the mocked current time.
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc registers f to run when the mock is advanced past d.
func (m *Mock) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	t := &mockTimer{clock: m, deadline: m.now.Add(d), seq: m.seq, f: f}
	m.timers = append(m.timers, t)
	return t
}

// Advance moves the clock forward by d, firing due timers in deadline order.
// Callbacks run synchronously and may schedule further timers; those fire in
// the same call if they fall due before the target time.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		next := m.nextDueLocked(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		next.done = true
		if next.deadline.After(m.now) {
			m.now = next.deadline
		}
		f := next.f
		m.mu.Unlock()

		f()
	}
}

// Pending returns the number of timers that have not fired or been stopped.
func (m *Mock) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.compactLocked()
	return len(m.timers)
}

func (m *Mock) nextDueLocked(target time.Time) *mockTimer {
	m.compactLocked()
	if len(m.timers) == 0 {
		return nil
	}
	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].deadline.Equal(m.timers[j].deadline) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].deadline.Before(m.timers[j].deadline)
	})
	if m.timers[0].deadline.After(target) {
		return nil
	}
	return m.timers[0]
}

func (m *Mock) compactLocked() {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.done {
			live = append(live, t)
		}
	}
	for i := len(live); i < len(m.timers); i++ {
		m.timers[i] = nil
	}
	m.timers = live
}

// Stop cancels the mock timer.
func (t *mockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.done {
		return false
	}
	t.done = true
	return true
}

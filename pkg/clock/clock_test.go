package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)

func TestRealClock_AfterFunc(t *testing.T) {
	fired := make(chan struct{})
	Real{}.AfterFunc(5*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestRealClock_Stop(t *testing.T) {
	fired := make(chan struct{}, 1)
	timer := Real{}.AfterFunc(50*time.Millisecond, func() { fired <- struct{}{} })

	if !timer.Stop() {
		t.Error("Stop on a pending timer should return true")
	}

	select {
	case <-fired:
		t.Error("stopped timer fired")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMock_AdvanceFiresInOrder(t *testing.T) {
	c := NewMock(epoch)
	var order []int

	c.AfterFunc(300*time.Millisecond, func() { order = append(order, 3) })
	c.AfterFunc(100*time.Millisecond, func() { order = append(order, 1) })
	c.AfterFunc(200*time.Millisecond, func() { order = append(order, 2) })

	c.Advance(250 * time.Millisecond)
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("after 250ms got %v, want [1 2]", order)
	}

	c.Advance(50 * time.Millisecond)
	if len(order) != 3 || order[2] != 3 {
		t.Fatalf("after 300ms got %v, want [1 2 3]", order)
	}

	if !c.Now().Equal(epoch.Add(300 * time.Millisecond)) {
		t.Errorf("Now() = %v", c.Now())
	}
}

func TestMock_NowDuringCallback(t *testing.T) {
	c := NewMock(epoch)
	var seen time.Time
	c.AfterFunc(100*time.Millisecond, func() { seen = c.Now() })

	c.Advance(time.Second)
	if !seen.Equal(epoch.Add(100 * time.Millisecond)) {
		t.Errorf("callback saw %v, want deadline time", seen)
	}
}

func TestMock_RescheduleWithinAdvance(t *testing.T) {
	c := NewMock(epoch)
	count := 0

	var step func()
	step = func() {
		count++
		if count < 5 {
			c.AfterFunc(100*time.Millisecond, step)
		}
	}
	c.AfterFunc(100*time.Millisecond, step)

	c.Advance(350 * time.Millisecond)
	if count != 3 {
		t.Errorf("count = %d after 350ms, want 3", count)
	}

	c.Advance(time.Second)
	if count != 5 {
		t.Errorf("count = %d, want 5", count)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", c.Pending())
	}
}

func TestMock_Stop(t *testing.T) {
	c := NewMock(epoch)
	fired := false
	timer := c.AfterFunc(100*time.Millisecond, func() { fired = true })

	if !timer.Stop() {
		t.Error("first Stop should return true")
	}
	if timer.Stop() {
		t.Error("second Stop should return false")
	}

	c.Advance(time.Second)
	if fired {
		t.Error("stopped timer fired")
	}
}

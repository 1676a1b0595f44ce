package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Clock abstracts time so delayed-send tests can advance a virtual clock
// instead of sleeping.
type Clock interface {
	Now() time.Time
	// AfterFunc runs f in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable pending callback.
type Timer interface {
	// Stop cancels the timer; it reports whether the callback was
	// prevented from running.
	Stop() bool
}

// ==========================================
// REAL CLOCK
// ==========================================

type realClock struct{}

// NewRealClock returns a Clock backed by the runtime timers.
func NewRealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// ==========================================
// FAKE CLOCK
// ==========================================

type fakeTimer struct {
	clock   *FakeClock
	id      int
	fireAt  time.Time
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// FakeClock is a manually-advanced Clock. Advance runs every due callback
// synchronously in fire-time order, so tests observe deterministic
// scheduling without real waits.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	nextID int
	timers []*fakeTimer
}

// NewFakeClock starts a fake clock at the given instant.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	t := &fakeTimer{clock: c, id: c.nextID, fireAt: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward and fires due timers in order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now

	var due []*fakeTimer
	var rest []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.fireAt.After(target) {
			due = append(due, t)
		} else if !t.stopped && !t.fired {
			rest = append(rest, t)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].fireAt.Equal(due[j].fireAt) {
			return due[i].id < due[j].id
		}
		return due[i].fireAt.Before(due[j].fireAt)
	})
	for _, t := range due {
		t.fired = true
	}
	c.timers = rest
	c.mu.Unlock()

	// Callbacks run outside the lock: they commonly schedule more work.
	for _, t := range due {
		t.fn()
	}
}

package bounce

import (
	"sync"
	"time"
)

// rollingCounter counts events inside a sliding window. Old timestamps are
// pruned lazily on each read and write.
type rollingCounter struct {
	mu     sync.Mutex
	window time.Duration
	times  []time.Time
	now    func() time.Time
}

func newRollingCounter(window time.Duration, now func() time.Time) *rollingCounter {
	return &rollingCounter{window: window, now: now}
}

func (c *rollingCounter) add() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune()
	c.times = append(c.times, c.now())
}

func (c *rollingCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune()
	return len(c.times)
}

func (c *rollingCounter) prune() {
	cutoff := c.now().Add(-c.window)
	i := 0
	for i < len(c.times) && c.times[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		c.times = c.times[i:]
	}
}

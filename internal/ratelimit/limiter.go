package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/tdmboyd-dev/TIME-sub002/internal/config"
)

// Limiter gates outbound sends against per-second, per-minute, per-hour,
// and per-day ceilings. A send is admitted only when every window has
// headroom, and admission increments all four counters together.
type Limiter interface {
	// Allow consumes one send slot. It returns whether the send may
	// proceed and, when denied, how long until the tightest exhausted
	// window rolls over.
	Allow(ctx context.Context) (bool, time.Duration, error)
	// Usage reports current counts keyed by window name.
	Usage(ctx context.Context) (map[string]int64, error)
}

// windowSpec pairs a ceiling with its reset period.
type windowSpec struct {
	name  string
	limit int
	span  time.Duration
}

func windowSpecs(cfg config.RateLimitConfig) []windowSpec {
	return []windowSpec{
		{"second", cfg.MaxPerSecond, time.Second},
		{"minute", cfg.MaxPerMinute, time.Minute},
		{"hour", cfg.MaxPerHour, time.Hour},
		{"day", cfg.MaxPerDay, 24 * time.Hour},
	}
}

// MemoryLimiter is the in-process Limiter. Counters reset lazily: each
// window remembers the start of its current bucket and zeroes itself the
// first time it is touched after the bucket ends.
type MemoryLimiter struct {
	mu     sync.Mutex
	specs  []windowSpec
	counts []int
	starts []time.Time
	now    func() time.Time
}

// NewMemoryLimiter builds an in-process limiter from config ceilings.
func NewMemoryLimiter(cfg config.RateLimitConfig, opts ...MemoryOption) *MemoryLimiter {
	specs := windowSpecs(cfg)
	l := &MemoryLimiter{
		specs:  specs,
		counts: make([]int, len(specs)),
		starts: make([]time.Time, len(specs)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	t := l.now()
	for i := range l.starts {
		l.starts[i] = t
	}
	return l
}

// MemoryOption configures a MemoryLimiter.
type MemoryOption func(*MemoryLimiter)

// WithClock overrides the limiter's time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLimiter) { l.now = now }
}

// Allow checks every window before incrementing any of them, so a denial
// leaves all counters untouched.
func (l *MemoryLimiter) Allow(_ context.Context) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.now()
	l.rollover(t)

	for i, spec := range l.specs {
		if spec.limit <= 0 {
			continue
		}
		if l.counts[i]+1 > spec.limit {
			wait := l.starts[i].Add(spec.span).Sub(t)
			if wait < 0 {
				wait = 0
			}
			return false, wait, nil
		}
	}
	for i := range l.counts {
		l.counts[i]++
	}
	return true, 0, nil
}

// Usage returns a snapshot of current window counts and limits.
func (l *MemoryLimiter) Usage(_ context.Context) (map[string]int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollover(l.now())
	out := make(map[string]int64, len(l.specs)*2)
	for i, spec := range l.specs {
		out[spec.name+"_current"] = int64(l.counts[i])
		out[spec.name+"_limit"] = int64(spec.limit)
	}
	return out, nil
}

// rollover zeroes any window whose bucket has fully elapsed. Resets are
// whole-window: a new bucket starts at the moment of the reset, not on a
// wall-clock boundary.
func (l *MemoryLimiter) rollover(t time.Time) {
	for i, spec := range l.specs {
		if t.Sub(l.starts[i]) >= spec.span {
			l.counts[i] = 0
			l.starts[i] = t
		}
	}
}

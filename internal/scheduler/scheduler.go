// Package scheduler provides the delayed-job abstraction used for trigger
// delays and drip-sequence steps. Jobs are armed against a Clock, so tests
// drive virtual time while production runs on real timers.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tdmboyd-dev/TIME-sub002/internal/pkg/logger"
)

// Handle identifies one pending job for cancellation.
type Handle string

// Scheduler arms cancellable delayed callbacks.
type Scheduler struct {
	clock   Clock
	log     *logger.Logger
	mu      sync.Mutex
	pending map[Handle]Timer
	stopped bool
}

// New builds a scheduler on the given clock.
func New(clock Clock) *Scheduler {
	return &Scheduler{
		clock:   clock,
		log:     logger.With("scheduler"),
		pending: make(map[Handle]Timer),
	}
}

// Enqueue arms fn to run at the given instant. A time in the past runs as
// soon as the clock allows. The returned handle cancels the job while it
// is still pending.
func (s *Scheduler) Enqueue(at time.Time, fn func(ctx context.Context)) Handle {
	h := Handle(uuid.New().String())

	delay := at.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return h
	}
	s.pending[h] = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.pending, h)
		s.mu.Unlock()
		fn(context.Background())
	})
	return h
}

// Cancel stops a pending job. It reports false when the job already ran,
// was already cancelled, or the handle is unknown.
func (s *Scheduler) Cancel(h Handle) bool {
	s.mu.Lock()
	timer, ok := s.pending[h]
	if ok {
		delete(s.pending, h)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	return timer.Stop()
}

// PendingCount returns how many jobs are armed.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels every pending job. Further Enqueue calls become no-ops.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for h, t := range s.pending {
		t.Stop()
		delete(s.pending, h)
	}
	s.log.Debug("scheduler stopped")
}

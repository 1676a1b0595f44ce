package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tdmboyd-dev/TIME-sub002/internal/domain"
	"github.com/tdmboyd-dev/TIME-sub002/internal/pkg/distlock"
	"github.com/tdmboyd-dev/TIME-sub002/internal/pkg/logger"
	"github.com/tdmboyd-dev/TIME-sub002/internal/storage"
)

// deliverFunc is the dispatcher's shared send path, injected at wiring
// time so sequence steps go through the same gate chain as trigger sends.
type deliverFunc func(ctx context.Context, cfg *domain.TriggerConfig, userID, email, subject, templateID string, metadata map[string]any) error

// SequenceEngine advances drip-sequence enrollments. Due runs are polled
// on a tick: a background loop drives it in production, tests call Tick
// directly.
type SequenceEngine struct {
	store    storage.SequenceStore
	deliver  deliverFunc
	interval time.Duration
	batch    int
	log      *logger.Logger
	now      func() time.Time
	lock     distlock.Lock
	cancel   context.CancelFunc
}

// SequenceOption configures a SequenceEngine.
type SequenceOption func(*SequenceEngine)

// WithSequenceClock overrides the time source.
func WithSequenceClock(now func() time.Time) SequenceOption {
	return func(e *SequenceEngine) { e.now = now }
}

// WithSequenceLock makes the background loop acquire a distributed lock
// before each tick, so only one instance advances runs.
func WithSequenceLock(lock distlock.Lock) SequenceOption {
	return func(e *SequenceEngine) { e.lock = lock }
}

// NewSequenceEngine builds the engine. The dispatcher injects the deliver
// path when it is constructed with this engine in its Deps.
func NewSequenceEngine(store storage.SequenceStore, tickInterval time.Duration, opts ...SequenceOption) *SequenceEngine {
	if tickInterval <= 0 {
		tickInterval = 30 * time.Second
	}
	e := &SequenceEngine{
		store:    store,
		interval: tickInterval,
		batch:    100,
		log:      logger.With("sequence"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateSequence validates and persists a drip sequence.
func (e *SequenceEngine) CreateSequence(ctx context.Context, s *domain.Sequence) error {
	if len(s.Steps) == 0 {
		return fmt.Errorf("sequence: at least one step is required")
	}
	for i, step := range s.Steps {
		if step.TemplateID == "" {
			return fmt.Errorf("sequence: step %d is missing a template id", i)
		}
		if step.DelayHours < 0 {
			return fmt.Errorf("sequence: step %d has a negative delay", i)
		}
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	s.CreatedAt = e.now()
	return e.store.CreateSequence(ctx, s)
}

// Enroll starts a user on a sequence. A user who is already running or
// has completed the same sequence is not enrolled twice.
func (e *SequenceEngine) Enroll(ctx context.Context, sequenceID, userID, email string) error {
	seq, err := e.store.GetSequence(ctx, sequenceID)
	if err != nil {
		return fmt.Errorf("get sequence: %w", err)
	}
	if !seq.Enabled {
		return fmt.Errorf("sequence: %s is disabled", sequenceID)
	}

	exists, err := e.store.ExistsSequenceRun(ctx, userID, sequenceID)
	if err != nil {
		return fmt.Errorf("check sequence run: %w", err)
	}
	if exists {
		e.log.Debug("sequence enrollment skipped", "sequence_id", sequenceID, "user_id", userID)
		return nil
	}

	now := e.now()
	next := now.Add(time.Duration(seq.Steps[0].DelayHours) * time.Hour)
	run := &domain.SequenceRun{
		ID:         uuid.New().String(),
		SequenceID: sequenceID,
		UserID:     userID,
		Email:      email,
		Status:     domain.SequenceRunning,
		NextRunAt:  &next,
		CreatedAt:  now,
	}
	if err := e.store.CreateSequenceRun(ctx, run); err != nil {
		return fmt.Errorf("create sequence run: %w", err)
	}
	e.log.Info("sequence enrolled", "sequence_id", sequenceID, "user_id", userID,
		"first_step_at", next.Format(time.RFC3339))
	return nil
}

// Tick processes every run whose next step is due. Failures mark the run
// failed; other runs in the same batch still advance.
func (e *SequenceEngine) Tick(ctx context.Context) error {
	now := e.now()
	due, err := e.store.ListDueSequenceRuns(ctx, now, e.batch)
	if err != nil {
		return fmt.Errorf("list due runs: %w", err)
	}

	for i := range due {
		if err := e.advance(ctx, &due[i], now); err != nil {
			e.log.Warn("sequence step failed", "run_id", due[i].ID, "error", err.Error())
		}
	}
	return nil
}

func (e *SequenceEngine) advance(ctx context.Context, run *domain.SequenceRun, now time.Time) error {
	seq, err := e.store.GetSequence(ctx, run.SequenceID)
	if err != nil {
		return fmt.Errorf("get sequence: %w", err)
	}
	if run.CurrentStep >= len(seq.Steps) {
		run.Status = domain.SequenceCompleted
		run.NextRunAt = nil
		run.CompletedAt = &now
		return e.store.UpdateSequenceRun(ctx, run)
	}

	step := seq.Steps[run.CurrentStep]
	cfg := &domain.TriggerConfig{
		ID:         "sequence:" + run.SequenceID,
		TemplateID: step.TemplateID,
	}
	if e.deliver == nil {
		return fmt.Errorf("sequence: deliver path not wired")
	}
	if err := e.deliver(ctx, cfg, run.UserID, run.Email, step.Subject, step.TemplateID, nil); err != nil {
		run.Status = domain.SequenceFailed
		run.NextRunAt = nil
		if updErr := e.store.UpdateSequenceRun(ctx, run); updErr != nil {
			return fmt.Errorf("mark run failed: %v (send error: %w)", updErr, err)
		}
		return err
	}

	run.CurrentStep++
	if run.CurrentStep >= len(seq.Steps) {
		run.Status = domain.SequenceCompleted
		run.NextRunAt = nil
		run.CompletedAt = &now
	} else {
		next := now.Add(time.Duration(seq.Steps[run.CurrentStep].DelayHours) * time.Hour)
		run.NextRunAt = &next
	}
	return e.store.UpdateSequenceRun(ctx, run)
}

// Start launches the background tick loop. Stop it by cancelling the
// passed context or calling Stop.
func (e *SequenceEngine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		e.log.Info("sequence engine started", "interval", e.interval.String())
		for {
			select {
			case <-ctx.Done():
				e.log.Info("sequence engine stopped")
				return
			case <-ticker.C:
				if err := e.lockedTick(ctx); err != nil {
					e.log.Warn("sequence tick failed", "error", err.Error())
				}
			}
		}
	}()
}

// lockedTick runs Tick under the distributed lock when one is configured.
// Losing the lock race is not an error; another instance owns this tick.
func (e *SequenceEngine) lockedTick(ctx context.Context) error {
	if e.lock == nil {
		return e.Tick(ctx)
	}
	ok, err := e.lock.TryAcquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire tick lock: %w", err)
	}
	if !ok {
		return nil
	}
	defer func() {
		if err := e.lock.Release(ctx); err != nil {
			e.log.Warn("tick lock release failed", "error", err.Error())
		}
	}()
	return e.Tick(ctx)
}

// Stop halts the background loop started by Start.
func (e *SequenceEngine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

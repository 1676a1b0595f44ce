// Package trigger binds business events to email sends: immediate sends,
// delayed scheduled emails, drip-sequence enrollment, and the pre-send
// gate chain (rate limit, suppression, A/B variant selection).
package trigger

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tdmboyd-dev/TIME-sub002/internal/abtest"
	"github.com/tdmboyd-dev/TIME-sub002/internal/bounce"
	"github.com/tdmboyd-dev/TIME-sub002/internal/domain"
	"github.com/tdmboyd-dev/TIME-sub002/internal/pkg/logger"
	"github.com/tdmboyd-dev/TIME-sub002/internal/ratelimit"
	"github.com/tdmboyd-dev/TIME-sub002/internal/render"
	"github.com/tdmboyd-dev/TIME-sub002/internal/scheduler"
	"github.com/tdmboyd-dev/TIME-sub002/internal/segment"
	"github.com/tdmboyd-dev/TIME-sub002/internal/sender"
	"github.com/tdmboyd-dev/TIME-sub002/internal/storage"

	"github.com/tdmboyd-dev/TIME-sub002/internal/analytics"
)

var (
	// ErrRateLimited marks a send denied by the rate limiter; transient,
	// the caller may retry after the hinted wait.
	ErrRateLimited = errors.New("trigger: rate limit exceeded")
	// ErrSuppressed marks a recipient blocked by the suppression gate;
	// terminal for this recipient until the suppression is lifted.
	ErrSuppressed = errors.New("trigger: recipient suppressed")
)

// ProfileProvider resolves user profiles for segment gating. Profiles are
// owned by the platform's user service; the dispatcher only reads them.
type ProfileProvider interface {
	GetProfile(ctx context.Context, userID string) (*domain.UserProfile, error)
}

// Dispatcher routes business events through trigger configs to the send
// pipeline.
type Dispatcher struct {
	triggers  storage.TriggerStore
	scheduled storage.ScheduledEmailStore
	limiter   ratelimit.Limiter
	bounces   *bounce.Manager
	tests     *abtest.Engine
	segments  *segment.Evaluator
	profiles  ProfileProvider
	sched     *scheduler.Scheduler
	send      sender.Sender
	renderer  render.Renderer
	analytics *analytics.Aggregator
	sequences *SequenceEngine
	log       *logger.Logger
	now       func() time.Time

	mu      sync.Mutex
	handles map[string]scheduler.Handle // scheduled email id → timer handle
	logMu   sync.Mutex
	entries []domain.TriggerLogEntry
}

// Deps bundles the dispatcher's collaborators.
type Deps struct {
	Triggers  storage.TriggerStore
	Scheduled storage.ScheduledEmailStore
	Limiter   ratelimit.Limiter
	Bounces   *bounce.Manager
	Tests     *abtest.Engine
	Segments  *segment.Evaluator
	Profiles  ProfileProvider
	Scheduler *scheduler.Scheduler
	Sender    sender.Sender
	Renderer  render.Renderer
	Analytics *analytics.Aggregator
	Sequences *SequenceEngine
	Now       func() time.Time
}

// NewDispatcher wires the dispatcher. Only Triggers, Scheduled, Scheduler,
// and Sender are mandatory; absent gates are skipped.
func NewDispatcher(d Deps) *Dispatcher {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	disp := &Dispatcher{
		triggers:  d.Triggers,
		scheduled: d.Scheduled,
		limiter:   d.Limiter,
		bounces:   d.Bounces,
		tests:     d.Tests,
		segments:  d.Segments,
		profiles:  d.Profiles,
		sched:     d.Scheduler,
		send:      d.Sender,
		renderer:  d.Renderer,
		analytics: d.Analytics,
		sequences: d.Sequences,
		log:       logger.With("trigger"),
		now:       now,
		handles:   make(map[string]scheduler.Handle),
	}
	if disp.sequences != nil {
		disp.sequences.deliver = disp.deliver
	}
	return disp
}

// RegisterTrigger persists a trigger config for its event type.
func (d *Dispatcher) RegisterTrigger(ctx context.Context, cfg *domain.TriggerConfig) error {
	if cfg.Event == "" {
		return fmt.Errorf("trigger: event type is required")
	}
	if cfg.TemplateID == "" {
		return fmt.Errorf("trigger: template id is required")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	cfg.CreatedAt = d.now()
	return d.triggers.CreateTrigger(ctx, cfg)
}

// FireEvent runs every enabled, condition-matching trigger for the event.
// Triggers are isolated: a failure in one is logged on its own row and the
// rest still fire.
func (d *Dispatcher) FireEvent(ctx context.Context, event *domain.EventData) error {
	configs, err := d.triggers.ListTriggersByEvent(ctx, event.Event)
	if err != nil {
		return fmt.Errorf("list triggers: %w", err)
	}

	for i := range configs {
		cfg := configs[i]
		if !cfg.Enabled {
			continue
		}
		if !conditionsMatch(cfg.Conditions, event.Metadata) {
			continue
		}
		d.fireOne(ctx, &cfg, event)
	}
	return nil
}

// fireOne processes a single trigger for an event and writes its log row.
func (d *Dispatcher) fireOne(ctx context.Context, cfg *domain.TriggerConfig, event *domain.EventData) {
	entry := domain.TriggerLogEntry{
		ID:        uuid.New().String(),
		TriggerID: cfg.ID,
		Event:     event.Event,
		UserID:    event.UserID,
		Email:     event.Email,
		CreatedAt: d.now(),
	}

	if cfg.DelayMinutes > 0 {
		if err := d.schedule(ctx, cfg, event); err != nil {
			entry.Error = err.Error()
			d.log.Warn("trigger scheduling failed", "trigger_id", cfg.ID, "error", err.Error())
		} else {
			entry.Scheduled = true
		}
	} else {
		subject := substituteFields(cfg.Subject, event.Metadata)
		err := d.deliver(ctx, cfg, event.UserID, event.Email, subject, cfg.TemplateID, event.Metadata)
		switch {
		case err == nil:
			entry.Sent = true
		case errors.Is(err, ErrRateLimited):
			entry.Error = err.Error()
			d.log.Warn("trigger send rate limited", "trigger_id", cfg.ID)
		default:
			entry.Error = err.Error()
			d.log.Warn("trigger send failed", "trigger_id", cfg.ID, "error", err.Error())
		}
	}

	// Sequence enrollment is independent of the send outcome.
	if cfg.SequenceID != "" && d.sequences != nil {
		if err := d.sequences.Enroll(ctx, cfg.SequenceID, event.UserID, event.Email); err != nil {
			d.log.Warn("sequence enrollment failed",
				"sequence_id", cfg.SequenceID, "user_id", event.UserID, "error", err.Error())
		}
	}

	d.logMu.Lock()
	d.entries = append(d.entries, entry)
	d.logMu.Unlock()
}

// schedule creates a PENDING scheduled email and arms its timer.
func (d *Dispatcher) schedule(ctx context.Context, cfg *domain.TriggerConfig, event *domain.EventData) error {
	sendAt := d.now().Add(time.Duration(cfg.DelayMinutes) * time.Minute)
	scheduled := &domain.ScheduledEmail{
		ID:         uuid.New().String(),
		TriggerID:  cfg.ID,
		UserID:     event.UserID,
		Email:      event.Email,
		Subject:    substituteFields(cfg.Subject, event.Metadata),
		TemplateID: cfg.TemplateID,
		Metadata:   event.Metadata,
		SendAt:     sendAt,
		Status:     domain.SchedulePending,
		CreatedAt:  d.now(),
	}
	if err := d.scheduled.CreateScheduledEmail(ctx, scheduled); err != nil {
		return fmt.Errorf("create scheduled email: %w", err)
	}

	cfgCopy := *cfg
	handle := d.sched.Enqueue(sendAt, func(fireCtx context.Context) {
		d.fireScheduled(fireCtx, &cfgCopy, scheduled.ID)
	})

	d.mu.Lock()
	d.handles[scheduled.ID] = handle
	d.mu.Unlock()
	return nil
}

// fireScheduled runs a due scheduled email through the same gate chain as
// an immediate send and records the terminal status.
func (d *Dispatcher) fireScheduled(ctx context.Context, cfg *domain.TriggerConfig, scheduledID string) {
	d.mu.Lock()
	delete(d.handles, scheduledID)
	d.mu.Unlock()

	scheduled, err := d.scheduled.GetScheduledEmail(ctx, scheduledID)
	if err != nil {
		d.log.Warn("scheduled email lookup failed", "id", scheduledID, "error", err.Error())
		return
	}
	if scheduled.IsTerminal() {
		return
	}

	err = d.deliver(ctx, cfg, scheduled.UserID, scheduled.Email, scheduled.Subject, scheduled.TemplateID, scheduled.Metadata)
	if err != nil {
		if updErr := d.scheduled.UpdateScheduledEmailStatus(ctx, scheduledID, domain.ScheduleFailed, err.Error()); updErr != nil {
			d.log.Warn("scheduled status update failed", "id", scheduledID, "error", updErr.Error())
		}
		return
	}
	if updErr := d.scheduled.UpdateScheduledEmailStatus(ctx, scheduledID, domain.ScheduleSent, ""); updErr != nil {
		d.log.Warn("scheduled status update failed", "id", scheduledID, "error", updErr.Error())
	}
}

// CancelScheduledEmail transitions a pending scheduled email to CANCELLED
// and disarms its timer. Cancelling a terminal email is a no-op returning
// false.
func (d *Dispatcher) CancelScheduledEmail(ctx context.Context, id string) (bool, error) {
	scheduled, err := d.scheduled.GetScheduledEmail(ctx, id)
	if err != nil {
		return false, err
	}
	if scheduled.IsTerminal() {
		return false, nil
	}

	if err := d.scheduled.UpdateScheduledEmailStatus(ctx, id, domain.ScheduleCancelled, ""); err != nil {
		return false, err
	}

	d.mu.Lock()
	handle, ok := d.handles[id]
	if ok {
		delete(d.handles, id)
	}
	d.mu.Unlock()
	if ok {
		d.sched.Cancel(handle)
	}
	return true, nil
}

// LogEntries returns a copy of the per-trigger event log.
func (d *Dispatcher) LogEntries() []domain.TriggerLogEntry {
	d.logMu.Lock()
	defer d.logMu.Unlock()
	out := make([]domain.TriggerLogEntry, len(d.entries))
	copy(out, d.entries)
	return out
}

// deliver is the shared send path: rate gate, suppression gate, optional
// segment gate, variant selection, render, external send, analytics.
func (d *Dispatcher) deliver(ctx context.Context, cfg *domain.TriggerConfig, userID, email, subject, templateID string, metadata map[string]any) error {
	if d.limiter != nil {
		ok, wait, err := d.limiter.Allow(ctx)
		if err != nil {
			return fmt.Errorf("rate limit check: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: retry in %s", ErrRateLimited, wait)
		}
	}

	if d.bounces != nil {
		check, err := d.bounces.CanSendTo(ctx, email)
		if err != nil {
			return fmt.Errorf("suppression check: %w", err)
		}
		if !check.CanSend {
			return fmt.Errorf("%w: %s", ErrSuppressed, check.Reason)
		}
	}

	if cfg.SegmentID != "" && d.segments != nil && d.profiles != nil {
		profile, err := d.profiles.GetProfile(ctx, userID)
		if err != nil {
			return fmt.Errorf("get profile: %w", err)
		}
		member, err := d.segments.IsMember(ctx, cfg.SegmentID, profile)
		if err != nil {
			return fmt.Errorf("segment check: %w", err)
		}
		if !member {
			return fmt.Errorf("trigger: user %s outside segment %s", userID, cfg.SegmentID)
		}
	}

	variantID := ""
	if cfg.ABTestID != "" && d.tests != nil {
		variant, err := d.tests.SelectVariant(ctx, cfg.ABTestID)
		if err != nil {
			// A non-running test falls back to the trigger's own content.
			if !errors.Is(err, abtest.ErrNotRunning) {
				return fmt.Errorf("select variant: %w", err)
			}
		} else {
			variantID = variant.ID
			if variant.Subject != "" {
				subject = substituteFields(variant.Subject, metadata)
			}
			if variant.TemplateID != "" {
				templateID = variant.TemplateID
			}
		}
	}

	msg := &domain.EmailMessage{
		ID:         uuid.New().String(),
		CampaignID: cfg.CampaignID,
		UserID:     userID,
		To:         email,
		Subject:    subject,
		Metadata:   map[string]string{"trigger_id": cfg.ID},
	}

	if d.renderer != nil {
		data := map[string]any{"email": email, "user_id": userID}
		for k, v := range metadata {
			data[k] = v
		}
		html, err := d.renderer.Render(templateID, data)
		if err != nil {
			return fmt.Errorf("render: %w", err)
		}
		msg.HTML = html
	}

	if d.analytics != nil {
		if pixel, err := d.analytics.GenerateTrackingPixel(msg.ID, cfg.CampaignID, userID); err == nil {
			msg.HTML += fmt.Sprintf(`<img src=%q width="1" height="1" alt=""/>`, pixel)
		}
	}

	result, err := d.send.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("trigger: provider rejected send: %s", result.Error)
	}

	if d.analytics != nil {
		d.analytics.RecordEvent(ctx, domain.EventSent, msg.ID, cfg.CampaignID, userID, email, nil)
	}
	if variantID != "" && d.tests != nil {
		if err := d.tests.RecordEvent(ctx, cfg.ABTestID, variantID, abtest.EventSent); err != nil {
			d.log.Warn("abtest sent event failed", "test_id", cfg.ABTestID, "error", err.Error())
		}
	}
	return nil
}

// ==========================================
// CONDITIONS AND SUBSTITUTION
// ==========================================

// conditionsMatch applies the AND-combined trigger conditions against
// event metadata.
func conditionsMatch(conds []domain.TriggerCondition, metadata map[string]any) bool {
	for _, c := range conds {
		v, present := metadata[c.Field]
		switch c.Operator {
		case domain.CondExists:
			if !present {
				return false
			}
		case domain.CondEquals:
			if !present || fmt.Sprintf("%v", v) != fmt.Sprintf("%v", c.Value) {
				return false
			}
		case domain.CondNotEquals:
			if present && fmt.Sprintf("%v", v) == fmt.Sprintf("%v", c.Value) {
				return false
			}
		case domain.CondGreaterThan:
			a, aok := toFloat(v)
			b, bok := toFloat(c.Value)
			if !present || !aok || !bok || a <= b {
				return false
			}
		case domain.CondLessThan:
			a, aok := toFloat(v)
			b, bok := toFloat(c.Value)
			if !present || !aok || !bok || a >= b {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

var fieldPattern = regexp.MustCompile(`\$\{([a-zA-Z0-9_.]+)\}`)

// substituteFields replaces ${field} placeholders in a subject with event
// metadata values. Unknown fields are left as-is.
func substituteFields(subject string, metadata map[string]any) string {
	return fieldPattern.ReplaceAllStringFunc(subject, func(match string) string {
		field := fieldPattern.FindStringSubmatch(match)[1]
		if v, ok := metadata[field]; ok {
			return fmt.Sprintf("%v", v)
		}
		return match
	})
}

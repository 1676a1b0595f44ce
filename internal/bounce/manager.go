package bounce

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tdmboyd-dev/TIME-sub002/internal/config"
	"github.com/tdmboyd-dev/TIME-sub002/internal/domain"
	"github.com/tdmboyd-dev/TIME-sub002/internal/pkg/logger"
	"github.com/tdmboyd-dev/TIME-sub002/internal/storage"
)

// ErrUnknownBounceType is returned for bounce records whose type is outside
// the hard/soft/block/spam set.
var ErrUnknownBounceType = errors.New("bounce: unknown bounce type")

// SendCounter reports rolling send volume so bounce-rate alerts divide by
// real traffic instead of a guess. The trigger dispatcher feeds it on every
// successful send.
type SendCounter interface {
	// SentSince returns how many emails were sent at or after the cutoff.
	SentSince(ctx context.Context, since time.Time) (int64, error)
}

// Manager is the suppression state machine. Hard bounces, spam complaints,
// and invalid-address bounces suppress immediately; soft bounces accumulate
// in a windowed tracker until they hit the configured limit.
type Manager struct {
	store storage.SuppressionStore
	sends SendCounter
	cfg   config.BounceConfig
	log   *logger.Logger
	now   func() time.Time

	// rolling-day alert counters, guarded by the store's callers being
	// serialized per email; reads are approximate by design
	hardCounts *rollingCounter
	spamCounts *rollingCounter
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSendCounter wires the rolling-day alert denominator to real send
// volume. Without it, rate alerts are skipped entirely.
func WithSendCounter(c SendCounter) Option {
	return func(m *Manager) { m.sends = c }
}

// NewManager builds a suppression manager on the given store.
func NewManager(store storage.SuppressionStore, cfg config.BounceConfig, opts ...Option) *Manager {
	m := &Manager{
		store: store,
		cfg:   cfg,
		log:   logger.With("bounce"),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.hardCounts = newRollingCounter(24*time.Hour, m.now)
	m.spamCounts = newRollingCounter(24*time.Hour, m.now)
	return m
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ProcessBounce runs one bounce record through the state machine.
func (m *Manager) ProcessBounce(ctx context.Context, rec *domain.BounceRecord) error {
	email := normalizeEmail(rec.Email)
	if email == "" {
		return fmt.Errorf("bounce: empty email")
	}

	var err error
	switch rec.Type {
	case domain.BounceHard:
		m.hardCounts.add()
		err = m.suppress(ctx, email, domain.ReasonHardBounce)
	case domain.BounceSpam:
		m.spamCounts.add()
		err = m.suppress(ctx, email, domain.ReasonSpamComplaint)
	case domain.BounceInvalid:
		err = m.suppress(ctx, email, domain.ReasonInvalidFormat)
	case domain.BounceSoft:
		err = m.trackSoftBounce(ctx, email, 1)
	case domain.BounceBlock:
		// Blocks are reputation-weighted: one block counts double.
		err = m.trackSoftBounce(ctx, email, 2)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBounceType, rec.Type)
	}
	if err != nil {
		return err
	}

	m.checkBounceRates(ctx)
	return nil
}

// suppress creates a suppression entry, or bumps the bounce counter when
// the address is already suppressed. One entry per email, ever.
func (m *Manager) suppress(ctx context.Context, email string, reason domain.SuppressionReason) error {
	now := m.now()

	existing, err := m.store.GetSuppression(ctx, email)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("get suppression: %w", err)
	}
	if existing != nil {
		existing.BounceCount++
		existing.LastBounce = now
		return m.store.UpsertSuppression(ctx, existing)
	}

	entry := &domain.SuppressionEntry{
		Email:        email,
		Reason:       reason,
		BounceCount:  1,
		FirstBounce:  now,
		LastBounce:   now,
		SuppressedAt: now,
	}
	if err := m.store.UpsertSuppression(ctx, entry); err != nil {
		return fmt.Errorf("upsert suppression: %w", err)
	}
	m.log.Info("email suppressed", "email", email, "reason", string(reason))
	return nil
}

// trackSoftBounce updates the windowed tracker and suppresses once the
// count reaches the limit.
func (m *Manager) trackSoftBounce(ctx context.Context, email string, weight int) error {
	now := m.now()

	tracker, err := m.store.GetSoftBounce(ctx, email)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("get soft bounce tracker: %w", err)
	}

	switch {
	case tracker == nil:
		tracker = &domain.SoftBounceTracker{
			Email:         email,
			Count:         weight,
			FirstBounceAt: now,
		}
	case now.Sub(tracker.FirstBounceAt) > m.cfg.SoftBounceWindow:
		// The window expired: this bounce starts a fresh count rather
		// than stacking onto stale history.
		tracker.Count = weight
		tracker.FirstBounceAt = now
		tracker.RetryAttempts = 0
	default:
		tracker.Count += weight
		tracker.RetryAttempts++
	}
	tracker.LastBounceAt = now
	tracker.NextRetryAt = now.Add(m.retryBackoff(tracker.RetryAttempts))

	if tracker.Count >= m.cfg.MaxSoftBounces {
		if err := m.suppress(ctx, email, domain.ReasonSoftBounceLimit); err != nil {
			return err
		}
		if err := m.store.DeleteSoftBounce(ctx, email); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("delete soft bounce tracker: %w", err)
		}
		return nil
	}

	if err := m.store.UpsertSoftBounce(ctx, tracker); err != nil {
		return fmt.Errorf("upsert soft bounce tracker: %w", err)
	}
	m.log.Debug("soft bounce tracked", "email", email,
		"count", tracker.Count, "next_retry_at", tracker.NextRetryAt.Format(time.RFC3339))
	return nil
}

// retryBackoff indexes the backoff table by attempt, clamped to the last
// entry for attempts past the end.
func (m *Manager) retryBackoff(attempt int) time.Duration {
	table := m.cfg.RetryBackoff
	if len(table) == 0 {
		return 30 * time.Minute
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(table) {
		attempt = len(table) - 1
	}
	return table[attempt]
}

// CanSendTo is the pre-send gate: suppression membership blocks outright,
// an active soft-bounce backoff blocks with a retry hint.
func (m *Manager) CanSendTo(ctx context.Context, email string) (*domain.SendCheck, error) {
	email = normalizeEmail(email)

	entry, err := m.store.GetSuppression(ctx, email)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("get suppression: %w", err)
	}
	if entry != nil {
		return &domain.SendCheck{CanSend: false, Reason: entry.Reason}, nil
	}

	tracker, err := m.store.GetSoftBounce(ctx, email)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("get soft bounce tracker: %w", err)
	}
	if tracker != nil && tracker.NextRetryAt.After(m.now()) {
		retry := tracker.NextRetryAt
		return &domain.SendCheck{CanSend: false, Reason: domain.ReasonSoftBounceLimit, RetryAfter: &retry}, nil
	}

	return &domain.SendCheck{CanSend: true}, nil
}

// AddToSuppressionList manually suppresses an address.
func (m *Manager) AddToSuppressionList(ctx context.Context, email string, reason domain.SuppressionReason) error {
	if reason == "" {
		reason = domain.ReasonManual
	}
	return m.suppress(ctx, normalizeEmail(email), reason)
}

// RemoveFromSuppressionList lifts a suppression, re-enabling sends.
func (m *Manager) RemoveFromSuppressionList(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if err := m.store.DeleteSuppression(ctx, email); err != nil {
		return fmt.Errorf("delete suppression: %w", err)
	}
	m.log.Info("suppression removed", "email", email)
	return nil
}

// checkBounceRates recomputes rolling-day hard-bounce and spam rates and
// logs an alert when either crosses its threshold. Alerts need a real send
// denominator; with no SendCounter wired the check is a no-op.
func (m *Manager) checkBounceRates(ctx context.Context) {
	if m.sends == nil {
		return
	}
	since := m.now().Add(-24 * time.Hour)
	sent, err := m.sends.SentSince(ctx, since)
	if err != nil {
		m.log.Warn("bounce rate check skipped", "error", err.Error())
		return
	}
	if sent == 0 {
		return
	}

	hardRate := float64(m.hardCounts.count()) / float64(sent)
	spamRate := float64(m.spamCounts.count()) / float64(sent)

	if hardRate > m.cfg.HardBounceAlertRate {
		m.log.Error("hard bounce rate above threshold",
			"rate", fmt.Sprintf("%.4f", hardRate),
			"threshold", fmt.Sprintf("%.4f", m.cfg.HardBounceAlertRate),
			"sent_24h", sent)
	}
	if spamRate > m.cfg.SpamAlertRate {
		m.log.Error("spam complaint rate above threshold",
			"rate", fmt.Sprintf("%.4f", spamRate),
			"threshold", fmt.Sprintf("%.4f", m.cfg.SpamAlertRate),
			"sent_24h", sent)
	}
}

package analytics

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tdmboyd-dev/TIME-sub002/internal/config"
	"github.com/tdmboyd-dev/TIME-sub002/internal/domain"
	"github.com/tdmboyd-dev/TIME-sub002/internal/pkg/logger"
)

// Aggregator keeps the append-only engagement log and answers campaign
// stats queries. It also mints and resolves the tracking pixel/click URLs
// embedded into outgoing mail.
type Aggregator struct {
	codec   *TokenCodec
	baseURL string
	log     *logger.Logger
	now     func() time.Time

	mu     sync.RWMutex
	events map[string][]domain.TrackingEvent // campaignID → log
	seen   map[string]map[string]bool        // emailLogID|eventType → userID set
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// NewAggregator builds an aggregator with the tracking token codec.
func NewAggregator(cfg config.TrackingConfig, opts ...Option) (*Aggregator, error) {
	codec, err := NewTokenCodec(cfg.Secret)
	if err != nil {
		return nil, err
	}
	a := &Aggregator{
		codec:   codec,
		baseURL: cfg.BaseURL,
		log:     logger.With("analytics"),
		now:     time.Now,
		events:  make(map[string][]domain.TrackingEvent),
		seen:    make(map[string]map[string]bool),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// RecordEvent appends one engagement event. The first event for a given
// (email log, event type, user) is flagged unique; repeats are logged but
// not unique.
func (a *Aggregator) RecordEvent(_ context.Context, eventType domain.TrackingEventType, emailLogID, campaignID, userID, email string, metadata map[string]any) *domain.TrackingEvent {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := emailLogID + "|" + string(eventType)
	users, ok := a.seen[key]
	if !ok {
		users = make(map[string]bool)
		a.seen[key] = users
	}
	unique := !users[userID]
	users[userID] = true

	ev := domain.TrackingEvent{
		ID:         uuid.New().String(),
		CampaignID: campaignID,
		EmailLogID: emailLogID,
		UserID:     userID,
		Email:      email,
		EventType:  eventType,
		IsUnique:   unique,
		Metadata:   metadata,
		CreatedAt:  a.now(),
	}
	if u, ok := metadata["url"].(string); ok {
		ev.URL = u
	}
	a.events[campaignID] = append(a.events[campaignID], ev)
	return &ev
}

// GetStats filters the campaign log to the period and derives rates. The
// denominator prefers delivered counts, falls back to sent, and defaults
// to 1 so an empty campaign reports zero rates instead of dividing by
// zero.
func (a *Aggregator) GetStats(_ context.Context, campaignID string, start, end time.Time) *domain.CampaignStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := &domain.CampaignStats{
		CampaignID:  campaignID,
		PeriodStart: start,
		PeriodEnd:   end,
	}
	for _, ev := range a.events[campaignID] {
		if ev.CreatedAt.Before(start) || ev.CreatedAt.After(end) {
			continue
		}
		switch ev.EventType {
		case domain.EventSent:
			stats.Sent++
		case domain.EventDelivered:
			stats.Delivered++
		case domain.EventOpened:
			stats.TotalOpens++
			if ev.IsUnique {
				stats.UniqueOpens++
			}
		case domain.EventClicked:
			stats.TotalClicks++
			if ev.IsUnique {
				stats.UniqueClicks++
			}
		case domain.EventBounced:
			stats.Bounces++
		case domain.EventComplained:
			stats.Complaints++
		case domain.EventUnsubscribed:
			stats.Unsubscribes++
		case domain.EventConverted:
			stats.Conversions++
		}
	}

	denom := stats.Delivered
	if denom == 0 {
		denom = stats.Sent
	}
	if denom == 0 {
		denom = 1
	}
	stats.OpenRate = float64(stats.UniqueOpens) / float64(denom)
	stats.ClickRate = float64(stats.UniqueClicks) / float64(denom)
	stats.BounceRate = float64(stats.Bounces) / float64(denom)
	stats.ComplaintRate = float64(stats.Complaints) / float64(denom)
	return stats
}

// SentSince counts send events across all campaigns at or after the
// cutoff; it feeds bounce-rate alert denominators.
func (a *Aggregator) SentSince(_ context.Context, since time.Time) (int64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var n int64
	for _, log := range a.events {
		for _, ev := range log {
			if ev.EventType == domain.EventSent && !ev.CreatedAt.Before(since) {
				n++
			}
		}
	}
	return n, nil
}

// ==========================================
// TRACKING URLS
// ==========================================

// GenerateTrackingPixel mints the 1x1 open-tracking URL for one email.
func (a *Aggregator) GenerateTrackingPixel(emailLogID, campaignID, userID string) (string, error) {
	token, err := a.codec.Encode(&TokenPayload{
		Type:       domain.EventOpened,
		EmailLogID: emailLogID,
		CampaignID: campaignID,
		UserID:     userID,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/t/o/%s", a.baseURL, token), nil
}

// GenerateTrackingURL wraps an outbound link in a click-tracking redirect.
func (a *Aggregator) GenerateTrackingURL(originalURL, emailLogID, campaignID, userID string) (string, error) {
	if _, err := url.Parse(originalURL); err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	token, err := a.codec.Encode(&TokenPayload{
		Type:       domain.EventClicked,
		EmailLogID: emailLogID,
		CampaignID: campaignID,
		UserID:     userID,
		URL:        originalURL,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/t/c/%s", a.baseURL, token), nil
}

// HandleOpenTracking resolves a pixel token and records the open.
func (a *Aggregator) HandleOpenTracking(ctx context.Context, token string) error {
	p, err := a.codec.Decode(token)
	if err != nil {
		return err
	}
	a.RecordEvent(ctx, domain.EventOpened, p.EmailLogID, p.CampaignID, p.UserID, "", nil)
	return nil
}

// HandleClickTracking resolves a click token, records the click, and
// returns the original URL to redirect to.
func (a *Aggregator) HandleClickTracking(ctx context.Context, token string) (string, error) {
	p, err := a.codec.Decode(token)
	if err != nil {
		return "", err
	}
	a.RecordEvent(ctx, domain.EventClicked, p.EmailLogID, p.CampaignID, p.UserID, "",
		map[string]any{"url": p.URL})
	return p.URL, nil
}

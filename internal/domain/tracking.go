package domain

import "time"

// TrackingEventType enumerates the engagement events the aggregator records.
type TrackingEventType string

const (
	EventSent         TrackingEventType = "sent"
	EventDelivered    TrackingEventType = "delivered"
	EventOpened       TrackingEventType = "opened"
	EventClicked      TrackingEventType = "clicked"
	EventBounced      TrackingEventType = "bounced"
	EventComplained   TrackingEventType = "complained"
	EventUnsubscribed TrackingEventType = "unsubscribed"
	EventConverted    TrackingEventType = "converted"
)

// TrackingEvent is an append-only engagement record. Never mutated after
// insertion.
type TrackingEvent struct {
	ID         string            `json:"id"`
	CampaignID string            `json:"campaign_id"`
	EmailLogID string            `json:"email_log_id"`
	UserID     string            `json:"user_id"`
	Email      string            `json:"email,omitempty"`
	EventType  TrackingEventType `json:"event_type"`
	IsUnique   bool              `json:"is_unique"`
	URL        string            `json:"url,omitempty"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// CampaignStats holds derived engagement rates for a campaign over a period.
// Rates divide unique counts by delivered-or-sent counts; a campaign with no
// sends reports zero rates rather than dividing by zero.
type CampaignStats struct {
	CampaignID    string    `json:"campaign_id"`
	PeriodStart   time.Time `json:"period_start"`
	PeriodEnd     time.Time `json:"period_end"`
	Sent          int       `json:"sent"`
	Delivered     int       `json:"delivered"`
	UniqueOpens   int       `json:"unique_opens"`
	TotalOpens    int       `json:"total_opens"`
	UniqueClicks  int       `json:"unique_clicks"`
	TotalClicks   int       `json:"total_clicks"`
	Bounces       int       `json:"bounces"`
	Complaints    int       `json:"complaints"`
	Unsubscribes  int       `json:"unsubscribes"`
	Conversions   int       `json:"conversions"`
	OpenRate      float64   `json:"open_rate"`
	ClickRate     float64   `json:"click_rate"`
	BounceRate    float64   `json:"bounce_rate"`
	ComplaintRate float64   `json:"complaint_rate"`
}

// WebhookEvent is the inbound shape the send collaborator posts back.
// Correlation fields round-trip through the provider as custom metadata
// attached at send time.
type WebhookEvent struct {
	EventType      string    `json:"eventType"`
	RecipientEmail string    `json:"recipientEmail"`
	Timestamp      time.Time `json:"timestamp"`
	BounceType     string    `json:"bounceType,omitempty"`
	Correlation    struct {
		CampaignID string `json:"campaignId"`
		EmailLogID string `json:"emailLogId"`
		UserID     string `json:"userId"`
	} `json:"correlation"`
	Click *struct {
		URL string `json:"url"`
	} `json:"click,omitempty"`
}

package domain

import "time"

// EmailMessage is the fully-resolved message handed to the send
// collaborator. By the time a message reaches this struct, variant
// selection, subject substitution, and tracking injection are complete.
type EmailMessage struct {
	ID         string            `json:"id"`
	CampaignID string            `json:"campaign_id"`
	UserID     string            `json:"user_id"`
	To         string            `json:"to"`
	Subject    string            `json:"subject"`
	HTML       string            `json:"html"`
	Text       string            `json:"text,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// SendResult is returned by the send collaborator after attempting delivery.
type SendResult struct {
	Success   bool      `json:"success"`
	MessageID string    `json:"message_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

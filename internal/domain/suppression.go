package domain

import "time"

// BounceType classifies an inbound delivery failure event.
type BounceType string

const (
	BounceHard    BounceType = "hard"
	BounceSoft    BounceType = "soft"
	BounceBlock   BounceType = "block"
	BounceSpam    BounceType = "spam"
	BounceInvalid BounceType = "invalid"
)

// BounceRecord is a single bounce/complaint notification from the send
// collaborator's webhook.
type BounceRecord struct {
	Email      string     `json:"email"`
	Type       BounceType `json:"type"`
	Code       string     `json:"code,omitempty"`
	Diagnostic string     `json:"diagnostic,omitempty"`
	CampaignID string     `json:"campaign_id,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// SuppressionReason enumerates why an email was suppressed.
type SuppressionReason string

const (
	ReasonHardBounce      SuppressionReason = "hard_bounce"
	ReasonSoftBounceLimit SuppressionReason = "soft_bounce_limit"
	ReasonSpamComplaint   SuppressionReason = "spam_complaint"
	ReasonUnsubscribe     SuppressionReason = "unsubscribe"
	ReasonManual          SuppressionReason = "manual"
	ReasonInvalidFormat   SuppressionReason = "invalid_format"
	ReasonRoleAccount     SuppressionReason = "role_account"
	ReasonDisposable      SuppressionReason = "disposable_domain"
)

// SuppressionEntry is a permanent do-not-send flag on a normalized email.
// Presence blocks sends until the entry is explicitly removed.
type SuppressionEntry struct {
	Email        string            `json:"email" db:"email"`
	Reason       SuppressionReason `json:"reason" db:"reason"`
	BounceCount  int               `json:"bounce_count" db:"bounce_count"`
	FirstBounce  time.Time         `json:"first_bounce" db:"first_bounce"`
	LastBounce   time.Time         `json:"last_bounce" db:"last_bounce"`
	SuppressedAt time.Time         `json:"suppressed_at" db:"suppressed_at"`
}

// SoftBounceTracker accumulates soft bounces toward suppression. It exists
// only while the count is below the suppression threshold; it is deleted on
// suppression or window expiry.
type SoftBounceTracker struct {
	Email         string    `json:"email" db:"email"`
	Count         int       `json:"count" db:"count"`
	FirstBounceAt time.Time `json:"first_bounce_at" db:"first_bounce_at"`
	LastBounceAt  time.Time `json:"last_bounce_at" db:"last_bounce_at"`
	NextRetryAt   time.Time `json:"next_retry_at" db:"next_retry_at"`
	RetryAttempts int       `json:"retry_attempts" db:"retry_attempts"`
}

// SendCheck is the result of a pre-send suppression/backoff gate.
type SendCheck struct {
	CanSend    bool              `json:"can_send"`
	Reason     SuppressionReason `json:"reason,omitempty"`
	RetryAfter *time.Time        `json:"retry_after,omitempty"`
}

// ValidationReason enumerates why an address failed validation.
type ValidationReason string

const (
	ValidationOK         ValidationReason = ""
	ValidationBadFormat  ValidationReason = "invalid_format"
	ValidationSuppressed ValidationReason = "suppressed"
	ValidationRole       ValidationReason = "role_account"
	ValidationDisposable ValidationReason = "disposable_domain"
	ValidationTypo       ValidationReason = "possible_typo"
)

// EmailValidation is the outcome of address validation. ShouldSuppress
// tells the caller whether the validator added (or should add) the address
// to the suppression list; typo detection is advisory only.
type EmailValidation struct {
	Valid          bool             `json:"valid"`
	Reason         ValidationReason `json:"reason,omitempty"`
	ShouldSuppress bool             `json:"should_suppress"`
	Suggestion     string           `json:"suggestion,omitempty"`
}

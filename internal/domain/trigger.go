package domain

import "time"

// ConditionOperator is the restricted operator set trigger conditions
// support. Trigger conditions check event metadata, not user profiles, so
// the set is intentionally smaller than the segment rule operators.
type ConditionOperator string

const (
	CondEquals      ConditionOperator = "equals"
	CondNotEquals   ConditionOperator = "not_equals"
	CondExists      ConditionOperator = "exists"
	CondGreaterThan ConditionOperator = "greater_than"
	CondLessThan    ConditionOperator = "less_than"
)

// TriggerCondition is one AND-combined check against event metadata.
type TriggerCondition struct {
	Field    string            `json:"field"`
	Operator ConditionOperator `json:"operator"`
	Value    any               `json:"value,omitempty"`
}

// TriggerConfig binds a business event type to an email template. Many
// configs may exist for the same event type; every enabled config whose
// conditions pass fires independently.
type TriggerConfig struct {
	ID           string             `json:"id" db:"id"`
	Event        string             `json:"event" db:"event"`
	TemplateID   string             `json:"template_id" db:"template_id"`
	Subject      string             `json:"subject" db:"subject"`
	DelayMinutes int                `json:"delay_minutes" db:"delay_minutes"`
	Conditions   []TriggerCondition `json:"conditions,omitempty"`
	SegmentID    string             `json:"segment_id,omitempty" db:"segment_id"`
	SequenceID   string             `json:"sequence_id,omitempty" db:"sequence_id"`
	ABTestID     string             `json:"ab_test_id,omitempty" db:"ab_test_id"`
	CampaignID   string             `json:"campaign_id,omitempty" db:"campaign_id"`
	Enabled      bool               `json:"enabled" db:"enabled"`
	CreatedAt    time.Time          `json:"created_at" db:"created_at"`
}

// EventData is an inbound business event from the trading platform.
type EventData struct {
	Event    string         `json:"event"`
	UserID   string         `json:"user_id"`
	Email    string         `json:"email"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ScheduledEmailStatus enumerates the lifecycle of a delayed send.
// Transitions are monotonic: once a scheduled email leaves PENDING it
// never changes status again.
type ScheduledEmailStatus string

const (
	SchedulePending   ScheduledEmailStatus = "PENDING"
	ScheduleSent      ScheduledEmailStatus = "SENT"
	ScheduleFailed    ScheduledEmailStatus = "FAILED"
	ScheduleCancelled ScheduledEmailStatus = "CANCELLED"
)

// ScheduledEmail is a delayed send armed by the trigger dispatcher.
type ScheduledEmail struct {
	ID         string               `json:"id" db:"id"`
	TriggerID  string               `json:"trigger_id" db:"trigger_id"`
	UserID     string               `json:"user_id" db:"user_id"`
	Email      string               `json:"email" db:"email"`
	Subject    string               `json:"subject" db:"subject"`
	TemplateID string               `json:"template_id" db:"template_id"`
	Metadata   map[string]any       `json:"metadata,omitempty" db:"metadata"`
	SendAt     time.Time            `json:"send_at" db:"send_at"`
	Status     ScheduledEmailStatus `json:"status" db:"status"`
	Error      string               `json:"error,omitempty" db:"error"`
	CreatedAt  time.Time            `json:"created_at" db:"created_at"`
}

// IsTerminal reports whether the scheduled email reached a final state.
func (s *ScheduledEmail) IsTerminal() bool {
	return s.Status != SchedulePending
}

// SequenceStep is one timed email inside a drip sequence.
type SequenceStep struct {
	TemplateID string `json:"template_id"`
	Subject    string `json:"subject"`
	DelayHours int    `json:"delay_hours"`
}

// Sequence is an ordered series of delayed emails attached to a trigger.
type Sequence struct {
	ID        string         `json:"id" db:"id"`
	Name      string         `json:"name" db:"name"`
	Steps     []SequenceStep `json:"steps"`
	Enabled   bool           `json:"enabled" db:"enabled"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

// SequenceRunStatus enumerates the lifecycle of a sequence enrollment.
type SequenceRunStatus string

const (
	SequenceRunning   SequenceRunStatus = "running"
	SequenceCompleted SequenceRunStatus = "completed"
	SequenceFailed    SequenceRunStatus = "failed"
	SequenceCancelled SequenceRunStatus = "cancelled"
)

// SequenceRun tracks one user's progress through a drip sequence.
type SequenceRun struct {
	ID          string            `json:"id" db:"id"`
	SequenceID  string            `json:"sequence_id" db:"sequence_id"`
	UserID      string            `json:"user_id" db:"user_id"`
	Email       string            `json:"email" db:"email"`
	CurrentStep int               `json:"current_step" db:"current_step"`
	Status      SequenceRunStatus `json:"status" db:"status"`
	NextRunAt   *time.Time        `json:"next_run_at,omitempty" db:"next_run_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
}

// TriggerLogEntry is one row of the per-trigger event log. Each trigger
// fired for an event writes exactly one entry, success or failure.
type TriggerLogEntry struct {
	ID        string    `json:"id"`
	TriggerID string    `json:"trigger_id"`
	Event     string    `json:"event"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Sent      bool      `json:"sent"`
	Scheduled bool      `json:"scheduled"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

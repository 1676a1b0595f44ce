package domain

import "time"

// ABTestStatus enumerates the lifecycle states of an A/B test.
type ABTestStatus string

const (
	ABTestDraft     ABTestStatus = "draft"
	ABTestRunning   ABTestStatus = "running"
	ABTestCompleted ABTestStatus = "completed"
	ABTestPaused    ABTestStatus = "paused"
)

// WinnerMetric selects which engagement rate decides the winner.
type WinnerMetric string

const (
	MetricOpenRate       WinnerMetric = "open_rate"
	MetricClickRate      WinnerMetric = "click_rate"
	MetricConversionRate WinnerMetric = "conversion_rate"
)

// ABVariant is one competing message version with a traffic weight.
// Weights are percentages (0-100); selection walks variants in
// registration order accumulating weight.
type ABVariant struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Weight     int    `json:"weight"`
	Subject    string `json:"subject,omitempty"`
	TemplateID string `json:"template_id,omitempty"`
}

// ABTest holds the variants and decision parameters of a subject/content
// experiment. WinnerID is immutable once set.
type ABTest struct {
	ID                string       `json:"id" db:"id"`
	Name              string       `json:"name" db:"name"`
	CampaignID        string       `json:"campaign_id,omitempty" db:"campaign_id"`
	Variants          []ABVariant  `json:"variants"`
	Status            ABTestStatus `json:"status" db:"status"`
	WinnerMetric      WinnerMetric `json:"winner_metric" db:"winner_metric"`
	MinimumSampleSize int          `json:"minimum_sample_size" db:"minimum_sample_size"`
	ConfidenceLevel   float64      `json:"confidence_level" db:"confidence_level"`
	WinnerID          string       `json:"winner_id,omitempty" db:"winner_id"`
	CreatedAt         time.Time    `json:"created_at" db:"created_at"`
	CompletedAt       *time.Time   `json:"completed_at,omitempty" db:"completed_at"`
}

// ABTestResult carries per-variant counters and derived rates.
type ABTestResult struct {
	VariantID      string  `json:"variant_id"`
	Sent           int     `json:"sent"`
	Opened         int     `json:"opened"`
	Clicked        int     `json:"clicked"`
	Converted      int     `json:"converted"`
	OpenRate       float64 `json:"open_rate"`
	ClickRate      float64 `json:"click_rate"`
	ConversionRate float64 `json:"conversion_rate"`
	Confidence     float64 `json:"confidence"`
	IsWinner       bool    `json:"is_winner"`
}

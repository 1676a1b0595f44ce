// Package storage defines the persistence ports for the orchestration
// engine plus two adapters: an in-memory implementation used by tests and
// single-process deployments, and a Postgres implementation for production.
//
// The engine components depend only on these interfaces; in-process maps
// are a cache over the store, never the system of record.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/tdmboyd-dev/TIME-sub002/internal/domain"
)

// ErrNotFound is returned by Get operations for unknown ids. Callers that
// treat missing rows as a soft condition check for it with errors.Is.
var ErrNotFound = errors.New("storage: not found")

// SegmentStore persists segment definitions.
type SegmentStore interface {
	CreateSegment(ctx context.Context, s *domain.Segment) error
	GetSegment(ctx context.Context, id string) (*domain.Segment, error)
	UpdateSegment(ctx context.Context, s *domain.Segment) error
	DeleteSegment(ctx context.Context, id string) error
	ListSegments(ctx context.Context) ([]domain.Segment, error)
}

// TriggerStore persists trigger configurations.
type TriggerStore interface {
	CreateTrigger(ctx context.Context, t *domain.TriggerConfig) error
	GetTrigger(ctx context.Context, id string) (*domain.TriggerConfig, error)
	ListTriggersByEvent(ctx context.Context, event string) ([]domain.TriggerConfig, error)
	UpdateTrigger(ctx context.Context, t *domain.TriggerConfig) error
	DeleteTrigger(ctx context.Context, id string) error
}

// ABTestStore persists A/B test definitions and results.
type ABTestStore interface {
	CreateABTest(ctx context.Context, t *domain.ABTest) error
	GetABTest(ctx context.Context, id string) (*domain.ABTest, error)
	UpdateABTest(ctx context.Context, t *domain.ABTest) error
}

// SuppressionStore persists suppression entries and soft-bounce trackers.
type SuppressionStore interface {
	UpsertSuppression(ctx context.Context, e *domain.SuppressionEntry) error
	GetSuppression(ctx context.Context, email string) (*domain.SuppressionEntry, error)
	DeleteSuppression(ctx context.Context, email string) error
	ListSuppressions(ctx context.Context) ([]domain.SuppressionEntry, error)

	UpsertSoftBounce(ctx context.Context, t *domain.SoftBounceTracker) error
	GetSoftBounce(ctx context.Context, email string) (*domain.SoftBounceTracker, error)
	DeleteSoftBounce(ctx context.Context, email string) error
}

// ScheduledEmailStore persists delayed sends.
type ScheduledEmailStore interface {
	CreateScheduledEmail(ctx context.Context, e *domain.ScheduledEmail) error
	GetScheduledEmail(ctx context.Context, id string) (*domain.ScheduledEmail, error)
	UpdateScheduledEmailStatus(ctx context.Context, id string, status domain.ScheduledEmailStatus, errMsg string) error
}

// SequenceStore persists drip sequences and their enrollments.
type SequenceStore interface {
	CreateSequence(ctx context.Context, s *domain.Sequence) error
	GetSequence(ctx context.Context, id string) (*domain.Sequence, error)
	CreateSequenceRun(ctx context.Context, r *domain.SequenceRun) error
	UpdateSequenceRun(ctx context.Context, r *domain.SequenceRun) error
	ExistsSequenceRun(ctx context.Context, userID, sequenceID string) (bool, error)
	ListDueSequenceRuns(ctx context.Context, before time.Time, limit int) ([]domain.SequenceRun, error)
}

// Store aggregates every port; both adapters implement the whole set.
type Store interface {
	SegmentStore
	TriggerStore
	ABTestStore
	SuppressionStore
	ScheduledEmailStore
	SequenceStore
}

package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tdmboyd-dev/TIME-sub002/internal/domain"
)

// Memory is a mutex-guarded in-memory implementation of Store. It backs
// tests and single-process deployments; every map is keyed the same way the
// Postgres adapter keys its rows.
type Memory struct {
	mu sync.RWMutex

	segments    map[string]domain.Segment
	triggers    map[string]domain.TriggerConfig
	triggerSeq  map[string]int
	nextSeq     int
	abTests     map[string]domain.ABTest
	suppressed  map[string]domain.SuppressionEntry
	softBounces map[string]domain.SoftBounceTracker
	scheduled   map[string]domain.ScheduledEmail
	sequences   map[string]domain.Sequence
	runs        map[string]domain.SequenceRun
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		segments:    make(map[string]domain.Segment),
		triggers:    make(map[string]domain.TriggerConfig),
		triggerSeq:  make(map[string]int),
		abTests:     make(map[string]domain.ABTest),
		suppressed:  make(map[string]domain.SuppressionEntry),
		softBounces: make(map[string]domain.SoftBounceTracker),
		scheduled:   make(map[string]domain.ScheduledEmail),
		sequences:   make(map[string]domain.Sequence),
		runs:        make(map[string]domain.SequenceRun),
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ---- SegmentStore ----

func (m *Memory) CreateSegment(_ context.Context, s *domain.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segments[s.ID] = *s
	return nil
}

func (m *Memory) GetSegment(_ context.Context, id string) (*domain.Segment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.segments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *Memory) UpdateSegment(_ context.Context, s *domain.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.segments[s.ID]; !ok {
		return ErrNotFound
	}
	m.segments[s.ID] = *s
	return nil
}

func (m *Memory) DeleteSegment(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.segments, id)
	return nil
}

func (m *Memory) ListSegments(_ context.Context) ([]domain.Segment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Segment, 0, len(m.segments))
	for _, s := range m.segments {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---- TriggerStore ----

func (m *Memory) CreateTrigger(_ context.Context, t *domain.TriggerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.triggerSeq[t.ID]; !ok {
		m.triggerSeq[t.ID] = m.nextSeq
		m.nextSeq++
	}
	m.triggers[t.ID] = *t
	return nil
}

func (m *Memory) GetTrigger(_ context.Context, id string) (*domain.TriggerConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.triggers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (m *Memory) ListTriggersByEvent(_ context.Context, event string) ([]domain.TriggerConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.TriggerConfig
	for _, t := range m.triggers {
		if t.Event == event {
			out = append(out, t)
		}
	}
	// Registration order matters for per-event processing; the insertion
	// sequence breaks CreatedAt ties, which a coarse clock makes common.
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return m.triggerSeq[out[i].ID] < m.triggerSeq[out[j].ID]
	})
	return out, nil
}

func (m *Memory) UpdateTrigger(_ context.Context, t *domain.TriggerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.triggers[t.ID]; !ok {
		return ErrNotFound
	}
	m.triggers[t.ID] = *t
	return nil
}

func (m *Memory) DeleteTrigger(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.triggers, id)
	return nil
}

// ---- ABTestStore ----

func (m *Memory) CreateABTest(_ context.Context, t *domain.ABTest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abTests[t.ID] = *t
	return nil
}

func (m *Memory) GetABTest(_ context.Context, id string) (*domain.ABTest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.abTests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (m *Memory) UpdateABTest(_ context.Context, t *domain.ABTest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.abTests[t.ID]; !ok {
		return ErrNotFound
	}
	m.abTests[t.ID] = *t
	return nil
}

// ---- SuppressionStore ----

func (m *Memory) UpsertSuppression(_ context.Context, e *domain.SuppressionEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suppressed[normalizeEmail(e.Email)] = *e
	return nil
}

func (m *Memory) GetSuppression(_ context.Context, email string) (*domain.SuppressionEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.suppressed[normalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (m *Memory) DeleteSuppression(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.suppressed, normalizeEmail(email))
	return nil
}

func (m *Memory) ListSuppressions(_ context.Context) ([]domain.SuppressionEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.SuppressionEntry, 0, len(m.suppressed))
	for _, e := range m.suppressed {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (m *Memory) UpsertSoftBounce(_ context.Context, t *domain.SoftBounceTracker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.softBounces[normalizeEmail(t.Email)] = *t
	return nil
}

func (m *Memory) GetSoftBounce(_ context.Context, email string) (*domain.SoftBounceTracker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.softBounces[normalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (m *Memory) DeleteSoftBounce(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.softBounces, normalizeEmail(email))
	return nil
}

// ---- ScheduledEmailStore ----

func (m *Memory) CreateScheduledEmail(_ context.Context, e *domain.ScheduledEmail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduled[e.ID] = *e
	return nil
}

func (m *Memory) GetScheduledEmail(_ context.Context, id string) (*domain.ScheduledEmail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.scheduled[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (m *Memory) UpdateScheduledEmailStatus(_ context.Context, id string, status domain.ScheduledEmailStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.scheduled[id]
	if !ok {
		return ErrNotFound
	}
	// Terminal statuses never change again.
	if e.IsTerminal() {
		return nil
	}
	e.Status = status
	e.Error = errMsg
	m.scheduled[id] = e
	return nil
}

// ListScheduledEmails returns every scheduled email ordered by send time.
func (m *Memory) ListScheduledEmails(_ context.Context) ([]domain.ScheduledEmail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.ScheduledEmail, 0, len(m.scheduled))
	for _, e := range m.scheduled {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SendAt.Before(out[j].SendAt) })
	return out, nil
}

// ---- SequenceStore ----

func (m *Memory) CreateSequence(_ context.Context, s *domain.Sequence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequences[s.ID] = *s
	return nil
}

func (m *Memory) GetSequence(_ context.Context, id string) (*domain.Sequence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sequences[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *Memory) CreateSequenceRun(_ context.Context, r *domain.SequenceRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ID] = *r
	return nil
}

func (m *Memory) UpdateSequenceRun(_ context.Context, r *domain.SequenceRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; !ok {
		return ErrNotFound
	}
	m.runs[r.ID] = *r
	return nil
}

func (m *Memory) ExistsSequenceRun(_ context.Context, userID, sequenceID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.runs {
		if r.UserID == userID && r.SequenceID == sequenceID &&
			(r.Status == domain.SequenceRunning || r.Status == domain.SequenceCompleted) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) ListDueSequenceRuns(_ context.Context, before time.Time, limit int) ([]domain.SequenceRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.SequenceRun
	for _, r := range m.runs {
		if r.Status == domain.SequenceRunning && r.NextRunAt != nil && !r.NextRunAt.After(before) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(*out[j].NextRunAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

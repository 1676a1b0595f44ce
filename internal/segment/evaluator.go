package segment

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tdmboyd-dev/TIME-sub002/internal/domain"
	"github.com/tdmboyd-dev/TIME-sub002/internal/pkg/logger"
	"github.com/tdmboyd-dev/TIME-sub002/internal/storage"
)

// Evaluator resolves segment membership by walking a segment's rule tree
// against a user profile snapshot. Results are cached per (segment, user)
// pair; any segment write invalidates the whole cache.
type Evaluator struct {
	store storage.SegmentStore
	cache *membershipCache
	log   *logger.Logger
	now   func() time.Time
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClock overrides the time source, used by relative-date operators and
// cache expiry.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// WithCacheTTL overrides the default five-minute membership cache TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(e *Evaluator) { e.cache.ttl = ttl }
}

// NewEvaluator creates an evaluator backed by the given segment store.
func NewEvaluator(store storage.SegmentStore, opts ...Option) *Evaluator {
	e := &Evaluator{
		store: store,
		cache: newMembershipCache(5 * time.Minute),
		log:   logger.With("segment"),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ==========================================
// SEGMENT CRUD
// ==========================================

// CreateSegment validates and persists a new segment.
func (e *Evaluator) CreateSegment(ctx context.Context, s *domain.Segment) error {
	if errs := ValidateGroup(s.Root); len(errs) > 0 {
		return fmt.Errorf("invalid segment rules: %s", strings.Join(errs, "; "))
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := e.now()
	s.CreatedAt = now
	s.UpdatedAt = now
	if err := e.store.CreateSegment(ctx, s); err != nil {
		return err
	}
	e.cache.invalidateAll()
	return nil
}

// UpdateSegment persists rule changes and drops all cached memberships.
func (e *Evaluator) UpdateSegment(ctx context.Context, s *domain.Segment) error {
	if errs := ValidateGroup(s.Root); len(errs) > 0 {
		return fmt.Errorf("invalid segment rules: %s", strings.Join(errs, "; "))
	}
	s.UpdatedAt = e.now()
	if err := e.store.UpdateSegment(ctx, s); err != nil {
		return err
	}
	e.cache.invalidateAll()
	return nil
}

// DeleteSegment removes a segment and drops all cached memberships.
func (e *Evaluator) DeleteSegment(ctx context.Context, id string) error {
	if err := e.store.DeleteSegment(ctx, id); err != nil {
		return err
	}
	e.cache.invalidateAll()
	return nil
}

// ==========================================
// MEMBERSHIP
// ==========================================

// IsMember reports whether the profile currently satisfies the segment's
// rule tree. A cached answer younger than the TTL is returned as-is.
func (e *Evaluator) IsMember(ctx context.Context, segmentID string, profile *domain.UserProfile) (bool, error) {
	if cached, ok := e.cache.get(segmentID, profile.ID, e.now()); ok {
		return cached, nil
	}

	seg, err := e.store.GetSegment(ctx, segmentID)
	if err != nil {
		return false, fmt.Errorf("get segment: %w", err)
	}

	match := e.EvaluateGroup(seg.Root, profile.Fields())
	e.cache.put(segmentID, profile.ID, match, e.now())
	return match, nil
}

// FilterMembers evaluates a batch of profiles against one segment and
// returns the matching subset, preserving input order.
func (e *Evaluator) FilterMembers(ctx context.Context, segmentID string, profiles []*domain.UserProfile) ([]*domain.UserProfile, error) {
	seg, err := e.store.GetSegment(ctx, segmentID)
	if err != nil {
		return nil, fmt.Errorf("get segment: %w", err)
	}

	now := e.now()
	var out []*domain.UserProfile
	for _, p := range profiles {
		match := e.EvaluateGroup(seg.Root, p.Fields())
		e.cache.put(segmentID, p.ID, match, now)
		if match {
			out = append(out, p)
		}
	}
	return out, nil
}

// EvaluateGroup walks one rule group. AND groups short-circuit on the
// first false, OR groups on the first true. A group with no rules and no
// child groups matches everything.
func (e *Evaluator) EvaluateGroup(g domain.SegmentGroup, fields map[string]any) bool {
	if len(g.Rules) == 0 && len(g.Groups) == 0 {
		return true
	}

	switch g.Operator {
	case domain.LogicOr:
		for _, r := range g.Rules {
			if e.EvaluateRule(r, fields) {
				return true
			}
		}
		for _, child := range g.Groups {
			if e.EvaluateGroup(child, fields) {
				return true
			}
		}
		return false
	default: // AND, also the fallback for an unset operator
		for _, r := range g.Rules {
			if !e.EvaluateRule(r, fields) {
				return false
			}
		}
		for _, child := range g.Groups {
			if !e.EvaluateGroup(child, fields) {
				return false
			}
		}
		return true
	}
}

// EvaluateRule applies a single rule against the flattened profile fields.
// Unknown operators and uncomparable values evaluate to false, never panic.
func (e *Evaluator) EvaluateRule(r domain.SegmentRule, fields map[string]any) bool {
	actual, present := fields[r.Field]

	switch r.Operator {
	case domain.OpExists:
		return present && actual != nil
	case domain.OpNotExists:
		return !present || actual == nil
	}

	if !present || actual == nil {
		return false
	}

	switch r.Operator {
	case domain.OpEquals:
		return valueEquals(actual, r.Value)
	case domain.OpNotEquals:
		return !valueEquals(actual, r.Value)
	case domain.OpContains:
		return contains(actual, r.Value)
	case domain.OpNotContains:
		return !contains(actual, r.Value)
	case domain.OpGreaterThan:
		return compareNumeric(actual, r.Value, func(a, b float64) bool { return a > b })
	case domain.OpLessThan:
		return compareNumeric(actual, r.Value, func(a, b float64) bool { return a < b })
	case domain.OpGreaterOrEqual:
		return compareNumeric(actual, r.Value, func(a, b float64) bool { return a >= b })
	case domain.OpLessOrEqual:
		return compareNumeric(actual, r.Value, func(a, b float64) bool { return a <= b })
	case domain.OpIn:
		return inList(actual, r.Value)
	case domain.OpNotIn:
		return !inList(actual, r.Value)
	case domain.OpBetween:
		return between(actual, r.Value)
	case domain.OpBefore:
		t, ok1 := toTime(actual)
		bound, ok2 := toTime(r.Value)
		return ok1 && ok2 && t.Before(bound)
	case domain.OpAfter:
		t, ok1 := toTime(actual)
		bound, ok2 := toTime(r.Value)
		return ok1 && ok2 && t.After(bound)
	case domain.OpWithinDays:
		t, ok1 := toTime(actual)
		days, ok2 := toFloat(r.Value)
		if !ok1 || !ok2 {
			return false
		}
		age := e.now().Sub(t)
		return age <= time.Duration(days*float64(24*time.Hour))
	case domain.OpOlderThanDays:
		t, ok1 := toTime(actual)
		days, ok2 := toFloat(r.Value)
		if !ok1 || !ok2 {
			return false
		}
		age := e.now().Sub(t)
		return age > time.Duration(days*float64(24*time.Hour))
	default:
		e.log.Warn("unknown rule operator", "operator", string(r.Operator), "field", r.Field)
		return false
	}
}

// ==========================================
// VALIDATION
// ==========================================

var knownOperators = map[domain.RuleOperator]bool{
	domain.OpEquals: true, domain.OpNotEquals: true,
	domain.OpContains: true, domain.OpNotContains: true,
	domain.OpGreaterThan: true, domain.OpLessThan: true,
	domain.OpGreaterOrEqual: true, domain.OpLessOrEqual: true,
	domain.OpIn: true, domain.OpNotIn: true,
	domain.OpExists: true, domain.OpNotExists: true,
	domain.OpBetween: true, domain.OpBefore: true, domain.OpAfter: true,
	domain.OpWithinDays: true, domain.OpOlderThanDays: true,
}

// ValidateGroup walks a rule tree and collects every problem it finds.
func ValidateGroup(g domain.SegmentGroup) []string {
	var errs []string
	if g.Operator != domain.LogicAnd && g.Operator != domain.LogicOr && g.Operator != "" {
		errs = append(errs, fmt.Sprintf("unknown logic operator: %s", g.Operator))
	}
	for _, r := range g.Rules {
		if r.Field == "" {
			errs = append(errs, "rule is missing a field")
		}
		if !knownOperators[r.Operator] {
			errs = append(errs, fmt.Sprintf("unknown operator: %s", r.Operator))
			continue
		}
		switch r.Operator {
		case domain.OpExists, domain.OpNotExists:
			// No value required.
		case domain.OpBetween:
			if vals, ok := toAnySlice(r.Value); !ok || len(vals) != 2 {
				errs = append(errs, fmt.Sprintf("operator between requires exactly two values for field %s", r.Field))
			}
		case domain.OpIn, domain.OpNotIn:
			if _, ok := toAnySlice(r.Value); !ok {
				errs = append(errs, fmt.Sprintf("operator %s requires a list of values for field %s", r.Operator, r.Field))
			}
		default:
			if r.Value == nil {
				errs = append(errs, fmt.Sprintf("operator %s requires a value for field %s", r.Operator, r.Field))
			}
		}
	}
	for _, child := range g.Groups {
		errs = append(errs, ValidateGroup(child)...)
	}
	return errs
}

// ==========================================
// VALUE COERCION
// ==========================================

// valueEquals compares within a single type class. Numeric Go types are
// normalized (JSON decoding yields float64 where literals carry int), but a
// number never equals its string form.
func valueEquals(a, b any) bool {
	_, aIsStr := a.(string)
	_, bIsStr := b.(string)
	if aIsStr != bIsStr {
		return false
	}
	if aIsStr {
		return a == b
	}
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	if ab, aok := a.(bool); aok {
		bb, bok := b.(bool)
		return bok && ab == bb
	}
	return toString(a) == toString(b)
}

func contains(actual, value any) bool {
	if items, ok := toAnySlice(actual); ok {
		for _, item := range items {
			if valueEquals(item, value) {
				return true
			}
		}
		return false
	}
	return strings.Contains(toString(actual), toString(value))
}

func inList(actual, value any) bool {
	items, ok := toAnySlice(value)
	if !ok {
		return false
	}
	for _, item := range items {
		if valueEquals(actual, item) {
			return true
		}
	}
	return false
}

func between(actual, value any) bool {
	bounds, ok := toAnySlice(value)
	if !ok || len(bounds) != 2 {
		return false
	}
	a, aok := toFloat(actual)
	lo, lok := toFloat(bounds[0])
	hi, hok := toFloat(bounds[1])
	if aok && lok && hok {
		return a >= lo && a <= hi
	}
	t, tok := toTime(actual)
	loT, loTok := toTime(bounds[0])
	hiT, hiTok := toTime(bounds[1])
	if tok && loTok && hiTok {
		return !t.Before(loT) && !t.After(hiT)
	}
	return false
}

func compareNumeric(actual, value any, cmp func(a, b float64) bool) bool {
	a, aok := toFloat(actual)
	b, bok := toFloat(value)
	if aok && bok {
		return cmp(a, b)
	}
	// Dates compare through their unix representation.
	at, atok := toTime(actual)
	bt, btok := toTime(value)
	if atok && btok {
		return cmp(float64(at.UnixNano()), float64(bt.UnixNano()))
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func toAnySlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out, true
	case []float64:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out, true
	case []int:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out, true
	}
	return nil, false
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

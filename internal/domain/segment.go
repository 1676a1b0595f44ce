package domain

import "time"

// RuleOperator is a comparison operator applied by a segment rule.
type RuleOperator string

const (
	OpEquals         RuleOperator = "equals"
	OpNotEquals      RuleOperator = "not_equals"
	OpContains       RuleOperator = "contains"
	OpNotContains    RuleOperator = "not_contains"
	OpGreaterThan    RuleOperator = "greater_than"
	OpLessThan       RuleOperator = "less_than"
	OpGreaterOrEqual RuleOperator = "greater_or_equal"
	OpLessOrEqual    RuleOperator = "less_or_equal"
	OpIn             RuleOperator = "in"
	OpNotIn          RuleOperator = "not_in"
	OpExists         RuleOperator = "exists"
	OpNotExists      RuleOperator = "not_exists"
	OpBetween        RuleOperator = "between"
	OpBefore         RuleOperator = "before"
	OpAfter          RuleOperator = "after"
	OpWithinDays     RuleOperator = "within_days"
	OpOlderThanDays  RuleOperator = "older_than_days"
)

// LogicOperator combines the children of a segment group.
type LogicOperator string

const (
	LogicAnd LogicOperator = "AND"
	LogicOr  LogicOperator = "OR"
)

// SegmentRule compares a single dotted-path profile field against a value.
type SegmentRule struct {
	Field    string       `json:"field"`
	Operator RuleOperator `json:"operator"`
	Value    any          `json:"value,omitempty"`
}

// SegmentGroup is a boolean node in a segment's rule tree. Children are
// evaluated in order; Rules and Groups are siblings under the same operator.
type SegmentGroup struct {
	Operator LogicOperator  `json:"operator"`
	Rules    []SegmentRule  `json:"rules,omitempty"`
	Groups   []SegmentGroup `json:"groups,omitempty"`
}

// Segment is a named rule tree used to target an audience. The tree is
// immutable during evaluation; updates go through the store, which must
// invalidate any cached membership.
type Segment struct {
	ID          string       `json:"id" db:"id"`
	Name        string       `json:"name" db:"name"`
	Description string       `json:"description,omitempty" db:"description"`
	Root        SegmentGroup `json:"root" db:"root"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at" db:"updated_at"`
}

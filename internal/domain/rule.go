package domain

import "time"

// RuleDescriptor describes a rule loaded into the scoring engine.
type RuleDescriptor struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	AlertType AlertType `json:"alertType"`
	Severity  Severity  `json:"severity"`

	// MaxDelta is the largest score contribution the rule can make. Must be >= 0.
	MaxDelta float64 `json:"maxDelta"`

	// Kind is "builtin" or "expression".
	Kind string `json:"kind"`
}

// Rule kinds.
const (
	RuleKindBuiltin    = "builtin"
	RuleKindExpression = "expression"
)

// RuleConfig is an operator-defined expression rule.
type RuleConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`

	// CEL expression returning bool; true means the rule fired.
	Expression string `json:"expression"`

	ScoreDelta float64   `json:"scoreDelta"`
	AlertType  AlertType `json:"alertType"`
	Severity   Severity  `json:"severity"`

	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}

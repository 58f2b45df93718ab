package rules

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine runs an immutable, ordered rule list over transactions.
// An Engine has no mutable state and is safe for concurrent use.
type Engine struct {
	rules       []Rule
	descriptors []domain.RuleDescriptor
}

// NewEngine validates the rule list and fixes its evaluation order.
// It returns a *domain.ConfigurationError when the list is empty, a rule is nil,
// two rules share an ID, or a rule declares a negative delta.
func NewEngine(rules ...Rule) (*Engine, error) {
	if len(rules) == 0 {
		return nil, &domain.ConfigurationError{Reason: "rule set is empty"}
	}

	seen := make(map[string]bool, len(rules))
	descriptors := make([]domain.RuleDescriptor, 0, len(rules))
	for i, r := range rules {
		if r == nil {
			return nil, &domain.ConfigurationError{Reason: fmt.Sprintf("rule at position %d is nil", i)}
		}
		d := r.Descriptor()
		if d.ID == "" {
			return nil, &domain.ConfigurationError{Reason: fmt.Sprintf("rule at position %d has no id", i)}
		}
		if seen[d.ID] {
			return nil, &domain.ConfigurationError{RuleID: d.ID, Reason: "duplicate rule id"}
		}
		if d.MaxDelta < 0 || math.IsNaN(d.MaxDelta) {
			return nil, &domain.ConfigurationError{RuleID: d.ID, Reason: fmt.Sprintf("score delta %v is negative", d.MaxDelta)}
		}
		seen[d.ID] = true
		descriptors = append(descriptors, d)
	}

	return &Engine{
		rules:       append([]Rule(nil), rules...),
		descriptors: descriptors,
	}, nil
}

// Evaluate scores a validated transaction. It never fails.
func (e *Engine) Evaluate(tx domain.Transaction) domain.ScoreResult {
	var total float64
	alerts := make([]domain.Alert, 0, len(e.rules))

	for _, r := range e.rules {
		out := r.Evaluate(tx)
		if out.ScoreDelta > 0 {
			total += out.ScoreDelta
		}
		if out.Alert != nil {
			alerts = append(alerts, *out.Alert)
		}
	}

	score := clamp(total)
	return domain.ScoreResult{
		Score:     score,
		RiskLevel: domain.RiskLevelFromScore(score),
		Alerts:    alerts,
	}
}

// Rules returns the descriptors of the loaded rules in evaluation order.
func (e *Engine) Rules() []domain.RuleDescriptor {
	return append([]domain.RuleDescriptor(nil), e.descriptors...)
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	return len(e.rules)
}

// scorePrecision drops float drift so sums such as 0.1+0.2 meet the strict
// tier thresholds exactly.
const scorePrecision = 1e9

func clamp(score float64) float64 {
	score = math.Round(score*scorePrecision) / scorePrecision
	switch {
	case score < 0 || math.IsNaN(score):
		return 0
	case score > 1:
		return 1
	}
	return score
}

// Registry holds the engine currently serving evaluations.
// Reloads swap in a freshly built engine; evaluations already holding the
// previous engine finish against it.
type Registry struct {
	current atomic.Pointer[Engine]
}

// NewRegistry creates a registry serving engine.
func NewRegistry(engine *Engine) *Registry {
	r := &Registry{}
	r.current.Store(engine)
	return r
}

// Engine returns the current engine.
func (r *Registry) Engine() *Engine {
	return r.current.Load()
}

// Swap installs engine and returns the one it replaced.
func (r *Registry) Swap(engine *Engine) *Engine {
	return r.current.Swap(engine)
}

// Evaluate scores tx with the current engine.
func (r *Registry) Evaluate(tx domain.Transaction) domain.ScoreResult {
	return r.current.Load().Evaluate(tx)
}

package rules

import (
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// Reference rule IDs.
const (
	RuleHighAmount     = "high_amount"
	RuleCriticalAmount = "critical_amount"
	RuleUnusualHour    = "unusual_hour"
	RuleExploratory    = "exploratory_signal"
)

// IsReferenceRule reports whether id belongs to the built-in rule set.
func IsReferenceRule(id string) bool {
	switch id {
	case RuleHighAmount, RuleCriticalAmount, RuleUnusualHour, RuleExploratory:
		return true
	}
	return false
}

// Reference thresholds and score contributions.
var (
	HighAmountThreshold     = decimal.NewFromInt(10_000)
	CriticalAmountThreshold = decimal.NewFromInt(50_000)
)

const (
	HighAmountDelta     = 0.3
	CriticalAmountDelta = 0.4
	UnusualHourDelta    = 0.2

	// UnusualHourStart and UnusualHourEnd bound the half-open window [2,6).
	UnusualHourStart = 2
	UnusualHourEnd   = 6

	// MaxExploratoryDelta caps the exploratory contribution.
	MaxExploratoryDelta = 0.3

	// ExploratoryAlertAbove is the contribution above which an alert is raised.
	ExploratoryAlertAbove = 0.2
)

// ReferenceRules assembles the built-in rule set in evaluation order,
// skipping rules that cfg disables.
func ReferenceRules(cfg domain.ScoringConfig, clock Clock, signal SignalProvider) []Rule {
	var rules []Rule
	if cfg.HighAmount {
		rules = append(rules, NewHighAmountRule())
	}
	if cfg.CriticalAmount {
		rules = append(rules, NewCriticalAmountRule())
	}
	if cfg.UnusualHour {
		rules = append(rules, NewUnusualHourRule(clock))
	}
	if cfg.Exploratory {
		rules = append(rules, NewExploratoryRule(signal))
	}
	return rules
}

// amountRule fires when the amount strictly exceeds a threshold.
type amountRule struct {
	desc      domain.RuleDescriptor
	threshold decimal.Decimal
	title     string
	verb      string
}

// NewHighAmountRule flags amounts above 10,000.
func NewHighAmountRule() Rule {
	return &amountRule{
		desc: domain.RuleDescriptor{
			ID:        RuleHighAmount,
			Name:      "High Amount",
			AlertType: domain.AlertHighAmount,
			Severity:  domain.SeverityHigh,
			MaxDelta:  HighAmountDelta,
			Kind:      domain.RuleKindBuiltin,
		},
		threshold: HighAmountThreshold,
		title:     "High Amount Transaction",
		verb:      "exceeds",
	}
}

// NewCriticalAmountRule flags amounts above 50,000. It stacks with the high amount rule.
func NewCriticalAmountRule() Rule {
	return &amountRule{
		desc: domain.RuleDescriptor{
			ID:        RuleCriticalAmount,
			Name:      "Critical Amount",
			AlertType: domain.AlertHighAmount,
			Severity:  domain.SeverityCritical,
			MaxDelta:  CriticalAmountDelta,
			Kind:      domain.RuleKindBuiltin,
		},
		threshold: CriticalAmountThreshold,
		title:     "Critical Amount Transaction",
		verb:      "is critically above",
	}
}

func (r *amountRule) Descriptor() domain.RuleDescriptor { return r.desc }

func (r *amountRule) Evaluate(tx domain.Transaction) Outcome {
	if !tx.Amount.GreaterThan(r.threshold) {
		return Outcome{}
	}
	return Outcome{
		ScoreDelta: r.desc.MaxDelta,
		Alert: &domain.Alert{
			Type:     r.desc.AlertType,
			Severity: r.desc.Severity,
			Title:    r.title,
			Description: fmt.Sprintf("Transaction amount %s %s %s the %s threshold",
				tx.Amount.StringFixed(2), tx.Currency, r.verb, r.threshold.StringFixed(2)),
		},
	}
}

type unusualHourRule struct {
	clock Clock
}

// NewUnusualHourRule flags transactions evaluated between 02:00 and 05:59 on clock.
func NewUnusualHourRule(clock Clock) Rule {
	if clock == nil {
		clock = SystemClock{}
	}
	return &unusualHourRule{clock: clock}
}

func (r *unusualHourRule) Descriptor() domain.RuleDescriptor {
	return domain.RuleDescriptor{
		ID:        RuleUnusualHour,
		Name:      "Unusual Hour",
		AlertType: domain.AlertSuspiciousPattern,
		Severity:  domain.SeverityMedium,
		MaxDelta:  UnusualHourDelta,
		Kind:      domain.RuleKindBuiltin,
	}
}

func (r *unusualHourRule) Evaluate(domain.Transaction) Outcome {
	now := r.clock.Now()
	hour := now.Hour()
	if hour < UnusualHourStart || hour >= UnusualHourEnd {
		return Outcome{}
	}
	return Outcome{
		ScoreDelta: UnusualHourDelta,
		Alert: &domain.Alert{
			Type:        domain.AlertSuspiciousPattern,
			Severity:    domain.SeverityMedium,
			Title:       "Unusual Time Transaction",
			Description: fmt.Sprintf("Transaction occurred during unusual hours (%s)", now.Format("15:04 MST")),
		},
	}
}

type exploratoryRule struct {
	signal SignalProvider
}

// NewExploratoryRule adds the provider's signal, clamped to the closed range
// [0, 0.3] so a provider reporting exactly the cap is kept rather than nudged
// below it. A nil provider contributes nothing.
func NewExploratoryRule(signal SignalProvider) Rule {
	if signal == nil {
		signal = StaticSignal(0)
	}
	return &exploratoryRule{signal: signal}
}

func (r *exploratoryRule) Descriptor() domain.RuleDescriptor {
	return domain.RuleDescriptor{
		ID:        RuleExploratory,
		Name:      "Exploratory Signal",
		AlertType: domain.AlertMLPrediction,
		Severity:  domain.SeverityMedium,
		MaxDelta:  MaxExploratoryDelta,
		Kind:      domain.RuleKindBuiltin,
	}
}

func (r *exploratoryRule) Evaluate(tx domain.Transaction) Outcome {
	v := r.signal.Signal(tx)
	if math.IsNaN(v) || v < 0 {
		v = 0
	}
	v = math.Min(v, MaxExploratoryDelta)

	out := Outcome{ScoreDelta: v}
	if v > ExploratoryAlertAbove {
		out.Alert = &domain.Alert{
			Type:        domain.AlertMLPrediction,
			Severity:    domain.SeverityMedium,
			Title:       "ML Model Alert",
			Description: fmt.Sprintf("Exploratory model flagged this transaction (signal %.2f)", v),
		}
	}
	return out
}
